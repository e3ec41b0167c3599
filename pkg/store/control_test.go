package store

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestAddress(b byte) [20]byte {
	var a [20]byte
	a[19] = b
	return a
}

func TestGetOrCreateClientIsIdempotent(t *testing.T) {
	s := NewMemoryControlStore()
	pub := []byte("requestor-pubkey")

	var first, second Client
	require.NoError(t, s.Update(func(tx ControlTx) error {
		var err error
		first, err = tx.GetOrCreateClient(pub)
		return err
	}))
	require.NoError(t, s.Update(func(tx ControlTx) error {
		var err error
		second, err = tx.GetOrCreateClient(pub)
		return err
	}))
	require.Equal(t, first, second)
}

func TestGetOrCreateDepositAccountUniqueByClientAndAddress(t *testing.T) {
	s := NewMemoryControlStore()
	pub := []byte("requestor-pubkey")
	addr := newTestAddress(1)

	var a1, a2 DepositAccount
	require.NoError(t, s.Update(func(tx ControlTx) error {
		var err error
		a1, err = tx.GetOrCreateDepositAccount(pub, addr)
		return err
	}))
	require.NoError(t, s.Update(func(tx ControlTx) error {
		var err error
		a2, err = tx.GetOrCreateDepositAccount(pub, addr)
		return err
	}))
	require.Equal(t, a1.ID(), a2.ID())

	require.NoError(t, s.Update(func(tx ControlTx) error {
		other, err := tx.GetOrCreateDepositAccount(pub, newTestAddress(2))
		require.NoError(t, err)
		require.NotEqual(t, a1.ID(), other.ID())
		return nil
	}))
}

func TestClaimLifecycleTxHashImmutableAndDiscardSemantics(t *testing.T) {
	s := NewMemoryControlStore()
	pub := []byte("requestor-pubkey")
	addr := newTestAddress(1)

	var claimID string
	require.NoError(t, s.Update(func(tx ControlTx) error {
		account, err := tx.GetOrCreateDepositAccount(pub, addr)
		require.NoError(t, err)
		claim, err := tx.CreateClaim(DepositClaim{
			PayerDepositAccount:  account,
			PayeeEthereumAddress: newTestAddress(2),
			ConcentUseCase:       ForcedAcceptance,
			Amount:               40,
		})
		require.NoError(t, err)
		claimID = claim.ID
		return nil
	}))

	// discard_claim on a claim with tx_hash = null is a no-op ("not removed").
	require.NoError(t, s.Update(func(tx ControlTx) error {
		removed, err := tx.DeleteClaim(claimID)
		require.NoError(t, err)
		require.False(t, removed)
		return nil
	}))

	var hash [32]byte
	hash[0] = 0xAB
	require.NoError(t, s.Update(func(tx ControlTx) error {
		return tx.SetClaimTxHash(claimID, hash)
	}))

	// tx_hash, once set, is never rewritten.
	require.NoError(t, s.Update(func(tx ControlTx) error {
		var otherHash [32]byte
		otherHash[0] = 0xCD
		err := tx.SetClaimTxHash(claimID, otherHash)
		require.ErrorIs(t, err, ErrTxHashAlreadySet)
		return nil
	}))

	require.NoError(t, s.Update(func(tx ControlTx) error {
		removed, err := tx.DeleteClaim(claimID)
		require.NoError(t, err)
		require.True(t, removed)
		return nil
	}))

	require.NoError(t, s.View(func(tx ControlTx) error {
		_, err := tx.GetClaim(claimID)
		require.ErrorIs(t, err, ErrClaimNotFound)
		return nil
	}))
}

func TestSumActiveClaimsOnlyCountsMatchingAccount(t *testing.T) {
	s := NewMemoryControlStore()
	pub := []byte("requestor-pubkey")

	var accountA, accountB DepositAccount
	require.NoError(t, s.Update(func(tx ControlTx) error {
		var err error
		accountA, err = tx.GetOrCreateDepositAccount(pub, newTestAddress(1))
		require.NoError(t, err)
		accountB, err = tx.GetOrCreateDepositAccount(pub, newTestAddress(2))
		require.NoError(t, err)

		_, err = tx.CreateClaim(DepositClaim{PayerDepositAccount: accountA, Amount: 10, ConcentUseCase: ForcedAcceptance})
		require.NoError(t, err)
		_, err = tx.CreateClaim(DepositClaim{PayerDepositAccount: accountA, Amount: 15, ConcentUseCase: ForcedAcceptance})
		require.NoError(t, err)
		_, err = tx.CreateClaim(DepositClaim{PayerDepositAccount: accountB, Amount: 100, ConcentUseCase: ForcedAcceptance})
		return err
	}))

	require.NoError(t, s.View(func(tx ControlTx) error {
		sum, err := tx.SumActiveClaims(accountA.ID())
		require.NoError(t, err)
		require.Equal(t, uint64(25), sum)
		return nil
	}))
}

func TestSubtaskCanonicalTaskToComputeRoundTrip(t *testing.T) {
	s := NewMemoryControlStore()
	id := uuid.New()

	require.NoError(t, s.Update(func(tx ControlTx) error {
		return tx.PutSubtask(Subtask{SubtaskID: id, State: SubtaskReported, TaskToCompute: []byte("canonical")})
	}))

	require.NoError(t, s.View(func(tx ControlTx) error {
		got, err := tx.GetSubtask(id)
		require.NoError(t, err)
		require.Equal(t, SubtaskReported, got.State)
		require.Equal(t, []byte("canonical"), got.TaskToCompute)
		return nil
	}))
}
