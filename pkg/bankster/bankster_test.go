package bankster

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/concent-network/concent/pkg/config"
	"github.com/concent-network/concent/pkg/message"
	"github.com/concent-network/concent/pkg/oracle"
	"github.com/concent-network/concent/pkg/store"
)

func newTestBankster(cfg *config.Config) (*Bankster, *store.MemoryControlStore, *oracle.Mock) {
	control := store.NewMemoryControlStore()
	chain := oracle.NewMock()
	if cfg == nil {
		cfg = &config.Config{}
	}
	return New(control, chain, cfg, zap.NewNop().Sugar()), control, chain
}

func addr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

func TestClaimDepositRejectsWhenRequestorDepositExhausted(t *testing.T) {
	b, _, chain := newTestBankster(nil)
	requestor, provider := addr(1), addr(2)
	chain.Deposits[requestor] = big.NewInt(100)

	// Pre-existing claim equal to the full deposit leaves no headroom.
	requestorAccount := store.DepositAccount{ClientPublicKey: []byte("r"), EthereumAddress: requestor}
	require.NoError(t, b.Control.Update(func(tx store.ControlTx) error {
		if _, err := tx.GetOrCreateClient([]byte("r")); err != nil {
			return err
		}
		if _, err := tx.GetOrCreateDepositAccount([]byte("r"), requestor); err != nil {
			return err
		}
		_, err := tx.CreateClaim(store.DepositClaim{
			PayerDepositAccount: requestorAccount,
			ConcentUseCase:      store.ForcedAcceptance,
			Amount:              100,
		})
		return err
	}))

	reqClaim, provClaim, err := b.ClaimDeposit(context.Background(), uuid.New(), store.ForcedAcceptance, requestor, provider, []byte("r"), []byte("p"), 1)
	require.NoError(t, err)
	require.Nil(t, reqClaim)
	require.Nil(t, provClaim)
}

func TestClaimDepositAdmitsAndDiscardReleases(t *testing.T) {
	b, control, chain := newTestBankster(nil)
	requestor, provider := addr(1), addr(2)
	chain.Deposits[requestor] = big.NewInt(100)

	requestorAccount := store.DepositAccount{ClientPublicKey: []byte("r"), EthereumAddress: requestor}
	require.NoError(t, control.Update(func(tx store.ControlTx) error {
		if _, err := tx.GetOrCreateClient([]byte("r")); err != nil {
			return err
		}
		if _, err := tx.GetOrCreateDepositAccount([]byte("r"), requestor); err != nil {
			return err
		}
		_, err := tx.CreateClaim(store.DepositClaim{
			PayerDepositAccount: requestorAccount,
			ConcentUseCase:      store.ForcedAcceptance,
			Amount:              30,
		})
		return err
	}))

	reqClaim, provClaim, err := b.ClaimDeposit(context.Background(), uuid.New(), store.ForcedAcceptance, requestor, provider, []byte("r"), []byte("p"), 40)
	require.NoError(t, err)
	require.Nil(t, provClaim)
	require.NotNil(t, reqClaim)
	require.Equal(t, uint64(40), reqClaim.Amount)

	var txHash [32]byte
	txHash[0] = 0xAB
	require.NoError(t, control.Update(func(tx store.ControlTx) error {
		return tx.SetClaimTxHash(reqClaim.ID, txHash)
	}))

	removed, err := b.DiscardClaim(context.Background(), reqClaim.ID)
	require.NoError(t, err)
	require.True(t, removed)

	require.Error(t, control.View(func(tx store.ControlTx) error {
		_, err := tx.GetClaim(reqClaim.ID)
		return err
	}))
}

func TestClaimDepositRollsBackWhenProviderDepositTooSmall(t *testing.T) {
	cfg := &config.Config{AdditionalVerificationCost: 10}
	b, control, chain := newTestBankster(cfg)
	requestor, provider := addr(1), addr(2)
	chain.Deposits[requestor] = big.NewInt(100)
	chain.Deposits[provider] = big.NewInt(5)

	_, _, err := b.ClaimDeposit(context.Background(), uuid.New(), store.AdditionalVerification, requestor, provider, []byte("r"), []byte("p"), 40)
	require.ErrorIs(t, err, ErrTooSmallProviderDeposit)

	var claimCount int
	require.NoError(t, control.View(func(tx store.ControlTx) error {
		requestorAccount, err := tx.GetAccount((store.DepositAccount{ClientPublicKey: []byte("r"), EthereumAddress: requestor}).ID())
		if err != nil {
			return nil
		}
		sum, err := tx.SumActiveClaims(requestorAccount.ID())
		if err != nil {
			return err
		}
		if sum > 0 {
			claimCount++
		}
		return nil
	}))
	require.Zero(t, claimCount, "requestor claim must be rolled back when the provider side fails")
}

func TestFinalizePaymentClampsToAvailableDeposit(t *testing.T) {
	b, control, chain := newTestBankster(nil)
	requestor, provider := addr(1), addr(2)
	chain.Deposits[requestor] = big.NewInt(40)

	requestorAccount := store.DepositAccount{ClientPublicKey: []byte("r"), EthereumAddress: requestor}
	subtaskID := uuid.New()
	var claim store.DepositClaim
	require.NoError(t, control.Update(func(tx store.ControlTx) error {
		if _, err := tx.GetOrCreateClient([]byte("r")); err != nil {
			return err
		}
		if _, err := tx.GetOrCreateDepositAccount([]byte("r"), requestor); err != nil {
			return err
		}
		created, err := tx.CreateClaim(store.DepositClaim{
			PayerDepositAccount:  requestorAccount,
			PayeeEthereumAddress: provider,
			SubtaskID:            &subtaskID,
			ConcentUseCase:       store.ForcedAcceptance,
			Amount:               50,
		})
		claim = created
		return err
	}))

	hash, err := b.FinalizePayment(context.Background(), claim.ID)
	require.NoError(t, err)
	require.NotNil(t, hash)

	require.Len(t, chain.ForceSubtaskCalls, 1)
	require.Equal(t, uint64(40), chain.ForceSubtaskCalls[0].Amount.Uint64())

	// ConfirmedImmediately fires the discard callback synchronously, so the
	// claim no longer exists once FinalizePayment returns.
	require.Error(t, control.View(func(tx store.ControlTx) error {
		_, err := tx.GetClaim(claim.ID)
		return err
	}))
}

func TestSettleOverdueAcceptancesCreatesForcedPaymentForOutstandingBalance(t *testing.T) {
	b, _, chain := newTestBankster(nil)
	requestor, provider := addr(1), addr(2)
	chain.Deposits[requestor] = big.NewInt(100)

	task1 := message.TaskToCompute{SubtaskID: uuid.New(), RequestorKey: []byte("r"), ProviderKey: []byte("p"), Price: 30}
	task2 := message.TaskToCompute{SubtaskID: uuid.New(), RequestorKey: []byte("r"), ProviderKey: []byte("p"), Price: 40}
	acceptances := []message.SubtaskResultsAccepted{
		{TaskToCompute: task1, PaymentTs: time.Unix(1000, 0)},
		{TaskToCompute: task2, PaymentTs: time.Unix(1200, 0)},
	}

	claim, err := b.SettleOverdueAcceptances(context.Background(), requestor, provider, []byte("r"), acceptances, time.Unix(2000, 0))
	require.NoError(t, err)
	require.NotNil(t, claim)
	require.Equal(t, uint64(70), claim.Amount)
	require.Equal(t, store.ForcedPayment, claim.ConcentUseCase)
	require.NotNil(t, claim.ClosureTime)
	require.True(t, claim.ClosureTime.Equal(time.Unix(1200, 0)))

	require.Len(t, chain.ForcePaymentCalls, 1)
	require.Equal(t, uint64(70), chain.ForcePaymentCalls[0].Amount.Uint64())
}

func TestSettleOverdueAcceptancesRejectsAcceptanceAlreadyPaidByBatchTransfer(t *testing.T) {
	b, _, chain := newTestBankster(nil)
	requestor, provider := addr(1), addr(2)
	chain.Deposits[requestor] = big.NewInt(100)

	task := message.TaskToCompute{SubtaskID: uuid.New(), RequestorKey: []byte("r"), ProviderKey: []byte("p"), Price: 30}
	acceptances := []message.SubtaskResultsAccepted{
		{TaskToCompute: task, PaymentTs: time.Unix(1000, 0)},
	}
	// A batch transfer for the same amount, timestamped at or after the
	// acceptance's payment_ts, means the provider was already paid directly;
	// forcing payment again would double-pay.
	chain.BatchTransfers = []oracle.BatchTransferEvent{
		{Amount: big.NewInt(30), Timestamp: time.Unix(1500, 0)},
	}

	claim, err := b.SettleOverdueAcceptances(context.Background(), requestor, provider, []byte("r"), acceptances, time.Unix(2000, 0))
	require.Error(t, err)
	require.Nil(t, claim)

	var bankErr *Error
	require.ErrorAs(t, err, &bankErr)
	require.Equal(t, ErrorCodeInconsistentAcceptanceTimestamp, bankErr.Code)
	require.Empty(t, chain.ForcePaymentCalls)
}
