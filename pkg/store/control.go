package store

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	clientsBucket  = []byte("clients")
	accountsBucket = []byte("accounts")
	claimsBucket   = []byte("claims")
	subtasksBucket = []byte("subtasks")
)

// ControlTx is the set of operations available inside one control-store
// transaction. All of Bankster's multi-row writes run inside a single
// ControlTx, matching the "single transaction on control" requirement.
type ControlTx interface {
	GetOrCreateClient(publicKey []byte) (Client, error)
	GetOrCreateDepositAccount(clientPublicKey []byte, ethereumAddress [20]byte) (DepositAccount, error)
	GetAccount(id string) (DepositAccount, error)

	SumActiveClaims(accountID string) (uint64, error)
	CreateClaim(claim DepositClaim) (DepositClaim, error)
	GetClaim(id string) (DepositClaim, error)
	SetClaimTxHash(id string, txHash [32]byte) error
	DeleteClaim(id string) (bool, error)
	// ForceDeleteClaim removes claim id regardless of tx_hash. It backs the
	// rollback paths that undo a claim created earlier in the same Bankster
	// operation (e.g. TooSmallProviderDeposit), not the discard_claim API.
	ForceDeleteClaim(id string) error

	GetSubtask(id uuid.UUID) (Subtask, error)
	PutSubtask(subtask Subtask) error
}

// ControlStore is the Clients/DepositAccounts/DepositClaims/Subtasks store.
// Update runs fn inside a read-write transaction, rolling back on any
// returned error; View runs fn read-only.
type ControlStore interface {
	Update(fn func(ControlTx) error) error
	View(fn func(ControlTx) error) error
	Close() error
}

// BoltControlStore is the production ControlStore, backed by a single bbolt
// file. bbolt's single-writer transaction model gives Update the
// serializable, whole-store exclusion the design calls row-level locking;
// View transactions run concurrently with each other but never with an
// in-flight Update.
type BoltControlStore struct {
	db *bolt.DB
}

// OpenBoltControlStore opens (creating if absent) a bbolt-backed control
// store at path.
func OpenBoltControlStore(path string) (*BoltControlStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open control db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{clientsBucket, accountsBucket, claimsBucket, subtasksBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init control db buckets: %w", err)
	}
	return &BoltControlStore{db: db}, nil
}

func (s *BoltControlStore) Close() error { return s.db.Close() }

func (s *BoltControlStore) Update(fn func(ControlTx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error { return fn(&boltControlTx{tx: tx}) })
}

func (s *BoltControlStore) View(fn func(ControlTx) error) error {
	return s.db.View(func(tx *bolt.Tx) error { return fn(&boltControlTx{tx: tx}) })
}

type boltControlTx struct {
	tx *bolt.Tx
}

func (t *boltControlTx) GetOrCreateClient(publicKey []byte) (Client, error) {
	b := t.tx.Bucket(clientsBucket)
	c := Client{PublicKey: publicKey}
	key := []byte(c.ID())
	if existing := b.Get(key); existing != nil {
		var stored Client
		if err := json.Unmarshal(existing, &stored); err != nil {
			return Client{}, err
		}
		return stored, nil
	}
	encoded, err := json.Marshal(c)
	if err != nil {
		return Client{}, err
	}
	if err := b.Put(key, encoded); err != nil {
		return Client{}, err
	}
	return c, nil
}

func (t *boltControlTx) GetOrCreateDepositAccount(clientPublicKey []byte, ethereumAddress [20]byte) (DepositAccount, error) {
	b := t.tx.Bucket(accountsBucket)
	a := DepositAccount{ClientPublicKey: clientPublicKey, EthereumAddress: ethereumAddress}
	key := []byte(a.ID())
	if existing := b.Get(key); existing != nil {
		var stored DepositAccount
		if err := json.Unmarshal(existing, &stored); err != nil {
			return DepositAccount{}, err
		}
		return stored, nil
	}
	encoded, err := json.Marshal(a)
	if err != nil {
		return DepositAccount{}, err
	}
	if err := b.Put(key, encoded); err != nil {
		return DepositAccount{}, err
	}
	return a, nil
}

func (t *boltControlTx) GetAccount(id string) (DepositAccount, error) {
	raw := t.tx.Bucket(accountsBucket).Get([]byte(id))
	if raw == nil {
		return DepositAccount{}, ErrAccountNotFound
	}
	var a DepositAccount
	if err := json.Unmarshal(raw, &a); err != nil {
		return DepositAccount{}, err
	}
	return a, nil
}

func (t *boltControlTx) SumActiveClaims(accountID string) (uint64, error) {
	var sum uint64
	c := t.tx.Bucket(claimsBucket).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var claim DepositClaim
		if err := json.Unmarshal(v, &claim); err != nil {
			return 0, err
		}
		if claim.PayerDepositAccount.ID() == accountID {
			sum += claim.Amount
		}
	}
	return sum, nil
}

func (t *boltControlTx) CreateClaim(claim DepositClaim) (DepositClaim, error) {
	if claim.ID == "" {
		claim.ID = uuid.New().String()
	}
	encoded, err := json.Marshal(claim)
	if err != nil {
		return DepositClaim{}, err
	}
	if err := t.tx.Bucket(claimsBucket).Put([]byte(claim.ID), encoded); err != nil {
		return DepositClaim{}, err
	}
	return claim, nil
}

func (t *boltControlTx) GetClaim(id string) (DepositClaim, error) {
	raw := t.tx.Bucket(claimsBucket).Get([]byte(id))
	if raw == nil {
		return DepositClaim{}, ErrClaimNotFound
	}
	var claim DepositClaim
	if err := json.Unmarshal(raw, &claim); err != nil {
		return DepositClaim{}, err
	}
	return claim, nil
}

func (t *boltControlTx) SetClaimTxHash(id string, txHash [32]byte) error {
	claim, err := t.GetClaim(id)
	if err != nil {
		return err
	}
	if claim.TxHash != nil {
		return ErrTxHashAlreadySet
	}
	claim.TxHash = &txHash
	_, err = t.CreateClaim(claim)
	return err
}

func (t *boltControlTx) DeleteClaim(id string) (bool, error) {
	claim, err := t.GetClaim(id)
	if err != nil {
		return false, err
	}
	if claim.TxHash == nil {
		return false, nil
	}
	if err := t.tx.Bucket(claimsBucket).Delete([]byte(id)); err != nil {
		return false, err
	}
	return true, nil
}

func (t *boltControlTx) ForceDeleteClaim(id string) error {
	return t.tx.Bucket(claimsBucket).Delete([]byte(id))
}

func (t *boltControlTx) GetSubtask(id uuid.UUID) (Subtask, error) {
	raw := t.tx.Bucket(subtasksBucket).Get([]byte(id.String()))
	if raw == nil {
		return Subtask{}, ErrSubtaskNotFound
	}
	var s Subtask
	if err := json.Unmarshal(raw, &s); err != nil {
		return Subtask{}, err
	}
	return s, nil
}

func (t *boltControlTx) PutSubtask(subtask Subtask) error {
	encoded, err := json.Marshal(subtask)
	if err != nil {
		return err
	}
	return t.tx.Bucket(subtasksBucket).Put([]byte(subtask.SubtaskID.String()), encoded)
}
