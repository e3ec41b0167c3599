package store

import (
	"sync"

	"github.com/google/uuid"
)

// NewMemoryControlStore returns a ControlStore backed by plain Go maps,
// guarded by a single mutex for the duration of each Update/View call. It is
// the in-memory double used by package tests in place of BoltControlStore,
// the way neo-go's native package tests run against storage.NewMemoryStore
// instead of a real backend. Unlike BoltControlStore, its Update does not
// roll back writes fn made before returning an error.
func NewMemoryControlStore() *MemoryControlStore {
	return &MemoryControlStore{
		clients:  make(map[string]Client),
		accounts: make(map[string]DepositAccount),
		claims:   make(map[string]DepositClaim),
		subtasks: make(map[uuid.UUID]Subtask),
	}
}

type MemoryControlStore struct {
	mu       sync.Mutex
	clients  map[string]Client
	accounts map[string]DepositAccount
	claims   map[string]DepositClaim
	subtasks map[uuid.UUID]Subtask
}

func (s *MemoryControlStore) Close() error { return nil }

func (s *MemoryControlStore) Update(fn func(ControlTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memoryControlTx{s: s})
}

func (s *MemoryControlStore) View(fn func(ControlTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memoryControlTx{s: s})
}

type memoryControlTx struct {
	s *MemoryControlStore
}

func (t *memoryControlTx) GetOrCreateClient(publicKey []byte) (Client, error) {
	c := Client{PublicKey: publicKey}
	if existing, ok := t.s.clients[c.ID()]; ok {
		return existing, nil
	}
	t.s.clients[c.ID()] = c
	return c, nil
}

func (t *memoryControlTx) GetOrCreateDepositAccount(clientPublicKey []byte, ethereumAddress [20]byte) (DepositAccount, error) {
	a := DepositAccount{ClientPublicKey: clientPublicKey, EthereumAddress: ethereumAddress}
	if existing, ok := t.s.accounts[a.ID()]; ok {
		return existing, nil
	}
	t.s.accounts[a.ID()] = a
	return a, nil
}

func (t *memoryControlTx) GetAccount(id string) (DepositAccount, error) {
	a, ok := t.s.accounts[id]
	if !ok {
		return DepositAccount{}, ErrAccountNotFound
	}
	return a, nil
}

func (t *memoryControlTx) SumActiveClaims(accountID string) (uint64, error) {
	var sum uint64
	for _, claim := range t.s.claims {
		if claim.PayerDepositAccount.ID() == accountID {
			sum += claim.Amount
		}
	}
	return sum, nil
}

func (t *memoryControlTx) CreateClaim(claim DepositClaim) (DepositClaim, error) {
	if claim.ID == "" {
		claim.ID = uuid.New().String()
	}
	t.s.claims[claim.ID] = claim
	return claim, nil
}

func (t *memoryControlTx) GetClaim(id string) (DepositClaim, error) {
	claim, ok := t.s.claims[id]
	if !ok {
		return DepositClaim{}, ErrClaimNotFound
	}
	return claim, nil
}

func (t *memoryControlTx) SetClaimTxHash(id string, txHash [32]byte) error {
	claim, ok := t.s.claims[id]
	if !ok {
		return ErrClaimNotFound
	}
	if claim.TxHash != nil {
		return ErrTxHashAlreadySet
	}
	claim.TxHash = &txHash
	t.s.claims[id] = claim
	return nil
}

func (t *memoryControlTx) DeleteClaim(id string) (bool, error) {
	claim, ok := t.s.claims[id]
	if !ok {
		return false, ErrClaimNotFound
	}
	if claim.TxHash == nil {
		return false, nil
	}
	delete(t.s.claims, id)
	return true, nil
}

func (t *memoryControlTx) ForceDeleteClaim(id string) error {
	delete(t.s.claims, id)
	return nil
}

func (t *memoryControlTx) GetSubtask(id uuid.UUID) (Subtask, error) {
	s, ok := t.s.subtasks[id]
	if !ok {
		return Subtask{}, ErrSubtaskNotFound
	}
	return s, nil
}

func (t *memoryControlTx) PutSubtask(subtask Subtask) error {
	t.s.subtasks[subtask.SubtaskID] = subtask
	return nil
}
