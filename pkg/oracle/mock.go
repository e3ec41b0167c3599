package oracle

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Mock is an in-memory oracle.Client double for Bankster tests: deposit
// balances and event windows are seeded directly, and every dispatched
// payment is recorded instead of hitting a chain.
type Mock struct {
	mu sync.Mutex

	Deposits        map[common.Address]*big.Int
	BatchTransfers  []BatchTransferEvent
	ForcedPayments  []ForcedPaymentEvent
	NextTxHash      common.Hash
	ForceSubtaskCalls            []ForceSubtaskPaymentCall
	CoverVerificationCalls       []CoverVerificationCall
	ForcePaymentCalls            []ForcePaymentCall
	ConfirmedImmediately         bool
}

type ForceSubtaskPaymentCall struct {
	Requestor, Provider common.Address
	Amount              *big.Int
	SubtaskID           [16]byte
}

type CoverVerificationCall struct {
	Provider  common.Address
	Amount    *big.Int
	SubtaskID [16]byte
}

type ForcePaymentCall struct {
	Requestor, Provider common.Address
	Amount              *big.Int
	ClosureTime         time.Time
}

// NewMock returns a Mock whose every dispatched transaction confirms as
// soon as CallOnConfirmedTransaction is invoked, which is what Bankster's
// synchronous test style expects.
func NewMock() *Mock {
	return &Mock{
		Deposits:             make(map[common.Address]*big.Int),
		ConfirmedImmediately: true,
	}
}

func (m *Mock) GetDepositValue(_ context.Context, address common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.Deposits[address]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (m *Mock) GetBatchTransfers(context.Context, common.Address, common.Address, uint64, uint64) ([]BatchTransferEvent, error) {
	return append([]BatchTransferEvent(nil), m.BatchTransfers...), nil
}

func (m *Mock) GetForcedPayments(context.Context, common.Address, common.Address, uint64, uint64) ([]ForcedPaymentEvent, error) {
	return append([]ForcedPaymentEvent(nil), m.ForcedPayments...), nil
}

func (m *Mock) ForceSubtaskPayment(_ context.Context, requestor, provider common.Address, amount *big.Int, subtaskID [16]byte) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ForceSubtaskCalls = append(m.ForceSubtaskCalls, ForceSubtaskPaymentCall{requestor, provider, amount, subtaskID})
	return m.nextHash(), nil
}

func (m *Mock) CoverAdditionalVerificationCost(_ context.Context, provider common.Address, amount *big.Int, subtaskID [16]byte) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CoverVerificationCalls = append(m.CoverVerificationCalls, CoverVerificationCall{provider, amount, subtaskID})
	return m.nextHash(), nil
}

func (m *Mock) ForcePayment(_ context.Context, requestor, provider common.Address, amount *big.Int, closureTime time.Time) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ForcePaymentCalls = append(m.ForcePaymentCalls, ForcePaymentCall{requestor, provider, amount, closureTime})
	return m.nextHash(), nil
}

func (m *Mock) CallOnConfirmedTransaction(_ context.Context, txHash common.Hash, callback ConfirmationCallback) error {
	if m.ConfirmedImmediately {
		callback(txHash)
	}
	return nil
}

func (m *Mock) BlockTimeWindow(_ context.Context, from, to time.Time) (uint64, uint64, error) {
	return uint64(from.Unix()), uint64(to.Unix()), nil
}

func (m *Mock) nextHash() common.Hash {
	if m.NextTxHash != (common.Hash{}) {
		return m.NextTxHash
	}
	var h common.Hash
	h[31] = byte(len(m.ForceSubtaskCalls) + len(m.CoverVerificationCalls) + len(m.ForcePaymentCalls) + 1)
	return h
}

var _ Client = (*Mock)(nil)
