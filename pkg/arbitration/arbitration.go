// Package arbitration drives each subtask through its named states and is
// the only caller of Bankster: it serializes the transitions that reserve,
// settle or release deposit funds so Bankster can assume a single writer per
// subtask_id, while different subtasks proceed fully in parallel.
package arbitration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/concent-network/concent/pkg/bankster"
	"github.com/concent-network/concent/pkg/message"
	"github.com/concent-network/concent/pkg/store"
)

// ErrInsufficientDeposit is returned when a provider's force-acceptance is
// refused because claim_deposit returned (nil, nil): the requestor's deposit
// cannot cover the claim.
var ErrInsufficientDeposit = fmt.Errorf("arbitration: insufficient requestor deposit")

// Machine drives subtasks through the arbitration state table, calling into
// Bankster on each named transition. It holds one lock per
// subtask_id so that concurrent transitions on the same subtask serialize,
// while transitions on different subtasks never contend.
type Machine struct {
	Control  store.ControlStore
	Bankster *bankster.Bankster
	Log      *zap.SugaredLogger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// New returns a ready-to-use Machine.
func New(control store.ControlStore, banksterSvc *bankster.Bankster, log *zap.SugaredLogger) *Machine {
	return &Machine{
		Control:  control,
		Bankster: banksterSvc,
		Log:      log,
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

// withSubtaskLock runs fn holding the per-subtask_id lock, creating it on
// first use. Locks are never removed: a subtask is revisited across its
// whole lifetime and the lock count is bounded by the number of subtasks
// ever seen, not by concurrent load.
func (m *Machine) withSubtaskLock(id uuid.UUID, fn func() error) error {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn()
}

func (m *Machine) transition(subtaskID uuid.UUID, to store.SubtaskState, updatedAt time.Time) error {
	return m.Control.Update(func(tx store.ControlTx) error {
		subtask, err := tx.GetSubtask(subtaskID)
		if err != nil {
			return err
		}
		subtask.State = to
		subtask.UpdatedAt = updatedAt
		return tx.PutSubtask(subtask)
	})
}

// ReportForcedAcceptance handles a provider's force-acceptance report: it
// moves the subtask to FORCING_ACCEPTANCE and reserves the subtask's cost
// against the requestor's deposit (and, under ADDITIONAL_VERIFICATION, the
// provider's). A nil claim pair means the deposit could not cover it and the
// service is refused with ErrInsufficientDeposit; the subtask has already
// been moved to FORCING_ACCEPTANCE by then and stays in that state.
func (m *Machine) ReportForcedAcceptance(
	ctx context.Context,
	subtaskID uuid.UUID,
	requestorAddress, providerAddress common.Address,
	requestorPublicKey, providerPublicKey []byte,
	subtaskCost uint64,
	now time.Time,
) (requestorClaim, providerClaim *store.DepositClaim, err error) {
	err = m.withSubtaskLock(subtaskID, func() error {
		if txErr := m.transition(subtaskID, store.SubtaskForcingAcceptance, now); txErr != nil {
			return txErr
		}

		var claimErr error
		requestorClaim, providerClaim, claimErr = m.Bankster.ClaimDeposit(
			ctx, subtaskID, store.ForcedAcceptance,
			requestorAddress, providerAddress,
			requestorPublicKey, providerPublicKey,
			subtaskCost,
		)
		if claimErr != nil {
			return claimErr
		}
		if requestorClaim == nil {
			if m.Log != nil {
				m.Log.Infow("force_acceptance refused, insufficient deposit", "subtask_id", subtaskID)
			}
			return ErrInsufficientDeposit
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return requestorClaim, providerClaim, nil
}

// SettleOverdue handles the requestor's settle-overdue request for one
// provider relationship: the caller's batch of acceptances is forwarded to
// Bankster's SettleOverdueAcceptances as-is, since that call is already
// scoped to a single (requestor, provider) pair rather than one subtask.
func (m *Machine) SettleOverdue(
	ctx context.Context,
	requestorAddress, providerAddress common.Address,
	requestorPublicKey []byte,
	acceptances []message.SubtaskResultsAccepted,
	now time.Time,
) (*store.DepositClaim, error) {
	return m.Bankster.SettleOverdueAcceptances(ctx, requestorAddress, providerAddress, requestorPublicKey, acceptances, now)
}

// ResolveAcceptance handles an acceptance being resolved (or timing out)
// toward the provider's side: it finalizes payment on the matching
// requestor claim and moves the subtask to ACCEPTED.
func (m *Machine) ResolveAcceptance(ctx context.Context, subtaskID uuid.UUID, claimID string, now time.Time) (*[32]byte, error) {
	var txHash *[32]byte
	err := m.withSubtaskLock(subtaskID, func() error {
		var err error
		txHash, err = m.Bankster.FinalizePayment(ctx, claimID)
		if err != nil {
			return err
		}
		return m.transition(subtaskID, store.SubtaskAccepted, now)
	})
	if err != nil {
		return nil, err
	}
	return txHash, nil
}

// RefuseService handles a service refusal or a duplicate report: this
// transition never touches Bankster. It moves the subtask to FAILED and
// returns.
func (m *Machine) RefuseService(subtaskID uuid.UUID, now time.Time) error {
	return m.withSubtaskLock(subtaskID, func() error {
		return m.transition(subtaskID, store.SubtaskFailed, now)
	})
}
