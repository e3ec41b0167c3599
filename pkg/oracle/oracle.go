// Package oracle abstracts the on-chain deposit contract Bankster reasons
// about: current deposit balances, historical transfer/payment events, and
// the handful of state-changing calls Bankster is allowed to make.
package oracle

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BatchTransferEvent is one payer→payee batch transfer observed on chain.
type BatchTransferEvent struct {
	Amount    *big.Int
	Timestamp time.Time
}

// ForcedPaymentEvent is one Concent-forced payment observed on chain.
type ForcedPaymentEvent struct {
	Amount    *big.Int
	Timestamp time.Time
}

// ConfirmationCallback is invoked once a dispatched transaction confirms. It
// receives only the values needed to look the claim back up, never a
// retained claim reference, so the oracle never outlives the claim it
// notifies about.
type ConfirmationCallback func(txHash common.Hash)

// Client is the chain oracle Bankster depends on. Every method may block on
// network I/O, and any store lock the caller holds stays held until it
// returns.
type Client interface {
	// GetDepositValue returns the current on-chain deposit balance for
	// address.
	GetDepositValue(ctx context.Context, address common.Address) (*big.Int, error)

	// GetBatchTransfers returns batch transfer events between payer and
	// payee within the given block range.
	GetBatchTransfers(ctx context.Context, payer, payee common.Address, fromBlock, toBlock uint64) ([]BatchTransferEvent, error)

	// GetForcedPayments returns forced-payment events between requestor and
	// provider within the given block range.
	GetForcedPayments(ctx context.Context, requestor, provider common.Address, fromBlock, toBlock uint64) ([]ForcedPaymentEvent, error)

	// ForceSubtaskPayment compels payment of amount from requestor to
	// provider for subtaskID.
	ForceSubtaskPayment(ctx context.Context, requestor, provider common.Address, amount *big.Int, subtaskID [16]byte) (common.Hash, error)

	// CoverAdditionalVerificationCost charges amount against provider's
	// deposit, paid to Concent, to cover the cost of re-verifying subtaskID.
	CoverAdditionalVerificationCost(ctx context.Context, provider common.Address, amount *big.Int, subtaskID [16]byte) (common.Hash, error)

	// ForcePayment compels a batch payment of amount from requestor to
	// provider, closing out acceptances up to closureTime.
	ForcePayment(ctx context.Context, requestor, provider common.Address, amount *big.Int, closureTime time.Time) (common.Hash, error)

	// CallOnConfirmedTransaction registers callback to run once txHash
	// confirms. Implementations may run callback from a background
	// goroutine; callback must not block.
	CallOnConfirmedTransaction(ctx context.Context, txHash common.Hash, callback ConfirmationCallback) error

	// BlockTimeWindow converts a [from, to] timestamp window into a block
	// number range, using the configured average block time.
	BlockTimeWindow(ctx context.Context, from, to time.Time) (fromBlock, toBlock uint64, err error)
}
