// Package bankster implements Concent's deposit-claim ledger: the pessimistic
// admission rule that reserves funds against an on-chain deposit, and the
// finalize / settle / discard operations that release or pay them out. Every
// multi-row write runs inside a single ControlStore transaction; no lock is
// ever held across an oracle call.
package bankster

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/concent-network/concent/pkg/config"
	"github.com/concent-network/concent/pkg/message"
	"github.com/concent-network/concent/pkg/metrics"
	"github.com/concent-network/concent/pkg/oracle"
	"github.com/concent-network/concent/pkg/store"
)

// Bankster is constructed once per process and passed explicitly to the
// arbitration layer; it holds no package-level state.
type Bankster struct {
	Control store.ControlStore
	Oracle  oracle.Client
	Config  *config.Config
	Log     *zap.SugaredLogger
	Metrics *metrics.Bankster
}

// New returns a ready-to-use Bankster. Metrics is nil until the caller sets
// it explicitly; every metrics update is a no-op while nil.
func New(control store.ControlStore, oracleClient oracle.Client, cfg *config.Config, log *zap.SugaredLogger) *Bankster {
	return &Bankster{Control: control, Oracle: oracleClient, Config: cfg, Log: log}
}

func addressToArray(addr common.Address) [20]byte { return [20]byte(addr) }

func subtaskIDPtr(id uuid.UUID) *uuid.UUID { return &id }

// ClaimDeposit reserves subtaskCost against the requestor's deposit and,
// when useCase is AdditionalVerification and the configured verification
// cost is positive, also reserves that cost against the provider's deposit.
// It returns (nil, nil) when the requestor's deposit cannot cover the claim
// (service-refused, not an error), and ErrTooSmallProviderDeposit when the
// provider's deposit is the one that falls short.
func (b *Bankster) ClaimDeposit(
	ctx context.Context,
	subtaskID uuid.UUID,
	useCase store.ConcentUseCase,
	requestorAddress, providerAddress common.Address,
	requestorPublicKey, providerPublicKey []byte,
	subtaskCost uint64,
) (requestorClaim, providerClaim *store.DepositClaim, err error) {
	if useCase != store.ForcedAcceptance && useCase != store.AdditionalVerification {
		invariantViolation(fmt.Sprintf("claim_deposit called with unexpected use case %s", useCase))
	}
	if subtaskCost == 0 {
		return nil, nil, fmt.Errorf("bankster: subtask_cost must be strictly positive")
	}
	if requestorAddress == providerAddress {
		return nil, nil, fmt.Errorf("bankster: requestor and provider addresses must differ")
	}

	claimAgainstProvider := useCase == store.AdditionalVerification && b.Config.AdditionalVerificationCost > 0

	var requestorAccount, providerAccount store.DepositAccount
	err = b.Control.Update(func(tx store.ControlTx) error {
		if _, err := tx.GetOrCreateClient(requestorPublicKey); err != nil {
			return err
		}
		var err error
		requestorAccount, err = tx.GetOrCreateDepositAccount(requestorPublicKey, addressToArray(requestorAddress))
		if err != nil {
			return err
		}
		if claimAgainstProvider {
			if _, err := tx.GetOrCreateClient(providerPublicKey); err != nil {
				return err
			}
			providerAccount, err = tx.GetOrCreateDepositAccount(providerPublicKey, addressToArray(providerAddress))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	requestorDeposit, err := b.Oracle.GetDepositValue(ctx, requestorAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("bankster: get requestor deposit value: %w", err)
	}
	var providerDeposit uint64
	if claimAgainstProvider {
		v, err := b.Oracle.GetDepositValue(ctx, providerAddress)
		if err != nil {
			return nil, nil, fmt.Errorf("bankster: get provider deposit value: %w", err)
		}
		providerDeposit = v.Uint64()
	}

	err = b.Control.Update(func(tx store.ControlTx) error {
		sumRequestorClaims, err := tx.SumActiveClaims(requestorAccount.ID())
		if err != nil {
			return err
		}
		if requestorDeposit.Uint64() <= sumRequestorClaims {
			requestorClaim, providerClaim = nil, nil
			return nil
		}

		created, err := tx.CreateClaim(store.DepositClaim{
			PayerDepositAccount:  requestorAccount,
			PayeeEthereumAddress: addressToArray(providerAddress),
			SubtaskID:            subtaskIDPtr(subtaskID),
			ConcentUseCase:       useCase,
			Amount:               subtaskCost,
		})
		if err != nil {
			return err
		}
		requestorClaim = &created

		if claimAgainstProvider {
			sumProviderClaims, err := tx.SumActiveClaims(providerAccount.ID())
			if err != nil {
				return err
			}
			if providerDeposit <= sumProviderClaims+b.Config.AdditionalVerificationCost {
				if err := tx.ForceDeleteClaim(created.ID); err != nil {
					return err
				}
				requestorClaim = nil
				return ErrTooSmallProviderDeposit
			}

			createdProvider, err := tx.CreateClaim(store.DepositClaim{
				PayerDepositAccount:  providerAccount,
				PayeeEthereumAddress: addressToArray(b.Config.ConcentEthereumAddress),
				SubtaskID:            subtaskIDPtr(subtaskID),
				ConcentUseCase:       useCase,
				Amount:               b.Config.AdditionalVerificationCost,
			})
			if err != nil {
				return err
			}
			providerClaim = &createdProvider
		}
		return nil
	})
	if b.Metrics != nil {
		switch {
		case err == ErrTooSmallProviderDeposit || requestorClaim == nil:
			b.Metrics.ClaimsRejected.WithLabelValues(useCase.String()).Inc()
		case err == nil:
			b.Metrics.ClaimsCreated.WithLabelValues(useCase.String()).Inc()
		}
	}
	if err == ErrTooSmallProviderDeposit {
		return nil, nil, ErrTooSmallProviderDeposit
	}
	if err != nil {
		return nil, nil, err
	}
	return requestorClaim, providerClaim, nil
}

// FinalizePayment dispatches an on-chain payment for claim (whose tx_hash
// must be null), clamping the amount to whatever the payer's deposit can
// still cover once every other claim against it is accounted for. It returns
// the written tx hash, or a nil hash if the claim was deleted because
// nothing was available to pay.
func (b *Bankster) FinalizePayment(ctx context.Context, claimID string) (*[32]byte, error) {
	var claim store.DepositClaim
	if err := b.Control.View(func(tx store.ControlTx) error {
		var err error
		claim, err = tx.GetClaim(claimID)
		return err
	}); err != nil {
		return nil, err
	}
	if claim.TxHash != nil {
		invariantViolation("finalize_payment called on a claim that already has a tx_hash")
	}

	payerAddress := common.Address(claim.PayerDepositAccount.EthereumAddress)
	availableFunds, err := b.Oracle.GetDepositValue(ctx, payerAddress)
	if err != nil {
		return nil, fmt.Errorf("bankster: get payer deposit value: %w", err)
	}

	var resultHash *[32]byte
	err = b.Control.Update(func(tx store.ControlTx) error {
		if _, err := tx.GetAccount(claim.PayerDepositAccount.ID()); err != nil {
			return err
		}

		sumOthers, err := sumOtherClaims(tx, claim)
		if err != nil {
			return err
		}

		availableWithoutClaims := int64(availableFunds.Uint64()) - int64(sumOthers)
		if availableWithoutClaims <= 0 {
			// tx_hash is still null here (checked above), so this is the
			// rollback path, not the discard_claim API.
			return tx.ForceDeleteClaim(claim.ID)
		}
		if uint64(availableWithoutClaims) < claim.Amount {
			claim.Amount = uint64(availableWithoutClaims)
		}

		txHash, err := b.dispatchFinalizePayment(ctx, tx, claim)
		if err != nil {
			return err
		}

		claim.TxHash = &txHash
		if _, err := tx.CreateClaim(claim); err != nil {
			return err
		}
		resultHash = &txHash
		return nil
	})
	if err != nil {
		return nil, err
	}
	if resultHash == nil {
		return nil, nil
	}

	finalClaimID := claim.ID
	if err := b.Oracle.CallOnConfirmedTransaction(ctx, common.Hash(*resultHash), func(common.Hash) {
		if _, err := b.DiscardClaim(context.Background(), finalClaimID); err != nil {
			b.Log.Errorw("discard_claim callback failed after transaction confirmation", "claim_id", finalClaimID, "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("bankster: register confirmation callback: %w", err)
	}

	return resultHash, nil
}

func sumOtherClaims(tx store.ControlTx, claim store.DepositClaim) (uint64, error) {
	total, err := tx.SumActiveClaims(claim.PayerDepositAccount.ID())
	if err != nil {
		return 0, err
	}
	if total < claim.Amount {
		return 0, nil
	}
	return total - claim.Amount, nil
}

func (b *Bankster) dispatchFinalizePayment(ctx context.Context, tx store.ControlTx, claim store.DepositClaim) ([32]byte, error) {
	payerAddress := common.Address(claim.PayerDepositAccount.EthereumAddress)
	payeeAddress := common.Address(claim.PayeeEthereumAddress)

	switch claim.ConcentUseCase {
	case store.ForcedAcceptance:
		return b.forceSubtaskPayment(ctx, payerAddress, payeeAddress, claim)

	case store.AdditionalVerification:
		if claim.SubtaskID == nil {
			invariantViolation("additional verification claim has no subtask_id")
		}
		subtask, err := tx.GetSubtask(*claim.SubtaskID)
		if err != nil {
			return [32]byte{}, err
		}
		switch {
		case addressMatchesKey(payerAddress, subtask.RequestorKey):
			return b.forceSubtaskPayment(ctx, payerAddress, payeeAddress, claim)
		case addressMatchesKey(payerAddress, subtask.ProviderKey):
			b.countOracleCall("cover_additional_verification_cost")
			hash, err := b.Oracle.CoverAdditionalVerificationCost(ctx, payerAddress, amountAsBigInt(claim.Amount), subtaskIDToBytes16(*claim.SubtaskID))
			if err != nil {
				return [32]byte{}, err
			}
			return [32]byte(hash), nil
		default:
			invariantViolation("additional verification claim's payer matches neither requestor nor provider")
			return [32]byte{}, nil
		}

	default:
		invariantViolation(fmt.Sprintf("finalize_payment called with unexpected use case %s", claim.ConcentUseCase))
		return [32]byte{}, nil
	}
}

func (b *Bankster) forceSubtaskPayment(ctx context.Context, payer, payee common.Address, claim store.DepositClaim) ([32]byte, error) {
	if claim.SubtaskID == nil {
		invariantViolation("forced acceptance claim has no subtask_id")
	}
	b.countOracleCall("force_subtask_payment")
	hash, err := b.Oracle.ForceSubtaskPayment(ctx, payer, payee, amountAsBigInt(claim.Amount), subtaskIDToBytes16(*claim.SubtaskID))
	if err != nil {
		return [32]byte{}, err
	}
	return [32]byte(hash), nil
}

func (b *Bankster) countOracleCall(method string) {
	if b.Metrics != nil {
		b.Metrics.OracleCalls.WithLabelValues(method).Inc()
	}
}

// SettleOverdueAcceptances pays the requestor's outstanding balance on a
// batch of accepted subtasks, clamped to whatever the requestor's deposit
// can still cover. now is the instant the caller considers "current time",
// passed explicitly per the design note resolving the source's current_time
// mismatch.
func (b *Bankster) SettleOverdueAcceptances(
	ctx context.Context,
	requestorAddress, providerAddress common.Address,
	requestorPublicKey []byte,
	acceptances []message.SubtaskResultsAccepted,
	now time.Time,
) (*store.DepositClaim, error) {
	if requestorAddress == providerAddress {
		return nil, fmt.Errorf("bankster: requestor and provider addresses must differ")
	}
	if len(acceptances) == 0 {
		return nil, fmt.Errorf("bankster: settle_overdue_acceptances requires at least one acceptance")
	}

	var requestorAccount store.DepositAccount
	if err := b.Control.Update(func(tx store.ControlTx) error {
		if _, err := tx.GetOrCreateClient(requestorPublicKey); err != nil {
			return err
		}
		var err error
		requestorAccount, err = tx.GetOrCreateDepositAccount(requestorPublicKey, addressToArray(requestorAddress))
		return err
	}); err != nil {
		return nil, err
	}

	requestorDeposit, err := b.Oracle.GetDepositValue(ctx, requestorAddress)
	if err != nil {
		return nil, fmt.Errorf("bankster: get requestor deposit value: %w", err)
	}

	var result *store.DepositClaim
	err = b.Control.Update(func(tx store.ControlTx) error {
		sumExisting, err := tx.SumActiveClaims(requestorAccount.ID())
		if err != nil {
			return err
		}
		if requestorDeposit.Uint64() <= sumExisting {
			return nil
		}

		t0 := earliestPaymentTs(acceptances)
		fromBlock, toBlock, err := b.Oracle.BlockTimeWindow(ctx, t0, now)
		if err != nil {
			return fmt.Errorf("compute block window: %w", err)
		}

		batchTransfers, err := b.Oracle.GetBatchTransfers(ctx, requestorAddress, providerAddress, fromBlock, toBlock)
		if err != nil {
			return fmt.Errorf("get batch transfers: %w", err)
		}
		forcedPayments, err := b.Oracle.GetForcedPayments(ctx, requestorAddress, providerAddress, fromBlock, toBlock)
		if err != nil {
			return fmt.Errorf("get forced payments: %w", err)
		}

		if err := validateAcceptanceTimestamps(acceptances, batchTransfers, forcedPayments); err != nil {
			return err
		}

		_, amountPending := getProviderPaymentInfo(forcedPayments, batchTransfers, acceptances)

		payable := amountPending
		remaining := int64(requestorDeposit.Uint64()) - int64(sumExisting)
		if remaining < payable {
			payable = remaining
		}
		if payable <= 0 {
			return nil
		}

		t2 := latestPaymentTs(acceptances)
		b.countOracleCall("force_payment")
		hash, err := b.Oracle.ForcePayment(ctx, requestorAddress, providerAddress, amountAsBigInt(uint64(payable)), t2)
		if err != nil {
			return fmt.Errorf("make_force_payment_to_provider: %w", err)
		}

		created, err := tx.CreateClaim(store.DepositClaim{
			PayerDepositAccount:  requestorAccount,
			PayeeEthereumAddress: addressToArray(providerAddress),
			ConcentUseCase:       store.ForcedPayment,
			Amount:               uint64(payable),
			TxHash:               (*[32]byte)(&hash),
			ClosureTime:          &t2,
		})
		if err != nil {
			return err
		}
		result = &created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DiscardClaim removes claim id if its tx_hash has been set, freeing the
// funds it reserved. A claim with tx_hash = null is never considered
// settled; discarding it is a no-op that reports "not removed".
func (b *Bankster) DiscardClaim(_ context.Context, claimID string) (removed bool, err error) {
	err = b.Control.Update(func(tx store.ControlTx) error {
		claim, err := tx.GetClaim(claimID)
		if err != nil {
			return err
		}
		if _, err := tx.GetAccount(claim.PayerDepositAccount.ID()); err != nil {
			invariantViolation("discard_claim: payer deposit account no longer exists")
		}
		removed, err = tx.DeleteClaim(claimID)
		return err
	})
	if b.Log != nil {
		b.Log.Infow("discard_claim completed", "claim_id", claimID, "removed", removed)
	}
	if b.Metrics != nil && removed {
		b.Metrics.ClaimsDeleted.WithLabelValues("discard").Inc()
	}
	return removed, err
}

func sumPayments(amounts []uint64) uint64 {
	var total uint64
	for _, a := range amounts {
		total += a
	}
	return total
}

func sumSubtaskPrice(acceptances []message.SubtaskResultsAccepted) uint64 {
	var total uint64
	for _, a := range acceptances {
		total += a.TaskToCompute.Price
	}
	return total
}

func getProviderPaymentInfo(forced []oracle.ForcedPaymentEvent, batch []oracle.BatchTransferEvent, acceptances []message.SubtaskResultsAccepted) (amountPaid, amountPending int64) {
	var forcedAmounts, batchAmounts []uint64
	for _, f := range forced {
		forcedAmounts = append(forcedAmounts, f.Amount.Uint64())
	}
	for _, bt := range batch {
		batchAmounts = append(batchAmounts, bt.Amount.Uint64())
	}
	paid := sumPayments(forcedAmounts) + sumPayments(batchAmounts)
	subtasksPrice := sumSubtaskPrice(acceptances)
	return int64(paid), int64(subtasksPrice) - int64(paid)
}

// validateAcceptanceTimestamps rejects any acceptance whose window overlaps
// an oracle-reported batch transfer or forced payment that already paid its
// amount: the acceptance's price shows up as a transaction timestamped at or
// after its payment_ts, forcing a payment for it again would double-pay the
// provider out of the requestor's deposit.
func validateAcceptanceTimestamps(acceptances []message.SubtaskResultsAccepted, batchTransfers []oracle.BatchTransferEvent, forcedPayments []oracle.ForcedPaymentEvent) error {
	for _, a := range acceptances {
		price := a.TaskToCompute.Price
		for _, bt := range batchTransfers {
			if !bt.Timestamp.Before(a.PaymentTs) && bt.Amount.Uint64() == price {
				return newInconsistentAcceptanceTimestampError(fmt.Sprintf(
					"acceptance payment_ts %s for subtask_id %s overlaps a batch transfer at %s that already paid its amount",
					a.PaymentTs, a.TaskToCompute.SubtaskID, bt.Timestamp,
				))
			}
		}
		for _, fp := range forcedPayments {
			if !fp.Timestamp.Before(a.PaymentTs) && fp.Amount.Uint64() == price {
				return newInconsistentAcceptanceTimestampError(fmt.Sprintf(
					"acceptance payment_ts %s for subtask_id %s overlaps a forced payment at %s that already paid its amount",
					a.PaymentTs, a.TaskToCompute.SubtaskID, fp.Timestamp,
				))
			}
		}
	}
	return nil
}

func earliestPaymentTs(acceptances []message.SubtaskResultsAccepted) time.Time {
	t := acceptances[0].PaymentTs
	for _, a := range acceptances[1:] {
		if a.PaymentTs.Before(t) {
			t = a.PaymentTs
		}
	}
	return t
}

func latestPaymentTs(acceptances []message.SubtaskResultsAccepted) time.Time {
	t := acceptances[0].PaymentTs
	for _, a := range acceptances[1:] {
		if a.PaymentTs.After(t) {
			t = a.PaymentTs
		}
	}
	return t
}

func amountAsBigInt(amount uint64) *big.Int {
	return new(big.Int).SetUint64(amount)
}

func subtaskIDToBytes16(id uuid.UUID) [16]byte {
	var out [16]byte
	copy(out[:], id[:])
	return out
}

func addressMatchesKey(addr common.Address, key []byte) bool {
	// The subtask's requestor/provider keys are business-message public
	// keys, not addresses; callers compare addresses derived the same way
	// config derives the Concent address. This helper centralizes that so
	// dispatchFinalizePayment reads like the source's address comparison.
	pub, err := secp256k1.ParsePubKey(key)
	if err != nil {
		return false
	}
	hash := crypto.Keccak256(pub.SerializeUncompressed()[1:])
	return common.BytesToAddress(hash[12:]) == addr
}
