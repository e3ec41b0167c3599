// Package store implements the two logical Concent stores: control (Clients,
// DepositAccounts, DepositClaims, Subtasks) and storage (conductor upload
// bookkeeping). The two never reference each other; ControlStore and
// StorageStore are separate interfaces with separate backends so the
// boundary is structural, not just a convention.
package store

import (
	"time"

	"github.com/google/uuid"
)

// ConcentUseCase is the reason a DepositClaim was reserved.
type ConcentUseCase int

const (
	ForcedAcceptance ConcentUseCase = iota + 1
	AdditionalVerification
	ForcedPayment
	ForcedTaskResult
)

func (u ConcentUseCase) String() string {
	switch u {
	case ForcedAcceptance:
		return "FORCED_ACCEPTANCE"
	case AdditionalVerification:
		return "ADDITIONAL_VERIFICATION"
	case ForcedPayment:
		return "FORCED_PAYMENT"
	case ForcedTaskResult:
		return "FORCED_TASK_RESULT"
	default:
		return "UNKNOWN"
	}
}

// SubtaskState is a node in the arbitration state machine.
type SubtaskState int

const (
	SubtaskReported SubtaskState = iota + 1
	SubtaskForcingAcceptance
	SubtaskAccepted
	SubtaskRejected
	SubtaskForcingResultTransfer
	SubtaskFailed
	SubtaskAdditionalVerification
)

func (s SubtaskState) String() string {
	switch s {
	case SubtaskReported:
		return "REPORTED"
	case SubtaskForcingAcceptance:
		return "FORCING_ACCEPTANCE"
	case SubtaskAccepted:
		return "ACCEPTED"
	case SubtaskRejected:
		return "REJECTED"
	case SubtaskForcingResultTransfer:
		return "FORCING_RESULT_TRANSFER"
	case SubtaskFailed:
		return "FAILED"
	case SubtaskAdditionalVerification:
		return "ADDITIONAL_VERIFICATION"
	default:
		return "UNKNOWN"
	}
}

// Client is identified by its raw public key. Created on first reference,
// never deleted.
type Client struct {
	PublicKey []byte
}

// ID is the stable, comparable key for a Client: the hex encoding of
// its public key.
func (c Client) ID() string { return hexKey(c.PublicKey) }

// DepositAccount is owned by exactly one Client and names one Ethereum
// address; (client, ethereum_address) is unique.
type DepositAccount struct {
	ClientPublicKey []byte
	EthereumAddress [20]byte
}

// ID is the stable key for a DepositAccount.
func (a DepositAccount) ID() string {
	return hexKey(a.ClientPublicKey) + ":" + hexKey(a.EthereumAddress[:])
}

// DepositClaim reserves amount against a payer's DepositAccount for a single
// concent use case. tx_hash is written at most once; closure_time is only
// meaningful for ForcedPayment claims.
type DepositClaim struct {
	ID                   string
	PayerDepositAccount  DepositAccount
	PayeeEthereumAddress [20]byte
	SubtaskID            *uuid.UUID
	ConcentUseCase       ConcentUseCase
	Amount               uint64
	TxHash               *[32]byte
	ClosureTime          *time.Time
}

// Subtask is a finite-state record keyed by SubtaskID, carrying the canonical
// TaskToCompute payload every nested business message must agree with.
type Subtask struct {
	SubtaskID      uuid.UUID
	State          SubtaskState
	TaskToCompute  []byte
	RequestorKey   []byte
	ProviderKey    []byte
	UpdatedAt      time.Time
}

// UploadReport records that the conductor observed a result package land in
// blob storage for a subtask, so the storage store can answer "has this
// subtask's result been delivered" without referencing control.
type UploadReport struct {
	SubtaskID uuid.UUID
	Path      string
	Size      int64
	ReportedAt time.Time
}

// VerificationRequest records that additional verification was requested for
// a subtask's result package, independent of the control store's claim
// bookkeeping for the same subtask.
type VerificationRequest struct {
	SubtaskID uuid.UUID
	ResultPackagePath string
	RequestedAt       time.Time
}

func hexKey(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}
