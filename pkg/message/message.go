// Package message defines the canonical business messages Concent adjudicates
// over: the task a provider is computing and the acceptance a requestor
// issues for its result. Both are content-addressed and independently
// signed, so a Subtask's canonical TaskToCompute can be checked for equality
// against the copy nested inside any later message.
package message

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/google/uuid"
)

// TaskToCompute is the requestor's offer to a provider: what to compute, for
// how much, and the deadline by which a result is due.
type TaskToCompute struct {
	SubtaskID      uuid.UUID
	RequestorKey   []byte
	ProviderKey    []byte
	Price          uint64
	Deadline       time.Time
	PackageHash    [32]byte
	signature      []byte
}

// Digest returns the bytes TaskToCompute is signed over: every field except
// the signature itself, in a fixed order.
func (t TaskToCompute) Digest() [32]byte {
	buf := make([]byte, 0, 16+len(t.RequestorKey)+len(t.ProviderKey)+8+8+32)
	buf = append(buf, t.SubtaskID[:]...)
	buf = append(buf, t.RequestorKey...)
	buf = append(buf, t.ProviderKey...)
	var price [8]byte
	binary.BigEndian.PutUint64(price[:], t.Price)
	buf = append(buf, price[:]...)
	var deadline [8]byte
	binary.BigEndian.PutUint64(deadline[:], uint64(t.Deadline.Unix()))
	buf = append(buf, deadline[:]...)
	buf = append(buf, t.PackageHash[:]...)
	return sha256.Sum256(buf)
}

// Sign signs the digest with priv (expected to be the requestor's key) and
// stores the compact signature on the message.
func (t *TaskToCompute) Sign(priv *secp256k1.PrivateKey) {
	digest := t.Digest()
	t.signature = ecdsa.SignCompact(priv, digest[:], false)
}

// Signature returns the message's stored signature, or nil if unsigned.
func (t TaskToCompute) Signature() []byte { return t.signature }

// VerifySignature checks the stored signature was produced by expectedSigner.
func (t TaskToCompute) VerifySignature(expectedSigner *secp256k1.PublicKey) error {
	if t.signature == nil {
		return fmt.Errorf("message: task_to_compute has no signature")
	}
	digest := t.Digest()
	pub, _, err := ecdsa.RecoverCompact(t.signature, digest[:])
	if err != nil {
		return fmt.Errorf("message: recover task_to_compute signer: %w", err)
	}
	if !pub.IsEqual(expectedSigner) {
		return fmt.Errorf("message: task_to_compute signature does not match expected signer")
	}
	return nil
}

// SubtaskResultsAccepted is the requestor's acceptance of a provider's
// result: it nests the TaskToCompute it is accepting, so the nested value
// must equal the subtask's canonical one.
type SubtaskResultsAccepted struct {
	TaskToCompute TaskToCompute
	PaymentTs     time.Time
	signature     []byte
}

// Digest returns the bytes SubtaskResultsAccepted is signed over.
func (a SubtaskResultsAccepted) Digest() [32]byte {
	inner := a.TaskToCompute.Digest()
	buf := make([]byte, 0, 32+8)
	buf = append(buf, inner[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(a.PaymentTs.Unix()))
	buf = append(buf, ts[:]...)
	return sha256.Sum256(buf)
}

// Sign signs the digest with priv (expected to be the requestor's key).
func (a *SubtaskResultsAccepted) Sign(priv *secp256k1.PrivateKey) {
	digest := a.Digest()
	a.signature = ecdsa.SignCompact(priv, digest[:], false)
}

// Signature returns the message's stored signature, or nil if unsigned.
func (a SubtaskResultsAccepted) Signature() []byte { return a.signature }

// VerifySignature checks the stored signature was produced by expectedSigner.
func (a SubtaskResultsAccepted) VerifySignature(expectedSigner *secp256k1.PublicKey) error {
	if a.signature == nil {
		return fmt.Errorf("message: subtask_results_accepted has no signature")
	}
	digest := a.Digest()
	pub, _, err := ecdsa.RecoverCompact(a.signature, digest[:])
	if err != nil {
		return fmt.Errorf("message: recover subtask_results_accepted signer: %w", err)
	}
	if !pub.IsEqual(expectedSigner) {
		return fmt.Errorf("message: subtask_results_accepted signature does not match expected signer")
	}
	return nil
}

// MatchesCanonical reports whether a's nested TaskToCompute equals the
// subtask's canonical one, per the "every nested task_to_compute equals the
// canonical one" invariant.
func (a SubtaskResultsAccepted) MatchesCanonical(canonical TaskToCompute) bool {
	return a.TaskToCompute.Digest() == canonical.Digest()
}
