package store

import "errors"

// Sentinel errors returned by both the control and storage store
// implementations (bbolt/goleveldb-backed and in-memory).
var (
	ErrAccountNotFound = errors.New("store: deposit account not found")
	ErrClaimNotFound   = errors.New("store: deposit claim not found")
	ErrSubtaskNotFound = errors.New("store: subtask not found")

	// ErrSubtaskMismatch names a nested business message's task_to_compute
	// that disagrees with the subtask's canonical one. PutSubtask does not
	// compare nested messages, and no store function returns this error.
	ErrSubtaskMismatch = errors.New("store: nested task_to_compute does not match subtask's canonical task_to_compute")

	// ErrTxHashAlreadySet guards the "write tx_hash once" invariant.
	ErrTxHashAlreadySet = errors.New("store: claim tx_hash is already set")
)
