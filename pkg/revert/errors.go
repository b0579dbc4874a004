package revert

import "errors"

var (
	// ErrNotFound means no revert log exists for the identity
	ErrNotFound = errors.New("revert log not found")

	// ErrUntrustedLog means a log exists but failed validation; revert is
	// refused until the record is discarded or repaired
	ErrUntrustedLog = errors.New("revert log is untrusted")

	// ErrUnknownKind is returned when a record names a step kind this build does not know
	ErrUnknownKind = errors.New("unknown revert step kind")

	// ErrMalformedStep is returned when a record's data does not fit its kind
	ErrMalformedStep = errors.New("malformed revert step")

	// ErrTransactionActive is returned by Begin while another transaction is open
	ErrTransactionActive = errors.New("a revert transaction is already active")

	// ErrTransactionClosed is returned when recording on a finalized transaction
	ErrTransactionClosed = errors.New("revert transaction is not open")

	// ErrNoTransaction is returned when mutation code runs without a bound transaction
	ErrNoTransaction = errors.New("no revert transaction bound to context")

	// ErrRevertDataUnavailable means a transaction's steps could not be persisted;
	// the forward mutations stand but cannot be undone
	ErrRevertDataUnavailable = errors.New("revert data unavailable")
)
