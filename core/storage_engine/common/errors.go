package common

import "errors"

// --- Error Classes ---
//
// Every engine error belongs to exactly one class. Callers branch on the
// class with errors.Is and never on the specific error.

var (
	ErrFatalIntegrity   = errors.New("fatal integrity failure")
	ErrConcurrentUpdate = errors.New("concurrent update")
	ErrNotFound         = errors.New("not found")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrResource         = errors.New("resource exhausted")
)

// classified is a sentinel that unwraps to its class.
type classified struct {
	class error
	msg   string
}

func (e *classified) Error() string { return e.msg }
func (e *classified) Unwrap() error { return e.class }

func newError(class error, msg string) error {
	return &classified{class: class, msg: msg}
}

// --- Error Definitions ---

var (
	// Fatal integrity.
	ErrBadXIDFile  = newError(ErrFatalIntegrity, "bad transaction status file")
	ErrBadLogFile  = newError(ErrFatalIntegrity, "bad log file")
	ErrBadPageFile = newError(ErrFatalIntegrity, "bad page file")

	// Concurrent update, the transaction has been aborted.
	ErrDeadlock    = newError(ErrConcurrentUpdate, "deadlock detected")
	ErrVersionSkip = newError(ErrConcurrentUpdate, "version skip detected")

	// Not found.
	ErrNullEntry     = newError(ErrNotFound, "null entry")
	ErrFileNotExists = newError(ErrNotFound, "file does not exist")
	ErrNoTransaction = newError(ErrNotFound, "not in transaction")
	ErrKeyNotFound   = newError(ErrNotFound, "key not found")

	// Invalid request.
	ErrDataTooLarge      = newError(ErrInvalidRequest, "data too large")
	ErrNestedTransaction = newError(ErrInvalidRequest, "nested transaction not supported")
	ErrInvalidPackage    = newError(ErrInvalidRequest, "invalid package data")
	ErrInvalidCommand    = newError(ErrInvalidRequest, "invalid command")
	ErrFileExists        = newError(ErrInvalidRequest, "file already exists")
	ErrMemTooSmall       = newError(ErrInvalidRequest, "memory too small")
	ErrDatabaseLocked    = newError(ErrInvalidRequest, "database is locked by another process")

	// Resource exhaustion.
	ErrBufferPoolFull = newError(ErrResource, "buffer pool is full and no pages can be evicted")
	ErrDatabaseBusy   = newError(ErrResource, "database is busy")
)

// IsRetryable reports whether err aborted the caller's transaction and the
// whole transaction may be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentUpdate)
}

// IsFatal reports whether err means the on-disk state cannot be trusted.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatalIntegrity)
}
