package driver

import (
	"slices"

	"github.com/cockroachdb/errors"
)

// Error labels attached by the store to classify retryable failures.
const (
	// TransientTransactionError marks a failure after which the whole
	// transaction can be retried from the start.
	TransientTransactionError = "TransientTransactionError"

	// UnknownTransactionCommitResult marks a commit whose outcome is unknown.
	// Only the commit should be retried.
	UnknownTransactionCommitResult = "UnknownTransactionCommitResult"
)

var (
	// ErrSessionEnded is returned when an operation is bound to a session that
	// has already been ended.
	ErrSessionEnded = errors.New("doccontext: session already ended")

	// ErrNoTransaction is returned when committing or aborting without a
	// started transaction.
	ErrNoTransaction = errors.New("doccontext: no transaction started")

	// ErrTransactionInProgress is returned when starting a transaction on a
	// session that already has one.
	ErrTransactionInProgress = errors.New("doccontext: transaction already in progress")

	// ErrDuplicateKey is returned when a write violates a unique index.
	ErrDuplicateKey = errors.New("doccontext: duplicate key")

	// ErrWriteConflict is returned when concurrent transactions modify the
	// same document.
	ErrWriteConflict = errors.New("doccontext: write conflict")

	// ErrUnsupported is returned when a backend cannot evaluate an operation
	// or operator.
	ErrUnsupported = errors.New("doccontext: operation not supported by backend")

	// ErrNotFound is returned by backends when a keyed lookup has no match.
	ErrNotFound = errors.New("doccontext: document not found")

	// ErrDisconnected is returned for calls on a client after Disconnect.
	ErrDisconnected = errors.New("doccontext: client disconnected")
)

// LabeledError attaches store error labels to an error.
type LabeledError struct {
	Labels []string
	Err    error
}

// WithLabels wraps err with the given labels. A nil err stays nil.
func WithLabels(err error, labels ...string) error {
	if err == nil {
		return nil
	}
	return &LabeledError{Labels: labels, Err: err}
}

func (e *LabeledError) Error() string { return e.Err.Error() }

func (e *LabeledError) Unwrap() error { return e.Err }

// HasErrorLabel reports whether the error carries label.
func (e *LabeledError) HasErrorLabel(label string) bool {
	return slices.Contains(e.Labels, label)
}

type labeled interface {
	HasErrorLabel(string) bool
}

// HasErrorLabel reports whether any error in err's chain carries label. Both
// LabeledError and the MongoDB driver's server errors are recognized.
func HasErrorLabel(err error, label string) bool {
	for err != nil {
		var l labeled
		if !errors.As(err, &l) {
			return false
		}
		if l.HasErrorLabel(label) {
			return true
		}
		next := errors.Unwrap(l.(error))
		if next == nil {
			return false
		}
		err = next
	}
	return false
}

// IsTransient reports whether err is classified as a transient transaction
// error.
func IsTransient(err error) bool {
	return HasErrorLabel(err, TransientTransactionError)
}

// IsUnknownCommitResult reports whether err is classified as an unknown
// commit result.
func IsUnknownCommitResult(err error) bool {
	return HasErrorLabel(err, UnknownTransactionCommitResult)
}
