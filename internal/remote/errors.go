package remote

import (
	"errors"
	"fmt"

	"github.com/contavoto/fieldsync/internal/schema"
)

// Errors returned by Store implementations. Check them with errors.Is():
//
//	if errors.Is(err, remote.ErrNotFound) {
//	    // already gone remotely
//	}
var (
	// ErrNotFound is returned when the addressed record or blob does not exist.
	ErrNotFound = errors.New("remote record not found")

	// ErrTransient is returned for network failures, 5xx responses and
	// backend errors that are expected to clear on their own.
	ErrTransient = errors.New("transient remote failure")

	// ErrTimeout is returned when a call exceeds its deadline.
	ErrTimeout = errors.New("remote call timed out")

	// ErrRejected is returned when the remote store refuses a request, for
	// example an oversized payload.
	ErrRejected = errors.New("remote store rejected request")
)

// Error carries the operation context of a failed call.
type Error struct {
	Op   Op
	Kind schema.Kind
	ID   string
	Err  error
}

func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("remote %s %s/%s: %v", e.Op, e.Kind, e.ID, e.Err)
	}
	if e.Kind != "" {
		return fmt.Sprintf("remote %s %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// transient marks err as a transient failure of op.
func transient(op Op, kind schema.Kind, id string, err error) error {
	return &Error{Op: op, Kind: kind, ID: id, Err: fmt.Errorf("%w: %w", ErrTransient, err)}
}

// IsRetryable reports whether a failed call should be retried on the next
// pass. Everything except ErrNotFound is retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNotFound)
}

// IsNotFound reports whether err means the record is already absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
