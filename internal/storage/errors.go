// Package storage holds the pieces shared by every storage backend: the
// adapter contract, the error taxonomy the replication engine classifies
// failures by, and the settings a backend is reconfigured with between runs.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/njoerd114/bookrelay/internal/model"
)

// ErrCancelled signals a user-initiated abort. It is never reported as a
// failure and stops the whole replication run.
var ErrCancelled = errors.New("replication cancelled")

// IsCancelled reports whether err stems from cancellation, either ours or the
// context's.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// CheckCancelled returns ErrCancelled once ctx is done.
func CheckCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return nil
}

// AdapterError is a failure of one backend call: network, auth or quota.
type AdapterError struct {
	Backend model.StorageKind
	Op      string
	// Status is the HTTP status for remote backends, 0 otherwise.
	Status int
	Err    error
}

func (e *AdapterError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Backend, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// IntegrityError reports stored data that cannot be read back: a malformed
// archive entry, a missing expected file or an unparseable naming token.
type IntegrityError struct {
	Backend model.StorageKind
	Name    string
	Err     error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: invalid data in %q: %v", e.Backend, e.Name, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// InvariantError is a programming error, such as asking for a backend that
// does not exist. It is never recovered from.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string { return "invariant violated: " + e.Message }

// IsRecoverable reports whether a replication run may continue with the next
// book after err. Cancellation and invariant violations stop the run.
func IsRecoverable(err error) bool {
	if err == nil || IsCancelled(err) {
		return false
	}
	var inv *InvariantError
	return !errors.As(err, &inv)
}
