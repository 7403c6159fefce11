package recorder

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrTransient marks fetch failures worth retrying: network, timeout, rate limit.
	ErrTransient = errors.New("recorder: transient fetch failure")
	// ErrFatal marks fetch failures that abort the entity.
	ErrFatal = errors.New("recorder: fatal fetch failure")
	// ErrSessionFatal aborts a whole run, e.g. when a provider session cannot be opened.
	ErrSessionFatal = errors.New("recorder: session fatal")
	// ErrPersist wraps storage failures for a batch.
	ErrPersist = errors.New("recorder: persist failed")
)

// FetchError classifies an adapter failure.
type FetchError struct {
	transient bool
	Err       error
}

func (e *FetchError) Error() string {
	kind := "fatal"
	if e.transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s fetch error: %v", kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is lets errors.Is match the ErrTransient/ErrFatal sentinels.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.transient
	case ErrFatal:
		return !e.transient
	}
	return false
}

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &FetchError{transient: true, Err: err}
}

// Fatal wraps err as non-retryable for the entity.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FetchError{Err: err}
}

// IsTransient reports whether err should be retried. Deadline expiry of a single
// fetch attempt and temporary network errors count as transient as well.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// IsFatal reports whether err aborts the entity without retry.
func IsFatal(err error) bool { return err != nil && !IsTransient(err) }

// ValidationError describes one raw observation dropped during normalization.
type ValidationError struct {
	EntityID string
	Index    int
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("recorder: drop observation %d of %s: %s", e.Index, e.EntityID, e.Reason)
}
