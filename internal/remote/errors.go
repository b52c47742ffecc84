package remote

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a remote write failure. Classification happens at this
// boundary; callers above only ever branch on Kind, never on raw transport
// errors.
type Kind int

const (
	// KindRetryable covers transient transport failures: timeouts, 5xx,
	// 429, 408, connection resets. Safe to retry with backoff.
	KindRetryable Kind = iota

	// KindConflict is a version conflict. The caller must reload and
	// reconcile; retrying the same write can never succeed.
	KindConflict

	// KindAuthExpired means the session is gone. Writes are paused (not
	// discarded) until a session-restored signal.
	KindAuthExpired

	// KindConstraint is a referential-integrity violation (foreign key,
	// tombstoned target). Dropped from the queue with a logged anomaly.
	KindConstraint

	// KindValidation is a malformed or incomplete record. Never retried.
	KindValidation
)

// String returns the classification name for logs.
func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindConflict:
		return "conflict"
	case KindAuthExpired:
		return "auth-expired"
	case KindConstraint:
		return "constraint"
	case KindValidation:
		return "validation"
	}
	return "unknown"
}

// Permanent reports whether retrying can never succeed.
func (k Kind) Permanent() bool {
	return k != KindRetryable
}

// TripsBreaker reports whether this failure class counts toward the
// circuit breaker's consecutive-failure counter. Only transport-level
// failures qualify; a validation error says nothing about remote health.
func (k Kind) TripsBreaker() bool {
	return k == KindRetryable
}

// Error is a classified remote failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("remote %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("remote %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// WrapError classifies err under the given kind and operation name.
func WrapError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err. Unclassified errors are
// treated as retryable: an unknown failure at the transport boundary is
// assumed transient rather than silently dropped.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindRetryable
	}
	return KindRetryable
}

// KindForStatus maps an HTTP status code to a failure class.
func KindForStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuthExpired
	case status == 409:
		return KindConflict
	case status == 408 || status == 429:
		return KindRetryable
	case status == 422:
		return KindValidation
	case status == 400:
		return KindValidation
	case status >= 500:
		return KindRetryable
	}
	return KindRetryable
}
