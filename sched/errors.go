package sched

import (
	"errors"
	"fmt"
)

// ErrorKind classifies scheduler errors into the closed vocabulary used by
// callers to decide whether to retry, broaden capabilities, or give up.
type ErrorKind string

const (
	KindInvalidArgument   ErrorKind = "invalid-argument"
	KindNoEligibleBackend ErrorKind = "no-eligible-backend"
	KindBackendSaturated  ErrorKind = "backend-saturated"
	KindBackendTimeout    ErrorKind = "backend-timeout"
	KindBackendTransient  ErrorKind = "backend-transient"
	KindBackendFatal      ErrorKind = "backend-fatal"
	KindCacheDegraded     ErrorKind = "cache-degraded"
	KindCancelled         ErrorKind = "cancelled"
)

// Error carries an ErrorKind alongside the wrapped cause. Alternatives is
// populated for backend-saturated errors so the caller can resubmit against
// one of the other backends from the would-be routing decision.
type Error struct {
	Kind         ErrorKind
	Op           string // operation that failed, e.g. "router.route"
	Err          error  // wrapped cause, may be nil
	Alternatives []string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, &Error{Kind: k}) works across
// wrapping layers.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// NewError constructs a kinded error. err may be nil.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err (or anything it wraps) carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf extracts the error kind, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}

// Retryable reports whether an attempt failing with err should re-enter the
// queue. Timeouts and transient backend errors retry; everything else fails
// the job on first attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindBackendTimeout, KindBackendTransient:
		return true
	default:
		return false
	}
}
