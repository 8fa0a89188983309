package exchange

import (
	"errors"
	"fmt"
)

// Kind classifies an exchange failure for the retry policy.
type Kind int

const (
	// KindTransient covers network failures, timeouts on read-only calls
	// and rate limiting. Safe to retry with backoff.
	KindTransient Kind = iota
	// KindRejected means the exchange explicitly refused the request
	// (insufficient margin, invalid address, bad parameters). Retrying
	// the same request will not help.
	KindRejected
	// KindAmbiguous means a state-changing call timed out and the
	// outcome is unknown. Must be resolved by re-querying the exchange,
	// never by blind retry.
	KindAmbiguous
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindAmbiguous:
		return "ambiguous"
	}
	return "unknown"
}

// Error is the classified failure returned by all Client methods.
type Error struct {
	Kind    Kind
	Op      string // e.g. "place_order"
	Code    int    // exchange retCode, 0 when not applicable
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (retCode=%d): %s", e.Op, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func kindOf(err error) (Kind, bool) {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return 0, false
}

// IsTransient reports whether err is a retryable exchange failure.
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}

// IsRejected reports whether the exchange definitively refused the request.
func IsRejected(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindRejected
}

// IsAmbiguous reports whether the outcome of a state-changing call is unknown.
func IsAmbiguous(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAmbiguous
}
