package venue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrKind classifies adapter failures so the orchestrator can pick the
// right policy: retry, back off, re-auth, drop, or close the market.
type ErrKind string

const (
	// ErrTransient covers timeouts, 5xx, and transport resets. The caller
	// retries with backoff; the adapter has already retried internally.
	ErrTransient ErrKind = "TRANSIENT"
	// ErrRateLimited means a 429 or venue-specific slow-down signal.
	ErrRateLimited ErrKind = "RATE_LIMITED"
	// ErrAuth means the data token was rejected after one re-auth attempt.
	ErrAuth ErrKind = "AUTH"
	// ErrSchema means an unexpected payload shape; deterministic, never retried.
	ErrSchema ErrKind = "SCHEMA"
	// ErrClosed means the venue reports the market no longer exists.
	ErrClosed ErrKind = "CLOSED"
)

// ErrPushUnsupported is returned by StartPush on polling-only adapters.
var ErrPushUnsupported = errors.New("venue does not support push transport")

// Error is a classified venue failure wrapping its cause.
type Error struct {
	Kind ErrKind
	Op   string // e.g. "fetch_orderbook"
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and operation name.
func NewError(kind ErrKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the error kind, defaulting unclassified errors to
// TRANSIENT so unknown failures get the retry-and-move-on policy.
func KindOf(err error) ErrKind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return ErrTransient
}

// ClassifyHTTP maps a transport error or HTTP status to an error kind.
func ClassifyHTTP(op string, statusCode int, err error) *Error {
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return NewError(ErrTransient, op, err)
		}
		return NewError(ErrTransient, op, err)
	}
	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewError(ErrRateLimited, op, fmt.Errorf("status %d", statusCode))
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return NewError(ErrAuth, op, fmt.Errorf("status %d", statusCode))
	case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return NewError(ErrClosed, op, fmt.Errorf("status %d", statusCode))
	case statusCode >= 500:
		return NewError(ErrTransient, op, fmt.Errorf("status %d", statusCode))
	default:
		return NewError(ErrSchema, op, fmt.Errorf("unexpected status %d", statusCode))
	}
}
