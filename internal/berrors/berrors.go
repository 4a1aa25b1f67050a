// Package berrors implements the error taxonomy every handler in batata
// converts into on the wire: parameter, not-found, conflict, auth,
// access-denied, upstream/transient, or internal. Categories map onto the
// Nacos-compatible {code, message} response envelope at the dispatch
// boundary; nothing below this package should leak a raw error to a client.
package berrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is a response envelope code, matching the Nacos wire contract.
type Code int

const (
	CodeOK              Code = 0
	CodeBadRequest      Code = 400
	CodeNotFound        Code = 404
	CodeConflict        Code = 409
	CodeUnauthorized    Code = 403
	CodeAccessDenied    Code = 403
	CodeInternal        Code = 500
	CodeUnavailable     Code = 503
	CodeTooManyRequests Code = 429
)

// Category distinguishes errors that the caller may retry from those it
// must not.
type Category int

const (
	CategoryParameter Category = iota
	CategoryNotFound
	CategoryConflict
	CategoryAuth
	CategoryAccessDenied
	CategoryUpstream
	CategoryInternal
	CategoryRateLimited
)

// Error is the typed error every batata component returns. Handlers at the
// dispatch boundary (internal/dispatch) type-assert to this to build the
// response envelope; anything else is wrapped as CategoryInternal.
type Error struct {
	Category Category
	Code     Code
	SubCode  string
	Msg      string
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.cause)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the category is safe to retry automatically
// (only upstream/transient errors against idempotent peer operations are).
func (e *Error) Retryable() bool { return e.Category == CategoryUpstream }

func newErr(cat Category, code Code, msg string, args ...interface{}) *Error {
	return &Error{Category: cat, Code: code, Msg: fmt.Sprintf(msg, args...)}
}

func InvalidParam(msg string, args ...interface{}) *Error {
	return newErr(CategoryParameter, CodeBadRequest, msg, args...)
}

func NotFound(kind, key string) *Error {
	return newErr(CategoryNotFound, CodeNotFound, "%s not found: %s", kind, key)
}

func Conflict(msg string, args ...interface{}) *Error {
	return newErr(CategoryConflict, CodeConflict, msg, args...)
}

func Unauthorized(msg string, args ...interface{}) *Error {
	return newErr(CategoryAuth, CodeUnauthorized, msg, args...)
}

func AccessDenied(resource, action string) *Error {
	e := newErr(CategoryAccessDenied, CodeAccessDenied, "access denied: %s on %s", action, resource)
	e.SubCode = "ACCESS_DENIED"
	return e
}

// RateLimited reports a token-bucket rejection. Retryable after the
// bucket's reported delay, which callers surface via retryAfter.
func RateLimited(msg string, args ...interface{}) *Error {
	return newErr(CategoryRateLimited, CodeTooManyRequests, msg, args...)
}

// Upstream wraps a transient failure talking to a peer (Raft not leader,
// peer unreachable, RPC timeout). Retryable only for idempotent callers.
func Upstream(cause error, msg string, args ...interface{}) *Error {
	e := newErr(CategoryUpstream, CodeUnavailable, msg, args...)
	e.cause = errors.WithStack(cause)
	return e
}

func Internal(cause error, msg string, args ...interface{}) *Error {
	e := newErr(CategoryInternal, CodeInternal, msg, args...)
	e.cause = errors.WithStack(cause)
	return e
}

// AsError unwraps to *Error if possible, else wraps as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return Internal(err, "unclassified error")
}
