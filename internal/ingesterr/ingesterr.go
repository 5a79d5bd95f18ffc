// Package ingesterr defines the typed error taxonomy shared by every
// provider adapter and the queue worker, so callers can branch on failure
// kind with errors.As instead of string-matching.
package ingesterr

import (
	"errors"
	"fmt"
)

// Kind is one of the eight failure categories a provider call or write can
// produce.
type Kind string

const (
	Transport     Kind = "transport"
	Throttled     Kind = "throttled"
	ServerError   Kind = "server_error"
	ClientError   Kind = "client_error"
	Decode        Kind = "decode"
	SchemaMissing Kind = "schema_missing"
	Conflict      Kind = "conflict"
	Fatal         Kind = "fatal"
)

// Error wraps an underlying cause with a Kind so callers can errors.As into
// it and branch on retryability.
type Error struct {
	Kind     Kind
	Provider string
	Op       string
	Err      error

	// RetryAfter carries a provider-supplied backoff hint for Throttled
	// errors (seconds); zero means "use default backoff".
	RetryAfter int
}

func (e *Error) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s[%s]: %s: %v", e.Kind, e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a typed Error.
func New(kind Kind, provider, op string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Op: op, Err: err}
}

// Retryable reports whether a worker should re-attempt the job that
// produced err: Transport, Throttled and ServerError are retryable;
// ClientError, Decode, SchemaMissing, Conflict and Fatal are not.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case Transport, Throttled, ServerError:
		return true
	default:
		return false
	}
}

// KindOf extracts the Kind from err, or "" if err does not wrap an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Transportf wraps a network/dial/timeout-level failure.
func Transportf(provider, op string, err error) *Error {
	return New(Transport, provider, op, err)
}

// Throttledf wraps a 429 response, carrying the provider's Retry-After hint
// in seconds (0 if the provider did not supply one).
func Throttledf(provider, op string, err error, retryAfterSecs int) *Error {
	e := New(Throttled, provider, op, err)
	e.RetryAfter = retryAfterSecs
	return e
}

// ServerErrorf wraps a 5xx response.
func ServerErrorf(provider, op string, err error) *Error {
	return New(ServerError, provider, op, err)
}

// ClientErrorf wraps a non-retryable 4xx response (other than 429).
func ClientErrorf(provider, op string, err error) *Error {
	return New(ClientError, provider, op, err)
}

// Decodef wraps a JSON/XML/XLSX decode failure on an otherwise-successful
// response.
func Decodef(provider, op string, err error) *Error {
	return New(Decode, provider, op, err)
}

// SchemaMissingf wraps a write skipped because a probed table/column does
// not exist in the target database.
func SchemaMissingf(provider, op string, err error) *Error {
	return New(SchemaMissing, provider, op, err)
}

// Conflictf wraps a write that lost a race it cannot safely retry (e.g. a
// unique-constraint violation not resolved by ON CONFLICT).
func Conflictf(provider, op string, err error) *Error {
	return New(Conflict, provider, op, err)
}

// Fatalf wraps a programmer/configuration error that should abort the run
// rather than be retried (e.g. a missing required credential).
func Fatalf(provider, op string, err error) *Error {
	return New(Fatal, provider, op, err)
}
