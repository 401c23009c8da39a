// Package apierr defines the CODE|HINT error taxonomy that crosses the
// process boundary (see spec §6, §7). Internally, components return plain
// Go errors; only the HTTP handler layer converts them into these codes.
package apierr

import "fmt"

// Code identifies a stable error category.
type Code string

// Hint narrows a Code with additional detail for the UI to localize.
type Hint string

const (
	CodeKeychainUnavailable  Code = "ERR_KEYCHAIN_UNAVAILABLE"
	CodeDataMigrationFailed  Code = "ERR_DATA_MIGRATION_FAILED"
	CodeUpstreamUnavailable  Code = "ERR_UPSTREAM_UNAVAILABLE"
	CodeAuthRejected         Code = "ERR_AUTH_REJECTED"
	CodeRateLimited          Code = "ERR_RATE_LIMITED"
	CodeNoAccount            Code = "ERR_NO_ACCOUNT"
	CodeInvalidRequest       Code = "ERR_INVALID_REQUEST"
	CodeInvariantViolation   Code = "ERR_INVARIANT_VIOLATION"

	HintTranslocation Hint = "HINT_KEYCHAIN_TRANSLOCATION"
	HintDenied        Hint = "HINT_KEYCHAIN_DENIED"
	HintUnsigned      Hint = "HINT_KEYCHAIN_UNSIGNED"
	HintRelogin       Hint = "HINT_RELOGIN"
	HintClearData     Hint = "HINT_CLEAR_DATA"
	HintNone          Hint = ""
)

// Error is the structured error type returned across component boundaries
// that must eventually surface as "CODE|HINT" at the HTTP edge.
type Error struct {
	Code       Code
	Hint       Hint
	Message    string
	HTTPStatus int
	// Retryable marks category-1 (transient upstream) errors per spec §7.
	Retryable bool
	// Err wraps the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Wire(), e.Message)
	}
	return e.Wire()
}

func (e *Error) Unwrap() error { return e.Err }

// Wire renders the "CODE|HINT" string that crosses the process boundary.
// Hint is omitted (and the separator dropped) when empty.
func (e *Error) Wire() string {
	if e.Hint == "" {
		return string(e.Code)
	}
	return string(e.Code) + "|" + string(e.Hint)
}

// New builds an Error with the given code/hint/message.
func New(code Code, hint Hint, status int, message string) *Error {
	return &Error{Code: code, Hint: hint, HTTPStatus: status, Message: message}
}

// Wrap builds an Error wrapping cause, retaining its message via %v.
func Wrap(code Code, hint Hint, status int, err error) *Error {
	if err == nil {
		return New(code, hint, status, "")
	}
	return &Error{Code: code, Hint: hint, HTTPStatus: status, Message: err.Error(), Err: err}
}
