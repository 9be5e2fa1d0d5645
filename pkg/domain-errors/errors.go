// Package domainerrors defines the coded error type shared by every service
// in the server. Services attach a Code (coarse category, drives the HTTP
// status and log severity) and optionally a Kind (stable machine-readable
// identifier for API clients). The transport layer is the only place that
// translates these into HTTP responses.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code is the coarse error category. Its string value is the wire `error`
// field when no Kind is attached.
type Code string

const (
	CodeInternal             Code = "internal_error"
	CodeInvalidInput         Code = "invalid_input"
	CodeValidation           Code = "validation_error"
	CodeBadRequest           Code = "bad_request"
	CodeUnauthorized         Code = "unauthorized"
	CodeForbidden            Code = "forbidden"
	CodeNotFound             Code = "not_found"
	CodeConflict             Code = "conflict"
	CodeTooManyRequests      Code = "too_many_requests"
	CodePreconditionRequired Code = "precondition_required"
	CodeUnavailable          Code = "service_unavailable"
	CodeTimeout              Code = "timeout"
	CodeInvariantViolation   Code = "invariant_violation"
)

// Kind narrows a Code to the precise failure. Kinds are part of the public
// API contract: clients branch on them, so values never change once shipped.
type Kind string

const (
	KindRateLimitExceeded       Kind = "rate_limit_exceeded"
	KindRateLimiterUnavailable  Kind = "rate_limiter_unavailable"
	KindCaptchaRequired         Kind = "captcha_required"
	KindInvalidCaptcha          Kind = "invalid_captcha"
	KindInvalidCredentials      Kind = "invalid_credentials"
	KindAccountLocked           Kind = "account_locked"
	KindAccountDisabled         Kind = "account_disabled"
	KindAccountExpired          Kind = "account_expired"
	KindCredentialsExpired      Kind = "credentials_expired"
	KindMfaRequired             Kind = "mfa_required"
	KindPasskeyValidationFailed Kind = "passkey_validation_failed"
	KindRiskDenied              Kind = "risk_denied"
	KindRoleAssignmentForbidden Kind = "role_assignment_forbidden"
	KindUserAlreadyExists       Kind = "user_already_exists"
	KindUserNotFound            Kind = "user_not_found"
	KindDependencyTimeout       Kind = "dependency_timeout"
)

// Error carries a code, an optional kind, a human-readable message and an
// optional wrapped cause.
type Error struct {
	code Code
	kind Kind
	msg  string
	err  error
}

// New creates a coded error.
func New(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

// Wrap creates a coded error around a cause. The cause remains reachable
// through errors.Unwrap / errors.Is / errors.As.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{code: code, msg: msg, err: err}
}

// WithKind returns a copy of the error carrying the given kind.
func (e *Error) WithKind(kind Kind) *Error {
	clone := *e
	clone.kind = kind
	return &clone
}

// Code returns the error's category.
func (e *Error) Code() Code {
	return e.code
}

// Kind returns the error's precise kind, or "" when none was attached.
func (e *Error) Kind() Kind {
	return e.kind
}

// Message returns the human-readable message without the wrapped cause.
func (e *Error) Message() string {
	return e.msg
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func (e *Error) Unwrap() error {
	return e.err
}

// HasCode reports whether err or any error in its chain carries the code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.code == code
	}
	return false
}

// Is is an alias for HasCode kept for call-site readability in tests.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// HasKind reports whether err or any error in its chain carries the kind.
func HasKind(err error, kind Kind) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.kind == kind
	}
	return false
}

// CodeOf extracts the code from err, defaulting to CodeInternal for errors
// that did not originate in a service.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.code
	}
	return CodeInternal
}

// KindOf extracts the kind from err, or "" when none is attached.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.kind
	}
	return ""
}
