// Package apperr provides the typed error returned by governance operations.
//
// Every error carries a Kind that the HTTP layer maps to a status code and a
// stable machine Code that clients can switch on. Governance rejections are
// not errors; they are returned as data by the transition package.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for status mapping.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindConflict      Kind = "conflict"
	KindNotFound      Kind = "not_found"
	KindInternal      Kind = "internal"
)

// HTTPStatus returns the status code for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown                 Code = "UNKNOWN"
	CodeInvalidInput            Code = "INVALID_INPUT"
	CodeNotFound                Code = "NOT_FOUND"
	CodeAlreadyExists           Code = "ALREADY_EXISTS"
	CodeInvalidPhase            Code = "INVALID_PHASE"
	CodeInvalidTransition       Code = "INVALID_TRANSITION"
	CodeNegativeAllocation      Code = "NEGATIVE_ALLOCATION"
	CodeNegativeTotal           Code = "NEGATIVE_TOTAL"
	CodeUnknownGate             Code = "UNKNOWN_GATE"
	CodeGatePreconditionFailed  Code = "GATE_PRECONDITION_FAILED"
	CodeReassessReasonRequired  Code = "REASSESS_REASON_REQUIRED"
	CodeReassessSummaryRequired Code = "REASSESS_SUMMARY_REQUIRED"
	CodeNotProjectOwner         Code = "NOT_PROJECT_OWNER"
	CodePhaseMismatch           Code = "PHASE_MISMATCH"
	CodePhaseLocked             Code = "PHASE_LOCKED"
	CodeConcurrentUpdate        Code = "CONCURRENT_UPDATE"
	CodeProjectNotFound         Code = "PROJECT_NOT_FOUND"
	CodeScopeNotFound           Code = "SCOPE_NOT_FOUND"
	CodeFinalizeInternal        Code = "FINALIZE_INTERNAL"
	CodeStoreFailure            Code = "STORE_FAILURE"
)

// Diagnostics describes an internal failure well enough to debug it
// without reproducing the request.
type Diagnostics struct {
	ErrorClass string `json:"error_class"`
	Message    string `json:"message"`
	Stack      string `json:"stack,omitempty"`
	Phase      string `json:"phase,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
}

// Error is the typed governance error.
type Error struct {
	Kind        Kind
	Code        Code
	Message     string
	Metadata    map[string]string
	Diagnostics *Diagnostics
	Cause       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, code Code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Validation reports malformed or missing input.
func Validation(code Code, message string) *Error {
	return New(KindValidation, code, message)
}

// Unauthorized reports an actor without authority over the project.
func Unauthorized(code Code, message string) *Error {
	return New(KindAuthorization, code, message)
}

// Conflict reports a request that races or contradicts current state.
func Conflict(code Code, message string) *Error {
	return New(KindConflict, code, message)
}

// NotFound reports a missing entity.
func NotFound(code Code, message string) *Error {
	return New(KindNotFound, code, message)
}

// Internal wraps an unexpected failure.
func Internal(code Code, message string, cause error) *Error {
	return Wrap(KindInternal, code, message, cause)
}

// WithMetadata attaches key/value context and returns e.
func (e *Error) WithMetadata(kv ...string) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string, len(kv)/2)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		e.Metadata[kv[i]] = kv[i+1]
	}
	return e
}

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of err, or CodeUnknown for untyped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// HTTPStatus returns the status code for err.
func HTTPStatus(err error) int {
	return KindOf(err).HTTPStatus()
}
