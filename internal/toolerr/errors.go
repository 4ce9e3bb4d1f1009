// Package toolerr defines the error taxonomy surfaced by the tool
// execution substrate. Components never panic across a package boundary
// for an expected failure; they return a *toolerr.Error instead, which
// the Orchestrator converts into a Result and transports convert into
// their own wire format.
package toolerr

import (
	"errors"
	"fmt"
)

// Code is a stable, wire-visible error identifier.
type Code string

const (
	InvalidEnvelope          Code = "InvalidEnvelope"
	UnknownTool              Code = "UnknownTool"
	UnknownCapability        Code = "UnknownCapability"
	InvalidInput             Code = "InvalidInput"
	Unauthorized             Code = "Unauthorized"
	PolicyDenied             Code = "PolicyDenied"
	ConfirmationTimeout      Code = "ConfirmationTimeout"
	UserDenied               Code = "UserDenied"
	RateLimited              Code = "RateLimited"
	Timeout                  Code = "Timeout"
	Cancelled                Code = "Cancelled"
	ExecutorError            Code = "ExecutorError"
	InvalidExecutorResponse  Code = "InvalidExecutorResponse"
	DuplicateReturned        Code = "DuplicateReturned"
)

// retryable records, per code, whether the caller may safely resubmit
// the same request (InvalidInput/PolicyDenied/RateLimited/Unauthorized
// must not be blindly retried; Timeout/Cancelled/ExecutorError may be).
var retryable = map[Code]bool{
	Timeout:          true,
	Cancelled:        true,
	ExecutorError:    true,
	RateLimited:      true, // with the retry_after_ms hint honored
}

// Error is the single structured error type every component returns.
type Error struct {
	ErrCode Code
	Message string
	Fields  map[string]string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return string(e.ErrCode) + ": " + e.Message
}

// New builds an Error with no field-level detail.
func New(code Code, message string) *Error {
	return &Error{ErrCode: code, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{ErrCode: code, Message: fmt.Sprintf(format, args...)}
}

// WithField attaches a per-field validation detail (used by InvalidInput)
// and returns the receiver for chaining.
func (e *Error) WithField(field, reason string) *Error {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.Fields[field] = reason
	return e
}

// Retryable reports whether a caller may resubmit the same request
// after this error.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return retryable[e.ErrCode]
}

// CodeOf extracts the Code from an error if it is (or wraps) a *Error.
func CodeOf(err error) (Code, bool) {
	var te *Error
	if !errors.As(err, &te) {
		return "", false
	}
	return te.ErrCode, true
}

// AuditLogged reports whether this error kind must produce an audit
// entry regardless of the caller's own logging.
func AuditLogged(code Code) bool {
	switch code {
	case Unauthorized, PolicyDenied, RateLimited, ExecutorError:
		return true
	default:
		return false
	}
}
