// Package serviceerr defines the closed set of failures the authenticator reports.
package serviceerr

import (
	"errors"
	"net/http"
)

type Code string

const (
	// CodeFlowIntegrity marks a login flow that cannot be trusted: missing or
	// mismatched state, missing PKCE verifier, malformed callback.
	CodeFlowIntegrity Code = "flow_integrity"
	// CodeProviderRejected marks an explicit refusal by the identity provider,
	// or a token that failed verification for a reason other than expiry.
	CodeProviderRejected Code = "provider_rejected"
	// CodeNetwork marks a provider that could not be reached or answered garbage.
	CodeNetwork Code = "network"
	// CodeTokenExpired is the only validation failure that allows a refresh.
	CodeTokenExpired Code = "token_expired"
	CodeUnknown      Code = "unknown"
)

type Error struct {
	Err         Code
	Description string
	Cause       error
}

var (
	ErrFlowIntegrity     = &Error{Err: CodeFlowIntegrity, Description: "login flow integrity check failed"}
	ErrProviderRejected  = &Error{Err: CodeProviderRejected, Description: "identity provider rejected the request"}
	ErrNetwork           = &Error{Err: CodeNetwork, Description: "identity provider unreachable"}
	ErrTokenExpired      = &Error{Err: CodeTokenExpired, Description: "token expired"}
	ErrUnknown           = &Error{Err: CodeUnknown, Description: "unknown error"}
	ErrMissingState      = &Error{Err: CodeFlowIntegrity, Description: "missing state"}
	ErrMissingFlowCookie = &Error{Err: CodeFlowIntegrity, Description: "missing verifier/state cookie"}
	ErrStateMismatch     = &Error{Err: CodeFlowIntegrity, Description: "state mismatch"}
	ErrMissingCode       = &Error{Err: CodeFlowIntegrity, Description: "missing authorization code"}
)

// New returns an error of the given code wrapping cause.
func New(code Code, description string, cause error) *Error {
	return &Error{Err: code, Description: description, Cause: cause}
}

func (e *Error) Error() string {
	msg := string(e.Err)
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same code, so errors.Is(err, ErrFlowIntegrity)
// holds for every flow-integrity failure.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return t.Err == e.Err && (t.Description == e.Description || isCategory(t))
}

func isCategory(e *Error) bool {
	switch e {
	case ErrFlowIntegrity, ErrProviderRejected, ErrNetwork, ErrTokenExpired, ErrUnknown:
		return true
	default:
		return false
	}
}

func (e *Error) HTTPStatus() int {
	switch e.Err {
	case CodeFlowIntegrity:
		return http.StatusBadRequest
	case CodeProviderRejected, CodeTokenExpired:
		return http.StatusUnauthorized
	case CodeNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf classifies err. Anything that is not an *Error is unknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		switch e.Err {
		case CodeFlowIntegrity, CodeProviderRejected, CodeNetwork, CodeTokenExpired:
			return e.Err
		}
	}

	return CodeUnknown
}
