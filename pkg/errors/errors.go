// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the typed error taxonomy shared by the validation and
// delegation pipeline. Every error carries a Kind so that security rejections,
// operational failures and configuration problems are never conflated.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and reporting.
type Kind string

const (
	// KindSecurity errors fail closed: the caller sees a rejection.
	KindSecurity Kind = "security"

	// KindOperational errors may be retried by the caller.
	KindOperational Kind = "operational"

	// KindConfiguration errors are fatal at startup.
	KindConfiguration Kind = "configuration"
)

// Security error codes
const (
	CodeMalformedToken   = "malformed_token"
	CodeUntrustedIssuer  = "untrusted_issuer"
	CodeSignatureInvalid = "signature_invalid"
	CodeIssuerMismatch   = "issuer_mismatch"
	CodeAudienceMismatch = "audience_mismatch"
	CodeAzpMismatch      = "azp_mismatch"
	CodeMissingClaim     = "missing_claim"
	CodeTokenExpired     = "token_expired"
	CodeTokenNotYetValid = "token_not_yet_valid"
	CodeTokenTooOld      = "token_too_old"
	CodeMissingNbf       = "missing_nbf"
	CodeSessionRejected  = "session_rejected"
)

// Operational error codes
const (
	CodeJWKSFetchFailed    = "jwks_fetch_failed"
	CodeRequestFailed      = "request_failed"
	CodeBackendUnavailable = "backend_unavailable"
	CodeCacheInvalidation  = "cache_invalidation"
)

// Configuration error codes
const (
	CodeInsecureAlgorithm        = "insecure_algorithm"
	CodeInsecureEndpoint         = "insecure_endpoint"
	CodeMissingClientCredentials = "missing_client_credentials"
	CodeInvalidConfig            = "invalid_config"
)

var codeKinds = map[string]Kind{
	CodeMalformedToken:   KindSecurity,
	CodeUntrustedIssuer:  KindSecurity,
	CodeSignatureInvalid: KindSecurity,
	CodeIssuerMismatch:   KindSecurity,
	CodeAudienceMismatch: KindSecurity,
	CodeAzpMismatch:      KindSecurity,
	CodeMissingClaim:     KindSecurity,
	CodeTokenExpired:     KindSecurity,
	CodeTokenNotYetValid: KindSecurity,
	CodeTokenTooOld:      KindSecurity,
	CodeMissingNbf:       KindSecurity,
	CodeSessionRejected:  KindSecurity,

	CodeJWKSFetchFailed:    KindOperational,
	CodeRequestFailed:      KindOperational,
	CodeBackendUnavailable: KindOperational,
	CodeCacheInvalidation:  KindOperational,

	CodeInsecureAlgorithm:        KindConfiguration,
	CodeInsecureEndpoint:         KindConfiguration,
	CodeMissingClientCredentials: KindConfiguration,
	CodeInvalidConfig:            KindConfiguration,
}

// Sentinel values for use with errors.Is. Matching is by Code only.
var (
	ErrMalformedToken   = &Error{Kind: KindSecurity, Code: CodeMalformedToken}
	ErrUntrustedIssuer  = &Error{Kind: KindSecurity, Code: CodeUntrustedIssuer}
	ErrSignatureInvalid = &Error{Kind: KindSecurity, Code: CodeSignatureInvalid}
	ErrIssuerMismatch   = &Error{Kind: KindSecurity, Code: CodeIssuerMismatch}
	ErrAudienceMismatch = &Error{Kind: KindSecurity, Code: CodeAudienceMismatch}
	ErrAzpMismatch      = &Error{Kind: KindSecurity, Code: CodeAzpMismatch}
	ErrMissingClaim     = &Error{Kind: KindSecurity, Code: CodeMissingClaim}
	ErrTokenExpired     = &Error{Kind: KindSecurity, Code: CodeTokenExpired}
	ErrTokenNotYetValid = &Error{Kind: KindSecurity, Code: CodeTokenNotYetValid}
	ErrTokenTooOld      = &Error{Kind: KindSecurity, Code: CodeTokenTooOld}
	ErrMissingNbf       = &Error{Kind: KindSecurity, Code: CodeMissingNbf}
	ErrSessionRejected  = &Error{Kind: KindSecurity, Code: CodeSessionRejected}

	ErrJWKSFetchFailed    = &Error{Kind: KindOperational, Code: CodeJWKSFetchFailed}
	ErrRequestFailed      = &Error{Kind: KindOperational, Code: CodeRequestFailed}
	ErrBackendUnavailable = &Error{Kind: KindOperational, Code: CodeBackendUnavailable}
	ErrCacheInvalidation  = &Error{Kind: KindOperational, Code: CodeCacheInvalidation}

	ErrInsecureAlgorithm        = &Error{Kind: KindConfiguration, Code: CodeInsecureAlgorithm}
	ErrInsecureEndpoint         = &Error{Kind: KindConfiguration, Code: CodeInsecureEndpoint}
	ErrMissingClientCredentials = &Error{Kind: KindConfiguration, Code: CodeMissingClientCredentials}
	ErrInvalidConfig            = &Error{Kind: KindConfiguration, Code: CodeInvalidConfig}
)

// Error represents a classified error in the pipeline.
type Error struct {
	// Kind is the error taxonomy the code belongs to
	Kind Kind

	// Code is the machine readable error code
	Code string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Cause == nil:
		return e.Code
	case e.Cause == nil:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Message == "":
		return fmt.Sprintf("%s: %s", e.Code, e.Cause)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a new error for the given code. The kind is derived from the code;
// unknown codes are treated as operational.
func New(code, message string, cause error) *Error {
	kind, ok := codeKinds[code]
	if !ok {
		kind = KindOperational
	}
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Newf creates a new error for the given code with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// NewSecurityError creates a new security error
func NewSecurityError(code, message string, cause error) *Error {
	e := New(code, message, cause)
	e.Kind = KindSecurity
	return e
}

// NewOperationalError creates a new operational error
func NewOperationalError(code, message string, cause error) *Error {
	e := New(code, message, cause)
	e.Kind = KindOperational
	return e
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(code, message string, cause error) *Error {
	e := New(code, message, cause)
	e.Kind = KindConfiguration
	return e
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	return e.Kind, true
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}

// IsSecurity checks if the error is a security error
func IsSecurity(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindSecurity
}

// IsOperational checks if the error is an operational error
func IsOperational(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindOperational
}

// IsConfiguration checks if the error is a configuration error
func IsConfiguration(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindConfiguration
}
