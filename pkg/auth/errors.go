package auth

import (
	"errors"
	"net/http"
)

// ErrorCode identifies a terminal authentication or admission failure
type ErrorCode string

const (
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeInvalidCredential ErrorCode = "INVALID_CREDENTIAL"
	CodeAgentNotFound     ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentInactive     ErrorCode = "AGENT_INACTIVE"
	CodeInvalidClaimToken ErrorCode = "INVALID_CLAIM_TOKEN"
	CodeClaimTokenExpired ErrorCode = "CLAIM_TOKEN_EXPIRED"
	CodeClaimTokenUsed    ErrorCode = "CLAIM_TOKEN_USED"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodeGone              ErrorCode = "GONE"
	CodeNameTaken         ErrorCode = "NAME_TAKEN"
	CodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeInternal          ErrorCode = "INTERNAL"
)

// Error is the error type returned by the identity layer. Message is safe to show to callers;
// Err carries internal detail for logs only.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code so callers can use errors.Is(err, auth.ErrInvalidCredential)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus maps the code to the response status used by the HTTP layer
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeUnauthorized, CodeInvalidCredential:
		return http.StatusUnauthorized
	case CodeAgentInactive, CodeForbidden:
		return http.StatusForbidden
	case CodeAgentNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidClaimToken:
		return http.StatusNotFound
	case CodeClaimTokenExpired, CodeGone:
		return http.StatusGone
	case CodeClaimTokenUsed:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeNameTaken:
		return http.StatusConflict
	case CodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Sentinels for errors.Is comparisons
var (
	ErrUnauthorized      = &Error{Code: CodeUnauthorized, Message: "missing authorization"}
	ErrInvalidCredential = &Error{Code: CodeInvalidCredential, Message: "invalid credential"}
	ErrAgentNotFound     = &Error{Code: CodeAgentNotFound, Message: "agent not found"}
	ErrAgentInactive     = &Error{Code: CodeAgentInactive, Message: "agent is not active"}
	ErrInvalidClaimToken = &Error{Code: CodeInvalidClaimToken, Message: "invalid claim token"}
	ErrClaimTokenExpired = &Error{Code: CodeClaimTokenExpired, Message: "claim token has expired"}
	ErrClaimTokenUsed    = &Error{Code: CodeClaimTokenUsed, Message: "claim token has already been used"}
	ErrRateLimited       = &Error{Code: CodeRateLimited, Message: "rate limit exceeded"}
	ErrForbidden         = &Error{Code: CodeForbidden, Message: "insufficient permissions"}
	ErrGone              = &Error{Code: CodeGone, Message: "token refresh has been retired; use API keys"}
	ErrNameTaken         = &Error{Code: CodeNameTaken, Message: "agent name is already taken"}
	ErrKeyNotFound       = &Error{Code: CodeNotFound, Message: "api key not found"}
	ErrAPIKeyRequired    = &Error{Code: CodeForbidden, Message: "this operation requires an API key"}
)

// InvalidRequest reports a caller input problem with a safe message
func InvalidRequest(message string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: message}
}

// Internal wraps a store or crypto failure. The caller only ever sees "internal error".
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}

// CodeOf extracts the code from err, defaulting to CodeInternal for foreign errors
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// AsError converts any error to *Error, wrapping foreign errors as internal
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}
