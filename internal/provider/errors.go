package provider

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Code is a short machine-readable failure tag. Providers return these
// instead of backend-specific errors so callers never branch on which
// backend is active.
type Code string

const (
	// Transport failures.
	CodeNetworkError Code = "NETWORK_ERROR"
	CodeTimeout      Code = "TIMEOUT"

	// Protocol failures: non-2xx with a structured body.
	CodeAPIError Code = "API_ERROR"

	// Local precondition failures. These never reach the transport.
	CodeNoRefreshToken   Code = "NO_REFRESH_TOKEN"
	CodeNotAuthenticated Code = "NOT_AUTHENTICATED"
	CodeNotInitialized   Code = "NOT_INITIALIZED"

	// Capability failures.
	CodeNotSupported        Code = "NOT_SUPPORTED"
	CodeUnsupportedProvider Code = "UNSUPPORTED_PROVIDER"
)

// Error is the tagged error every provider method returns for expected
// failure modes. StatusCode is zero for failures that never reached a
// backend.
type Error struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewError creates a tagged error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError creates a tagged error wrapping an underlying cause.
func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// APIError creates a protocol error carrying the backend status code.
func APIError(message string, statusCode int) *Error {
	return &Error{Code: CodeAPIError, Message: message, StatusCode: statusCode}
}

// CodeOf extracts the tag from an error chain. Untagged errors report
// NETWORK_ERROR, matching the policy that unexpected transport exceptions
// are wrapped rather than propagated raw.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeNetworkError
}

// IsCode reports whether err carries the given tag.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Envelope is the wire-level request/response envelope shared by all REST
// calls: { success, data?, error? }.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Ok builds a success envelope around data.
func Ok(data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope data: %w", err)
	}
	return &Envelope{Success: true, Data: raw}, nil
}

// Fail builds a failure envelope from a tagged error.
func Fail(err *Error) *Envelope {
	return &Envelope{Success: false, Error: err}
}
