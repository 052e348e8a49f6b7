package gateway

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes a gateway operation failure.
type ErrorCode string

const (
	// ErrCodeNotConnected indicates a send was attempted without a live
	// connection handle.
	ErrCodeNotConnected ErrorCode = "NOT_CONNECTED"

	// ErrCodeAlreadyConnecting indicates a connect call while another is
	// in flight.
	ErrCodeAlreadyConnecting ErrorCode = "ALREADY_CONNECTING"

	// ErrCodeAlreadyConnected indicates a connect call on a live session.
	ErrCodeAlreadyConnected ErrorCode = "ALREADY_CONNECTED"

	// ErrCodeMaxAttempts indicates the same-call connection attempt
	// ceiling was hit.
	ErrCodeMaxAttempts ErrorCode = "MAX_ATTEMPTS_EXCEEDED"

	// ErrCodeMaxRetries indicates the scheduled-backoff retry ceiling was
	// hit; the record is now in a critical state.
	ErrCodeMaxRetries ErrorCode = "MAX_RETRIES_EXCEEDED"

	// ErrCodeCredentialsExpired indicates the gateway rejected the stored
	// credentials; a fresh pairing is required.
	ErrCodeCredentialsExpired ErrorCode = "CREDENTIALS_EXPIRED"

	// ErrCodeCritical indicates a non-recoverable failure.
	ErrCodeCritical ErrorCode = "CRITICAL_ERROR"

	// ErrCodeInvalidRecipient indicates the chat identifier could not be
	// normalized into a gateway address.
	ErrCodeInvalidRecipient ErrorCode = "INVALID_RECIPIENT"

	// ErrCodeTenantNotFound indicates an operation on an unknown tenant.
	ErrCodeTenantNotFound ErrorCode = "TENANT_NOT_FOUND"

	// ErrCodeConnection indicates a transport-level failure.
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"
)

// Error is a structured gateway error. Callers match on Code; the wrapped
// library error is never surfaced to user-visible strings.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a structured error with the given code.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// ErrNotConnected creates a NOT_CONNECTED error.
func ErrNotConnected(message string) *Error {
	return NewError(ErrCodeNotConnected, message, nil)
}

// ErrAlreadyConnecting creates an ALREADY_CONNECTING error.
func ErrAlreadyConnecting(message string) *Error {
	return NewError(ErrCodeAlreadyConnecting, message, nil)
}

// ErrAlreadyConnected creates an ALREADY_CONNECTED error.
func ErrAlreadyConnected(message string) *Error {
	return NewError(ErrCodeAlreadyConnected, message, nil)
}

// ErrMaxAttempts creates a MAX_ATTEMPTS_EXCEEDED error.
func ErrMaxAttempts(message string) *Error {
	return NewError(ErrCodeMaxAttempts, message, nil)
}

// ErrInvalidRecipient creates an INVALID_RECIPIENT error.
func ErrInvalidRecipient(message string, err error) *Error {
	return NewError(ErrCodeInvalidRecipient, message, err)
}

// ErrTenantNotFound creates a TENANT_NOT_FOUND error.
func ErrTenantNotFound(message string) *Error {
	return NewError(ErrCodeTenantNotFound, message, nil)
}

// ErrConnection creates a CONNECTION_ERROR wrapping a transport failure.
func ErrConnection(message string, err error) *Error {
	return NewError(ErrCodeConnection, message, err)
}

// GetErrorCode extracts the ErrorCode from an error chain. Non-gateway
// errors map to CRITICAL_ERROR.
func GetErrorCode(err error) ErrorCode {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Code
	}
	return ErrCodeCritical
}

// IsCode reports whether err carries the given gateway error code.
func IsCode(err error, code ErrorCode) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.Code == code
}
