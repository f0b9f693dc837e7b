package flash

import (
	"errors"
	"fmt"
)

// Error codes for the flash package, one per failure class.
const (
	ErrCodeEnumeration = 1 // no device, open or claim failure
	ErrCodeTransport   = 2 // control/bulk transfer failure, receive deadline
	ErrCodeProtocol    = 3 // unexpected response type or field value
	ErrCodeUsage       = 4 // caller error, rejected before any I/O
)

// FlashError is the structured error type for the flash package.
type FlashError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *FlashError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("flash: [%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("flash: [%d] %s", e.Code, e.Message)
}

func NewError(code int, message string, details ...string) error {
	err := &FlashError{
		Code:    code,
		Message: message,
	}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

func transportError(format string, args ...interface{}) error {
	return NewError(ErrCodeTransport, fmt.Sprintf(format, args...))
}

func protocolError(format string, args ...interface{}) error {
	return NewError(ErrCodeProtocol, fmt.Sprintf(format, args...))
}

func usageError(format string, args ...interface{}) error {
	return NewError(ErrCodeUsage, fmt.Sprintf(format, args...))
}

// errorCode extracts the failure class of err, or 0 for foreign errors.
func errorCode(err error) int {
	var fe *FlashError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return 0
}

// Predefined errors
var (
	ErrHandshakeFailed = NewError(ErrCodeProtocol, "handshake failed")
	ErrNoSession       = NewError(ErrCodeUsage, "no active session")
	ErrSessionActive   = NewError(ErrCodeUsage, "a session is already active")
)
