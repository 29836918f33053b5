package serial

import "errors"

// ErrInvalidSerial is returned by Verify and Normalize for every failure that
// depends on the serial itself: bad symbols, wrong length, tag mismatch, or a
// product/version binding mismatch. The cause is deliberately not reported.
var ErrInvalidSerial = errors.New("invalid serial number")

// ValidationError reports a rejected input parameter. Code is a stable
// machine-readable token suitable for an errorcode response field.
type ValidationError struct {
	Code    string
	Message string
}

func newValidationError(code, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message}
}

// Error implements error.
func (e *ValidationError) Error() string {
	return e.Message
}
