package dispatcher

import (
	"errors"
	"fmt"

	"github.com/cyberinferno/go-licensesrv/serial"
)

// Error is a failed request. Code is sent as the errorcode field and is
// stable across releases; Message is for humans.
type Error struct {
	Code    string
	Message string
	// Info carries extra detail for the client, e.g. a revocation reason.
	Info string
	// Err is the underlying cause. It is logged, never sent.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// dbError reports a store failure. doing completes the sentence "A database
// exception occurred while ...".
func dbError(doing string, err error) *Error {
	return &Error{
		Code:    CodeDBException,
		Message: "A database exception occurred while " + doing + ".",
		Err:     err,
	}
}

// serialError converts a codec failure into the response error.
func serialError(err error) *Error {
	var verr *serial.ValidationError
	if errors.As(err, &verr) {
		return &Error{Code: verr.Code, Message: verr.Message, Err: err}
	}

	return &Error{Code: CodeInvalidSerial, Message: "Invalid serial number.", Err: err}
}

// Error codes shared by several actions.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeUnknownAction      = "unknown_action"
	CodeLineTooLong        = "line_too_long"
	CodeDBException        = "db_exception"
	CodeInvalidSerial      = "invalid_serial"
	CodeMissingSerialNum   = "missing_serial_num"
	CodeMissingPID         = "missing_pid"
	CodeMissingVer         = "missing_ver"
	CodeMissingMajorVer    = "missing_major_ver"
	CodeMissingUserInfo    = "missing_userinfo"
	CodeInvalidUserInfo    = "invalid_userinfo"
	CodeProductNotFound    = "product_not_found"
	CodeVersionNotFound    = "product_major_ver_not_found"
	CodeVersionDeactivated = "version_deactivated"
	CodeNoLicenseInfo      = "no_license_info"
	CodeTooManyActivations = "too_many_activations"
	CodeTooManyDownloads   = "too_many_downloads"
	CodeInvalidSearchQuery = "invalid_search_query"
	CodeMissingType        = "missing_type"
	CodeInvalidType        = "invalid_type"
	CodeMissingLog         = "missing_log"
	CodeInvalidLog         = "invalid_log"
	CodeInvalidVer         = "invalid_ver"
	CodeInvalidInfo        = "invalid_info"
	CodeMissingID          = "missing_id"
	CodeInvalidID          = "invalid_id"
	CodeMissingName        = "missing_name"
	CodeMaxProductsReached = "max_products_reached"
	CodeInternal           = "internal_error"
	resultOK               = "ok"
)

var (
	errMissingSerialNum   = newError(CodeMissingSerialNum, "Missing serial number.")
	errMissingPID         = newError(CodeMissingPID, "Missing product ID.")
	errProductNotFound    = newError(CodeProductNotFound, "Product does not exist.")
	errMissingVer         = newError(CodeMissingVer, "Missing major version number.")
	errMissingMajorVer    = newError(CodeMissingMajorVer, "Missing major version number.")
	errVersionNotFound    = newError(CodeVersionNotFound, "Major version does not exist for the product.")
	errMissingUserInfo    = newError(CodeMissingUserInfo, "Missing user info.")
	errInvalidUserInfo    = newError(CodeInvalidUserInfo, "Invalid user info.  Expected a string.")
	errVersionDeactivated = newError(CodeVersionDeactivated, "The specified version of this product has been deactivated.")
	errNoLicenseInfo      = newError(CodeNoLicenseInfo, "No license found.")
)
