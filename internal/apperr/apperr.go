// Package apperr defines the typed error taxonomy shared by the admission
// path and the delivery worker. Each error carries a stable code; the HTTP
// layer translates codes to statuses with a single lookup table.
package apperr

import (
	"errors"
	"net/http"
)

// Code identifies a rejection or failure category. Codes are part of the
// public API contract: clients match on them, not on messages.
type Code string

const (
	CodeIncorrectAPIKey       Code = "INCORRECT_API_KEY"
	CodeClientDisabled        Code = "CLIENT_DISABLED"
	CodeInvalidOrigin         Code = "INVALID_ORIGIN"
	CodePayloadTooLarge       Code = "PAYLOAD_TOO_LARGE"
	CodeInvalidSignature      Code = "INVALID_SIGNATURE"
	CodeEmailConfigNotFound   Code = "EMAIL_CONFIG_NOT_FOUND"
	CodeEmailConfigIncomplete Code = "EMAIL_CONFIG_INCOMPLETE"
	CodeRPMLimitExceeded      Code = "RPM_LIMIT_EXCEEDED"
	CodeDailyQuotaExceeded    Code = "DAILY_QUOTA_EXCEEDED"
	CodeValidationFailed      Code = "VALIDATION_FAILED"
	CodeInternal              Code = "INTERNAL_ERROR"
)

var defaultMessages = map[Code]string{
	CodeIncorrectAPIKey:       "Api key provided does not match any api client",
	CodeClientDisabled:        "Api client is disabled",
	CodeInvalidOrigin:         "Origin is missing or not allowed for this api client",
	CodePayloadTooLarge:       "Request body exceeds the maximum allowed size",
	CodeInvalidSignature:      "Provided HMAC signature is invalid or missing",
	CodeEmailConfigNotFound:   "No email configuration related to the api key provided",
	CodeEmailConfigIncomplete: "Email configuration related to the api key provided is incomplete",
	CodeRPMLimitExceeded:      "Request per minute limit exceeded",
	CodeDailyQuotaExceeded:    "Daily quota exceeded",
	CodeValidationFailed:      "Request validation failed",
	CodeInternal:              "Internal server error",
}

var httpStatuses = map[Code]int{
	CodeIncorrectAPIKey:       http.StatusUnauthorized,
	CodeClientDisabled:        http.StatusForbidden,
	CodeInvalidOrigin:         http.StatusForbidden,
	CodePayloadTooLarge:       http.StatusRequestEntityTooLarge,
	CodeInvalidSignature:      http.StatusUnauthorized,
	CodeEmailConfigNotFound:   http.StatusNotFound,
	CodeRPMLimitExceeded:      http.StatusTooManyRequests,
	CodeDailyQuotaExceeded:    http.StatusTooManyRequests,
	CodeValidationFailed:      http.StatusBadRequest,
}

// Error is a domain error with a stable code and a human-readable message.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.cause.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New returns an Error for the given code with its default message.
func New(code Code) *Error {
	return &Error{Code: code, Message: defaultMessages[code]}
}

// Newf returns an Error for the given code with a custom message.
func Newf(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a cause to a coded error.
func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, Message: defaultMessages[code], cause: cause}
}

// CodeOf extracts the Code from an error chain, defaulting to
// CodeInternal for anything unclassified.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf extracts the message from an error chain. Unclassified errors
// get the generic internal message so internals never leak to clients.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return defaultMessages[CodeInternal]
}

// HTTPStatus maps a code to its transport status. Unknown codes map to 500.
func HTTPStatus(code Code) int {
	if status, ok := httpStatuses[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
