package errors

import "net/http"

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11099: Identity errors
// 12000-12999: Assignment errors
// 13000-13999: Query attempt & sandbox errors

const (
	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// Identity (11000-11099)
	TokenExpired ErrorCode = 11003
	TokenInvalid ErrorCode = 11004

	// Assignment (12000-12099)
	AssignmentNotFound ErrorCode = 12000
	AssignmentInvalid  ErrorCode = 12001

	// Query policy (13000-13099)
	QueryForbidden        ErrorCode = 13000
	RequiredMethodMissing ErrorCode = 13001
	QueryFailed           ErrorCode = 13002
	CodeTooLarge          ErrorCode = 13003

	// Sandbox (13100-13199)
	SandboxTimeout       ErrorCode = 13100
	SandboxUnavailable   ErrorCode = 13101
	SandboxOutputInvalid ErrorCode = 13102
	SandboxBusy          ErrorCode = 13103
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",

	CacheError: "Cache operation failed",

	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	TokenExpired: "Token has expired",
	TokenInvalid: "Invalid token",

	AssignmentNotFound: "Assignment not found",
	AssignmentInvalid:  "Assignment metadata is invalid",

	QueryForbidden:        "Only read queries allowed: db.<coll>.find(...) / aggregate(...) with optional sort/limit",
	RequiredMethodMissing: "Query does not use the required method",
	QueryFailed:           "Unknown mongosh error",
	CodeTooLarge:          "Query text is too large",

	SandboxTimeout:       "mongosh timed out",
	SandboxUnavailable:   "mongosh not found or failed to start",
	SandboxOutputInvalid: "Invalid mongosh JSON output",
	SandboxBusy:          "Query sandbox is busy, please try again later",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case Success:
		return http.StatusOK
	case Unauthorized, TokenExpired, TokenInvalid:
		return http.StatusUnauthorized
	case Forbidden, QueryForbidden:
		return http.StatusForbidden
	case NotFound, RecordNotFound, AssignmentNotFound:
		return http.StatusNotFound
	case TooManyRequests:
		return http.StatusTooManyRequests
	case ServiceUnavailable, SandboxBusy:
		return http.StatusServiceUnavailable
	case Timeout, SandboxTimeout:
		return http.StatusGatewayTimeout
	case InvalidParams, RequiredMethodMissing, QueryFailed, CodeTooLarge:
		return http.StatusBadRequest
	}
	if c >= 10300 && c < 10400 { // Validation errors
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
