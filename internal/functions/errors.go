package functions

import (
	"fmt"
	"net/http"
)

// Code is one of the canonical callable error codes.
type Code string

const (
	CodeOK                 Code = "ok"
	CodeCancelled          Code = "cancelled"
	CodeUnknown            Code = "unknown"
	CodeInvalidArgument    Code = "invalid-argument"
	CodeDeadlineExceeded   Code = "deadline-exceeded"
	CodeNotFound           Code = "not-found"
	CodeAlreadyExists      Code = "already-exists"
	CodePermissionDenied   Code = "permission-denied"
	CodeResourceExhausted  Code = "resource-exhausted"
	CodeFailedPrecondition Code = "failed-precondition"
	CodeAborted            Code = "aborted"
	CodeOutOfRange         Code = "out-of-range"
	CodeUnimplemented      Code = "unimplemented"
	CodeInternal           Code = "internal"
	CodeUnavailable        Code = "unavailable"
	CodeDataLoss           Code = "data-loss"
	CodeUnauthenticated    Code = "unauthenticated"
)

// statusCodes maps the status names used on the wire to codes.
var statusCodes = map[string]Code{
	"OK":                  CodeOK,
	"CANCELLED":           CodeCancelled,
	"UNKNOWN":             CodeUnknown,
	"INVALID_ARGUMENT":    CodeInvalidArgument,
	"DEADLINE_EXCEEDED":   CodeDeadlineExceeded,
	"NOT_FOUND":           CodeNotFound,
	"ALREADY_EXISTS":      CodeAlreadyExists,
	"PERMISSION_DENIED":   CodePermissionDenied,
	"UNAUTHENTICATED":     CodeUnauthenticated,
	"RESOURCE_EXHAUSTED":  CodeResourceExhausted,
	"FAILED_PRECONDITION": CodeFailedPrecondition,
	"ABORTED":             CodeAborted,
	"OUT_OF_RANGE":        CodeOutOfRange,
	"UNIMPLEMENTED":       CodeUnimplemented,
	"INTERNAL":            CodeInternal,
	"UNAVAILABLE":         CodeUnavailable,
	"DATA_LOSS":           CodeDataLoss,
}

// Status returns the wire name of the code, e.g. INVALID_ARGUMENT.
func (c Code) Status() string {
	for status, code := range statusCodes {
		if code == c {
			return status
		}
	}
	return "UNKNOWN"
}

// Error is returned for every failed callable invocation.
type Error struct {
	Code    Code
	Message string

	// Details holds the decoded error.details of the response, if any.
	Details any

	cause error
}

func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	return fmt.Sprintf("functions: %s (functions/%s)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrCancelled        = &Error{Code: CodeCancelled}
	ErrDeadlineExceeded = &Error{Code: CodeDeadlineExceeded}
	ErrInternal         = &Error{Code: CodeInternal}
)

const (
	msgServiceDeleted = "Firebase Functions instance was deleted."
	msgMissingData    = "Response is missing data field."
	msgInvalidJSON    = "Response is not valid JSON object."
	msgCancelled      = "Request was cancelled."
)

func cancelledError(cause error) *Error {
	return &Error{Code: CodeCancelled, Message: msgCancelled, cause: cause}
}

// CodeForHTTPStatus maps an HTTP status to the code used when the response
// carries no error status of its own. 0 stands for a failed request.
func CodeForHTTPStatus(status int) Code {
	if status >= 200 && status < 300 {
		return CodeOK
	}
	switch status {
	case 0:
		return CodeInternal
	case http.StatusBadRequest:
		return CodeInvalidArgument
	case http.StatusUnauthorized:
		return CodeUnauthenticated
	case http.StatusForbidden:
		return CodePermissionDenied
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeAborted
	case http.StatusTooManyRequests:
		return CodeResourceExhausted
	case 499:
		return CodeCancelled
	case http.StatusInternalServerError:
		return CodeInternal
	case http.StatusNotImplemented:
		return CodeUnimplemented
	case http.StatusServiceUnavailable:
		return CodeUnavailable
	case http.StatusGatewayTimeout:
		return CodeDeadlineExceeded
	}
	return CodeUnknown
}

// ErrorForResponse returns the error described by status and the decoded
// response body, or nil if the response is a success. A status named in
// error.status takes precedence over the HTTP status.
func ErrorForResponse(status int, body map[string]any) *Error {
	code := CodeForHTTPStatus(status)
	message := string(code)
	var details any

	if errObj, ok := body["error"].(map[string]any); ok {
		if name, ok := errObj["status"].(string); ok {
			mapped, known := statusCodes[name]
			if !known {
				return NewError(CodeInternal, string(CodeInternal))
			}
			code = mapped
			message = name
		}
		if msg, ok := errObj["message"].(string); ok {
			message = msg
		}
		if raw, ok := errObj["details"]; ok {
			decoded, err := Decode(raw)
			if err == nil {
				details = decoded
			}
		}
	}

	if code == CodeOK {
		return nil
	}
	return &Error{Code: code, Message: message, Details: details}
}
