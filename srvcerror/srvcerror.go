package srvcerror

import "net/http"

type Error struct {
	errorCode  string
	msgToUser  string // public
	dbgInfoErr error  // private, for debugging

	httpStatus int // optional, for HTTP responses
}

func (e *Error) Error() string {
	return e.msgToUser
}

func (e *Error) Unwrap() error {
	return e.dbgInfoErr
}

func (e *Error) ErrorCode() string {
	return e.errorCode
}

func (e *Error) DebugInfo() error {
	return e.dbgInfoErr
}

func (e *Error) SetDebug(err error) *Error {
	e.dbgInfoErr = err
	return e
}

func (e *Error) HttpStatusCode() int {
	if e.httpStatus == 0 {
		return http.StatusInternalServerError
	}
	return e.httpStatus
}

func (e *Error) SetHttpStatusCode(code int) *Error {
	e.httpStatus = code
	return e
}

func New(errorCode string, msgToUser string) *Error {
	return &Error{
		errorCode: errorCode,
		msgToUser: msgToUser,
	}
}

const (
	ErrCodeInternalServerError = "internal_server_error"
	ErrCodeUnauthorized        = "unauthorized"
	ErrCodeForbidden           = "forbidden"
	ErrCodeInvalidEvent        = "invalid_event"
	ErrCodeInvalidRequest      = "invalid_request"
	ErrCodeArchiveDisabled     = "archive_disabled"
	ErrCodeStreamingUnsupp     = "streaming_unsupported"
)

func ErrInternalSE() *Error {
	return New(
		ErrCodeInternalServerError,
		"iekšēja servera kļūda",
	).SetHttpStatusCode(http.StatusInternalServerError)
}

func ErrInvalidEvent() *Error {
	return New(
		ErrCodeInvalidEvent,
		"notikumam jābūt JSON objektam ar subjectId",
	).SetHttpStatusCode(http.StatusBadRequest)
}

func ErrInvalidRequest(msg string) *Error {
	return New(ErrCodeInvalidRequest, msg).SetHttpStatusCode(http.StatusBadRequest)
}

func ErrRefreshRejected() *Error {
	return New(
		ErrCodeUnauthorized,
		"atjaunošanas marķieris nav derīgs",
	).SetHttpStatusCode(http.StatusUnauthorized)
}

func ErrArchiveDisabled() *Error {
	return New(
		ErrCodeArchiveDisabled,
		"notikumu arhīvs nav konfigurēts",
	).SetHttpStatusCode(http.StatusNotFound)
}

func ErrStreamingUnsupported() *Error {
	return New(
		ErrCodeStreamingUnsupp,
		"straumēšana nav atbalstīta",
	).SetHttpStatusCode(http.StatusInternalServerError)
}
