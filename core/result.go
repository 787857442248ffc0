package core

import (
	"fmt"
	"strings"
)

// ErrorType is the coarse classification of a failed API call. It fully
// determines the retry/health policy applied by the client layer:
//
//	PERMANENT          backend is bad -> UNAVAILABLE, caller stops retrying
//	BAD_REQUEST        prompt is bad  -> status untouched, caller stops retrying
//	TRANSIENT_SERVER   backend may recover -> ERROR, caller tries another client
//	TRANSIENT_NETWORK  network fault  -> ERROR, caller tries another client
type ErrorType string

const (
	ErrorPermanent        ErrorType = "PERMANENT"
	ErrorBadRequest       ErrorType = "BAD_REQUEST"
	ErrorTransientServer  ErrorType = "TRANSIENT_SERVER"
	ErrorTransientNetwork ErrorType = "TRANSIENT_NETWORK"
)

// Stable error codes carried by APIError.Code. HTTP outcomes use
// HTTPCode(status) instead.
const (
	CodeConnectionTimeout     = "CONNECTION_TIMEOUT"
	CodeProxyFail             = "PROXY_FAIL"
	CodeSessionResetFailed    = "SESSION_RESET_FAILED"
	CodeMissingToken          = "MISSING_TOKEN"
	CodeUnexpectedClientError = "UNEXPECTED_CLIENT_ERROR"
)

// HTTPCode renders the stable code for an HTTP status, e.g. "HTTP_429".
func HTTPCode(status int) string {
	return fmt.Sprintf("HTTP_%d", status)
}

// APIError is the structured failure half of an APIResult.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
}

// IsBadRequest reports whether the error is the "prompt is bad, not the
// backend" case. The legacy encoding (PERMANENT with an HTTP_400 code)
// is honored alongside the BAD_REQUEST type.
func (e *APIError) IsBadRequest() bool {
	if e.Type == ErrorBadRequest {
		return true
	}
	return e.Type == ErrorPermanent && strings.HasPrefix(e.Code, "HTTP_400")
}

// APIResult is the canonical outcome of a single HTTP attempt group.
// Exactly one of Data or Err is populated; use OK/Fail to construct.
type APIResult struct {
	Success bool
	Data    *ChatCompletion
	Err     *APIError
}

// OK builds a successful result.
func OK(data *ChatCompletion) APIResult {
	return APIResult{Success: true, Data: data}
}

// Fail builds a failed result.
func Fail(t ErrorType, code, message string) APIResult {
	return APIResult{Success: false, Err: &APIError{Type: t, Code: code, Message: message}}
}

// FailErr wraps an existing APIError into a result.
func FailErr(err *APIError) APIResult {
	return APIResult{Success: false, Err: err}
}
