package backend

import (
	"net/http"
	"strconv"

	"codeberg.org/mutker/gaitmon/internal/errors"
)

const (
	ErrInvalidConfig  = errors.ErrorCode("backend_invalid_config")
	ErrRequestFailed  = errors.ErrorCode("backend_request_failed")
	ErrBadStatus      = errors.ErrorCode("backend_bad_status")
	ErrDecodeFailed   = errors.ErrorCode("backend_decode_failed")
	ErrRejected       = errors.ErrorCode("backend_rejected")
	ErrInvalidRequest = errors.ErrorCode("backend_invalid_request")
)

func init() {
	errors.RegisterMessage(ErrInvalidConfig, "Invalid backend configuration")
	errors.RegisterMessage(ErrRequestFailed, "Backend request failed")
	errors.RegisterMessage(ErrBadStatus, "Backend returned an error status")
	errors.RegisterMessage(ErrDecodeFailed, "Failed to decode backend response")
	errors.RegisterMessage(ErrRejected, "Backend rejected the request")
	errors.RegisterMessage(ErrInvalidRequest, "Invalid backend request")
}

// StatusError carries the HTTP status of a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return e.Method + " " + e.Path + ": " + httpStatusText(e.Status)
	}
	return e.Method + " " + e.Path + ": " + httpStatusText(e.Status) + ": " + e.Body
}

func httpStatusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return strconv.Itoa(code) + " " + text
	}
	return "status " + strconv.Itoa(code)
}
