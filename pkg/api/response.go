package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/entitygraph/entitygraph/pkg/entity"
)

// Response is the standard API response wrapper.
type Response struct {
	Status    string      `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody carries the machine-readable error details.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Last resort; the header is already out.
		http.Error(w, `{"status":"error","error":{"code":"INTERNAL","message":"failed to encode response"}}`, http.StatusInternalServerError)
	}
}

// OK writes a 200 response wrapping data.
func OK(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, Response{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// Error writes an error response with the HTTP status derived from the
// domain error code.
func Error(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := ErrorBody{Code: "INTERNAL", Message: err.Error()}

	var domainErr *entity.Error
	if errors.As(err, &domainErr) {
		status = statusFor(domainErr.Code)
		body.Code = string(domainErr.Code)
		body.Message = domainErr.Message
		body.Reason = domainErr.Reason
	}

	JSON(w, status, Response{
		Status:    "error",
		Timestamp: time.Now().UTC(),
		Error:     &body,
	})
}

func statusFor(code entity.ErrorCode) int {
	switch code {
	case entity.ErrNotFound, entity.ErrRevisionNotFound, entity.ErrNoRevisions:
		return http.StatusNotFound
	case entity.ErrGone:
		return http.StatusGone
	case entity.ErrProtectionDenied:
		return http.StatusForbidden
	case entity.ErrInvalidArgument:
		return http.StatusBadRequest
	case entity.ErrInvalidRedirect, entity.ErrAlreadyExists, entity.ErrCASFailed:
		return http.StatusConflict
	case entity.ErrTransientUnavailable, entity.ErrAllocatorExhausted, entity.ErrWriteFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
