package api

import (
	"time"

	"github.com/gin-gonic/gin"

	internalErrors "github.com/bastiangx/entityserve/internal/errors"
)

// ErrorCode represents standardized error codes for the API
type ErrorCode string

const (
	ErrorCodeInvalidJSON    ErrorCode = "INVALID_JSON"
	ErrorCodeInvalidQuery   ErrorCode = "INVALID_QUERY"
	ErrorCodeQueryTooLong   ErrorCode = "QUERY_TOO_LONG"
	ErrorCodeEntityNotFound ErrorCode = "ENTITY_NOT_FOUND"
	ErrorCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrorCodeCancelled      ErrorCode = "REQUEST_CANCELLED"
	ErrorCodeInternalError  ErrorCode = "INTERNAL_ERROR"
)

// APIError represents a standardized API error response
type APIError struct {
	Error     string    `json:"error"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// SendError sends a standardized error response
func SendError(c *gin.Context, statusCode int, code ErrorCode, message string) {
	resp := &APIError{
		Error:     "Request failed",
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
	if id, ok := c.Get(requestIDKey); ok {
		if s, ok := id.(string); ok {
			resp.RequestID = s
		}
	}
	c.AbortWithStatusJSON(statusCode, resp)
}

// SendFailure reports an error from the linker or index with a status derived from its kind.
func SendFailure(c *gin.Context, err error) {
	status := internalErrors.StatusCode(err)
	code := ErrorCodeInternalError
	switch status {
	case 400:
		code = ErrorCodeInvalidRequest
	case 404:
		code = ErrorCodeEntityNotFound
	case 503:
		code = ErrorCodeCancelled
	}
	_ = c.Error(err)
	SendError(c, status, code, err.Error())
}
