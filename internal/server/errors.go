package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thekellymethod/proseiq-clean-sub002/internal/common"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

var statusByKind = map[string]int{
	common.CodeValidation:             http.StatusBadRequest,
	common.CodeNotFound:               http.StatusNotFound,
	common.CodeConflict:               http.StatusConflict,
	common.CodeConcurrentModification: http.StatusConflict,
	common.CodeSuperseded:             http.StatusConflict,
	common.CodeStamping:               http.StatusUnprocessableEntity,
	common.CodeStorage:                http.StatusServiceUnavailable,
	common.CodeTimeout:                http.StatusGatewayTimeout,
	common.CodeUnauthorized:           http.StatusUnauthorized,
	common.CodeForbidden:              http.StatusForbidden,
}

// StatusFor maps an error's taxonomy kind to an HTTP status.
func StatusFor(err error) int {
	if s, ok := statusByKind[common.KindOf(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WriteError aborts the request with the kind and public message of err.
func WriteError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(StatusFor(err), ErrorResponse{
		Code:      common.KindOf(err),
		Message:   common.PublicMessage(err),
		RequestID: common.RequestIDFromContext(c.Request.Context()),
	})
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Code:      code,
		Message:   message,
		RequestID: common.RequestIDFromContext(c.Request.Context()),
	})
}

func (s *Server) fail(c *gin.Context, err error) {
	logger := common.LoggerFrom(c.Request.Context(), s.logger)
	if StatusFor(err) >= http.StatusInternalServerError {
		logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(),
			"kind", common.KindOf(err), "error", err)
	} else {
		logger.Debug("request rejected", "path", c.FullPath(), "kind", common.KindOf(err), "error", err)
	}
	WriteError(c, err)
}
