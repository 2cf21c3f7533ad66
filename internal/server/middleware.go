package server

import (
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/thekellymethod/proseiq-clean-sub002/internal/common"
)

const (
	headerRequestID = "X-Request-ID"
	headerActor     = "X-Actor"
)

// requestContext stamps every request with a request id and logs it on completion.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(headerRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := common.WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Header(headerRequestID, requestID)

		start := time.Now()
		c.Next()

		s.logger.Debug("http.request",
			"request_id", requestID,
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

func (s *Server) requireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := strings.TrimSpace(c.GetHeader(headerActor))
		if actor == "" {
			writeErrorCode(c, http.StatusUnauthorized, common.CodeUnauthorized, "X-Actor header required")
			return
		}
		c.Request = c.Request.WithContext(common.WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

func (s *Server) requireCaseAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authorize(c, c.Param("id")) {
			return
		}
		c.Next()
	}
}

// authorize aborts the request unless the actor may operate on caseID.
func (s *Server) authorize(c *gin.Context, caseID string) bool {
	if s.deps.Authorizer == nil {
		return true
	}
	ctx := c.Request.Context()
	actor := common.ActorFromContext(ctx)
	ok, err := s.deps.Authorizer.Authorize(ctx, caseID, actor)
	if err != nil {
		s.fail(c, common.WrapError(err, "evaluate access policy"))
		return false
	}
	if !ok {
		s.fail(c, common.Forbiddenf("actor %s may not access case %s", actor, caseID))
		return false
	}
	return true
}

func contentTypeFor(key string) string {
	if t := mime.TypeByExtension(path.Ext(key)); t != "" {
		return t
	}
	return "application/octet-stream"
}
