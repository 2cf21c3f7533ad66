// Package server exposes the exhibit registry and bundle jobs over HTTP.
package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/thekellymethod/proseiq-clean-sub002/internal/access"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/common"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/jobs"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/metrics"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/registry"
)

const maxBodyBytes = 64 << 20

// SignedResolver serves objects behind URLs issued by the storage gateway.
type SignedResolver interface {
	ResolveSignedURL(ctx context.Context, bucket string, u *url.URL) (string, error)
	NewReader(ctx context.Context, bucket, path string) (io.ReadCloser, error)
}

// Deps are the collaborators the HTTP layer calls into.
type Deps struct {
	Registry     *registry.Service
	Orchestrator *jobs.Orchestrator
	Signed       SignedResolver
	Authorizer   access.Authorizer
	Plans        access.PlanGate
	Validator    *common.RequestValidator
	Metrics      *metrics.Metrics
	// Health reports readiness of the database and lock backend.
	Health       func(ctx context.Context) error
	SignedURLTTL time.Duration
	Logger       *slog.Logger
}

type Server struct {
	r      *gin.Engine
	deps   Deps
	logger *slog.Logger
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.SignedURLTTL <= 0 {
		deps.SignedURLTTL = 15 * time.Minute
	}

	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{r: r, deps: deps, logger: deps.Logger}
	r.Use(s.requestContext())
	s.routes()
	return s
}

// Handler returns the http.Handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.r
}

func (s *Server) routes() {
	s.r.GET("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		s.r.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	v1 := s.r.Group("/v1")
	if s.deps.Signed != nil {
		v1.GET("/signed/:bucket", s.handleSigned)
	}

	cases := v1.Group("/cases/:id", s.requireActor(), s.requireCaseAccess())
	{
		cases.GET("/exhibits", s.handleListExhibits)
		cases.POST("/exhibits", s.handleAppendExhibit)
		cases.DELETE("/exhibits/:exhibit_id", s.handleRemoveExhibit)
		cases.POST("/resequence", s.handleResequence)
		cases.POST("/reorder", s.handleResequence)
		cases.PATCH("/settings", s.handleUpdateSettings)
		cases.POST("/bundles", s.handleRequestBundle)
	}

	bundles := v1.Group("/bundles/:job_id", s.requireActor())
	{
		bundles.GET("", s.handleBundleStatus)
		bundles.GET("/download", s.handleDownload)
		bundles.GET("/url", s.handleBundleURL)
		bundles.POST("/retry", s.handleRetry)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSigned(c *gin.Context) {
	ctx := c.Request.Context()
	bucket := c.Param("bucket")
	key, err := s.deps.Signed.ResolveSignedURL(ctx, bucket, c.Request.URL)
	if err != nil {
		s.fail(c, err)
		return
	}
	r, err := s.deps.Signed.NewReader(ctx, bucket, key)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer r.Close()
	c.DataFromReader(http.StatusOK, -1, contentTypeFor(key), r, nil)
}

// readBody validates the request body against schema and decodes it into out.
func (s *Server) readBody(c *gin.Context, schema string, out any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		s.fail(c, common.Validationf("read request body: %v", err))
		return false
	}
	if err := s.deps.Validator.Decode(schema, body, out); err != nil {
		s.fail(c, err)
		return false
	}
	return true
}
