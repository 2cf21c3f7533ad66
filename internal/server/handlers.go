package server

import (
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/thekellymethod/proseiq-clean-sub002/constants"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/access"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/common"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/entity"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/jobs"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/registry"
)

type ExhibitResponse struct {
	ID           string `json:"id"`
	CaseID       string `json:"case_id"`
	DocumentRef  string `json:"document_ref"`
	ContentHash  string `json:"content_hash"`
	ExhibitIndex int    `json:"exhibit_index"`
	Label        string `json:"label"`
	PageCount    *int   `json:"page_count,omitempty"`
	BatesStart   *int64 `json:"bates_start,omitempty"`
	BatesEnd     *int64 `json:"bates_end,omitempty"`
	CreatedAt    string `json:"created_at"`
}

type CaseResponse struct {
	CaseID          string            `json:"case_id"`
	RegistryVersion int64             `json:"registry_version"`
	LabelPrefix     string            `json:"label_prefix"`
	LabelPadWidth   int               `json:"label_pad_width"`
	BatesPrefix     string            `json:"bates_prefix"`
	BatesPadWidth   int               `json:"bates_pad_width"`
	Exhibits        []ExhibitResponse `json:"exhibits,omitempty"`
}

type JobResponse struct {
	ID                  string   `json:"id"`
	CaseID              string   `json:"case_id"`
	Title               string   `json:"title,omitempty"`
	Status              string   `json:"status"`
	RequestedExhibitIDs []string `json:"requested_exhibit_ids"`
	ExcludedExhibitIDs  []string `json:"excluded_exhibit_ids,omitempty"`
	RegistryVersion     int64    `json:"registry_version"`
	BatesStart          int64    `json:"bates_start"`
	InputFingerprint    string   `json:"input_fingerprint"`
	ContentHash         *string  `json:"content_hash,omitempty"`
	ErrorReason         *string  `json:"error_reason,omitempty"`
	ErrorMessage        *string  `json:"error_message,omitempty"`
	Attempts            int      `json:"attempts"`
	NextAttemptAt       *string  `json:"next_attempt_at,omitempty"`
	FinishedAt          *string  `json:"finished_at,omitempty"`
	CreatedAt           string   `json:"created_at"`
	Reused              bool     `json:"reused,omitempty"`
}

type appendExhibitRequest struct {
	DocumentRef string `json:"document_ref"`
	Content     string `json:"content"`
}

type resequenceRequest struct {
	Order           []string `json:"order"`
	ExpectedVersion *int64   `json:"expected_version"`
}

type bundleRequest struct {
	ExhibitIDs  []string `json:"exhibit_ids"`
	Title       string   `json:"title"`
	Incremental bool     `json:"incremental"`
}

func (s *Server) handleListExhibits(c *gin.Context) {
	view, err := s.deps.Registry.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toCaseResponse(view.Registry, view.Exhibits))
}

func (s *Server) handleAppendExhibit(c *gin.Context) {
	var req appendExhibitRequest
	if !s.readBody(c, common.SchemaAppendExhibit, &req) {
		return
	}
	var content []byte
	if req.Content != "" {
		raw, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			s.fail(c, common.Validationf("content is not valid base64: %v", err))
			return
		}
		content = raw
	}
	ex, err := s.deps.Registry.Append(c.Request.Context(), c.Param("id"), req.DocumentRef, content)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toExhibitResponse(ex))
}

func (s *Server) handleRemoveExhibit(c *gin.Context) {
	if err := s.deps.Registry.Remove(c.Request.Context(), c.Param("id"), c.Param("exhibit_id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleResequence(c *gin.Context) {
	var req resequenceRequest
	if !s.readBody(c, common.SchemaResequence, &req) {
		return
	}
	view, err := s.deps.Registry.Resequence(c.Request.Context(), c.Param("id"), req.Order, req.ExpectedVersion)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toCaseResponse(view.Registry, view.Exhibits))
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	var req registry.Settings
	if !s.readBody(c, common.SchemaCaseSettings, &req) {
		return
	}
	reg, err := s.deps.Registry.UpdateSettings(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toCaseResponse(reg, nil))
}

func (s *Server) handleRequestBundle(c *gin.Context) {
	var req bundleRequest
	if !s.readBody(c, common.SchemaBundleRequest, &req) {
		return
	}
	ctx := c.Request.Context()
	if req.Incremental && s.deps.Plans != nil {
		tier, err := s.deps.Plans.Tier(ctx, common.ActorFromContext(ctx))
		if err != nil {
			s.fail(c, common.WrapError(err, "resolve plan tier"))
			return
		}
		if !access.Premium(tier) {
			s.fail(c, common.Forbiddenf("incremental bundles require a premium plan"))
			return
		}
	}

	job, created, err := s.deps.Orchestrator.RequestBundle(ctx, jobs.Request{
		CaseID:      c.Param("id"),
		ExhibitIDs:  req.ExhibitIDs,
		Title:       req.Title,
		Incremental: req.Incremental,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := toJobResponse(job)
	resp.Reused = !created
	c.Header("Location", "/v1/bundles/"+job.ID)
	if job.Status == constants.JobStatusReady {
		c.JSON(http.StatusOK, resp)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// loadJob fetches the path's job and checks the actor may access its case.
func (s *Server) loadJob(c *gin.Context) (*entity.BundleJob, bool) {
	job, err := s.deps.Orchestrator.GetBundleStatus(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	if !s.authorize(c, job.CaseID) {
		return nil, false
	}
	return job, true
}

func (s *Server) handleBundleStatus(c *gin.Context) {
	job, ok := s.loadJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

func (s *Server) handleDownload(c *gin.Context) {
	if _, ok := s.loadJob(c); !ok {
		return
	}
	r, job, err := s.deps.Orchestrator.DownloadBundle(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	defer r.Close()
	extra := map[string]string{
		"Content-Disposition": `attachment; filename="bundle-` + job.ID + `.zip"`,
	}
	if job.ContentHash != nil {
		extra["ETag"] = `"` + *job.ContentHash + `"`
	}
	c.DataFromReader(http.StatusOK, -1, "application/zip", r, extra)
}

func (s *Server) handleBundleURL(c *gin.Context) {
	if _, ok := s.loadJob(c); !ok {
		return
	}
	ttl := s.deps.SignedURLTTL
	u, err := s.deps.Orchestrator.BundleURL(c.Request.Context(), c.Param("job_id"), ttl)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"url":        u,
		"expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRetry(c *gin.Context) {
	if _, ok := s.loadJob(c); !ok {
		return
	}
	job, err := s.deps.Orchestrator.RetryBundle(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, toJobResponse(job))
}

func toExhibitResponse(ex *entity.Exhibit) ExhibitResponse {
	return ExhibitResponse{
		ID:           ex.ID,
		CaseID:       ex.CaseID,
		DocumentRef:  ex.DocumentRef,
		ContentHash:  hex.EncodeToString(ex.ContentHash),
		ExhibitIndex: ex.ExhibitIndex,
		Label:        ex.Label,
		PageCount:    ex.PageCount,
		BatesStart:   ex.BatesStart,
		BatesEnd:     ex.BatesEnd,
		CreatedAt:    ex.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toCaseResponse(reg *entity.CaseRegistry, exhibits []*entity.Exhibit) CaseResponse {
	resp := CaseResponse{
		CaseID:          reg.CaseID,
		RegistryVersion: reg.RegistryVersion,
		LabelPrefix:     reg.LabelPrefix,
		LabelPadWidth:   reg.LabelPadWidth,
		BatesPrefix:     reg.BatesPrefix,
		BatesPadWidth:   reg.BatesPadWidth,
	}
	for _, ex := range exhibits {
		resp.Exhibits = append(resp.Exhibits, toExhibitResponse(ex))
	}
	return resp
}

func toJobResponse(job *entity.BundleJob) JobResponse {
	resp := JobResponse{
		ID:                  job.ID,
		CaseID:              job.CaseID,
		Title:               job.Title,
		Status:              string(job.Status),
		RequestedExhibitIDs: job.RequestedExhibitIDs,
		ExcludedExhibitIDs:  job.ExcludedExhibitIDs,
		RegistryVersion:     job.RegistryVersion,
		BatesStart:          job.BatesStart,
		InputFingerprint:    job.InputFingerprint,
		ContentHash:         job.ContentHash,
		ErrorMessage:        job.ErrorMessage,
		Attempts:            job.Attempts,
		NextAttemptAt:       formatTime(job.NextAttemptAt),
		FinishedAt:          formatTime(job.FinishedAt),
		CreatedAt:           job.CreatedAt.UTC().Format(time.RFC3339),
	}
	if job.ErrorReason != nil {
		reason := string(*job.ErrorReason)
		resp.ErrorReason = &reason
	}
	return resp
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
