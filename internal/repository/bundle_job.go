package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/thekellymethod/proseiq-clean-sub002/constants"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/common"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/entity"
)

var bundleJobColumns = []string{
	"id", "case_id", "title", "requested_exhibit_ids", "excluded_exhibit_ids", "input_fingerprint",
	"registry_version", "bates_start", "status", "storage_bucket", "storage_path", "content_hash",
	"error_reason", "error_message", "attempts", "next_attempt_at", "claimed_at", "finished_at",
	"created_at", "updated_at",
}

// ReadyArtifact is what a worker records when a bundle has been persisted.
type ReadyArtifact struct {
	Bucket      string
	Path        string
	ContentHash string
	Excluded    []string
}

// BundleJobRepository persists bundle jobs. Every status change is a compare-and-swap
// on the current status; the bool result reports whether this caller won.
type BundleJobRepository interface {
	Create(ctx context.Context, job *entity.BundleJob) error
	Get(ctx context.Context, id string) (*entity.BundleJob, error)
	FindLatestByFingerprint(ctx context.Context, caseID, fingerprint string) (*entity.BundleJob, error)
	ListByCase(ctx context.Context, caseID string, statuses ...constants.JobStatus) ([]*entity.BundleJob, error)
	ListByStatus(ctx context.Context, statuses ...constants.JobStatus) ([]*entity.BundleJob, error)
	Claim(ctx context.Context, id string) (bool, error)
	MarkReady(ctx context.Context, id string, art ReadyArtifact) (bool, error)
	MarkFailed(ctx context.Context, id string, reason constants.FailureReason, message string, nextAttemptAt *time.Time) (bool, error)
	Requeue(ctx context.Context, id string) (bool, error)
}

type bundleJobRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewBundleJobRepository(db *DB, logger *slog.Logger) BundleJobRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &bundleJobRepo{db: db, logger: logger}
}

func (r *bundleJobRepo) Create(ctx context.Context, job *entity.BundleJob) error {
	requested, err := json.Marshal(job.RequestedExhibitIDs)
	if err != nil {
		return err
	}
	ts := now()
	job.CreatedAt, job.UpdatedAt = ts, ts
	if job.Status == "" {
		job.Status = constants.JobStatusPending
	}
	ins := r.db.builder().Insert(BundleJobsTable.Name).
		Columns(bundleJobColumns...).
		Values(job.ID, job.CaseID, job.Title, string(requested), nil, job.InputFingerprint,
			job.RegistryVersion, job.BatesStart, string(job.Status), nil, nil, nil,
			nil, nil, job.Attempts, nil, nil, nil,
			job.CreatedAt, job.UpdatedAt)
	if _, err := r.db.exec(ctx, ins); err != nil {
		r.logger.Error("bundle_job create failed", "case_id", job.CaseID, "fingerprint", job.InputFingerprint, "err", err)
		return err
	}
	r.logger.Info("bundle_job created", "job_id", job.ID, "case_id", job.CaseID, "registry_version", job.RegistryVersion)
	return nil
}

func (r *bundleJobRepo) Get(ctx context.Context, id string) (*entity.BundleJob, error) {
	jobs, err := r.selectJobs(ctx, entsql.EQ("id", id), 0)
	if err != nil {
		r.logger.Error("bundle_job get failed", "job_id", id, "err", err)
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, common.NotFoundf("bundle job %s not found", id)
	}
	return jobs[0], nil
}

// FindLatestByFingerprint returns the newest job for the fingerprint, or nil when none exists.
func (r *bundleJobRepo) FindLatestByFingerprint(ctx context.Context, caseID, fingerprint string) (*entity.BundleJob, error) {
	jobs, err := r.selectJobs(ctx, entsql.And(
		entsql.EQ("case_id", caseID),
		entsql.EQ("input_fingerprint", fingerprint),
	), 1)
	if err != nil {
		r.logger.Error("bundle_job lookup by fingerprint failed", "case_id", caseID, "err", err)
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

func (r *bundleJobRepo) ListByCase(ctx context.Context, caseID string, statuses ...constants.JobStatus) ([]*entity.BundleJob, error) {
	p := entsql.EQ("case_id", caseID)
	if len(statuses) > 0 {
		p = entsql.And(p, statusIn(statuses))
	}
	return r.selectJobs(ctx, p, 0)
}

func (r *bundleJobRepo) ListByStatus(ctx context.Context, statuses ...constants.JobStatus) ([]*entity.BundleJob, error) {
	return r.selectJobs(ctx, statusIn(statuses), 0)
}

// Claim moves a pending job to processing. Exactly one caller observes true.
func (r *bundleJobRepo) Claim(ctx context.Context, id string) (bool, error) {
	ts := now()
	upd := r.db.builder().Update(BundleJobsTable.Name).
		Set("status", string(constants.JobStatusProcessing)).
		Set("claimed_at", ts).
		Set("updated_at", ts).
		Add("attempts", 1).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.EQ("status", string(constants.JobStatusPending)),
		))
	return r.transition(ctx, upd, id, constants.JobStatusProcessing)
}

// MarkReady records the artifact location. storage_path is only ever written here.
func (r *bundleJobRepo) MarkReady(ctx context.Context, id string, art ReadyArtifact) (bool, error) {
	ts := now()
	upd := r.db.builder().Update(BundleJobsTable.Name).
		Set("status", string(constants.JobStatusReady)).
		Set("storage_bucket", art.Bucket).
		Set("storage_path", art.Path).
		Set("content_hash", art.ContentHash).
		SetNull("error_reason").
		SetNull("error_message").
		Set("finished_at", ts).
		Set("updated_at", ts).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.EQ("status", string(constants.JobStatusProcessing)),
			entsql.IsNull("storage_path"),
		))
	if len(art.Excluded) > 0 {
		excluded, err := json.Marshal(art.Excluded)
		if err != nil {
			return false, err
		}
		upd.Set("excluded_exhibit_ids", string(excluded))
	}
	return r.transition(ctx, upd, id, constants.JobStatusReady)
}

// MarkFailed moves a pending or processing job to failed.
func (r *bundleJobRepo) MarkFailed(ctx context.Context, id string, reason constants.FailureReason, message string, nextAttemptAt *time.Time) (bool, error) {
	ts := now()
	upd := r.db.builder().Update(BundleJobsTable.Name).
		Set("status", string(constants.JobStatusFailed)).
		Set("error_reason", string(reason)).
		Set("error_message", message).
		Set("finished_at", ts).
		Set("updated_at", ts).
		Where(entsql.And(
			entsql.EQ("id", id),
			statusIn([]constants.JobStatus{constants.JobStatusPending, constants.JobStatusProcessing}),
		))
	if nextAttemptAt != nil {
		upd.Set("next_attempt_at", nextAttemptAt.UTC())
	} else {
		upd.SetNull("next_attempt_at")
	}
	return r.transition(ctx, upd, id, constants.JobStatusFailed)
}

// Requeue moves a failed job back to pending, keeping its id and fingerprint.
func (r *bundleJobRepo) Requeue(ctx context.Context, id string) (bool, error) {
	upd := r.db.builder().Update(BundleJobsTable.Name).
		Set("status", string(constants.JobStatusPending)).
		SetNull("error_reason").
		SetNull("error_message").
		SetNull("excluded_exhibit_ids").
		SetNull("next_attempt_at").
		SetNull("claimed_at").
		SetNull("finished_at").
		Set("updated_at", now()).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.EQ("status", string(constants.JobStatusFailed)),
		))
	return r.transition(ctx, upd, id, constants.JobStatusPending)
}

func (r *bundleJobRepo) transition(ctx context.Context, upd *entsql.UpdateBuilder, id string, to constants.JobStatus) (bool, error) {
	n, err := r.db.exec(ctx, upd)
	if err != nil {
		r.logger.Error("bundle_job transition failed", "job_id", id, "to", to, "err", err)
		return false, err
	}
	if n == 0 {
		r.logger.Debug("bundle_job transition lost", "job_id", id, "to", to)
		return false, nil
	}
	return true, nil
}

func (r *bundleJobRepo) selectJobs(ctx context.Context, where *entsql.Predicate, limit int) ([]*entity.BundleJob, error) {
	b := r.db.builder()
	sel := b.Select(bundleJobColumns...).
		From(b.Table(BundleJobsTable.Name)).
		Where(where)

	var out []*entity.BundleJob
	err := r.db.query(ctx, sel, func(rows *entsql.Rows) error {
		job, err := scanBundleJob(rows)
		if err != nil {
			return err
		}
		out = append(out, job)
		return nil
	})
	if err != nil {
		return nil, err
	}
	// newest first
	slices.SortFunc(out, func(a, b *entity.BundleJob) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func statusIn(statuses []constants.JobStatus) *entsql.Predicate {
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return entsql.In("status", args...)
}

func scanBundleJob(rows *entsql.Rows) (*entity.BundleJob, error) {
	var (
		job                                  entity.BundleJob
		requested, status                    string
		excluded, bucket, path, hash         sql.NullString
		reason, message                      sql.NullString
		nextAttemptAt, claimedAt, finishedAt sql.NullTime
	)
	if err := rows.Scan(&job.ID, &job.CaseID, &job.Title, &requested, &excluded, &job.InputFingerprint,
		&job.RegistryVersion, &job.BatesStart, &status, &bucket, &path, &hash,
		&reason, &message, &job.Attempts, &nextAttemptAt, &claimedAt, &finishedAt,
		&job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Status = constants.JobStatus(status)
	if err := json.Unmarshal([]byte(requested), &job.RequestedExhibitIDs); err != nil {
		return nil, err
	}
	if excluded.Valid && excluded.String != "" {
		if err := json.Unmarshal([]byte(excluded.String), &job.ExcludedExhibitIDs); err != nil {
			return nil, err
		}
	}
	job.StorageBucket = nullString(bucket)
	job.StoragePath = nullString(path)
	job.ContentHash = nullString(hash)
	job.ErrorMessage = nullString(message)
	if reason.Valid {
		fr := constants.FailureReason(reason.String)
		job.ErrorReason = &fr
	}
	job.NextAttemptAt = nullTime(nextAttemptAt)
	job.ClaimedAt = nullTime(claimedAt)
	job.FinishedAt = nullTime(finishedAt)
	return &job, nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
