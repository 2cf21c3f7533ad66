// Package jobs runs the bundle job state machine: create-or-reuse by fingerprint,
// claim, stamp, assemble, persist, and the reaper that retries timed-out work.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/thekellymethod/proseiq-clean-sub002/constants"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/bates"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/bundle"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/common"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/entity"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/locking"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/metrics"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/repository"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/storage"
)

var errAssembly = errors.New("bundle assembly failed")

// fetchConcurrency bounds parallel document reads per job.
const fetchConcurrency = 4

// TxRunner runs fn in one database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Enqueuer accepts job ids for background processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Config tunes job processing.
type Config struct {
	Mode           constants.StampingMode
	JobDeadline    time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	StorageRetries int
	LockWait       time.Duration
}

// ConfigFrom maps the application config onto the orchestrator's settings.
func ConfigFrom(b common.BundleConfig, l common.LockConfig) Config {
	return Config{
		Mode:           constants.StampingMode(strings.ToLower(b.StampingMode)),
		JobDeadline:    b.JobDeadline,
		MaxAttempts:    b.MaxAttempts,
		RetryBaseDelay: b.RetryBaseDelay,
		RetryMaxDelay:  b.RetryMaxDelay,
		StorageRetries: b.StorageRetries,
		LockWait:       l.WaitTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = constants.StampingStrict
	}
	if c.JobDeadline <= 0 {
		c.JobDeadline = 10 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 2 * time.Minute
	}
	if c.StorageRetries < 0 {
		c.StorageRetries = 0
	}
	if c.LockWait <= 0 {
		c.LockWait = 10 * time.Second
	}
	return c
}

// Orchestrator owns bundle jobs from request to artifact.
type Orchestrator struct {
	tx        TxRunner
	exhibits  repository.ExhibitRepository
	jobs      repository.BundleJobRepository
	store     storage.Gateway
	locker    locking.Locker
	stamper   *bates.Stamper
	assembler *bundle.Assembler
	queue     Enqueuer
	group     singleflight.Group
	cfg       Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

type Option func(*Orchestrator)

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithQueue makes RequestBundle and RetryBundle hand new work to q.
func WithQueue(q Enqueuer) Option {
	return func(o *Orchestrator) { o.queue = q }
}

func NewOrchestrator(tx TxRunner, exhibits repository.ExhibitRepository, jobs repository.BundleJobRepository,
	store storage.Gateway, locker locking.Locker, stamper *bates.Stamper, assembler *bundle.Assembler,
	cfg Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		tx:        tx,
		exhibits:  exhibits,
		jobs:      jobs,
		store:     store,
		locker:    locker,
		stamper:   stamper,
		assembler: assembler,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetQueue attaches the queue after construction; the queue itself needs the
// orchestrator as its Processor.
func (o *Orchestrator) SetQueue(q Enqueuer) {
	o.queue = q
}

// Request describes a bundle request. An empty ExhibitIDs selects every exhibit.
type Request struct {
	CaseID      string
	ExhibitIDs  []string
	Title       string
	Incremental bool
}

// RequestBundle returns the job that builds the requested bundle, creating one only
// when no pending, processing or ready job with the same fingerprint exists.
func (o *Orchestrator) RequestBundle(ctx context.Context, req Request) (job *entity.BundleJob, created bool, err error) {
	v := common.NewValidator().
		Field("case_id", req.CaseID, common.Required, common.MaxLength(128)).
		Field("title", req.Title, common.MaxLength(200))
	if err := v.Err(); err != nil {
		return nil, false, err
	}

	type outcome struct {
		job     *entity.BundleJob
		created bool
	}
	// Collapsed callers share one call; it runs detached from whichever request started
	// it, bounded by the lock wait plus the same again for the transaction.
	ch := o.group.DoChan(requestKey(req), func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*o.cfg.LockWait)
		defer cancel()
		j, c, err := o.createOrReuse(shared, req)
		return outcome{j, c}, err
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, false, res.Err
	}
	out := res.Val.(outcome)
	if res.Shared {
		o.logger.Debug("bundle.request.collapsed", "case_id", req.CaseID, "job_id", out.job.ID)
	}
	return out.job, out.created, nil
}

func (o *Orchestrator) createOrReuse(ctx context.Context, req Request) (*entity.BundleJob, bool, error) {
	var (
		job     *entity.BundleJob
		created bool
	)
	err := locking.Do(ctx, o.locker, locking.CaseKey(req.CaseID), o.cfg.LockWait, func(ctx context.Context) error {
		return o.tx.WithTx(ctx, func(ctx context.Context) error {
			reg, err := o.exhibits.GetRegistry(ctx, req.CaseID)
			if err != nil {
				return err
			}
			all, err := o.exhibits.List(ctx, req.CaseID)
			if err != nil {
				return err
			}
			selected, err := selectExhibits(all, req.ExhibitIDs)
			if err != nil {
				return err
			}
			start := int64(1)
			if req.Incremental {
				if start, err = nextCounter(all, selected); err != nil {
					return err
				}
			}

			snap := Snapshot{
				CaseID:        req.CaseID,
				Title:         req.Title,
				Exhibits:      selected,
				BatesPrefix:   reg.BatesPrefix,
				BatesPadWidth: reg.BatesPadWidth,
				Start:         start,
				Mode:          o.cfg.Mode,
			}
			fp := Fingerprint(snap)
			existing, err := o.jobs.FindLatestByFingerprint(ctx, req.CaseID, fp)
			if err != nil {
				return err
			}
			if existing != nil && existing.Status.Reusable() {
				job = existing
				return nil
			}

			ids := make([]string, len(selected))
			for i, ex := range selected {
				ids[i] = ex.ID
			}
			job = &entity.BundleJob{
				ID:                  uuid.NewString(),
				CaseID:              req.CaseID,
				Title:               req.Title,
				RequestedExhibitIDs: ids,
				InputFingerprint:    fp,
				RegistryVersion:     reg.RegistryVersion,
				BatesStart:          start,
				Status:              constants.JobStatusPending,
			}
			if err := o.jobs.Create(ctx, job); err != nil {
				return err
			}
			created = true
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}

	if !created {
		o.logger.Info("bundle.job.reused", "job_id", job.ID, "case_id", job.CaseID, "status", job.Status)
		return job, false, nil
	}
	o.metrics.JobTransition(string(constants.JobStatusPending), "created")
	o.logger.Info("bundle.job.created", "job_id", job.ID, "case_id", job.CaseID, "exhibits", len(job.RequestedExhibitIDs),
		"registry_version", job.RegistryVersion, "bates_start", job.BatesStart)
	o.enqueue(ctx, job.ID)
	return job, true, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, jobID string) {
	if o.queue == nil {
		return
	}
	if err := o.queue.Enqueue(ctx, jobID); err != nil {
		// the reaper picks pending jobs up again on the next start
		o.logger.Warn("bundle.job.enqueue_failed", "job_id", jobID, "error", err)
	}
}

// selectExhibits returns the requested exhibits in index order.
func selectExhibits(all []*entity.Exhibit, ids []string) ([]*entity.Exhibit, error) {
	if len(ids) == 0 {
		if len(all) == 0 {
			return nil, common.Validationf("case has no exhibits to bundle")
		}
		return all, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if want[id] {
			return nil, common.Validationf("exhibit %s is requested more than once", id)
		}
		want[id] = true
	}
	out := make([]*entity.Exhibit, 0, len(ids))
	for _, ex := range all {
		if want[ex.ID] {
			out = append(out, ex)
			delete(want, ex.ID)
		}
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for id := range want {
			missing = append(missing, id)
		}
		slices.Sort(missing)
		return nil, common.Validationf("exhibits not in this case: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// nextCounter returns the first free Bates counter for an incremental bundle. Every
// selected exhibit must be unstamped and follow every stamped exhibit so ranges keep
// increasing with the exhibit index.
func nextCounter(all, selected []*entity.Exhibit) (int64, error) {
	var (
		last    int64
		lastIdx int
		chosen  = make(map[string]bool, len(selected))
	)
	for _, ex := range selected {
		chosen[ex.ID] = true
	}
	for _, ex := range all {
		if !ex.HasBates() {
			continue
		}
		if chosen[ex.ID] {
			return 0, common.Validationf("%s already carries Bates numbers %d-%d", ex.Label, *ex.BatesStart, *ex.BatesEnd)
		}
		if *ex.BatesEnd > last {
			last = *ex.BatesEnd
		}
		if ex.ExhibitIndex > lastIdx {
			lastIdx = ex.ExhibitIndex
		}
	}
	for _, ex := range selected {
		if ex.ExhibitIndex < lastIdx {
			return 0, common.Validationf("%s is ordered before an already stamped exhibit; request a full bundle", ex.Label)
		}
	}
	return last + 1, nil
}

func requestKey(req Request) string {
	return strings.Join([]string{
		req.CaseID,
		req.Title,
		strconv.FormatBool(req.Incremental),
		strings.Join(req.ExhibitIDs, ","),
	}, "\x00")
}

// GetBundleStatus returns the job as stored.
func (o *Orchestrator) GetBundleStatus(ctx context.Context, jobID string) (*entity.BundleJob, error) {
	return o.jobs.Get(ctx, jobID)
}

// DownloadBundle opens the artifact of a ready job. A job that is not ready yet
// yields a Conflict error.
func (o *Orchestrator) DownloadBundle(ctx context.Context, jobID string) (io.ReadCloser, *entity.BundleJob, error) {
	job, err := o.readyJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	r, err := o.store.NewReader(ctx, *job.StorageBucket, *job.StoragePath)
	if err != nil {
		return nil, nil, err
	}
	return r, job, nil
}

// BundleURL issues a time-limited URL for a ready job's artifact.
func (o *Orchestrator) BundleURL(ctx context.Context, jobID string, ttl time.Duration) (string, error) {
	job, err := o.readyJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return o.store.SignedURL(ctx, *job.StorageBucket, *job.StoragePath, ttl)
}

func (o *Orchestrator) readyJob(ctx context.Context, jobID string) (*entity.BundleJob, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != constants.JobStatusReady || job.StoragePath == nil || job.StorageBucket == nil {
		return nil, common.Conflictf("bundle job %s is %s, not ready", jobID, job.Status)
	}
	return job, nil
}

// RetryBundle moves a failed job back to pending under the same id and fingerprint.
// Superseded jobs cannot be retried; the caller requests a new bundle instead.
func (o *Orchestrator) RetryBundle(ctx context.Context, jobID string) (*entity.BundleJob, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	err = locking.Do(ctx, o.locker, locking.CaseKey(job.CaseID), o.cfg.LockWait, func(ctx context.Context) error {
		cur, err := o.jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if !constants.CanTransition(cur.Status, constants.JobStatusPending) {
			return common.Conflictf("bundle job %s is %s; only failed jobs can be retried", jobID, cur.Status)
		}
		if cur.ErrorReason != nil && *cur.ErrorReason == constants.ReasonSuperseded {
			return common.Conflictf("bundle job %s was superseded by a registry change; request a new bundle", jobID)
		}
		ok, err := o.jobs.Requeue(ctx, jobID)
		if err != nil {
			return err
		}
		if !ok {
			return common.Conflictf("bundle job %s changed state during retry", jobID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.metrics.JobTransition(string(constants.JobStatusPending), "retry")
	o.logger.Info("bundle.job.retried", "job_id", jobID, "case_id", job.CaseID)
	o.enqueue(ctx, jobID)
	return o.jobs.Get(ctx, jobID)
}

// Process claims a pending job and builds its bundle. It returns nil without doing
// anything when another worker already owns the job.
func (o *Orchestrator) Process(ctx context.Context, jobID string) error {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != constants.JobStatusPending {
		o.logger.Debug("bundle.job.skip", "job_id", jobID, "status", job.Status)
		return nil
	}
	claimed, err := o.claim(ctx, job)
	if err != nil || !claimed {
		return err
	}

	logger := o.logger.With("job_id", job.ID, "case_id", job.CaseID)
	logger.Info("bundle.job.processing", "attempt", job.Attempts+1)
	o.metrics.JobTransition(string(constants.JobStatusProcessing), "claimed")
	start := time.Now()

	if err := o.build(ctx, job); err != nil {
		o.fail(job, err, logger)
		o.metrics.BuildFinished(string(constants.JobStatusFailed), time.Since(start))
		return err
	}
	o.metrics.BuildFinished(string(constants.JobStatusReady), time.Since(start))
	return nil
}

// claim takes the job under the case lock, superseding it instead when the registry
// has moved on since it was requested.
func (o *Orchestrator) claim(ctx context.Context, job *entity.BundleJob) (bool, error) {
	var claimed bool
	err := locking.Do(ctx, o.locker, locking.CaseKey(job.CaseID), o.cfg.LockWait, func(ctx context.Context) error {
		reg, err := o.exhibits.GetRegistry(ctx, job.CaseID)
		if err != nil {
			return err
		}
		if reg.RegistryVersion != job.RegistryVersion {
			ok, err := o.jobs.MarkFailed(ctx, job.ID, constants.ReasonSuperseded,
				fmt.Sprintf("registry changed to version %d after the job was requested at version %d",
					reg.RegistryVersion, job.RegistryVersion), nil)
			if err == nil && ok {
				o.metrics.JobTransition(string(constants.JobStatusFailed), string(constants.ReasonSuperseded))
				o.logger.Info("bundle.job.superseded", "job_id", job.ID, "case_id", job.CaseID)
			}
			return err
		}
		claimed, err = o.jobs.Claim(ctx, job.ID)
		return err
	})
	return claimed, err
}

// build runs outside the case lock on the job's snapshot.
func (o *Orchestrator) build(ctx context.Context, job *entity.BundleJob) error {
	reg, err := o.exhibits.GetRegistry(ctx, job.CaseID)
	if err != nil {
		return err
	}
	exhibits := make([]*entity.Exhibit, len(job.RequestedExhibitIDs))
	docs := make([]bates.Document, len(job.RequestedExhibitIDs))
	for i, id := range job.RequestedExhibitIDs {
		ex, err := o.exhibits.Get(ctx, job.CaseID, id)
		if err != nil {
			return err
		}
		exhibits[i] = ex
		docs[i] = bates.Document{ID: ex.ID}
		if ex.PageCount != nil {
			docs[i].PageCount = *ex.PageCount
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, ex := range exhibits {
		g.Go(func() error {
			return o.withStorageRetry(gctx, "get", func() error {
				content, err := o.store.Get(gctx, storage.BucketDocuments, ex.DocumentRef)
				docs[i].Content = content
				return err
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	stamped, err := o.stamper.Stamp(ctx, docs, bates.Params{
		Prefix:     reg.BatesPrefix,
		PadWidth:   reg.BatesPadWidth,
		Start:      job.BatesStart,
		Mode:       o.cfg.Mode,
		Checkpoint: func(ctx context.Context) error { return o.checkStale(ctx, job) },
	})
	if err != nil {
		return err
	}

	byID := make(map[string]*entity.Exhibit, len(exhibits))
	for _, ex := range exhibits {
		byID[ex.ID] = ex
	}
	entries := make([]bundle.Entry, 0, len(stamped.Documents))
	ranges := make([]entity.BatesRange, 0, len(stamped.Documents))
	for _, d := range stamped.Documents {
		ex := byID[d.ID]
		entries = append(entries, bundle.Entry{
			ExhibitID:       ex.ID,
			Label:           ex.Label,
			DocumentRef:     ex.DocumentRef,
			Content:         d.Content,
			PageCount:       d.PageCount,
			BatesStart:      d.BatesStart,
			BatesEnd:        d.BatesEnd,
			BatesStartLabel: bates.Label(reg.BatesPrefix, d.BatesStart, reg.BatesPadWidth),
			BatesEndLabel:   bates.Label(reg.BatesPrefix, d.BatesEnd, reg.BatesPadWidth),
		})
		ranges = append(ranges, entity.BatesRange{ExhibitID: ex.ID, Start: d.BatesStart, End: d.BatesEnd, PageCount: d.PageCount})
	}
	excluded := make([]bundle.Excluded, 0, len(stamped.Excluded))
	excludedIDs := make([]string, 0, len(stamped.Excluded))
	for _, x := range stamped.Excluded {
		ex := byID[x.DocumentID]
		excluded = append(excluded, bundle.Excluded{
			ExhibitID:   ex.ID,
			Label:       ex.Label,
			DocumentRef: ex.DocumentRef,
			Reason:      common.PublicMessage(x.Err),
		})
		excludedIDs = append(excludedIDs, ex.ID)
	}
	if len(entries) == 0 {
		return &common.StampingError{DocumentID: strings.Join(excludedIDs, ","), Reason: "no document in the bundle could be stamped"}
	}

	if err := o.checkStale(ctx, job); err != nil {
		return err
	}
	art, err := o.assembler.Assemble(ctx, job.Title, entries, excluded)
	if err != nil {
		return common.NewAppError(common.CodeInternal, "bundle could not be assembled", fmt.Errorf("%w: %v", errAssembly, err))
	}

	path := bundle.ArtifactPath(job.CaseID, job.ID)
	err = o.withStorageRetry(ctx, "put", func() error {
		return o.store.Put(ctx, storage.BucketBundles, path, art.Data)
	})
	if err != nil {
		return err
	}

	return o.finish(ctx, job, repository.ReadyArtifact{
		Bucket:      storage.BucketBundles,
		Path:        path,
		ContentHash: art.ContentHash,
		Excluded:    excludedIDs,
	}, ranges)
}

// finish records the artifact and the realized Bates ranges in one transaction under
// the case lock. A full bundle clears the ranges of exhibits it did not stamp.
func (o *Orchestrator) finish(ctx context.Context, job *entity.BundleJob, art repository.ReadyArtifact, ranges []entity.BatesRange) error {
	err := locking.Do(ctx, o.locker, locking.CaseKey(job.CaseID), o.cfg.LockWait, func(ctx context.Context) error {
		return o.tx.WithTx(ctx, func(ctx context.Context) error {
			if err := o.checkStale(ctx, job); err != nil {
				return err
			}
			ok, err := o.jobs.MarkReady(ctx, job.ID, art)
			if err != nil {
				return err
			}
			if !ok {
				return common.Superseded(job.ID)
			}
			keep := make([]string, 0, len(ranges))
			for _, r := range ranges {
				if err := o.exhibits.SetBatesRange(ctx, r); err != nil {
					return err
				}
				keep = append(keep, r.ExhibitID)
			}
			if job.BatesStart <= 1 {
				if _, err := o.exhibits.ClearBatesExcept(ctx, job.CaseID, keep); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	o.metrics.JobTransition(string(constants.JobStatusReady), "")
	o.logger.Info("bundle.job.ready", "job_id", job.ID, "case_id", job.CaseID, "path", art.Path,
		"sha256", art.ContentHash, "excluded", len(art.Excluded))
	return nil
}

// checkStale fails with Superseded once the registry has moved past the job's version
// or the job has left processing.
func (o *Orchestrator) checkStale(ctx context.Context, job *entity.BundleJob) error {
	reg, err := o.exhibits.GetRegistry(ctx, job.CaseID)
	if err != nil {
		return err
	}
	if reg.RegistryVersion != job.RegistryVersion {
		return common.Superseded(job.ID)
	}
	cur, err := o.jobs.Get(ctx, job.ID)
	if err != nil {
		return err
	}
	if cur.Status != constants.JobStatusProcessing {
		return common.Superseded(job.ID)
	}
	return nil
}

func (o *Orchestrator) withStorageRetry(ctx context.Context, op string, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(o.retryPolicy(), uint64(o.cfg.StorageRetries)), ctx)
	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !errors.Is(err, common.ErrStorage) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, d time.Duration) {
		o.metrics.StorageRetried(op)
		o.logger.Warn("storage.retry", "op", op, "delay", d, "error", err)
	})
}

func (o *Orchestrator) retryPolicy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryBaseDelay
	b.MaxInterval = o.cfg.RetryMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// retryDelay is the wait before attempt n+1 of a job that has run n times.
func (o *Orchestrator) retryDelay(attempts int) time.Duration {
	b := o.retryPolicy()
	b.RandomizationFactor = 0
	b.Reset()
	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// fail records why processing stopped. Retryable reasons get a next attempt time while
// attempts remain.
func (o *Orchestrator) fail(job *entity.BundleJob, cause error, logger *slog.Logger) {
	reason := failureReason(cause)
	// The run's own context may already be done; the failure must still be recorded.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	attempts := job.Attempts + 1
	var next *time.Time
	if reason.Retryable() && attempts < o.cfg.MaxAttempts {
		t := time.Now().Add(o.retryDelay(attempts))
		next = &t
	}
	msg := common.PublicMessage(cause)
	if reason == constants.ReasonTimeout {
		msg = fmt.Sprintf("job did not finish within %s", o.cfg.JobDeadline)
	}
	ok, err := o.jobs.MarkFailed(ctx, job.ID, reason, msg, next)
	if err != nil {
		logger.Error("bundle.job.fail_record_failed", "reason", reason, "error", err)
		return
	}
	if !ok {
		logger.Info("bundle.job.discarded", "reason", reason)
		return
	}
	o.metrics.JobTransition(string(constants.JobStatusFailed), string(reason))
	logger.Warn("bundle.job.failed", "reason", reason, "attempts", attempts, "retry_at", next, "error", cause)
}

func failureReason(err error) constants.FailureReason {
	switch {
	case errors.Is(err, common.ErrSuperseded):
		return constants.ReasonSuperseded
	case errors.Is(err, common.ErrStamping):
		return constants.ReasonStamping
	case errors.Is(err, common.ErrStorage):
		return constants.ReasonStorageUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, common.ErrTimeout):
		return constants.ReasonTimeout
	case errors.Is(err, common.ErrNotFound):
		return constants.ReasonNotFound
	case errors.Is(err, errAssembly):
		return constants.ReasonAssembly
	default:
		return constants.ReasonInternal
	}
}
