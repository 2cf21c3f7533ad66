package jobs

import (
	"context"
	"time"

	"github.com/thekellymethod/proseiq-clean-sub002/constants"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/common"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/entity"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/locking"
)

// ReapReport counts what one reaper pass did.
type ReapReport struct {
	TimedOut  int `json:"timed_out"`
	Requeued  int `json:"requeued"`
	Exhausted int `json:"exhausted"`
	Replaced  int `json:"replaced"`
}

// Reap fails jobs stuck in processing past the job deadline and requeues failed jobs
// whose reason is retryable, whose backoff has elapsed and that have attempts left. A
// failed job is not requeued once a newer job with the same fingerprint exists.
func (o *Orchestrator) Reap(ctx context.Context) (ReapReport, error) {
	var rep ReapReport
	now := time.Now()

	processing, err := o.jobs.ListByStatus(ctx, constants.JobStatusProcessing)
	if err != nil {
		return rep, err
	}
	for _, job := range processing {
		if job.ClaimedAt == nil || now.Sub(*job.ClaimedAt) < o.cfg.JobDeadline {
			continue
		}
		var next *time.Time
		if job.Attempts < o.cfg.MaxAttempts {
			t := now.Add(o.retryDelay(job.Attempts))
			next = &t
		}
		ok, err := o.jobs.MarkFailed(ctx, job.ID, constants.ReasonTimeout,
			"job did not finish within "+o.cfg.JobDeadline.String(), next)
		if err != nil {
			return rep, err
		}
		if ok {
			rep.TimedOut++
			o.metrics.Reaped("timeout")
			o.metrics.JobTransition(string(constants.JobStatusFailed), string(constants.ReasonTimeout))
			o.logger.Warn("bundle.job.timed_out", "job_id", job.ID, "case_id", job.CaseID,
				"claimed_at", job.ClaimedAt, "attempts", job.Attempts)
		}
	}

	failed, err := o.jobs.ListByStatus(ctx, constants.JobStatusFailed)
	if err != nil {
		return rep, err
	}
	for _, job := range failed {
		if job.ErrorReason == nil || !job.ErrorReason.Retryable() {
			continue
		}
		if job.Attempts >= o.cfg.MaxAttempts || job.NextAttemptAt == nil {
			rep.Exhausted++
			continue
		}
		if job.NextAttemptAt.After(now) {
			continue
		}
		ok, replaced, err := o.requeue(ctx, job)
		if err != nil {
			if common.KindOf(err) == common.CodeConflict {
				o.logger.Warn("bundle.job.requeue_deferred", "job_id", job.ID, "case_id", job.CaseID, "error", err)
				continue
			}
			return rep, err
		}
		if replaced {
			rep.Replaced++
			continue
		}
		if !ok {
			continue
		}
		rep.Requeued++
		o.metrics.Reaped("requeued")
		o.metrics.JobTransition(string(constants.JobStatusPending), "requeued")
		o.logger.Info("bundle.job.requeued", "job_id", job.ID, "case_id", job.CaseID, "attempts", job.Attempts)
		o.enqueue(ctx, job.ID)
	}
	return rep, nil
}

// requeue moves a failed job back to pending under the case lock, unless a newer job
// for the same fingerprint has taken its place.
func (o *Orchestrator) requeue(ctx context.Context, job *entity.BundleJob) (ok, replaced bool, err error) {
	err = locking.Do(ctx, o.locker, locking.CaseKey(job.CaseID), o.cfg.LockWait, func(ctx context.Context) error {
		latest, err := o.jobs.FindLatestByFingerprint(ctx, job.CaseID, job.InputFingerprint)
		if err != nil {
			return err
		}
		if latest != nil && latest.ID != job.ID {
			replaced = true
			o.logger.Info("bundle.job.requeue_skipped", "job_id", job.ID, "case_id", job.CaseID,
				"replaced_by", latest.ID)
			return nil
		}
		ok, err = o.jobs.Requeue(ctx, job.ID)
		return err
	})
	return ok, replaced, err
}

// Recover enqueues every pending job, e.g. after a restart emptied the in-memory queue.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	pending, err := o.jobs.ListByStatus(ctx, constants.JobStatusPending)
	if err != nil {
		return 0, err
	}
	for _, job := range pending {
		o.enqueue(ctx, job.ID)
	}
	if len(pending) > 0 {
		o.logger.Info("bundle.jobs.recovered", "pending", len(pending))
	}
	return len(pending), nil
}

// RunReaper calls Reap every interval until ctx is done.
func (o *Orchestrator) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rep, err := o.Reap(ctx)
			if err != nil {
				o.logger.Error("bundle.reaper.failed", "error", err)
				continue
			}
			if rep.TimedOut+rep.Requeued > 0 {
				o.logger.Info("bundle.reaper.pass", "timed_out", rep.TimedOut, "requeued", rep.Requeued)
			}
		}
	}
}
