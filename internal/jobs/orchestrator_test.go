package jobs

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/thekellymethod/proseiq-clean-sub002/constants"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/bates"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/bundle"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/common"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/entity"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/locking"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/pdf"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/pdf/pdftest"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/registry"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/repository"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/repository/repotest"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/storage"
)

type fixture struct {
	orch     *Orchestrator
	registry *registry.Service
	exhibits repository.ExhibitRepository
	jobs     repository.BundleJobRepository
	store    storage.Gateway
	locker   locking.Locker
}

func newFixture(t *testing.T, cfg Config, wrap func(storage.Gateway) storage.Gateway) *fixture {
	t.Helper()
	db := repotest.Open(t)
	blobs := storage.NewBlobGateway(map[string]*blob.Bucket{
		storage.BucketDocuments: memblob.OpenBucket(nil),
		storage.BucketBundles:   memblob.OpenBucket(nil),
	}, nil)
	t.Cleanup(func() { _ = blobs.Close() })
	var store storage.Gateway = blobs
	if wrap != nil {
		store = wrap(blobs)
	}

	exhibits := repository.NewExhibitRepository(db, nil)
	jobs := repository.NewBundleJobRepository(db, nil)
	locker := locking.NewMemoryLocker()
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
		cfg.RetryMaxDelay = 5 * time.Millisecond
	}
	return &fixture{
		orch: NewOrchestrator(db, exhibits, jobs, store, locker,
			bates.NewStamper(nil), bundle.NewAssembler(nil), cfg, nil),
		registry: registry.NewService(db, exhibits, jobs, store, locker, nil),
		exhibits: exhibits,
		jobs:     jobs,
		store:    store,
		locker:   locker,
	}
}

func (f *fixture) appendPDF(t *testing.T, caseID, name string, pages int) string {
	t.Helper()
	ex, err := f.registry.Append(context.Background(), caseID, name+".pdf", pdftest.Build(pages, pdftest.Options{Text: name}))
	require.NoError(t, err)
	return ex.ID
}

func (f *fixture) exhibit(t *testing.T, caseID, id string) *entity.Exhibit {
	t.Helper()
	ex, err := f.exhibits.Get(context.Background(), caseID, id)
	require.NoError(t, err)
	return ex
}

func readZip(t *testing.T, r io.Reader) (*zip.Reader, map[string][]byte) {
	t.Helper()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	bodies := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		bodies[f.Name] = b
	}
	return zr, bodies
}

func TestBundleAfterResequence(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	a := f.appendPDF(t, "case-1", "A", 3)
	b := f.appendPDF(t, "case-1", "B", 5)
	c := f.appendPDF(t, "case-1", "C", 2)

	view, err := f.registry.Resequence(ctx, "case-1", []string{c, a, b}, nil)
	require.NoError(t, err)
	require.Equal(t, "Exhibit 1", view.Exhibits[0].Label)
	require.Equal(t, c, view.Exhibits[0].ID)

	job, created, err := f.orch.RequestBundle(ctx, Request{CaseID: "case-1", Title: "Trial exhibits"})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, constants.JobStatusPending, job.Status)
	require.Equal(t, []string{c, a, b}, job.RequestedExhibitIDs)

	_, _, err = f.orch.DownloadBundle(ctx, job.ID)
	require.ErrorIs(t, err, common.ErrConflict)

	require.NoError(t, f.orch.Process(ctx, job.ID))

	status, err := f.orch.GetBundleStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, constants.JobStatusReady, status.Status)
	require.Equal(t, bundle.ArtifactPath("case-1", job.ID), *status.StoragePath)
	require.Equal(t, 1, status.Attempts)

	rc, _, err := f.orch.DownloadBundle(ctx, job.ID)
	require.NoError(t, err)
	defer rc.Close()
	zr, bodies := readZip(t, rc)
	names := make([]string, len(zr.File))
	for i, zf := range zr.File {
		names[i] = zf.Name
	}
	require.Equal(t, []string{"Exhibit 1.pdf", "Exhibit 2.pdf", "Exhibit 3.pdf", bundle.IndexEntryName}, names)
	require.Equal(t, "Trial exhibits", zr.Comment)

	first, err := pdf.Open(bodies["Exhibit 1.pdf"])
	require.NoError(t, err)
	require.Equal(t, 2, first.NumPages())
	require.True(t, pdftest.ContainsText(bodies["Exhibit 1.pdf"], "EX-00001"))
	require.True(t, pdftest.ContainsText(bodies["Exhibit 1.pdf"], "EX-00002"))
	require.True(t, pdftest.ContainsText(bodies["Exhibit 3.pdf"], "EX-00010"))

	for id, want := range map[string][2]int64{c: {1, 2}, a: {3, 5}, b: {6, 10}} {
		ex := f.exhibit(t, "case-1", id)
		require.True(t, ex.HasBates())
		require.Equal(t, want[0], *ex.BatesStart)
		require.Equal(t, want[1], *ex.BatesEnd)
	}
}

func TestRequestBundleReusesByFingerprint(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	a := f.appendPDF(t, "case-1", "A", 1)
	b := f.appendPDF(t, "case-1", "B", 2)

	first, created, err := f.orch.RequestBundle(ctx, Request{CaseID: "case-1"})
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := f.orch.RequestBundle(ctx, Request{CaseID: "case-1"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)

	require.NoError(t, f.orch.Process(ctx, first.ID))
	ready, created, err := f.orch.RequestBundle(ctx, Request{CaseID: "case-1", ExhibitIDs: []string{b, a}})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, ready.ID)
	require.Equal(t, constants.JobStatusReady, ready.Status)
	require.Equal(t, bundle.ArtifactPath("case-1", first.ID), *ready.StoragePath)

	_, err = f.registry.Resequence(ctx, "case-1", []string{b, a}, nil)
	require.NoError(t, err)
	fresh, created, err := f.orch.RequestBundle(ctx, Request{CaseID: "case-1"})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, fresh.ID)
	require.NotEqual(t, first.InputFingerprint, fresh.InputFingerprint)
}

func TestConcurrentRequestsCollapse(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	f.appendPDF(t, "case-1", "A", 1)

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]bool{}
		errs    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, _, err := f.orch.RequestBundle(ctx, Request{CaseID: "case-1", Title: "T"})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ids[job.ID] = true
		}()
	}
	wg.Wait()
	require.Empty(t, errs)
	require.Len(t, ids, 1)

	jobs, err := f.jobs.ListByCase(ctx, "case-1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestCollapsedRequestSurvivesFirstCallerCancel(t *testing.T) {
	f := newFixture(t, Config{LockWait: 5 * time.Second}, nil)
	f.appendPDF(t, "case-1", "A", 1)

	unlock, err := f.locker.Lock(context.Background(), locking.CaseKey("case-1"))
	require.NoError(t, err)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := f.orch.RequestBundle(firstCtx, Request{CaseID: "case-1", Title: "T"})
		firstErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	type result struct {
		job *entity.BundleJob
		err error
	}
	second := make(chan result, 1)
	go func() {
		job, _, err := f.orch.RequestBundle(context.Background(), Request{CaseID: "case-1", Title: "T"})
		second <- result{job, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	unlock()

	got := <-second
	require.NoError(t, got.err)
	require.Equal(t, constants.JobStatusPending, got.job.Status)

	jobs, err := f.jobs.ListByCase(context.Background(), "case-1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestRequestBundleValidation(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	_, _, err := f.orch.RequestBundle(ctx, Request{CaseID: "empty"})
	require.ErrorIs(t, err, common.ErrValidation)

	a := f.appendPDF(t, "case-1", "A", 1)
	_, _, err = f.orch.RequestBundle(ctx, Request{CaseID: "case-1", ExhibitIDs: []string{a, a}})
	require.ErrorIs(t, err, common.ErrValidation)
	_, _, err = f.orch.RequestBundle(ctx, Request{CaseID: "case-1", ExhibitIDs: []string{"nope"}})
	require.ErrorIs(t, err, common.ErrValidation)

	jobs, err := f.jobs.ListByCase(ctx, "case-1")
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestResequenceSupersedesPendingJob(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	a := f.appendPDF(t, "case-1", "A", 1)
	b := f.appendPDF(t, "case-1", "B", 1)

	job, _, err := f.orch.RequestBundle(ctx, Request{CaseID: "case-1"})
	require.NoError(t, err)
	_, err = f.registry.Resequence(ctx, "case-1", []string{b, a}, nil)
	require.NoError(t, err)

	require.NoError(t, f.orch.Process(ctx, job.ID))
	got, err := f.orch.GetBundleStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, constants.JobStatusFailed, got.Status)
	require.Equal(t, constants.ReasonSuperseded, *got.ErrorReason)
	require.Nil(t, got.StoragePath)

	_, err = f.orch.RetryBundle(ctx, job.ID)
	require.ErrorIs(t, err, common.ErrConflict)
}

func TestStrictModeFailsOnUnparseableDocument(t *testing.T) {
	f := newFixture(t, Config{Mode: constants.StampingStrict}, nil)
	ctx := context.Background()
	f.appendPDF(t, "case-1", "A", 1)
	_, err := f.registry.Append(ctx, "case-1", "broken.pdf", []byte("%PDF-1.4 not really"))
	require.NoError(t, err)

	job, _, err := f.orch.RequestBundle(ctx, Request{CaseID: "case-1"})
	require.NoError(t, err)
	err = f.orch.Process(ctx, job.ID)
	require.ErrorIs(t, err, common.ErrStamping)

	got, err := f.orch.GetBundleStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, constants.JobStatusFailed, got.Status)
	require.Equal(t, constants.ReasonStamping, *got.ErrorReason)
	require.Nil(t, got.NextAttemptAt)

	retried, err := f.orch.RetryBundle(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, retried.ID)
	require.Equal(t, job.InputFingerprint, retried.InputFingerprint)
	require.Equal(t, constants.JobStatusPending, retried.Status)
}

func TestLenientModeExcludesUnparseableDocument(t *testing.T) {
	f := newFixture(t, Config{Mode: constants.StampingLenient}, nil)
	ctx := context.Background()
	a := f.appendPDF(t, "case-1", "A", 2)
	broken, err := f.registry.Append(ctx, "case-1", "broken.pdf", []byte("%PDF-1.4 not really"))
	require.NoError(t, err)
	c := f.appendPDF(t, "case-1", "C", 3)

	job, _, err := f.orch.RequestBundle(ctx, Request{CaseID: "case-1"})
	require.NoError(t, err)
	require.NoError(t, f.orch.Process(ctx, job.ID))

	got, err := f.orch.GetBundleStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, constants.JobStatusReady, got.Status)
	require.Equal(t, []string{broken.ID}, got.ExcludedExhibitIDs)

	ex := f.exhibit(t, "case-1", c)
	require.Equal(t, int64(3), *ex.BatesStart)
	require.Equal(t, int64(5), *ex.BatesEnd)
	require.False(t, f.exhibit(t, "case-1", broken.ID).HasBates())
	require.Equal(t, int64(2), *f.exhibit(t, "case-1", a).BatesEnd)

	rc, _, err := f.orch.DownloadBundle(ctx, job.ID)
	require.NoError(t, err)
	defer rc.Close()
	zr, _ := readZip(t, rc)
	require.Len(t, zr.File, 3)
}

func TestIncrementalBundleContinuesCounter(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	a := f.appendPDF(t, "case-1", "A", 3)
	b := f.appendPDF(t, "case-1", "B", 4)

	full, _, err := f.orch.RequestBundle(ctx, Request{CaseID: "case-1"})
	require.NoError(t, err)
	require.NoError(t, f.orch.Process(ctx, full.ID))

	c := f.appendPDF(t, "case-1", "C", 2)
	inc, created, err := f.orch.RequestBundle(ctx, Request{CaseID: "case-1", ExhibitIDs: []string{c}, Incremental: true})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(8), inc.BatesStart)
	require.NoError(t, f.orch.Process(ctx, inc.ID))

	require.Equal(t, int64(7), *f.exhibit(t, "case-1", b).BatesEnd)
	ex := f.exhibit(t, "case-1", c)
	require.Equal(t, int64(8), *ex.BatesStart)
	require.Equal(t, int64(9), *ex.BatesEnd)
	require.Equal(t, int64(1), *f.exhibit(t, "case-1", a).BatesStart)

	_, _, err = f.orch.RequestBundle(ctx, Request{CaseID: "case-1", ExhibitIDs: []string{a}, Incremental: true})
	require.ErrorIs(t, err, common.ErrValidation)
}

func TestFullBundleOfSubsetClearsOtherRanges(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	a := f.appendPDF(t, "case-1", "A", 1)
	b := f.appendPDF(t, "case-1", "B", 1)

	all, _, err := f.orch.RequestBundle(ctx, Request{CaseID: "case-1"})
	require.NoError(t, err)
	require.NoError(t, f.orch.Process(ctx, all.ID))
	require.True(t, f.exhibit(t, "case-1", a).HasBates())

	only, _, err := f.orch.RequestBundle(ctx, Request{CaseID: "case-1", ExhibitIDs: []string{b}})
	require.NoError(t, err)
	require.NoError(t, f.orch.Process(ctx, only.ID))
	require.False(t, f.exhibit(t, "case-1", a).HasBates())
	require.Equal(t, int64(1), *f.exhibit(t, "case-1", b).BatesStart)
}

// flakyGateway fails the first n bundle writes with a transient storage error.
type flakyGateway struct {
	storage.Gateway
	mu    sync.Mutex
	fails int
	puts  int
}

func (g *flakyGateway) Put(ctx context.Context, bucket, path string, data []byte) error {
	g.mu.Lock()
	if bucket == storage.BucketBundles {
		g.puts++
		if g.fails > 0 {
			g.fails--
			g.mu.Unlock()
			return common.StorageError("put "+path, io.ErrUnexpectedEOF)
		}
	}
	g.mu.Unlock()
	return g.Gateway.Put(ctx, bucket, path, data)
}

func TestStorageErrorsAreRetried(t *testing.T) {
	flaky := &flakyGateway{fails: 2}
	f := newFixture(t, Config{StorageRetries: 3}, func(g storage.Gateway) storage.Gateway {
		flaky.Gateway = g
		return flaky
	})
	ctx := context.Background()
	f.appendPDF(t, "case-1", "A", 1)

	job, _, err := f.orch.RequestBundle(ctx, Request{CaseID: "case-1"})
	require.NoError(t, err)
	require.NoError(t, f.orch.Process(ctx, job.ID))
	require.Equal(t, 3, flaky.puts)

	got, err := f.orch.GetBundleStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, constants.JobStatusReady, got.Status)
}

func TestStorageExhaustionFailsRetryably(t *testing.T) {
	flaky := &flakyGateway{fails: 10}
	f := newFixture(t, Config{StorageRetries: 1, MaxAttempts: 3}, func(g storage.Gateway) storage.Gateway {
		flaky.Gateway = g
		return flaky
	})
	ctx := context.Background()
	f.appendPDF(t, "case-1", "A", 1)

	job, _, err := f.orch.RequestBundle(ctx, Request{CaseID: "case-1"})
	require.NoError(t, err)
	require.ErrorIs(t, f.orch.Process(ctx, job.ID), common.ErrStorage)

	got, err := f.orch.GetBundleStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, constants.JobStatusFailed, got.Status)
	require.Equal(t, constants.ReasonStorageUnavailable, *got.ErrorReason)
	require.NotNil(t, got.NextAttemptAt)

	time.Sleep(10 * time.Millisecond)
	rep, err := f.orch.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Requeued)
	got, err = f.orch.GetBundleStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, constants.JobStatusPending, got.Status)
}

func TestReaperSkipsJobsReplacedByNewerRequest(t *testing.T) {
	flaky := &flakyGateway{fails: 10}
	f := newFixture(t, Config{StorageRetries: 1, MaxAttempts: 3}, func(g storage.Gateway) storage.Gateway {
		flaky.Gateway = g
		return flaky
	})
	ctx := context.Background()
	f.appendPDF(t, "case-1", "A", 1)

	old, _, err := f.orch.RequestBundle(ctx, Request{CaseID: "case-1"})
	require.NoError(t, err)
	require.ErrorIs(t, f.orch.Process(ctx, old.ID), common.ErrStorage)

	time.Sleep(10 * time.Millisecond)
	fresh, created, err := f.orch.RequestBundle(ctx, Request{CaseID: "case-1"})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, old.ID, fresh.ID)
	require.Equal(t, old.InputFingerprint, fresh.InputFingerprint)

	rep, err := f.orch.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, rep.Requeued)
	require.Equal(t, 1, rep.Replaced)

	got, err := f.orch.GetBundleStatus(ctx, old.ID)
	require.NoError(t, err)
	require.Equal(t, constants.JobStatusFailed, got.Status)
}

func TestReaperTimesOutStuckJobs(t *testing.T) {
	f := newFixture(t, Config{JobDeadline: time.Millisecond, MaxAttempts: 2}, nil)
	ctx := context.Background()
	f.appendPDF(t, "case-1", "A", 1)

	job, _, err := f.orch.RequestBundle(ctx, Request{CaseID: "case-1"})
	require.NoError(t, err)
	ok, err := f.jobs.Claim(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	rep, err := f.orch.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.TimedOut)
	require.Equal(t, 0, rep.Requeued)

	got, err := f.orch.GetBundleStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, constants.JobStatusFailed, got.Status)
	require.Equal(t, constants.ReasonTimeout, *got.ErrorReason)

	time.Sleep(10 * time.Millisecond)
	rep, err = f.orch.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Requeued)

	// second run times out too and exhausts the attempts
	ok, err = f.jobs.Claim(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(5 * time.Millisecond)
	rep, err = f.orch.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.TimedOut)
	require.Equal(t, 1, rep.Exhausted)
	require.Equal(t, 0, rep.Requeued)
}

func TestBundleURLRequiresReadyJob(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	f.appendPDF(t, "case-1", "A", 1)

	job, _, err := f.orch.RequestBundle(ctx, Request{CaseID: "case-1"})
	require.NoError(t, err)
	_, err = f.orch.BundleURL(ctx, job.ID, time.Minute)
	require.ErrorIs(t, err, common.ErrConflict)

	_, err = f.orch.BundleURL(ctx, "missing", time.Minute)
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestRecoverEnqueuesPendingJobs(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	f.appendPDF(t, "case-1", "A", 1)
	f.appendPDF(t, "case-2", "B", 1)

	for _, c := range []string{"case-1", "case-2"} {
		_, _, err := f.orch.RequestBundle(ctx, Request{CaseID: c})
		require.NoError(t, err)
	}

	rec := &recordingProcessor{orch: f.orch}
	q := NewQueue(rec, nil, WithWorkers(2))
	f.orch.SetQueue(q)
	n, err := f.orch.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	q.Shutdown(ctx)

	require.Len(t, rec.ids(), 2)
	ready, err := f.jobs.ListByStatus(ctx, constants.JobStatusReady)
	require.NoError(t, err)
	require.Len(t, ready, 2)
}

type recordingProcessor struct {
	orch *Orchestrator
	mu   sync.Mutex
	seen []string
}

func (p *recordingProcessor) Process(ctx context.Context, jobID string) error {
	p.mu.Lock()
	p.seen = append(p.seen, jobID)
	p.mu.Unlock()
	if p.orch == nil {
		return nil
	}
	return p.orch.Process(ctx, jobID)
}

func (p *recordingProcessor) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.seen...)
}
