package jobs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thekellymethod/proseiq-clean-sub002/constants"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/entity"
)

func TestQueueDrainsOnShutdown(t *testing.T) {
	rec := &recordingProcessor{}
	q := NewQueue(rec, nil, WithWorkers(3), WithQueueSize(4), WithProcessTimeout(time.Second))

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(ctx, fmt.Sprintf("job-%d", i)))
	}
	q.Shutdown(ctx)
	require.Len(t, rec.ids(), 10)

	require.ErrorIs(t, q.Enqueue(ctx, "late"), ErrQueueClosed)
	q.Shutdown(ctx)
}

func TestFingerprint(t *testing.T) {
	exA := &entity.Exhibit{ID: "a", ContentHash: []byte{1}, Label: "Exhibit 1"}
	exB := &entity.Exhibit{ID: "b", ContentHash: []byte{2}, Label: "Exhibit 2"}
	base := Snapshot{
		CaseID:        "case-1",
		Exhibits:      []*entity.Exhibit{exA, exB},
		BatesPrefix:   "EX",
		BatesPadWidth: 5,
		Start:         1,
		Mode:          constants.StampingStrict,
	}
	fp := Fingerprint(base)
	require.Len(t, fp, 64)
	require.Equal(t, fp, Fingerprint(base))

	swapped := base
	swapped.Exhibits = []*entity.Exhibit{exB, exA}
	require.NotEqual(t, fp, Fingerprint(swapped))

	edited := base
	edited.Exhibits = []*entity.Exhibit{exA, {ID: "b", ContentHash: []byte{3}, Label: "Exhibit 2"}}
	require.NotEqual(t, fp, Fingerprint(edited))

	later := base
	later.Start = 11
	require.NotEqual(t, fp, Fingerprint(later))

	prefixed := base
	prefixed.BatesPrefix = "EXA"
	prefixed.CaseID = "case-"
	require.NotEqual(t, fp, Fingerprint(prefixed))
}

func TestRetryDelayGrows(t *testing.T) {
	o := &Orchestrator{cfg: Config{RetryBaseDelay: time.Second, RetryMaxDelay: 5 * time.Second}.withDefaults()}
	require.Equal(t, time.Second, o.retryDelay(1))
	require.Equal(t, 2*time.Second, o.retryDelay(2))
	require.Equal(t, 4*time.Second, o.retryDelay(3))
	require.Equal(t, 5*time.Second, o.retryDelay(6))
}
