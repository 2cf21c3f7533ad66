package repository_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thekellymethod/proseiq-clean-sub002/constants"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/common"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/entity"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/repository"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/repository/repotest"
)

func TestRegistryVersionCompareAndSwap(t *testing.T) {
	db := repotest.Open(t)
	repo := repository.NewExhibitRepository(db, nil)
	ctx := context.Background()

	reg, err := repo.GetRegistry(ctx, "case-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), reg.RegistryVersion)
	require.Equal(t, constants.DefaultLabelPrefix, reg.LabelPrefix)

	_, err = repo.EnsureRegistry(ctx, "case-1")
	require.NoError(t, err)
	v, err := repo.BumpVersion(ctx, "case-1", 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	_, err = repo.BumpVersion(ctx, "case-1", 0)
	require.ErrorIs(t, err, common.ErrConcurrentModification)
}

func TestWithTxRollsBack(t *testing.T) {
	db := repotest.Open(t)
	repo := repository.NewExhibitRepository(db, nil)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(ctx context.Context) error {
		if _, err := repo.EnsureRegistry(ctx, "case-1"); err != nil {
			return err
		}
		if err := repo.Create(ctx, &entity.Exhibit{
			ID: "ex-1", CaseID: "case-1", DocumentRef: "a.pdf", ContentHash: []byte{1},
			SortOrder: 1, ExhibitIndex: 1, Label: "Exhibit 1",
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	list, err := repo.List(ctx, "case-1")
	require.NoError(t, err)
	require.Empty(t, list)
	_, err = repo.Get(ctx, "case-1", "ex-1")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestBatesRanges(t *testing.T) {
	db := repotest.Open(t)
	repo := repository.NewExhibitRepository(db, nil)
	ctx := context.Background()

	_, err := repo.EnsureRegistry(ctx, "case-1")
	require.NoError(t, err)
	for i, id := range []string{"a", "b"} {
		require.NoError(t, repo.Create(ctx, &entity.Exhibit{
			ID: id, CaseID: "case-1", DocumentRef: id + ".pdf", ContentHash: []byte{byte(i)},
			SortOrder: i + 1, ExhibitIndex: i + 1, Label: "Exhibit",
		}))
	}
	require.NoError(t, repo.SetBatesRange(ctx, entity.BatesRange{ExhibitID: "a", Start: 1, End: 3, PageCount: 3}))
	require.NoError(t, repo.SetBatesRange(ctx, entity.BatesRange{ExhibitID: "b", Start: 4, End: 4, PageCount: 1}))

	a, err := repo.Get(ctx, "case-1", "a")
	require.NoError(t, err)
	require.True(t, a.HasBates())
	require.Equal(t, 3, *a.PageCount)

	n, err := repo.ClearBatesExcept(ctx, "case-1", []string{"b"})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	a, err = repo.Get(ctx, "case-1", "a")
	require.NoError(t, err)
	require.False(t, a.HasBates())
	require.NotNil(t, a.PageCount, "page count survives a cleared range")
}

func TestJobTransitionsAreCompareAndSwap(t *testing.T) {
	db := repotest.Open(t)
	jobs := repository.NewBundleJobRepository(db, nil)
	ctx := context.Background()

	job := &entity.BundleJob{
		ID:                  "job-1",
		CaseID:              "case-1",
		RequestedExhibitIDs: []string{"a", "b"},
		InputFingerprint:    "fp",
		RegistryVersion:     2,
		BatesStart:          1,
	}
	require.NoError(t, jobs.Create(ctx, job))
	require.Equal(t, constants.JobStatusPending, job.Status)

	found, err := jobs.FindLatestByFingerprint(ctx, "case-1", "fp")
	require.NoError(t, err)
	require.Equal(t, "job-1", found.ID)
	none, err := jobs.FindLatestByFingerprint(ctx, "case-1", "other")
	require.NoError(t, err)
	require.Nil(t, none)

	ok, err := jobs.Claim(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = jobs.Claim(ctx, "job-1")
	require.NoError(t, err)
	require.False(t, ok, "a second worker loses the claim")

	ok, err = jobs.Requeue(ctx, "job-1")
	require.NoError(t, err)
	require.False(t, ok, "only failed jobs requeue")

	ok, err = jobs.MarkReady(ctx, "job-1", repository.ReadyArtifact{Bucket: "bundles", Path: "p.zip", ContentHash: "h"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = jobs.MarkFailed(ctx, "job-1", constants.ReasonTimeout, "late", nil)
	require.NoError(t, err)
	require.False(t, ok, "ready is terminal")

	got, err := jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, constants.JobStatusReady, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.Equal(t, []string{"a", "b"}, got.RequestedExhibitIDs)
	require.Equal(t, "p.zip", *got.StoragePath)

	_, err = jobs.Get(ctx, "missing")
	require.ErrorIs(t, err, common.ErrNotFound)
}
