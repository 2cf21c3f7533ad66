// Package repotest opens migrated throwaway databases for tests.
package repotest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/thekellymethod/proseiq-clean-sub002/internal/repository"
)

// Open returns a migrated in-memory SQLite database private to t.
func Open(t testing.TB) *repository.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_pragma=foreign_keys(1)"
	db, err := repository.OpenSQLite(context.Background(), dsn, nil)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate(context.Background()))
	return db
}
