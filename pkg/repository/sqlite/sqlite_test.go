package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cchexcode/qop/pkg/config"
	"github.com/cchexcode/qop/pkg/consts"
	"github.com/cchexcode/qop/pkg/repository"
	. "github.com/cchexcode/qop/pkg/repository/sqlite"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.SQLite {
	t.Helper()
	return &config.SQLite{
		Connection:  config.DataSource{Static: "sqlite://" + filepath.Join(t.TempDir(), "qop.db")},
		TablePrefix: consts.DefaultTablePrefix,
	}
}

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	ctx := context.Background()

	repo, err := Connect(ctx, testConfig(t), consts.DevVersion)
	require.NoError(t, err)
	t.Cleanup(repo.Close)

	require.NoError(t, repo.InitStore(ctx))
	return repo
}

func TestInitStore(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	// Second run must be a no-op, not a "table already exists" error.
	require.NoError(t, repo.InitStore(ctx))

	ids, err := repo.AppliedIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)

	last, err := repo.LastID(ctx)
	require.NoError(t, err)
	require.Equal(t, "", last)
}

func TestApplyAndRevert(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	require.NoError(t, repo.Apply(ctx, repository.Apply{
		ID:      "1700000000001",
		UpSQL:   "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)",
		DownSQL: "DROP TABLE users",
		Comment: "add users",
	}))
	require.NoError(t, repo.Apply(ctx, repository.Apply{
		ID:      "1700000000002",
		UpSQL:   "CREATE TABLE posts (id INTEGER PRIMARY KEY, user_id INTEGER NOT NULL)",
		DownSQL: "DROP TABLE posts",
		Pre:     "1700000000001",
	}))

	ids, err := repo.AppliedIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"1700000000001", "1700000000002"}, ids)

	last, err := repo.LastID(ctx)
	require.NoError(t, err)
	require.Equal(t, "1700000000002", last)

	entries, err := repo.History(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "1700000000001", entries[0].ID)
	require.Equal(t, "add users", entries[0].Comment)
	require.False(t, entries[0].Locked)
	require.WithinDuration(t, time.Now().UTC(), entries[0].AppliedAt, time.Minute)

	down, found, err := repo.DownSQL(ctx, "1700000000001")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "DROP TABLE users", down)

	records, err := repo.AllMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "CREATE TABLE posts (id INTEGER PRIMARY KEY, user_id INTEGER NOT NULL)", records[1].UpSQL)

	require.NoError(t, repo.Revert(ctx, repository.Revert{ID: "1700000000002", DownSQL: "DROP TABLE posts"}))
	require.NoError(t, repo.Revert(ctx, repository.Revert{ID: "1700000000001", DownSQL: "DROP TABLE users"}))

	ids, err = repo.AppliedIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)

	// The user schema is back to its prior state, so the same migration
	// applies again cleanly.
	require.NoError(t, repo.Apply(ctx, repository.Apply{
		ID:      "1700000000001",
		UpSQL:   "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)",
		DownSQL: "DROP TABLE users",
	}))
}

func TestApplyAtomicity(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	err := repo.Apply(ctx, repository.Apply{
		ID:      "1700000000001",
		UpSQL:   "CREATE TABLE t (x INTEGER);\nINSERT INTO missing_table VALUES (1);",
		DownSQL: "DROP TABLE t",
	})
	require.Error(t, err)

	ids, err := repo.AppliedIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)

	// The CREATE from the failed script must have been rolled back with it,
	// otherwise this re-apply would collide.
	require.NoError(t, repo.Apply(ctx, repository.Apply{
		ID:      "1700000000001",
		UpSQL:   "CREATE TABLE t (x INTEGER)",
		DownSQL: "DROP TABLE t",
	}))
}

func TestDryRun(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	t.Run("apply leaves no trace", func(t *testing.T) {
		require.NoError(t, repo.Apply(ctx, repository.Apply{
			ID:      "1700000000001",
			UpSQL:   "CREATE TABLE t (x INTEGER)",
			DownSQL: "DROP TABLE t",
			DryRun:  true,
		}))

		ids, err := repo.AppliedIDs(ctx)
		require.NoError(t, err)
		require.Empty(t, ids)

		// No leftover table either; the real apply succeeds.
		require.NoError(t, repo.Apply(ctx, repository.Apply{
			ID:      "1700000000001",
			UpSQL:   "CREATE TABLE t (x INTEGER)",
			DownSQL: "DROP TABLE t",
		}))
	})

	t.Run("revert leaves the ledger intact", func(t *testing.T) {
		require.NoError(t, repo.Revert(ctx, repository.Revert{
			ID:      "1700000000001",
			DownSQL: "DROP TABLE t",
			DryRun:  true,
		}))

		ids, err := repo.AppliedIDs(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"1700000000001"}, ids)

		require.NoError(t, repo.Revert(ctx, repository.Revert{
			ID:      "1700000000001",
			DownSQL: "DROP TABLE t",
		}))
		err = repo.Revert(ctx, repository.Revert{ID: "1700000000001", DownSQL: "DROP TABLE t"})
		require.ErrorIs(t, err, repository.ErrNotApplied)
	})
}

func TestLockedRevert(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	require.NoError(t, repo.Apply(ctx, repository.Apply{
		ID:      "1700000000001",
		UpSQL:   "CREATE TABLE t (x INTEGER)",
		DownSQL: "DROP TABLE t",
		Locked:  true,
	}))

	err := repo.Revert(ctx, repository.Revert{ID: "1700000000001", DownSQL: "DROP TABLE t"})
	require.ErrorIs(t, err, repository.ErrLocked)

	ids, err := repo.AppliedIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"1700000000001"}, ids)

	require.NoError(t, repo.Revert(ctx, repository.Revert{
		ID:      "1700000000001",
		DownSQL: "DROP TABLE t",
		Unlock:  true,
	}))

	ids, err = repo.AppliedIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestRevertNotApplied(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	err := repo.Revert(ctx, repository.Revert{ID: "1700000000001", DownSQL: "SELECT 1"})
	require.ErrorIs(t, err, repository.ErrNotApplied)

	down, found, err := repo.DownSQL(ctx, "1700000000001")
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, "", down)
}

func TestVersionHandshake(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	future, err := Connect(ctx, cfg, "9.9.9")
	require.NoError(t, err)
	require.NoError(t, future.InitStore(ctx))
	require.NoError(t, future.Apply(ctx, repository.Apply{
		ID:      "1700000000001",
		UpSQL:   "CREATE TABLE t (x INTEGER)",
		DownSQL: "DROP TABLE t",
	}))
	future.Close()

	_, err = Connect(ctx, cfg, "1.0.0")
	require.ErrorIs(t, err, repository.ErrVersionSkew)

	same, err := Connect(ctx, cfg, "9.9.9")
	require.NoError(t, err)
	same.Close()

	dev, err := Connect(ctx, cfg, consts.DevVersion)
	require.NoError(t, err)
	dev.Close()
}
