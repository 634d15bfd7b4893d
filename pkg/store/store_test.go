package store_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	. "github.com/cchexcode/qop/pkg/store"
	"github.com/stretchr/testify/require"
)

func TestNormalizeID(t *testing.T) {
	require.Equal(t, "1700000000001", NormalizeID("id=1700000000001"))
	require.Equal(t, "1700000000001", NormalizeID("1700000000001"))
	require.Equal(t, "id=1700000000001", DirName("1700000000001"))
	require.Equal(t, "id=1700000000001", DirName("id=1700000000001"))
}

func TestStore(t *testing.T) {
	newStore := func(t *testing.T) *Store {
		t.Helper()
		return New(filepath.Join(t.TempDir(), "qop.toml"))
	}

	t.Run("ListIDs ignores unrelated entries", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Write("1700000000002", "up", "down", ""))
		require.NoError(t, s.Write("1700000000001", "up", "down", ""))

		// Neither a stray file nor an unprefixed directory is a migration.
		require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "qop.toml"), []byte(""), 0o644))
		require.NoError(t, os.Mkdir(filepath.Join(s.Dir(), "notes"), 0o755))

		ids, err := s.ListIDs()
		require.NoError(t, err)
		require.Equal(t, []string{"1700000000001", "1700000000002"}, ids)
	})

	t.Run("Create writes placeholder skeleton", func(t *testing.T) {
		s := newStore(t)
		before := time.Now().UnixMilli()

		mig, err := s.Create("", false)
		require.NoError(t, err)

		id, err := strconv.ParseInt(mig.ID, 10, 64)
		require.NoError(t, err)
		require.GreaterOrEqual(t, id, before)

		got, err := s.Read(mig.ID)
		require.NoError(t, err)
		require.Equal(t, "-- SQL goes here", got.UpSQL)
		require.Equal(t, "-- SQL goes here", got.DownSQL)
		require.Contains(t, got.Meta.Comment, "Created by ")
		require.False(t, got.Meta.Locked)
	})

	t.Run("Create honors comment and locked", func(t *testing.T) {
		s := newStore(t)
		mig, err := s.Create("add users table", true)
		require.NoError(t, err)

		got, err := s.Read(mig.ID)
		require.NoError(t, err)
		require.Equal(t, "add users table", got.Meta.Comment)
		require.True(t, got.Meta.Locked)
	})

	t.Run("Read tolerates missing meta.toml", func(t *testing.T) {
		s := newStore(t)
		dir := s.Path("1700000000001")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "up.sql"), []byte("CREATE TABLE t (id INT);"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "down.sql"), []byte("DROP TABLE t;"), 0o644))

		got, err := s.Read("1700000000001")
		require.NoError(t, err)
		require.Equal(t, "CREATE TABLE t (id INT);", got.UpSQL)
		require.Empty(t, got.Meta.Comment)
		require.False(t, got.Meta.Locked)
	})

	t.Run("Read fails on missing SQL file", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, os.MkdirAll(s.Path("1700000000001"), 0o755))

		_, err := s.Read("1700000000001")
		require.Error(t, err)
	})

	t.Run("ReadDown loads only the down script", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Write("1700000000001", "up", "DROP TABLE t;", ""))

		down, err := s.ReadDown("1700000000001")
		require.NoError(t, err)
		require.Equal(t, "DROP TABLE t;", down)
	})

	t.Run("Rename moves the directory", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Write("1700000000001", "up", "down", ""))
		require.NoError(t, s.Rename("1700000000001", "1700000000009"))

		ids, err := s.ListIDs()
		require.NoError(t, err)
		require.Equal(t, []string{"1700000000009"}, ids)

		got, err := s.Read("1700000000009")
		require.NoError(t, err)
		require.Equal(t, "up", got.UpSQL)
	})

	t.Run("Write is idempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Write("1700000000001", "up v1", "down v1", "synced"))
		require.NoError(t, s.Write("1700000000001", "up v2", "down v2", "synced"))

		got, err := s.Read("1700000000001")
		require.NoError(t, err)
		require.Equal(t, "up v2", got.UpSQL)
		require.Equal(t, "down v2", got.DownSQL)
		require.Equal(t, "synced", got.Meta.Comment)

		ids, err := s.ListIDs()
		require.NoError(t, err)
		require.Len(t, ids, 1)
	})
}
