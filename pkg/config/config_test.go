package config_test

import (
	"path/filepath"
	"strings"
	"testing"

	. "github.com/cchexcode/qop/pkg/config"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("postgres with defaults", func(t *testing.T) {
		cfg, err := Load(strings.NewReader(`
version = "1.2.3"

[subsystem.postgres]
connection = { static = "postgres://localhost:5432/app" }
`))
		require.NoError(t, err)
		require.Equal(t, "1.2.3", cfg.Version)
		require.NotNil(t, cfg.Subsystem.Postgres)
		require.Nil(t, cfg.Subsystem.SQLite)

		pg := cfg.Subsystem.Postgres
		require.Equal(t, "public", pg.Schema)
		require.Equal(t, "__qop", pg.TablePrefix)
		require.Equal(t, "__qop_migrations", pg.MigrationsTable())
		require.Equal(t, "__qop_log", pg.LogTable())
	})

	t.Run("sqlite with custom prefix", func(t *testing.T) {
		cfg, err := Load(strings.NewReader(`
version = "1.0.0"

[subsystem.sqlite]
connection = { static = "sqlite://app.db" }
table_prefix = "_mig"
timeout = 30
`))
		require.NoError(t, err)
		sq := cfg.Subsystem.SQLite
		require.NotNil(t, sq)
		require.Equal(t, "_mig_migrations", sq.MigrationsTable())
		require.Equal(t, "_mig_log", sq.LogTable())
		require.Equal(t, int64(30), sq.Timeout)
	})

	t.Run("no subsystem fails", func(t *testing.T) {
		_, err := Load(strings.NewReader(`version = "1.0.0"`))
		require.ErrorContains(t, err, "no subsystem")
	})

	t.Run("multiple subsystems fail", func(t *testing.T) {
		_, err := Load(strings.NewReader(`
version = "1.0.0"

[subsystem.postgres]
connection = { static = "postgres://localhost/app" }

[subsystem.sqlite]
connection = { static = "sqlite://app.db" }
`))
		require.ErrorContains(t, err, "multiple subsystems")
	})
}

func TestDataSource(t *testing.T) {
	t.Run("static", func(t *testing.T) {
		v, err := DataSource{Static: "postgres://localhost/app"}.Resolve()
		require.NoError(t, err)
		require.Equal(t, "postgres://localhost/app", v)
	})

	t.Run("from env", func(t *testing.T) {
		t.Setenv("QOP_TEST_DATABASE_URL", "postgres://env/app")
		v, err := DataSource{FromEnv: "QOP_TEST_DATABASE_URL"}.Resolve()
		require.NoError(t, err)
		require.Equal(t, "postgres://env/app", v)
	})

	t.Run("missing env var fails", func(t *testing.T) {
		_, err := DataSource{FromEnv: "QOP_TEST_MISSING_VAR"}.Resolve()
		require.ErrorContains(t, err, "QOP_TEST_MISSING_VAR")
	})
}

func TestValidate(t *testing.T) {
	t.Run("config older than tool passes", func(t *testing.T) {
		cfg := &Config{Version: "1.0.0"}
		require.NoError(t, cfg.Validate("1.2.0"))
	})

	t.Run("config equal to tool passes", func(t *testing.T) {
		cfg := &Config{Version: "1.2.0"}
		require.NoError(t, cfg.Validate("1.2.0"))
	})

	t.Run("config newer than tool fails", func(t *testing.T) {
		cfg := &Config{Version: "2.0.0"}
		require.ErrorContains(t, cfg.Validate("1.2.0"), "upgrade")
	})

	t.Run("dev version bypasses the check", func(t *testing.T) {
		cfg := &Config{Version: "99.0.0"}
		require.NoError(t, cfg.Validate("0.0.0"))
	})

	t.Run("empty config version passes", func(t *testing.T) {
		cfg := &Config{}
		require.NoError(t, cfg.Validate("1.2.0"))
	})

	t.Run("garbage version fails", func(t *testing.T) {
		cfg := &Config{Version: "not-a-version"}
		require.Error(t, cfg.Validate("1.2.0"))
	})
}

func TestWriteFile(t *testing.T) {
	t.Run("sample postgres round trips", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "qop.toml")
		require.NoError(t, SamplePostgres("1.0.0", "postgres://localhost/app").WriteFile(path))

		cfg, err := LoadFile(path)
		require.NoError(t, err)
		require.Equal(t, "1.0.0", cfg.Version)
		require.NotNil(t, cfg.Subsystem.Postgres)
		require.Equal(t, "postgres://localhost/app", cfg.Subsystem.Postgres.Connection.Static)
		require.Equal(t, "public", cfg.Subsystem.Postgres.Schema)
	})

	t.Run("sample sqlite round trips", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "qop.toml")
		require.NoError(t, SampleSQLite("1.0.0", "qop.db").WriteFile(path))

		cfg, err := LoadFile(path)
		require.NoError(t, err)
		require.NotNil(t, cfg.Subsystem.SQLite)
		require.Equal(t, "qop.db", cfg.Subsystem.SQLite.Connection.Static)
		require.Equal(t, "__qop", cfg.Subsystem.SQLite.TablePrefix)
	})
}

func TestEffectiveTimeout(t *testing.T) {
	pg := &Postgres{Timeout: 30}
	require.Equal(t, int64(30), pg.EffectiveTimeout(0))
	require.Equal(t, int64(5), pg.EffectiveTimeout(5))

	sq := &SQLite{}
	require.Equal(t, int64(0), sq.EffectiveTimeout(0))
	require.Equal(t, int64(5), sq.EffectiveTimeout(5))
}
