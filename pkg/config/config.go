// Package config loads and validates the qop.toml project configuration.
//
// A config names exactly one subsystem (postgres or sqlite) and carries the
// tool version it was written for. The migration store lives in the directory
// containing the config file; the config file itself is not part of the
// store.
package config

import (
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/cchexcode/qop/pkg/consts"
	"github.com/pkg/errors"
	"golang.org/x/mod/semver"
)

type (
	// DataSource is a connection string that is either given literally or
	// resolved from the process environment at pool-construction time.
	//
	// TOML forms:
	//
	//	connection = { static = "postgres://localhost/app" }
	//	connection = { from_env = "DATABASE_URL" }
	DataSource struct {
		Static  string `toml:"static,omitempty"`
		FromEnv string `toml:"from_env,omitempty"`
	}

	// Postgres holds the PostgreSQL subsystem settings.
	Postgres struct {
		Connection DataSource `toml:"connection"`

		// Timeout is the default per-transaction statement timeout in
		// seconds. A CLI -t flag overrides it per invocation.
		Timeout int64 `toml:"timeout,omitempty"`

		Schema      string `toml:"schema"`
		TablePrefix string `toml:"table_prefix"`
	}

	// SQLite holds the SQLite subsystem settings. SQLite has no schemas, so
	// only the table prefix is configurable.
	SQLite struct {
		Connection  DataSource `toml:"connection"`
		Timeout     int64      `toml:"timeout,omitempty"`
		TablePrefix string     `toml:"table_prefix"`
	}

	// Subsystem is the tagged backend variant; exactly one field is set.
	Subsystem struct {
		Postgres *Postgres `toml:"postgres,omitempty"`
		SQLite   *SQLite   `toml:"sqlite,omitempty"`
	}

	// Config is the parsed qop.toml.
	Config struct {
		// Version is the tool version this config was written for. A config
		// newer than the running binary is rejected.
		Version string `toml:"version"`

		Subsystem Subsystem `toml:"subsystem"`
	}
)

// Resolve returns the effective connection string. A FromEnv source reads
// the named environment variable; a missing variable is an error.
func (d DataSource) Resolve() (string, error) {
	if d.FromEnv != "" {
		v, ok := os.LookupEnv(d.FromEnv)
		if !ok {
			return "", errors.Errorf("missing environment variable %q referenced by connection", d.FromEnv)
		}
		return v, nil
	}
	return d.Static, nil
}

// MigrationsTable returns the migrations table name for the prefix.
func (p *Postgres) MigrationsTable() string { return p.TablePrefix + "_migrations" }

// LogTable returns the log table name for the prefix.
func (p *Postgres) LogTable() string { return p.TablePrefix + "_log" }

// EffectiveTimeout resolves the per-invocation timeout: the CLI override
// wins, then the config default, then none.
func (p *Postgres) EffectiveTimeout(override int64) int64 {
	if override > 0 {
		return override
	}
	return p.Timeout
}

// MigrationsTable returns the migrations table name for the prefix.
func (s *SQLite) MigrationsTable() string { return s.TablePrefix + "_migrations" }

// LogTable returns the log table name for the prefix.
func (s *SQLite) LogTable() string { return s.TablePrefix + "_log" }

// EffectiveTimeout resolves the per-invocation timeout: the CLI override
// wins, then the config default, then none.
func (s *SQLite) EffectiveTimeout(override int64) int64 {
	if override > 0 {
		return override
	}
	return s.Timeout
}

// Load parses a configuration from the provided io.Reader and applies
// defaults for absent fields (schema, table prefix).
func Load(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	if cfg.Subsystem.Postgres == nil && cfg.Subsystem.SQLite == nil {
		return nil, errors.New("config declares no subsystem; expected [subsystem.postgres] or [subsystem.sqlite]")
	}
	if cfg.Subsystem.Postgres != nil && cfg.Subsystem.SQLite != nil {
		return nil, errors.New("config declares multiple subsystems; expected exactly one")
	}

	if pg := cfg.Subsystem.Postgres; pg != nil {
		if pg.Schema == "" {
			pg.Schema = consts.DefaultPostgresSchema
		}
		if pg.TablePrefix == "" {
			pg.TablePrefix = consts.DefaultTablePrefix
		}
	}
	if sq := cfg.Subsystem.SQLite; sq != nil {
		if sq.TablePrefix == "" {
			sq.TablePrefix = consts.DefaultTablePrefix
		}
	}

	return &cfg, nil
}

// LoadFile loads a configuration from the specified file path. This is a
// convenience function that opens the file and calls Load.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open config: %s", path)
	}
	defer func() { _ = f.Close() }()

	return Load(f)
}

// Validate checks that the config was not written for a newer tool version
// than the running binary. The dev sentinel version bypasses the check.
func (c *Config) Validate(toolVersion string) error {
	if toolVersion == consts.DevVersion || c.Version == "" {
		return nil
	}

	cv, tv := "v"+c.Version, "v"+toolVersion
	if !semver.IsValid(cv) {
		return errors.Errorf("config version %q is not a valid semantic version", c.Version)
	}
	if !semver.IsValid(tv) {
		return errors.Errorf("tool version %q is not a valid semantic version", toolVersion)
	}
	if semver.Compare(cv, tv) > 0 {
		return errors.Errorf("config requires qop >= %s but this binary is %s; please upgrade", c.Version, toolVersion)
	}
	return nil
}

// WriteFile encodes the config as TOML at the given path, truncating any
// existing file.
func (c *Config) WriteFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, consts.ModeFile)
	if err != nil {
		return errors.Wrapf(err, "failed to create config: %s", path)
	}
	defer func() { _ = f.Close() }()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return errors.Wrap(err, "failed to encode config")
	}
	return nil
}

// SamplePostgres builds the bootstrap configuration written by
// `qop subsystem postgres config init`.
func SamplePostgres(version, conn string) *Config {
	return &Config{
		Version: version,
		Subsystem: Subsystem{
			Postgres: &Postgres{
				Connection:  DataSource{Static: conn},
				Schema:      consts.DefaultPostgresSchema,
				TablePrefix: consts.DefaultTablePrefix,
			},
		},
	}
}

// SampleSQLite builds the bootstrap configuration written by
// `qop subsystem sqlite config init`.
func SampleSQLite(version, db string) *Config {
	return &Config{
		Version: version,
		Subsystem: Subsystem{
			SQLite: &SQLite{
				Connection:  DataSource{Static: db},
				TablePrefix: consts.DefaultTablePrefix,
			},
		},
	}
}
