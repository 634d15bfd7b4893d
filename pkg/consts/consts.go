package consts

import "os"

const (
	// ModeDir is the standard file mode for creating directories
	ModeDir = os.FileMode(0o755)

	// ModeFile is the standard file mode for creating files
	ModeFile = os.FileMode(0o644)

	// PlaceholderSQL is the initial content of up.sql and down.sql in a
	// freshly created migration.
	PlaceholderSQL = "-- SQL goes here"

	// DefaultTablePrefix names the ledger tables when the config does not
	// specify a prefix. The migrations table is "<prefix>_migrations" and
	// the log table is "<prefix>_log".
	DefaultTablePrefix = "__qop"

	// DefaultPostgresSchema is the schema the ledger tables live in unless
	// the config overrides it.
	DefaultPostgresSchema = "public"

	// DevVersion is the sentinel tool version that bypasses version
	// compatibility checks. Release builds override it via ldflags.
	DevVersion = "0.0.0"
)
