// Package cmd wires the qop command tree. Every database-facing command
// lives under "subsystem <backend>" so the backend choice is explicit in the
// invocation; the config file is resolved relative to --path.
package cmd

import (
	"context"

	"github.com/urfave/cli/v3"
)

// toolVersion is the running binary's version as passed to Run. Commands use
// it for the config and ledger handshakes and when writing ledger rows.
var toolVersion string

// Run creates and executes the qop CLI application with the given version
// and command-line arguments.
//
// Global flags:
//   - -e, --experimental: enables commands that are not yet stable (diff)
//
// The command tree:
//
//	qop man --out <path> --format manpages|markdown
//	qop autocomplete --out <path> --shell <shell>
//	qop subsystem (postgres|pg|sqlite|sql) [--path qop.toml] <command>
//
// Returns an error if command execution fails; user-declined confirmations
// are not errors.
func Run(ctx context.Context, version string, args []string) error {
	toolVersion = version

	app := &cli.Command{
		Name:  "qop",
		Usage: "A SQL migration engine for PostgreSQL and SQLite",
		Description: `qop manages plain-SQL schema migrations. Migrations live next to a
qop.toml config file as id=<timestamp> directories containing up.sql,
down.sql and meta.toml; applied migrations are tracked in a ledger table
inside the target database itself.`,
		Version: version,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "experimental",
				Aliases: []string{"e"},
				Usage:   "enable experimental features",
			},
		},
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			man(),
			autocomplete(),
			subsystem(),
		},
	}

	return app.Run(ctx, args)
}
