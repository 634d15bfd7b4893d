package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cchexcode/qop/pkg/config"
	"github.com/cchexcode/qop/pkg/prompt"
	"github.com/cchexcode/qop/pkg/repository"
	"github.com/cchexcode/qop/pkg/repository/postgres"
	"github.com/cchexcode/qop/pkg/repository/sqlite"
	"github.com/cchexcode/qop/pkg/service"
	"github.com/cchexcode/qop/pkg/store"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
)

const (
	backendPostgres = "postgres"
	backendSQLite   = "sqlite"
)

// subsystem groups all database-facing commands under an explicit backend.
func subsystem() *cli.Command {
	return &cli.Command{
		Name:  "subsystem",
		Usage: "Operate on a database subsystem",
		Commands: []*cli.Command{
			backendCommand(backendPostgres, "pg"),
			backendCommand(backendSQLite, "sql"),
		},
	}
}

func backendCommand(backend, alias string) *cli.Command {
	return &cli.Command{
		Name:    backend,
		Aliases: []string{alias},
		Usage:   fmt.Sprintf("Manage migrations on %s", backend),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "path",
				Aliases: []string{"p"},
				Usage:   "path to the qop.toml config file",
				Value:   "qop.toml",
				Config: cli.StringConfig{
					TrimSpace: true,
				},
			},
		},
		Commands: []*cli.Command{
			configCmd(backend),
			initCmd(backend),
			newCmd(),
			upCmd(backend),
			downCmd(backend),
			applyCmd(backend),
			listCmd(backend),
			historyCmd(backend),
			diffCmd(backend),
		},
	}
}

// session is the shared setup of every database-facing command: parsed
// config, local store and a connected repository.
type session struct {
	svc   *service.Service
	cfg   *config.Config
	close func()
}

// timeout resolves the effective statement timeout in seconds: the CLI
// override wins over the config default.
func (s *session) timeout(override int64) int64 {
	if pg := s.cfg.Subsystem.Postgres; pg != nil {
		return pg.EffectiveTimeout(override)
	}
	return s.cfg.Subsystem.SQLite.EffectiveTimeout(override)
}

func openSession(ctx context.Context, cmd *cli.Command, backend string) (*session, error) {
	path := cmd.String("path")

	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(toolVersion); err != nil {
		return nil, err
	}

	slog.Info("connecting", "subsystem", backend, "config", path)

	var repo repository.Repository
	switch backend {
	case backendPostgres:
		if cfg.Subsystem.Postgres == nil {
			return nil, errors.Errorf("config %s does not declare [subsystem.postgres]", path)
		}
		repo, err = postgres.Connect(ctx, cfg.Subsystem.Postgres, toolVersion)
	case backendSQLite:
		if cfg.Subsystem.SQLite == nil {
			return nil, errors.Errorf("config %s does not declare [subsystem.sqlite]", path)
		}
		repo, err = sqlite.Connect(ctx, cfg.Subsystem.SQLite, toolVersion)
	default:
		return nil, errors.Errorf("unknown subsystem %q", backend)
	}
	if err != nil {
		return nil, err
	}

	root := cmd.Root()
	svc := service.New(repo, store.New(path), prompt.New(root.Reader, root.Writer))
	return &session{svc: svc, cfg: cfg, close: repo.Close}, nil
}

// configCmd bootstraps a qop.toml for the backend.
func configCmd(backend string) *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:  "conn",
			Usage: "connection string written to the config",
			Value: "postgres://postgres@localhost:5432/postgres",
		},
	}
	if backend == backendSQLite {
		flags = []cli.Flag{
			&cli.StringFlag{
				Name:  "db",
				Usage: "database file written to the config",
				Value: "qop.db",
			},
		}
	}

	return &cli.Command{
		Name:  "config",
		Usage: "Manage the qop.toml config file",
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a sample qop.toml",
				Flags: flags,
				Action: func(ctx context.Context, cmd *cli.Command) error {
					path := cmd.String("path")

					var cfg *config.Config
					if backend == backendPostgres {
						cfg = config.SamplePostgres(toolVersion, cmd.String("conn"))
					} else {
						cfg = config.SampleSQLite(toolVersion, cmd.String("db"))
					}
					if err := cfg.WriteFile(path); err != nil {
						return err
					}

					fmt.Fprintf(cmd.Root().Writer, "Created config: %s\n", path)
					return nil
				},
			},
		},
	}
}

func initCmd(backend string) *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Create the ledger tables in the target database",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			sess, err := openSession(ctx, cmd, backend)
			if err != nil {
				return err
			}
			defer sess.close()

			return sess.svc.Init(ctx)
		},
	}
}

func newCmd() *cli.Command {
	return &cli.Command{
		Name:  "new",
		Usage: "Create a new migration directory with placeholder SQL",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "comment",
				Usage: "comment stored in the migration's meta.toml",
			},
			&cli.BoolFlag{
				Name:  "lock",
				Usage: "mark the migration as locked (reverting requires --unlock)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.String("path")
			root := cmd.Root()

			// No database involved; the service runs store-only.
			svc := service.New(nil, store.New(path), prompt.New(root.Reader, root.Writer))
			return svc.NewMigration(cmd.String("comment"), cmd.Bool("lock"))
		},
	}
}

func upCmd(backend string) *cli.Command {
	return &cli.Command{
		Name:  "up",
		Usage: "Apply all pending migrations in order",
		Flags: []cli.Flag{
			timeoutFlag(),
			countFlag("maximum number of migrations to apply"),
			diffFlag(),
		},
		MutuallyExclusiveFlags: dryYesGroup(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			sess, err := openSession(ctx, cmd, backend)
			if err != nil {
				return err
			}
			defer sess.close()

			return sess.svc.Up(ctx, service.UpOptions{
				Timeout: sess.timeout(cmd.Int64("timeout")),
				Count:   cmd.Int("count"),
				Diff:    cmd.Bool("diff"),
				Yes:     cmd.Bool("yes"),
				DryRun:  cmd.Bool("dry"),
			})
		},
	}
}

func downCmd(backend string) *cli.Command {
	return &cli.Command{
		Name:  "down",
		Usage: "Revert the most recently applied migration(s)",
		Flags: []cli.Flag{
			timeoutFlag(),
			countFlag("number of migrations to revert (default 1)"),
			diffFlag(),
			remoteFlag(),
			unlockFlag(),
		},
		MutuallyExclusiveFlags: dryYesGroup(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			sess, err := openSession(ctx, cmd, backend)
			if err != nil {
				return err
			}
			defer sess.close()

			return sess.svc.Down(ctx, service.DownOptions{
				Timeout: sess.timeout(cmd.Int64("timeout")),
				Count:   cmd.Int("count"),
				Diff:    cmd.Bool("diff"),
				Remote:  cmd.Bool("remote"),
				Yes:     cmd.Bool("yes"),
				DryRun:  cmd.Bool("dry"),
				Unlock:  cmd.Bool("unlock"),
			})
		},
	}
}

func applyCmd(backend string) *cli.Command {
	return &cli.Command{
		Name:  "apply",
		Usage: "Apply or revert one specific migration by ID",
		Commands: []*cli.Command{
			{
				Name:      "up",
				Usage:     "Apply one migration; --lock overrides its meta.toml locked flag",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					timeoutFlag(),
					&cli.BoolFlag{
						Name:  "lock",
						Usage: "write the ledger row as locked regardless of meta.toml",
					},
				},
				MutuallyExclusiveFlags: dryYesGroup(),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id := cmd.Args().First()
					if id == "" {
						return errors.New("missing migration id argument")
					}

					sess, err := openSession(ctx, cmd, backend)
					if err != nil {
						return err
					}
					defer sess.close()

					opts := service.ApplyUpOptions{
						Timeout: sess.timeout(cmd.Int64("timeout")),
						Yes:     cmd.Bool("yes"),
						DryRun:  cmd.Bool("dry"),
					}
					if cmd.IsSet("lock") {
						v := cmd.Bool("lock")
						opts.Lock = &v
					}
					return sess.svc.ApplyUp(ctx, id, opts)
				},
			},
			{
				Name:      "down",
				Usage:     "Revert one applied migration",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					timeoutFlag(),
					remoteFlag(),
					unlockFlag(),
				},
				MutuallyExclusiveFlags: dryYesGroup(),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id := cmd.Args().First()
					if id == "" {
						return errors.New("missing migration id argument")
					}

					sess, err := openSession(ctx, cmd, backend)
					if err != nil {
						return err
					}
					defer sess.close()

					return sess.svc.ApplyDown(ctx, id, service.ApplyDownOptions{
						Timeout: sess.timeout(cmd.Int64("timeout")),
						Remote:  cmd.Bool("remote"),
						Yes:     cmd.Bool("yes"),
						DryRun:  cmd.Bool("dry"),
						Unlock:  cmd.Bool("unlock"),
					})
				},
			},
		},
	}
}

func listCmd(backend string) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "Show local and applied migrations side by side",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "output format: human or json",
				Value:   string(service.FormatHuman),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			sess, err := openSession(ctx, cmd, backend)
			if err != nil {
				return err
			}
			defer sess.close()

			return sess.svc.List(ctx, service.Format(cmd.String("output")))
		},
	}
}

func historyCmd(backend string) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Repair or mirror the applied migration history",
		Commands: []*cli.Command{
			{
				Name:  "fix",
				Usage: "Rename out-of-order pending migrations past the applied history",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					sess, err := openSession(ctx, cmd, backend)
					if err != nil {
						return err
					}
					defer sess.close()

					return sess.svc.HistoryFix(ctx)
				},
			},
			{
				Name:  "sync",
				Usage: "Materialize every ledger row into the local store",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					sess, err := openSession(ctx, cmd, backend)
					if err != nil {
						return err
					}
					defer sess.close()

					return sess.svc.HistorySync(ctx)
				},
			},
		},
	}
}

func diffCmd(backend string) *cli.Command {
	return &cli.Command{
		Name:  "diff",
		Usage: "Print the up scripts of all pending migrations (experimental)",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if !cmd.Bool("experimental") {
				return errors.New("'diff' is experimental; re-run with --experimental (-e) to enable it")
			}

			sess, err := openSession(ctx, cmd, backend)
			if err != nil {
				return err
			}
			defer sess.close()

			return sess.svc.Diff(ctx)
		},
	}
}

func timeoutFlag() cli.Flag {
	return &cli.Int64Flag{
		Name:    "timeout",
		Aliases: []string{"t"},
		Usage:   "statement timeout in seconds (overrides the config default)",
	}
}

func countFlag(usage string) cli.Flag {
	return &cli.IntFlag{
		Name:    "count",
		Aliases: []string{"c"},
		Usage:   usage,
	}
}

func diffFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:    "diff",
		Aliases: []string{"d"},
		Usage:   "print the SQL to be executed before the confirmation prompt",
	}
}

func remoteFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:    "remote",
		Aliases: []string{"r"},
		Usage:   "use the down script snapshotted in the ledger instead of the local file",
	}
}

func unlockFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "unlock",
		Usage: "allow reverting locked migrations",
	}
}

// dryYesGroup makes --dry and -y mutually exclusive: a dry run must keep its
// interactive confirmation.
func dryYesGroup() []cli.MutuallyExclusiveFlags {
	return []cli.MutuallyExclusiveFlags{
		{
			Flags: [][]cli.Flag{
				{&cli.BoolFlag{
					Name:  "dry",
					Usage: "execute inside a transaction and roll back instead of committing",
				}},
				{&cli.BoolFlag{
					Name:    "yes",
					Aliases: []string{"y"},
					Usage:   "skip interactive confirmation",
				}},
			},
		},
	}
}
