// Package repository defines the capability surface the migration service
// consumes to talk to the remote ledger, together with the row types shared
// by all backends.
//
// A repository wraps a connection pool against a single target database and
// frames every mutating operation (apply, revert) in one transaction that
// covers both the operator-authored SQL and the ledger bookkeeping. Dry-run
// executions reuse the same transaction and roll it back instead of
// committing.
//
// Two implementations exist: postgres (pgx) and sqlite (ncruces/go-sqlite3).
// The service treats the interface as non-sharable across concurrent
// operations; qop performs one user action per process invocation.
package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Error kinds surfaced by repository implementations. Callers match them
// with errors.Is; the backends attach contextual detail via pkg/errors
// wrapping.
var (
	// ErrLocked is returned when reverting a ledger row with locked=true
	// without the unlock override.
	ErrLocked = errors.New("migration is locked")

	// ErrNotApplied is returned when a revert targets an ID that has no
	// ledger row.
	ErrNotApplied = errors.New("migration is not applied")

	// ErrVersionSkew is returned during the connect handshake when the
	// ledger's most recent row was written by a newer tool version.
	ErrVersionSkew = errors.New("migration table was written by a newer qop version; please upgrade")
)

type (
	// Apply describes a single forward migration execution. The SQL is
	// executed verbatim as one multi-statement payload; no client-side
	// statement splitting or parameter binding happens.
	Apply struct {
		// ID is the normalized (bare) migration ID.
		ID string

		// UpSQL is executed inside the transaction before the ledger insert.
		UpSQL string

		// DownSQL is snapshotted into the ledger row for remote-sourced
		// reverts.
		DownSQL string

		// Comment is stored on the ledger row; empty means null.
		Comment string

		// Pre is the ID of the previously applied migration at append time,
		// or empty for the first row.
		Pre string

		// Timeout is the per-transaction statement timeout in seconds;
		// zero means no timeout is set.
		Timeout int64

		// DryRun rolls the transaction back instead of committing.
		DryRun bool

		// Locked marks the ledger row as requiring an explicit unlock
		// override before it can be reverted.
		Locked bool
	}

	// Revert describes a single reverse migration execution.
	Revert struct {
		ID      string
		DownSQL string
		Timeout int64
		DryRun  bool

		// Unlock overrides the locked flag on the ledger row.
		Unlock bool
	}

	// HistoryEntry is one applied migration as reported by History.
	HistoryEntry struct {
		ID        string
		AppliedAt time.Time
		Comment   string
		Locked    bool
	}

	// Record is a full ledger row as returned by AllMigrations, used by the
	// history sync operation to materialize the ledger locally.
	Record struct {
		ID      string
		UpSQL   string
		DownSQL string
		Comment string
	}

	// Repository is the backend-abstracted ledger. Implementations own a
	// lazily constructed connection pool and are not safe for concurrent
	// use from multiple goroutines.
	Repository interface {
		// InitStore idempotently creates the migrations and log tables.
		InitStore(ctx context.Context) error

		// AppliedIDs returns the bare IDs of all applied migrations in
		// ascending ID order.
		AppliedIDs(ctx context.Context) ([]string, error)

		// LastID returns the maximum applied ID, or "" when the ledger is
		// empty.
		LastID(ctx context.Context) (string, error)

		// Apply executes the up script and appends the ledger and log rows
		// in a single transaction.
		Apply(ctx context.Context, req Apply) error

		// Revert executes the down script, deletes the ledger row and
		// appends the log row in a single transaction. Returns ErrLocked
		// when the row is locked and req.Unlock is false, and ErrNotApplied
		// when no ledger row exists for req.ID.
		Revert(ctx context.Context, req Revert) error

		// History returns all applied migrations ascending by ID.
		History(ctx context.Context) ([]HistoryEntry, error)

		// DownSQL returns the down script snapshotted at apply time. The
		// second return is false when the ID has no ledger row.
		DownSQL(ctx context.Context, id string) (string, bool, error)

		// AllMigrations returns every ledger row ascending by ID.
		AllMigrations(ctx context.Context) ([]Record, error)

		// Close releases the underlying connection pool.
		Close()
	}
)
