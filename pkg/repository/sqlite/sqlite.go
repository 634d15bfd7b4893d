// Package sqlite implements the ledger repository on SQLite via the ncruces
// driver with an embedded build of the library.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cchexcode/qop/pkg/config"
	"github.com/cchexcode/qop/pkg/consts"
	"github.com/cchexcode/qop/pkg/repository"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/mod/semver"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// createdAtLayout is how SQLite's CURRENT_TIMESTAMP default renders. The
// values are UTC.
const createdAtLayout = "2006-01-02 15:04:05"

// Repo is the SQLite-backed ledger. Construct it with Connect.
type Repo struct {
	db              *sql.DB
	migrationsTable string
	logTable        string
	toolVersion     string
}

var _ repository.Repository = (*Repo)(nil)

// Connect opens the database file and performs the version handshake against
// the ledger, mirroring the postgres backend.
func Connect(ctx context.Context, cfg *config.SQLite, toolVersion string) (*Repo, error) {
	uri, err := cfg.Connection.Resolve()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn(uri))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite database")
	}
	// Serialize writers; SQLite holds a single write lock per database.
	db.SetMaxOpenConns(1)

	r := &Repo{
		db:              db,
		migrationsTable: cfg.MigrationsTable(),
		logTable:        cfg.LogTable(),
		toolVersion:     toolVersion,
	}

	if err := r.checkVersion(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// dsn strips the sqlite:// scheme some configs carry; the driver expects a
// plain path or file: URI.
func dsn(uri string) string {
	if rest, ok := strings.CutPrefix(uri, "sqlite://"); ok {
		return rest
	}
	return strings.TrimPrefix(uri, "sqlite:")
}

// Close releases the database handle.
func (r *Repo) Close() {
	_ = r.db.Close()
}

func (r *Repo) migrationsRel() string {
	return repository.QuoteIdent(r.migrationsTable)
}

func (r *Repo) logRel() string {
	return repository.QuoteIdent(r.logTable)
}

func (r *Repo) checkVersion(ctx context.Context) error {
	if r.toolVersion == consts.DevVersion {
		return nil
	}

	var name string
	err := r.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", r.migrationsTable,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to check for migrations table")
	}

	var version string
	err = r.db.QueryRowContext(ctx, "SELECT version FROM "+r.migrationsRel()+" ORDER BY id DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read ledger version")
	}

	if semver.Compare("v"+version, "v"+r.toolVersion) > 0 {
		return errors.Wrapf(repository.ErrVersionSkew, "ledger version %s, tool version %s", version, r.toolVersion)
	}
	return nil
}

// InitStore creates the migrations and log tables if they do not exist.
func (r *Repo) InitStore(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+r.migrationsRel()+
		" (id TEXT PRIMARY KEY, version TEXT NOT NULL, up TEXT NOT NULL, down TEXT NOT NULL,"+
		" created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP, pre TEXT, comment TEXT,"+
		" locked BOOLEAN NOT NULL DEFAULT 0)")
	if err != nil {
		return errors.Wrap(err, "failed to create migrations table")
	}

	_, err = tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+r.logRel()+
		" (id TEXT PRIMARY KEY, migration_id TEXT NOT NULL, operation TEXT NOT NULL,"+
		" sql_command TEXT NOT NULL, executed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP)")
	if err != nil {
		return errors.Wrap(err, "failed to create log table")
	}

	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

// AppliedIDs returns the IDs of all applied migrations ascending.
func (r *Repo) AppliedIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id FROM "+r.migrationsRel()+" ORDER BY id ASC")
	if err != nil {
		return nil, errors.Wrap(err, "failed to query applied migrations")
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan migration id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "failed to read applied migrations")
}

// LastID returns the maximum applied ID, or "" on an empty ledger.
func (r *Repo) LastID(ctx context.Context) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, "SELECT id FROM "+r.migrationsRel()+" ORDER BY id DESC LIMIT 1").Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to query last migration id")
	}
	return id, nil
}

// Apply runs the up script and the ledger and log inserts in one transaction.
func (r *Repo) Apply(ctx context.Context, req repository.Apply) error {
	if err := r.setTimeout(ctx, req.Timeout); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, req.UpSQL); err != nil {
		return errors.Wrapf(err, "failed to execute statements in migration %s", req.ID)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO "+r.migrationsRel()+" (id, version, up, down, comment, pre, locked) VALUES (?, ?, ?, ?, ?, ?, ?)",
		req.ID, r.toolVersion, req.UpSQL, req.DownSQL, nullIfEmpty(req.Comment), nullIfEmpty(req.Pre), req.Locked)
	if err != nil {
		return errors.Wrapf(err, "failed to record migration %s", req.ID)
	}

	if err := r.insertLog(ctx, tx, req.ID, "up", req.UpSQL); err != nil {
		return err
	}

	if req.DryRun {
		return errors.Wrap(tx.Rollback(), "failed to roll back dry run")
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

// Revert runs the down script, removes the ledger row and appends the log
// row in one transaction.
func (r *Repo) Revert(ctx context.Context, req repository.Revert) error {
	if err := r.setTimeout(ctx, req.Timeout); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var locked bool
	err = tx.QueryRowContext(ctx, "SELECT locked FROM "+r.migrationsRel()+" WHERE id = ?", req.ID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(repository.ErrNotApplied, "migration %s", req.ID)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to check lock on migration %s", req.ID)
	}
	if locked && !req.Unlock {
		return errors.Wrapf(repository.ErrLocked, "migration %s", req.ID)
	}

	if _, err := tx.ExecContext(ctx, req.DownSQL); err != nil {
		return errors.Wrapf(err, "failed to execute statements in migration %s", req.ID)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+r.migrationsRel()+" WHERE id = ?", req.ID); err != nil {
		return errors.Wrapf(err, "failed to delete migration record %s", req.ID)
	}

	if err := r.insertLog(ctx, tx, req.ID, "down", req.DownSQL); err != nil {
		return err
	}

	if req.DryRun {
		return errors.Wrap(tx.Rollback(), "failed to roll back dry run")
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

// History returns all applied migrations ascending by ID.
func (r *Repo) History(ctx context.Context) ([]repository.HistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, created_at, comment, locked FROM "+r.migrationsRel()+" ORDER BY id ASC")
	if err != nil {
		return nil, errors.Wrap(err, "failed to query migration history")
	}
	defer func() { _ = rows.Close() }()

	var entries []repository.HistoryEntry
	for rows.Next() {
		var (
			entry     repository.HistoryEntry
			createdAt string
			comment   sql.NullString
		)
		if err := rows.Scan(&entry.ID, &createdAt, &comment, &entry.Locked); err != nil {
			return nil, errors.Wrap(err, "failed to scan history row")
		}
		ts, err := time.ParseInLocation(createdAtLayout, createdAt, time.UTC)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse created_at of migration %s", entry.ID)
		}
		entry.AppliedAt = ts
		entry.Comment = comment.String
		entries = append(entries, entry)
	}
	return entries, errors.Wrap(rows.Err(), "failed to read migration history")
}

// DownSQL returns the snapshotted down script for an applied migration.
func (r *Repo) DownSQL(ctx context.Context, id string) (string, bool, error) {
	var down string
	err := r.db.QueryRowContext(ctx, "SELECT down FROM "+r.migrationsRel()+" WHERE id = ?", id).Scan(&down)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to query down migration %s", id)
	}
	return down, true, nil
}

// AllMigrations returns every ledger row ascending by ID.
func (r *Repo) AllMigrations(ctx context.Context) ([]repository.Record, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, up, down, comment FROM "+r.migrationsRel()+" ORDER BY id ASC")
	if err != nil {
		return nil, errors.Wrap(err, "failed to query migrations")
	}
	defer func() { _ = rows.Close() }()

	var records []repository.Record
	for rows.Next() {
		var (
			rec     repository.Record
			comment sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.UpSQL, &rec.DownSQL, &comment); err != nil {
			return nil, errors.Wrap(err, "failed to scan migration row")
		}
		rec.Comment = comment.String
		records = append(records, rec)
	}
	return records, errors.Wrap(rows.Err(), "failed to read migrations")
}

func (r *Repo) insertLog(ctx context.Context, tx *sql.Tx, migrationID, operation, sqlCommand string) error {
	logID, err := uuid.NewV7()
	if err != nil {
		return errors.Wrap(err, "failed to generate log id")
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO "+r.logRel()+" (id, migration_id, operation, sql_command) VALUES (?, ?, ?, ?)",
		logID.String(), migrationID, operation, sqlCommand)
	return errors.Wrapf(err, "failed to log %s of migration %s", operation, migrationID)
}

// setTimeout sets the busy handler wait on the connection. PRAGMA does not
// accept bind parameters, so the millisecond value is formatted in.
func (r *Repo) setTimeout(ctx context.Context, seconds int64) error {
	if seconds <= 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", seconds*1000))
	return errors.Wrap(err, "failed to set busy timeout")
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
