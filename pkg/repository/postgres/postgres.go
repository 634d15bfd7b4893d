// Package postgres implements the ledger repository on PostgreSQL via pgx.
package postgres

import (
	"context"
	"fmt"

	"github.com/cchexcode/qop/pkg/config"
	"github.com/cchexcode/qop/pkg/consts"
	"github.com/cchexcode/qop/pkg/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"golang.org/x/mod/semver"
)

const maxConns = 10

// Repo is the PostgreSQL-backed ledger. Construct it with Connect.
type Repo struct {
	pool            *pgxpool.Pool
	schema          string
	migrationsTable string
	logTable        string
	toolVersion     string
}

var _ repository.Repository = (*Repo)(nil)

// Connect resolves the connection string, builds the pool and performs the
// version handshake: when the ledger's most recent row was written by a
// newer tool, the connection is refused with repository.ErrVersionSkew. The
// dev sentinel version bypasses the handshake.
func Connect(ctx context.Context, cfg *config.Postgres, toolVersion string) (*Repo, error) {
	uri, err := cfg.Connection.Resolve()
	if err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse postgres connection string")
	}
	poolCfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to postgres")
	}

	r := &Repo{
		pool:            pool,
		schema:          cfg.Schema,
		migrationsTable: cfg.MigrationsTable(),
		logTable:        cfg.LogTable(),
		toolVersion:     toolVersion,
	}

	if err := r.checkVersion(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

func (r *Repo) migrationsRel() string {
	return repository.Relation(r.schema, r.migrationsTable)
}

func (r *Repo) logRel() string {
	return repository.Relation(r.schema, r.logTable)
}

func (r *Repo) checkVersion(ctx context.Context) error {
	if r.toolVersion == consts.DevVersion {
		return nil
	}

	var exists bool
	err := r.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)",
		r.schema, r.migrationsTable,
	).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, "failed to check for migrations table")
	}
	if !exists {
		return nil
	}

	var version string
	err = r.pool.QueryRow(ctx, "SELECT version FROM "+r.migrationsRel()+" ORDER BY id DESC LIMIT 1").Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
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
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, "CREATE TABLE IF NOT EXISTS "+r.migrationsRel()+
		" (id VARCHAR PRIMARY KEY, version VARCHAR NOT NULL, up VARCHAR NOT NULL, down VARCHAR NOT NULL,"+
		" created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP, pre VARCHAR, comment VARCHAR,"+
		" locked BOOLEAN NOT NULL DEFAULT FALSE)")
	if err != nil {
		return errors.Wrap(err, "failed to create migrations table")
	}

	_, err = tx.Exec(ctx, "CREATE TABLE IF NOT EXISTS "+r.logRel()+
		" (id VARCHAR PRIMARY KEY, migration_id VARCHAR NOT NULL, operation VARCHAR NOT NULL,"+
		" sql_command TEXT NOT NULL, executed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP)")
	if err != nil {
		return errors.Wrap(err, "failed to create log table")
	}

	return errors.Wrap(tx.Commit(ctx), "failed to commit transaction")
}

// AppliedIDs returns the IDs of all applied migrations ascending.
func (r *Repo) AppliedIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, "SELECT id FROM "+r.migrationsRel()+" ORDER BY id ASC")
	if err != nil {
		return nil, errors.Wrap(err, "failed to query applied migrations")
	}
	defer rows.Close()

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
	err := r.pool.QueryRow(ctx, "SELECT id FROM "+r.migrationsRel()+" ORDER BY id DESC LIMIT 1").Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to query last migration id")
	}
	return id, nil
}

// Apply runs the up script and the ledger and log inserts in one transaction.
func (r *Repo) Apply(ctx context.Context, req repository.Apply) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := setTimeout(ctx, tx, req.Timeout); err != nil {
		return err
	}

	// Zero bind arguments selects the simple protocol, so multi-statement
	// scripts execute as written.
	if _, err := tx.Exec(ctx, req.UpSQL); err != nil {
		return errors.Wrapf(err, "failed to execute statements in migration %s", req.ID)
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO "+r.migrationsRel()+" (id, version, up, down, comment, pre, locked) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		req.ID, r.toolVersion, req.UpSQL, req.DownSQL, nullIfEmpty(req.Comment), nullIfEmpty(req.Pre), req.Locked)
	if err != nil {
		return errors.Wrapf(err, "failed to record migration %s", req.ID)
	}

	if err := r.insertLog(ctx, tx, req.ID, "up", req.UpSQL); err != nil {
		return err
	}

	if req.DryRun {
		return errors.Wrap(tx.Rollback(ctx), "failed to roll back dry run")
	}
	return errors.Wrap(tx.Commit(ctx), "failed to commit transaction")
}

// Revert runs the down script, removes the ledger row and appends the log
// row in one transaction.
func (r *Repo) Revert(ctx context.Context, req repository.Revert) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := setTimeout(ctx, tx, req.Timeout); err != nil {
		return err
	}

	var locked bool
	err = tx.QueryRow(ctx, "SELECT locked FROM "+r.migrationsRel()+" WHERE id = $1", req.ID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(repository.ErrNotApplied, "migration %s", req.ID)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to check lock on migration %s", req.ID)
	}
	if locked && !req.Unlock {
		return errors.Wrapf(repository.ErrLocked, "migration %s", req.ID)
	}

	if _, err := tx.Exec(ctx, req.DownSQL); err != nil {
		return errors.Wrapf(err, "failed to execute statements in migration %s", req.ID)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM "+r.migrationsRel()+" WHERE id = $1", req.ID); err != nil {
		return errors.Wrapf(err, "failed to delete migration record %s", req.ID)
	}

	if err := r.insertLog(ctx, tx, req.ID, "down", req.DownSQL); err != nil {
		return err
	}

	if req.DryRun {
		return errors.Wrap(tx.Rollback(ctx), "failed to roll back dry run")
	}
	return errors.Wrap(tx.Commit(ctx), "failed to commit transaction")
}

// History returns all applied migrations ascending by ID.
func (r *Repo) History(ctx context.Context) ([]repository.HistoryEntry, error) {
	rows, err := r.pool.Query(ctx, "SELECT id, created_at, comment, locked FROM "+r.migrationsRel()+" ORDER BY id ASC")
	if err != nil {
		return nil, errors.Wrap(err, "failed to query migration history")
	}
	defer rows.Close()

	var entries []repository.HistoryEntry
	for rows.Next() {
		var (
			entry   repository.HistoryEntry
			comment *string
		)
		if err := rows.Scan(&entry.ID, &entry.AppliedAt, &comment, &entry.Locked); err != nil {
			return nil, errors.Wrap(err, "failed to scan history row")
		}
		if comment != nil {
			entry.Comment = *comment
		}
		entries = append(entries, entry)
	}
	return entries, errors.Wrap(rows.Err(), "failed to read migration history")
}

// DownSQL returns the snapshotted down script for an applied migration.
func (r *Repo) DownSQL(ctx context.Context, id string) (string, bool, error) {
	var down string
	err := r.pool.QueryRow(ctx, "SELECT down FROM "+r.migrationsRel()+" WHERE id = $1", id).Scan(&down)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to query down migration %s", id)
	}
	return down, true, nil
}

// AllMigrations returns every ledger row ascending by ID.
func (r *Repo) AllMigrations(ctx context.Context) ([]repository.Record, error) {
	rows, err := r.pool.Query(ctx, "SELECT id, up, down, comment FROM "+r.migrationsRel()+" ORDER BY id ASC")
	if err != nil {
		return nil, errors.Wrap(err, "failed to query migrations")
	}
	defer rows.Close()

	var records []repository.Record
	for rows.Next() {
		var (
			rec     repository.Record
			comment *string
		)
		if err := rows.Scan(&rec.ID, &rec.UpSQL, &rec.DownSQL, &comment); err != nil {
			return nil, errors.Wrap(err, "failed to scan migration row")
		}
		if comment != nil {
			rec.Comment = *comment
		}
		records = append(records, rec)
	}
	return records, errors.Wrap(rows.Err(), "failed to read migrations")
}

func (r *Repo) insertLog(ctx context.Context, tx pgx.Tx, migrationID, operation, sqlCommand string) error {
	logID, err := uuid.NewV7()
	if err != nil {
		return errors.Wrap(err, "failed to generate log id")
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO "+r.logRel()+" (id, migration_id, operation, sql_command) VALUES ($1, $2, $3, $4)",
		logID.String(), migrationID, operation, sqlCommand)
	return errors.Wrapf(err, "failed to log %s of migration %s", operation, migrationID)
}

// setTimeout scopes a statement timeout to the current transaction. SET does
// not accept bind parameters, so the millisecond value is formatted in.
func setTimeout(ctx context.Context, tx pgx.Tx, seconds int64) error {
	if seconds <= 0 {
		return nil
	}
	_, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", seconds*1000))
	return errors.Wrap(err, "failed to set statement timeout")
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
