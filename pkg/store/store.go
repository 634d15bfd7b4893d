// Package store owns the on-disk migration layout.
//
// A store is rooted at the parent directory of the qop.toml config file.
// Each migration is a subdirectory named "id=<millisecond timestamp>"
// containing up.sql, down.sql and meta.toml:
//
//	qop.toml
//	id=1700000000001/
//	  up.sql
//	  down.sql
//	  meta.toml
//
// The "id=" prefix exists only on disk; every API boundary uses bare IDs.
// The store performs no locking; callers serialize access.
package store

import (
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cchexcode/qop/pkg/consts"
	"github.com/pkg/errors"
)

const (
	dirPrefix    = "id="
	upFileName   = "up.sql"
	downFileName = "down.sql"
	metaFileName = "meta.toml"
)

type (
	// Meta is the per-migration metadata persisted in meta.toml. A missing
	// file decodes to the zero value for backward compatibility.
	Meta struct {
		// Comment is free-form operator text; new migrations default it to
		// "Created by <os-user> at <UTC timestamp>".
		Comment string `toml:"comment,omitempty"`

		// Locked requires an explicit unlock override before the applied
		// migration can be reverted. Absent means false.
		Locked bool `toml:"locked,omitempty"`
	}

	// Migration is the full local artifact for one ID.
	Migration struct {
		ID      string
		UpSQL   string
		DownSQL string
		Meta    Meta
	}

	// Store provides read/write operations against one migration directory.
	Store struct {
		dir string
	}
)

// NormalizeID strips the on-disk "id=" prefix if present. IDs without the
// prefix pass through unchanged.
func NormalizeID(id string) string {
	return strings.TrimPrefix(id, dirPrefix)
}

// DirName returns the on-disk directory name for a bare ID.
func DirName(id string) string {
	return dirPrefix + NormalizeID(id)
}

// New creates a store rooted at the parent directory of the given config
// file path.
func New(configPath string) *Store {
	return &Store{dir: filepath.Dir(configPath)}
}

// Dir returns the migration directory the store is rooted at.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the on-disk directory for a bare ID.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, DirName(id))
}

// ListIDs enumerates the migration subdirectories and returns their bare IDs
// sorted ascending. Entries that are not directories or lack the "id="
// prefix are silently ignored.
func (s *Store) ListIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read migration directory: %s", s.dir)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), dirPrefix) {
			continue
		}
		ids = append(ids, NormalizeID(entry.Name()))
	}

	sort.Strings(ids)
	return ids, nil
}

// Create allocates a new migration ID from the current UTC wall clock in
// milliseconds and writes the skeleton directory. Both SQL files receive a
// placeholder; meta.toml carries the provided comment (or a generated
// default) and the locked flag only when requested.
//
// Partial directories from failed writes are not cleaned up; the operator
// reruns or deletes them.
func (s *Store) Create(comment string, locked bool) (*Migration, error) {
	id := millisNow()
	if comment == "" {
		comment = defaultComment()
	}

	mig := &Migration{
		ID:      id,
		UpSQL:   consts.PlaceholderSQL,
		DownSQL: consts.PlaceholderSQL,
		Meta:    Meta{Comment: comment, Locked: locked},
	}

	dir := s.Path(id)
	if err := os.MkdirAll(dir, consts.ModeDir); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory: %s", dir)
	}
	if err := s.writeFiles(dir, mig.UpSQL, mig.DownSQL, &mig.Meta); err != nil {
		return nil, err
	}

	return mig, nil
}

// Read loads the SQL pair and metadata for a bare ID. A missing meta.toml
// yields a zero Meta; a missing SQL file is fatal.
func (s *Store) Read(id string) (*Migration, error) {
	dir := s.Path(id)

	up, err := os.ReadFile(filepath.Join(dir, upFileName))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read up migration: %s", filepath.Join(dir, upFileName))
	}
	down, err := os.ReadFile(filepath.Join(dir, downFileName))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read down migration: %s", filepath.Join(dir, downFileName))
	}

	meta, err := s.readMeta(dir)
	if err != nil {
		return nil, err
	}

	return &Migration{
		ID:      NormalizeID(id),
		UpSQL:   string(up),
		DownSQL: string(down),
		Meta:    meta,
	}, nil
}

// ReadDown loads just the down script for a bare ID. Used by local-sourced
// reverts, which must work even when the rest of the artifact is absent.
func (s *Store) ReadDown(id string) (string, error) {
	path := filepath.Join(s.Path(id), downFileName)
	down, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read down migration: %s", path)
	}
	return string(down), nil
}

// Rename atomically renames a migration directory, used by history fix to
// restore linear ordering. Both arguments are bare IDs.
func (s *Store) Rename(oldID, newID string) error {
	oldPath, newPath := s.Path(oldID), s.Path(newID)
	if err := os.Rename(oldPath, newPath); err != nil {
		return errors.Wrapf(err, "failed to rename migration %s to %s", oldPath, newPath)
	}
	return nil
}

// Write materializes a ledger row locally, overwriting any existing files.
// Used by history sync. An empty comment omits meta.toml content but the
// file is still written so repeated syncs are byte-identical.
func (s *Store) Write(id, upSQL, downSQL, comment string) error {
	dir := s.Path(id)
	if err := os.MkdirAll(dir, consts.ModeDir); err != nil {
		return errors.Wrapf(err, "failed to create directory: %s", dir)
	}
	return s.writeFiles(dir, upSQL, downSQL, &Meta{Comment: comment})
}

func (s *Store) writeFiles(dir, upSQL, downSQL string, meta *Meta) error {
	upPath := filepath.Join(dir, upFileName)
	if err := os.WriteFile(upPath, []byte(upSQL), consts.ModeFile); err != nil {
		return errors.Wrapf(err, "failed to write up migration: %s", upPath)
	}

	downPath := filepath.Join(dir, downFileName)
	if err := os.WriteFile(downPath, []byte(downSQL), consts.ModeFile); err != nil {
		return errors.Wrapf(err, "failed to write down migration: %s", downPath)
	}

	metaPath := filepath.Join(dir, metaFileName)
	f, err := os.OpenFile(metaPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, consts.ModeFile)
	if err != nil {
		return errors.Wrapf(err, "failed to write migration meta: %s", metaPath)
	}
	defer func() { _ = f.Close() }()

	if err := toml.NewEncoder(f).Encode(meta); err != nil {
		return errors.Wrapf(err, "failed to encode migration meta: %s", metaPath)
	}
	return nil
}

func (s *Store) readMeta(dir string) (Meta, error) {
	var meta Meta
	path := filepath.Join(dir, metaFileName)

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Pre-meta migrations are still readable.
			return meta, nil
		}
		return meta, errors.Wrapf(err, "failed to read migration meta: %s", path)
	}

	if err := toml.Unmarshal(raw, &meta); err != nil {
		return meta, errors.Wrapf(err, "failed to parse migration meta: %s", path)
	}
	return meta, nil
}

func millisNow() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

func defaultComment() string {
	name := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	} else if env := os.Getenv("USER"); env != "" {
		name = env
	}
	return "Created by " + name + " at " + time.Now().UTC().Format(time.RFC3339)
}
