package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cchexcode/qop/pkg/prompt"
)

// HistoryFix renames out-of-order pending migrations past the end of the
// applied history: every pending ID older than the newest applied ID gets a
// fresh ID above both the applied maximum and the current wall clock,
// preserving relative order. Only the local store is touched.
func (s *Service) HistoryFix(ctx context.Context) error {
	applied, err := s.repo.AppliedIDs(ctx)
	if err != nil {
		return err
	}
	local, err := s.store.ListIDs()
	if err != nil {
		return err
	}

	var outOfOrder []string
	if len(applied) > 0 {
		maxApplied := applied[len(applied)-1]
		for _, id := range difference(local, applied) {
			if id < maxApplied {
				outOfOrder = append(outOfOrder, id)
			}
		}
	}

	if len(outOfOrder) == 0 {
		fmt.Fprintln(s.out, "No out-of-order migrations to fix.")
		return nil
	}

	next := time.Now().UnixMilli()
	for _, id := range applied {
		if v, err := strconv.ParseInt(id, 10, 64); err == nil && v > next {
			next = v
		}
	}

	for _, oldID := range outOfOrder {
		next++
		newID := strconv.FormatInt(next, 10)
		if err := s.store.Rename(oldID, newID); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Shuffled migration %s to %s\n", oldID, newID)
	}
	return nil
}

// HistorySync materializes every ledger row in the local store, overwriting
// existing files. Running it twice is a no-op.
func (s *Service) HistorySync(ctx context.Context) error {
	records, err := s.repo.AllMigrations(ctx)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Fprintln(s.out, "No migrations to sync.")
		return nil
	}

	for _, rec := range records {
		if err := s.store.Write(rec.ID, rec.UpSQL, rec.DownSQL, rec.Comment); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Synced migration: %s\n", rec.ID)
	}
	return nil
}

// Diff prints the up script of every pending migration without prompting or
// mutating anything.
func (s *Service) Diff(ctx context.Context) error {
	local, err := s.store.ListIDs()
	if err != nil {
		return err
	}
	applied, err := s.repo.AppliedIDs(ctx)
	if err != nil {
		return err
	}

	pending := difference(local, applied)
	if len(pending) == 0 {
		fmt.Fprintln(s.out, "All migrations are up to date.")
		return nil
	}

	for _, id := range pending {
		mig, err := s.store.Read(id)
		if err != nil {
			return err
		}
		s.prompt.RenderSQL(id, prompt.DirectionUp, mig.UpSQL)
	}
	return nil
}
