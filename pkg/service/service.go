// Package service orchestrates migration operations: it plans work from the
// local store and the remote ledger, drives the confirmation flow and
// delegates execution to a repository backend.
package service

import (
	"context"
	"fmt"
	"io"

	"github.com/cchexcode/qop/pkg/prompt"
	"github.com/cchexcode/qop/pkg/repository"
	"github.com/cchexcode/qop/pkg/store"
	"github.com/pkg/errors"
)

type (
	// Service ties one local store to one ledger repository. The repository
	// may be nil for operations that never touch the database (New).
	Service struct {
		repo   repository.Repository
		store  *store.Store
		prompt *prompt.Prompter
		out    io.Writer
	}

	// UpOptions controls bulk forward application. Count <= 0 applies all
	// pending migrations. Diff prints the SQL preview before the
	// confirmation prompt.
	UpOptions struct {
		Timeout int64
		Count   int
		Diff    bool
		Yes     bool
		DryRun  bool
	}

	// DownOptions controls bulk reverts. Count <= 0 reverts exactly one.
	DownOptions struct {
		Timeout int64
		Count   int
		Diff    bool
		Remote  bool
		Yes     bool
		DryRun  bool
		Unlock  bool
	}

	// ApplyUpOptions controls a targeted forward application. Lock overrides
	// the migration's meta.toml locked flag when non-nil.
	ApplyUpOptions struct {
		Timeout int64
		Yes     bool
		DryRun  bool
		Lock    *bool
	}

	// ApplyDownOptions controls a targeted revert.
	ApplyDownOptions struct {
		Timeout int64
		Remote  bool
		Yes     bool
		DryRun  bool
		Unlock  bool
	}
)

// New creates a service over the given store, repository and prompter. All
// user-facing output goes to the prompter's output stream.
func New(repo repository.Repository, st *store.Store, pr *prompt.Prompter) *Service {
	return &Service{repo: repo, store: st, prompt: pr, out: pr.Out()}
}

// Init idempotently creates the ledger tables.
func (s *Service) Init(ctx context.Context) error {
	if err := s.repo.InitStore(ctx); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "Initialized migration tables.")
	return nil
}

// NewMigration creates a fresh migration directory with placeholder SQL.
func (s *Service) NewMigration(comment string, locked bool) error {
	mig, err := s.store.Create(comment, locked)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Created new migration: %s\n", s.store.Path(mig.ID))
	return nil
}

// Up applies all pending migrations in ID order, each in its own
// transaction. Pending is the set difference of local and applied IDs; a
// pending ID older than the newest applied one triggers the non-linear
// history warning.
func (s *Service) Up(ctx context.Context, opts UpOptions) error {
	local, err := s.store.ListIDs()
	if err != nil {
		return err
	}
	applied, err := s.repo.AppliedIDs(ctx)
	if err != nil {
		return err
	}

	pending := difference(local, applied)
	if opts.Count > 0 && len(pending) > opts.Count {
		pending = pending[:opts.Count]
	}

	if len(pending) == 0 {
		fmt.Fprintln(s.out, "All migrations are up to date.")
		return nil
	}

	if len(applied) > 0 {
		maxApplied := applied[len(applied)-1]
		var outOfOrder []string
		for _, id := range pending {
			if id < maxApplied {
				outOfOrder = append(outOfOrder, id)
			}
		}
		if len(outOfOrder) > 0 {
			ok, err := s.warnNonLinearBulk(outOfOrder, maxApplied)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(s.out, "Operation cancelled.")
				return nil
			}
		}
	}

	fmt.Fprintf(s.out, "\n📋 About to apply %d migration(s):\n", len(pending))
	for _, id := range pending {
		fmt.Fprintf(s.out, "  - %s\n", id)
	}

	renderDiff := func() error {
		for _, id := range pending {
			mig, err := s.store.Read(id)
			if err != nil {
				return err
			}
			s.prompt.RenderSQL(id, prompt.DirectionUp, mig.UpSQL)
		}
		return nil
	}
	if opts.Diff {
		if err := renderDiff(); err != nil {
			return err
		}
	}
	ok, err := s.prompt.ConfirmWithDiff("❓ Do you want to proceed with applying these migrations?", opts.Yes, renderDiff)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(s.out, "❌ Migration cancelled.")
		return nil
	}

	previous, err := s.repo.LastID(ctx)
	if err != nil {
		return err
	}

	count := 0
	for _, id := range pending {
		mig, err := s.store.Read(id)
		if err != nil {
			return err
		}

		if opts.DryRun {
			fmt.Fprintf(s.out, "⏳ Testing migration: %s\n", id)
		} else {
			fmt.Fprintf(s.out, "⏳ Applying migration: %s\n", id)
		}

		err = s.repo.Apply(ctx, repository.Apply{
			ID:      id,
			UpSQL:   mig.UpSQL,
			DownSQL: mig.DownSQL,
			Comment: mig.Meta.Comment,
			Pre:     previous,
			Timeout: opts.Timeout,
			DryRun:  opts.DryRun,
			Locked:  mig.Meta.Locked,
		})
		if err != nil {
			return err
		}

		// A rolled-back dry run leaves the ledger untouched, so the chain
		// head stays where it was.
		if !opts.DryRun {
			previous = id
		}
		count++
	}

	s.printResults(count, "applied", opts.DryRun)
	return nil
}

// Down reverts the newest applied migrations, each in its own transaction.
// The down script comes from the local store, or from the ledger snapshot
// when Remote is set.
func (s *Service) Down(ctx context.Context, opts DownOptions) error {
	applied, err := s.repo.AppliedIDs(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(s.out, "No migrations applied.")
		return nil
	}

	take := opts.Count
	if take <= 0 {
		take = 1
	}
	if take > len(applied) {
		take = len(applied)
	}
	targets := make([]string, 0, take)
	for i := len(applied) - 1; i >= len(applied)-take; i-- {
		targets = append(targets, applied[i])
	}

	fmt.Fprintf(s.out, "\n📋 About to revert %d migration(s):\n", len(targets))
	for _, id := range targets {
		fmt.Fprintf(s.out, "  - %s\n", id)
	}

	renderDiff := func() error {
		for _, id := range targets {
			down, err := s.downSQL(ctx, id, opts.Remote)
			if err != nil {
				return err
			}
			s.prompt.RenderSQL(id, prompt.DirectionDown, down)
		}
		return nil
	}
	if opts.Diff {
		if err := renderDiff(); err != nil {
			return err
		}
	}
	ok, err := s.prompt.ConfirmWithDiff("❓ Do you want to proceed with reverting these migrations?", opts.Yes, renderDiff)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(s.out, "❌ Revert cancelled.")
		return nil
	}

	count := 0
	for _, id := range targets {
		down, err := s.downSQL(ctx, id, opts.Remote)
		if err != nil {
			return err
		}

		if opts.DryRun {
			fmt.Fprintf(s.out, "⏳ Testing revert: %s\n", id)
		} else {
			fmt.Fprintf(s.out, "⏳ Reverting migration: %s\n", id)
		}

		err = s.repo.Revert(ctx, repository.Revert{
			ID:      id,
			DownSQL: down,
			Timeout: opts.Timeout,
			DryRun:  opts.DryRun,
			Unlock:  opts.Unlock,
		})
		if err != nil {
			return err
		}
		count++
	}

	s.printResults(count, "reverted", opts.DryRun)
	return nil
}

// ApplyUp applies one specific migration by ID, regardless of its position
// relative to the applied set. An already applied ID is a notice, not an
// error.
func (s *Service) ApplyUp(ctx context.Context, id string, opts ApplyUpOptions) error {
	target := store.NormalizeID(id)

	local, err := s.store.ListIDs()
	if err != nil {
		return err
	}
	if !contains(local, target) {
		return errors.Errorf("migration %s does not exist locally", target)
	}

	applied, err := s.repo.AppliedIDs(ctx)
	if err != nil {
		return err
	}
	if contains(applied, target) {
		fmt.Fprintf(s.out, "Migration %s is already applied.\n", target)
		return nil
	}

	if len(applied) > 0 {
		maxApplied := applied[len(applied)-1]
		if target < maxApplied {
			ok, err := s.warnNonLinearSingle(
				fmt.Sprintf("Applying migration %s would create a non-linear history.", target),
				maxApplied,
			)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(s.out, "Operation cancelled.")
				return nil
			}
		}
	}

	mig, err := s.store.Read(target)
	if err != nil {
		return err
	}
	locked := mig.Meta.Locked
	if opts.Lock != nil {
		locked = *opts.Lock
	}

	renderDiff := func() error {
		s.prompt.RenderSQL(target, prompt.DirectionUp, mig.UpSQL)
		return nil
	}
	ok, err := s.prompt.ConfirmWithDiff(fmt.Sprintf("❓ Do you want to apply migration '%s'?", target), opts.Yes, renderDiff)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(s.out, "❌ Migration cancelled.")
		return nil
	}

	previous, err := s.repo.LastID(ctx)
	if err != nil {
		return err
	}

	err = s.repo.Apply(ctx, repository.Apply{
		ID:      target,
		UpSQL:   mig.UpSQL,
		DownSQL: mig.DownSQL,
		Comment: mig.Meta.Comment,
		Pre:     previous,
		Timeout: opts.Timeout,
		DryRun:  opts.DryRun,
		Locked:  locked,
	})
	if err != nil {
		return err
	}

	s.printResults(1, "applied", opts.DryRun)
	return nil
}

// ApplyDown reverts one specific migration by ID. Reverting anything but the
// newest applied migration triggers the non-linear history warning.
func (s *Service) ApplyDown(ctx context.Context, id string, opts ApplyDownOptions) error {
	target := store.NormalizeID(id)

	applied, err := s.repo.AppliedIDs(ctx)
	if err != nil {
		return err
	}
	if !contains(applied, target) {
		return errors.Wrapf(repository.ErrNotApplied, "migration %s", target)
	}

	maxApplied := applied[len(applied)-1]
	if target != maxApplied {
		ok, err := s.warnNonLinearSingle(
			fmt.Sprintf("Reverting migration %s would create a non-linear history.", target),
			maxApplied,
		)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(s.out, "Operation cancelled.")
			return nil
		}
	}

	down, err := s.downSQL(ctx, target, opts.Remote)
	if err != nil {
		return err
	}

	renderDiff := func() error {
		s.prompt.RenderSQL(target, prompt.DirectionDown, down)
		return nil
	}
	ok, err := s.prompt.ConfirmWithDiff(fmt.Sprintf("❓ Do you want to revert migration '%s'?", target), opts.Yes, renderDiff)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(s.out, "❌ Revert cancelled.")
		return nil
	}

	err = s.repo.Revert(ctx, repository.Revert{
		ID:      target,
		DownSQL: down,
		Timeout: opts.Timeout,
		DryRun:  opts.DryRun,
		Unlock:  opts.Unlock,
	})
	if err != nil {
		return err
	}

	s.printResults(1, "reverted", opts.DryRun)
	return nil
}

// downSQL resolves the down script for a revert: the ledger snapshot when
// remote, the local file otherwise.
func (s *Service) downSQL(ctx context.Context, id string, remote bool) (string, error) {
	if remote {
		down, found, err := s.repo.DownSQL(ctx, id)
		if err != nil {
			return "", err
		}
		if !found {
			return "", errors.Wrapf(repository.ErrNotApplied, "migration %s", id)
		}
		return down, nil
	}
	return s.store.ReadDown(id)
}

func (s *Service) warnNonLinearBulk(outOfOrder []string, maxApplied string) (bool, error) {
	fmt.Fprintln(s.out, "⚠️  Non-linear history detected!")
	fmt.Fprintln(s.out, "The following migrations would create a non-linear history:")
	for _, id := range outOfOrder {
		fmt.Fprintf(s.out, "  - %s\n", id)
	}
	fmt.Fprintf(s.out, "Latest applied migration: %s\n", maxApplied)
	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, "This could cause issues with database schema consistency.")
	fmt.Fprintln(s.out, "Alternatively, you can run 'history fix' to rename out-of-order migrations.")
	return s.prompt.Confirm("Do you want to continue?")
}

func (s *Service) warnNonLinearSingle(detail, maxApplied string) (bool, error) {
	fmt.Fprintln(s.out, "⚠️  Non-linear history detected!")
	fmt.Fprintln(s.out, detail)
	fmt.Fprintf(s.out, "Latest applied migration: %s\n", maxApplied)
	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, "This could cause issues with database schema consistency.")
	return s.prompt.Confirm("Do you want to continue?")
}

func (s *Service) printResults(count int, action string, dryRun bool) {
	if count == 0 {
		return
	}
	if dryRun {
		fmt.Fprintf(s.out, "\n🎉 Successfully executed %d migration(s) in dry-run mode! (No changes were committed)\n", count)
		return
	}
	fmt.Fprintf(s.out, "\n🎉 Successfully %s %d migration(s)!\n", action, count)
}

// difference returns the elements of sorted slice a that are absent from b,
// preserving order.
func difference(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, id := range b {
		set[id] = struct{}{}
	}
	var out []string
	for _, id := range a {
		if _, ok := set[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
