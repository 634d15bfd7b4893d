package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Format selects the list output rendering.
type Format string

const (
	FormatHuman Format = "human"
	FormatJSON  Format = "json"
)

// listRow is one migration in the merged local/remote view. Remote is nil
// when the migration is not applied.
type listRow struct {
	ID      string     `json:"id"`
	Remote  *time.Time `json:"remote"`
	Local   bool       `json:"local"`
	Comment string     `json:"comment,omitempty"`
	Locked  bool       `json:"locked"`
}

// List prints the union of local and applied migrations ordered by ID.
func (s *Service) List(ctx context.Context, format Format) error {
	rows, err := s.collectRows(ctx)
	if err != nil {
		return err
	}

	switch format {
	case FormatJSON:
		return s.renderJSON(rows)
	case FormatHuman:
		s.renderTable(rows)
		return nil
	default:
		return errors.Errorf("unknown output format %q", format)
	}
}

func (s *Service) collectRows(ctx context.Context) ([]listRow, error) {
	history, err := s.repo.History(ctx)
	if err != nil {
		return nil, err
	}
	local, err := s.store.ListIDs()
	if err != nil {
		return nil, err
	}

	merged := make(map[string]*listRow)
	for _, id := range local {
		merged[id] = &listRow{ID: id, Local: true}
	}
	for _, entry := range history {
		row, ok := merged[entry.ID]
		if !ok {
			row = &listRow{ID: entry.ID}
			merged[entry.ID] = row
		}
		ts := entry.AppliedAt.UTC()
		row.Remote = &ts
		row.Comment = entry.Comment
		row.Locked = entry.Locked
	}

	// Local-only rows carry their meta.toml comment and lock flag.
	for _, row := range merged {
		if row.Remote != nil || !row.Local {
			continue
		}
		if mig, err := s.store.Read(row.ID); err == nil {
			row.Comment = mig.Meta.Comment
			row.Locked = mig.Meta.Locked
		}
	}

	rows := make([]listRow, 0, len(merged))
	for _, row := range merged {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

func (s *Service) renderJSON(rows []listRow) error {
	buf, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal migration list")
	}
	fmt.Fprintln(s.out, string(buf))
	return nil
}

func (s *Service) renderTable(rows []listRow) {
	if len(rows) == 0 {
		fmt.Fprintln(s.out, "No migrations found.")
		return
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("Migration ID", "Remote", "Local", "Comment", "Locked")

	for _, row := range rows {
		remote := "❌"
		if row.Remote != nil {
			remote = row.Remote.Local().Format("2006-01-02 15:04:05 MST")
		}
		localMark := "❌"
		if row.Local {
			localMark = "✅"
		}
		lockedMark := ""
		if row.Locked {
			lockedMark = "🔒"
		}
		t.Row(row.ID, remote, localMark, row.Comment, lockedMark)
	}

	fmt.Fprintln(s.out, t.Render())
}
