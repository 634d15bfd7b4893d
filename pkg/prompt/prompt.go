// Package prompt implements the interactive confirmation flow used before
// mutating database operations.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Direction labels which script of a migration a preview shows.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

const rule = "────────────────────────────────────────────────────────"

// Prompter reads confirmations from an input stream and writes prompts and
// previews to an output stream. Commands construct it over stdin/stdout;
// tests script it with buffers.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
}

// New creates a prompter over the given streams.
func New(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// Out returns the prompter's output stream so callers can interleave their
// own messages with prompts.
func (p *Prompter) Out() io.Writer {
	return p.out
}

// Confirm asks a yes/no question. Only "y" or "yes" (case-insensitive)
// confirms; everything else, including EOF on a closed stream, declines.
func (p *Prompter) Confirm(question string) (bool, error) {
	fmt.Fprintf(p.out, "%s [y/N]: ", question)

	line, err := p.readLine()
	if err != nil {
		return false, err
	}
	return line == "y" || line == "yes", nil
}

// ConfirmWithDiff asks a yes/no question with a third "d" choice that renders
// the affected SQL and re-asks. Unrecognized input prints a usage hint and
// re-asks. autoConfirm short-circuits to true without consuming input.
func (p *Prompter) ConfirmWithDiff(question string, autoConfirm bool, renderDiff func() error) (bool, error) {
	if autoConfirm {
		return true, nil
	}

	for {
		fmt.Fprintf(p.out, "%s [y/N/d]: ", question)

		line, err := p.readLine()
		if err != nil {
			return false, err
		}
		switch line {
		case "y", "yes":
			return true, nil
		case "n", "no", "":
			return false, nil
		case "d", "diff":
			fmt.Fprintln(p.out, "\n📋 Migration Details:")
			if err := renderDiff(); err != nil {
				return false, err
			}
			fmt.Fprintln(p.out)
		default:
			fmt.Fprintln(p.out, "Please enter 'y' (yes), 'n' (no), or 'd' (diff)")
		}
	}
}

// RenderSQL prints one migration script framed by horizontal rules:
//
//	▶ Migration: 1700000000001 [UP]
//	────────────────────────────
//	CREATE TABLE ...
//	────────────────────────────
func (p *Prompter) RenderSQL(id string, dir Direction, sql string) {
	fmt.Fprintln(p.out)
	fmt.Fprintf(p.out, "▶ Migration: %s [%s]\n", id, dir)
	fmt.Fprintln(p.out, rule)
	fmt.Fprint(p.out, sql)
	if !strings.HasSuffix(sql, "\n") {
		fmt.Fprintln(p.out)
	}
	fmt.Fprintln(p.out, rule)
	fmt.Fprintln(p.out)
}

func (p *Prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", errors.Wrap(err, "failed to read confirmation")
	}
	return strings.ToLower(strings.TrimSpace(line)), nil
}
