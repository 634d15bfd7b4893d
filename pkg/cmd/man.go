package cmd

import (
	"context"
	"os"

	"github.com/cchexcode/qop/pkg/consts"
	"github.com/pkg/errors"
	docs "github.com/urfave/cli-docs/v3"
	"github.com/urfave/cli/v3"
)

// man renders the full CLI reference from the command tree itself, so the
// generated pages never drift from the implementation.
func man() *cli.Command {
	return &cli.Command{
		Name:  "man",
		Usage: "Render the CLI reference to a file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "out",
				Usage:    "file to write the rendered reference to",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "output format: manpages or markdown",
				Value: "manpages",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			root := cmd.Root()

			var (
				rendered string
				err      error
			)
			switch format := cmd.String("format"); format {
			case "manpages":
				rendered, err = docs.ToManWithSection(root, 1)
			case "markdown":
				rendered, err = docs.ToMarkdown(root)
			default:
				return errors.Errorf("unknown format %q; expected manpages or markdown", format)
			}
			if err != nil {
				return errors.Wrap(err, "failed to render CLI reference")
			}

			out := cmd.String("out")
			return errors.Wrapf(os.WriteFile(out, []byte(rendered), consts.ModeFile), "failed to write %s", out)
		},
	}
}
