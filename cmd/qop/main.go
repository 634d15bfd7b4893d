package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cchexcode/qop/pkg/cmd"
	"github.com/cchexcode/qop/pkg/consts"
	"github.com/urfave/cli/v3"
)

// NB: These are set by GoReleaser during a build.
var (
	version = consts.DevVersion
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.VersionPrinter = func(cmd *cli.Command) {
		fmt.Fprintln(cmd.Writer, "Version:", version)
		fmt.Fprintln(cmd.Writer, "Commit:", commit)
		fmt.Fprintln(cmd.Writer, "Date:", date)
	}

	if err := cmd.Run(context.Background(), version, os.Args); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
