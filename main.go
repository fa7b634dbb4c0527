package main

import (
	"log/slog"
	"os"

	"github.com/pthm-cable/sphtasks/cli"
)

func main() {
	// JSON to stdout until the root command installs the configured handler.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := cli.NewRootCommand().Execute(); err != nil {
		slog.Error("sphtasks failed", "error", err)
		os.Exit(cli.GetExitCode(err))
	}
}
