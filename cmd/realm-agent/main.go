// Command realm-agent runs the fleet peer agent: gossip mesh, command
// verifier, supervisor, upgrade engine, job executor, and metrics
// endpoint, wired together behind a cobra CLI.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl}))
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "realm-agent",
		Short: "Peer-to-peer fleet agent for WASM/native/QEMU workload supervision",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("realm-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
