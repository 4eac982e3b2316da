package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/teiid/garlic/config"
	"github.com/teiid/garlic/internal/seclog"
)

// NewRootCmd creates the root command for the garlic CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tor-client",
		Short:         "Client-side machinery for Tor v3 onion services",
		Long:          "garlic wires the network-status registry, circuit engine, rendezvous machinery, circuit racer, and domain pool together for manual exercising.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "path to a YAML config file (defaults applied when absent)")
	cmd.PersistentFlags().String("log-file", "tor-debug.log", "JSON debug log destination")
	cmd.PersistentFlags().Bool("verbose", false, "enable debug-level logging on stdout")

	cmd.AddCommand(NewFetchCmd())
	cmd.AddCommand(NewPoolDemoCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves --config into a *config.Config, falling back to
// defaults when the flag is empty or the file doesn't exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// newLogger builds the dual JSON-file + stdout logger shared by every
// subcommand, opening logFile for the lifetime of the process.
func newLogger(cmd *cobra.Command) (*slog.Logger, *os.File, error) {
	logPath, _ := cmd.Flags().GetString("log-file")
	verbose, _ := cmd.Flags().GetBool("verbose")

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	stdoutLevel := slog.LevelInfo
	if verbose {
		stdoutLevel = slog.LevelDebug
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: stdoutLevel})
	fanout := &multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}}
	logger := slog.New(seclog.New(fanout))
	return logger, logFile, nil
}
