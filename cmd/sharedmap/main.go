// Command sharedmap runs a parent or child replica of a shared map.
//
// The parent owns the document: it loads it from a JSON file or SQLite database,
// applies writes read line by line from stdin,
// and exports every change over QUIC and/or a snapshot directory.
// Children follow one of those exports and print each update as a JSON line.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var opts rootOptions

	cmd := &cobra.Command{
		Use:   "sharedmap",
		Short: "Parent-owned replicated key-value store",
		Long: `sharedmap replicates a small JSON document from one parent process
to any number of read-only children.

Run "sharedmap serve" for the parent and "sharedmap watch" for each child.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCmd(&opts),
		newWatchCmd(&opts),
	)

	return cmd
}

// setup loads the configuration and builds the logger shared by every subcommand.
func (o *rootOptions) setup() (Config, *slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(o.logLevel)); err != nil {
		return Config{}, nil, fmt.Errorf("invalid --log-level: %w", err)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	cfg := DefaultConfig()
	if o.configPath != "" {
		var err error
		cfg, err = LoadConfig(o.configPath)
		if err != nil {
			return Config{}, nil, err
		}
	}

	return cfg, log, nil
}
