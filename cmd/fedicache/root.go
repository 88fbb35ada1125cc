// ABOUTME: Root cobra command, global flags and shared setup for subcommands
// ABOUTME: Loads .env, resolves and loads config, builds the logger and opens the store

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/2389/fedicache/internal/config"
	"github.com/2389/fedicache/internal/store"
)

// RootOptions holds global flags and the state built from them.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	Verbose    bool

	cfg    *config.Config
	logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the fedicache CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "fedicache",
		Short:         "Inspect and maintain the local social-network cache",
		Long:          "Operator tooling for the fedicache SQLite store: migrations, row counts, filter sweeps and cached timelines.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.setup(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/fedicache/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewTimelineCommand(opts))
	cmd.AddCommand(NewThreadCommand(opts))

	return cmd
}

// setup loads .env and the config file, then builds the logger.
func (o *RootOptions) setup(cmd *cobra.Command) error {
	// A missing .env file is normal.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loading .env: %w", err)
	}

	explicit := o.ConfigPath != "" || os.Getenv(config.EnvConfigPath) != ""
	path := config.ResolvePath(o.ConfigPath)
	cfg, err := config.LoadOrDefault(path, explicit)
	if err != nil {
		return err
	}
	if o.Verbose {
		cfg.Logging.Level = "debug"
	}

	o.cfg = cfg
	o.logger = setupLogger(cfg.Logging, cmd.ErrOrStderr())
	o.logger.Debug("loaded config", "path", path, "database", cfg.Database.Path)
	return nil
}

// openStore opens the configured cache, applying pending migrations.
func (o *RootOptions) openStore(ctx context.Context) (*store.SQLiteStore, error) {
	st, err := store.Open(ctx, store.Options{
		Path:        o.cfg.Database.Path,
		Driver:      o.cfg.Database.Driver,
		BusyTimeout: o.cfg.Database.BusyTimeout,
		Logger:      o.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return st, nil
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
