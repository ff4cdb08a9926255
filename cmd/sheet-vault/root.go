package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sheet-vault/internal/blob"
	"github.com/sheet-vault/internal/config"
	"github.com/sheet-vault/internal/diff"
	"github.com/sheet-vault/internal/lock"
	"github.com/sheet-vault/internal/store"
	"github.com/sheet-vault/internal/versioning"
)

var (
	// Global flags
	configPath string
	actorName  string

	rootCmd = &cobra.Command{
		Use:   "sheet-vault",
		Short: "Versioned spreadsheet store with cell-level diffs",
		Long: `sheet-vault keeps every upload of a spreadsheet as a numbered version,
records the cell-level changes between versions and coordinates editors
with advisory document locks.`,
		SilenceUsage: true,
	}
)

// Execute adds all child commands to the root command and runs it.
func Execute() error { return rootCmd.Execute() }

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&actorName, "actor", defaultActor(), "Name recorded as the author of changes and lock holder")
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, nil
	}
	if !cmd.Flags().Changed("config") && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

// app wires the storage backends and managers from configuration
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	blobs    blob.Store
	meta     store.Store
	locks    *lock.Manager
	versions *versioning.Manager
}

func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := cfg.Log.NewLogger()

	blobs, err := blob.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize blob storage: %w", err)
	}

	meta, err := store.Open(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	locks := lock.NewManager(meta, cfg.Lock.LeaseTTL(), lock.WithLogger(logger))

	versions, err := versioning.New(versioning.Config{
		Blobs:  blobs,
		Meta:   meta,
		Locks:  locks,
		Logger: logger,
		Diff: diff.Options{
			CriticalColumns: cfg.Diff.CriticalColumns,
			KeyColumns:      cfg.Diff.KeyColumns,
		},
		MaxRetries:     cfg.Versioning.MaxRetries,
		InitialBackoff: cfg.Versioning.InitialBackoff,
		MaxElapsed:     cfg.Versioning.MaxElapsed,
	})
	if err != nil {
		meta.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		blobs:    blobs,
		meta:     meta,
		locks:    locks,
		versions: versions,
	}, nil
}

func (a *app) Close() {
	if err := a.meta.Close(); err != nil {
		a.logger.WithError(err).Warn("Error closing database")
	}
}

// withApp runs fn with a wired app and closes it afterwards
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
