package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sheet-vault/internal/api"
	"github.com/sheet-vault/internal/syncer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and, when enabled, the inbox syncer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			if a.cfg.Sync.Enabled {
				syncService, err := syncer.New(a.versions, a.cfg.Sync, a.logger)
				if err != nil {
					return err
				}
				go func() {
					if err := syncService.Start(ctx); err != nil {
						a.logger.WithError(err).Error("Syncer stopped")
					}
				}()
				a.logger.WithField("dir", a.cfg.Sync.Dir).WithField("interval", a.cfg.Sync.Interval).Info("Syncer started")
			}

			server := api.NewServer(a.cfg.Server, a.versions, a.locks, a.logger)

			// Setup graceful shutdown
			go func() {
				sigChan := make(chan os.Signal, 1)
				signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
				select {
				case <-sigChan:
				case <-ctx.Done():
				}

				a.logger.Info("Shutdown signal received, stopping services")
				cancel()

				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()

				if err := server.Shutdown(shutdownCtx); err != nil {
					a.logger.WithError(err).Error("Error during server shutdown")
				}
			}()

			a.logger.Infof("Starting web server on http://%s", a.cfg.Server.Addr())
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}

			a.logger.Info("sheet-vault stopped")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
