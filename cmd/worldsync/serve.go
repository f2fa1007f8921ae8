package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianworks/worldsync/internal/archive"
	"github.com/meridianworks/worldsync/internal/auth"
	"github.com/meridianworks/worldsync/internal/config"
	"github.com/meridianworks/worldsync/internal/diff"
	"github.com/meridianworks/worldsync/internal/dispatch"
	"github.com/meridianworks/worldsync/internal/events"
	"github.com/meridianworks/worldsync/internal/groups"
	"github.com/meridianworks/worldsync/internal/metrics"
	"github.com/meridianworks/worldsync/internal/scheduler"
	"github.com/meridianworks/worldsync/internal/server"
	"github.com/meridianworks/worldsync/internal/session"
	"github.com/meridianworks/worldsync/internal/store/postgres"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the synchronization engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		ctx := context.Background()

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		store, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}

		var (
			publisher  events.Publisher
			subscriber *events.NATSSubscriber
			monitor    *events.Monitor
		)
		if cfg.NATSURL != "" {
			pub, err := events.NewNATSPublisher(cfg.NATSURL)
			if err != nil {
				store.Close()
				return err
			}
			publisher = pub

			subscriber, err = events.NewNATSSubscriber(cfg.NATSURL)
			if err != nil {
				publisher.Close()
				store.Close()
				return err
			}
			monitor = events.NewMonitor(subscriber, logger)
			if err := monitor.Start(); err != nil {
				subscriber.Close()
				publisher.Close()
				store.Close()
				return err
			}
			logger.Info("events enabled", "nats_url", cfg.NATSURL)
		} else {
			publisher = &events.NoopPublisher{}
			logger.Info("events disabled (WORLDSYNC_NATS_URL not set)")
		}

		if cfg.GroupsFile != "" {
			if err := groups.SeedFromFile(ctx, store, cfg.GroupsFile); err != nil {
				publisher.Close()
				store.Close()
				return err
			}
			logger.Info("seeded groups", "file", cfg.GroupsFile)
		}

		registry := groups.NewRegistry(store, logger)
		if err := registry.Load(ctx); err != nil {
			publisher.Close()
			store.Close()
			return err
		}

		collector := metrics.NewCollector()
		gateway := auth.NewGateway(store, cfg.SessionTTL, logger)

		sessions := session.NewRegistry(gateway, store, publisher, collector, logger,
			cfg.LivenessInterval, cfg.SessionMaxIdle)
		sessions.StartSweep(ctx)

		dispatcher := dispatch.New(sessions, collector, logger)
		differ := diff.NewEngine(store)

		ticker := scheduler.New(store, registry, differ, dispatcher, publisher, collector, logger)
		ticker.Start(ctx)
		logger.Info("tick scheduler started", "groups", len(registry.All()))

		var archiver *archive.Scheduler
		if cfg.ArchiveInterval > 0 && cfg.ArchiveS3Bucket != "" {
			dest, err := archive.NewS3Destination(ctx,
				cfg.ArchiveS3Bucket, cfg.ArchiveS3Prefix, cfg.ArchiveS3Region, cfg.ArchiveS3Endpoint)
			if err != nil {
				logger.Error("failed to create S3 archive destination", "error", err)
			} else {
				archiver = archive.NewScheduler(store, []archive.Destination{dest}, cfg.ArchiveInterval, logger)
				archiver.Start(ctx)
				logger.Info("archive scheduler started",
					"interval", cfg.ArchiveInterval,
					"bucket", cfg.ArchiveS3Bucket)
			}
		}

		srv := server.NewServer(gateway, sessions, publisher, collector, nil, logger)
		httpServer := &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: srv.NewHTTPHandler(),
		}

		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("HTTP server error", "error", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		// Shut down in reverse dependency order: stop producing ticks, stop
		// archiving, close the outer surface, then the connection table and
		// the shared resources.
		ticker.Stop()
		logger.Info("tick scheduler stopped")

		if archiver != nil {
			archiver.Stop()
			logger.Info("archive scheduler stopped")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		logger.Info("HTTP server stopped")

		sessions.Stop()
		logger.Info("session sweep stopped")

		if monitor != nil {
			monitor.Stop()
			if err := subscriber.Close(); err != nil {
				logger.Error("error closing subscriber", "error", err)
			}
			logger.Info("failure monitor stopped")
		}

		if err := publisher.Close(); err != nil {
			logger.Error("error closing publisher", "error", err)
		}
		if err := store.Close(); err != nil {
			logger.Error("error closing store", "error", err)
		}

		logger.Info("shutdown complete")
		return nil
	},
}
