package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clipworks/mediaq/internal/api"
	"github.com/clipworks/mediaq/internal/config"
	"github.com/clipworks/mediaq/internal/events"
	"github.com/clipworks/mediaq/internal/jobs"
	"github.com/clipworks/mediaq/internal/logging"
	"github.com/clipworks/mediaq/internal/manager"
	"github.com/clipworks/mediaq/internal/queue"
	"github.com/clipworks/mediaq/internal/shutdown"
	"github.com/clipworks/mediaq/internal/storage"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the queue manager and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cmd.Flags(), configFile)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	return cmd
}

func runServe(cfg config.Config) error {
	logger := logging.New(logging.Config{
		Level:      logging.ParseLevel(cfg.Log.Level),
		OutputFile: cfg.Log.File,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
		JSON:       cfg.Log.Format == "json",
	})

	bus := events.NewBus()
	bus.SubscribeAll(func(ctx context.Context, e events.Event) {
		attrs := []any{"event", e.Name, "queue", e.Queue}
		if e.Job != nil {
			attrs = append(attrs, "job_id", e.Job.ID, "status", e.Job.Status)
		}
		logger.Debug("lifecycle event", attrs...)
	})

	registry := jobs.NewRegistry()
	registry.MustRegister("transcribe", transcribeHandler(logger))
	registry.SetDefault(jobs.HandlerFunc(func(ctx context.Context, job *jobs.Job) (any, error) {
		return map[string]any{"payload": job.Payload}, nil
	}))

	mgr, err := manager.New(registry, manager.Options{
		MaxQueues:            cfg.Manager.MaxQueues,
		EnableJobHistory:     cfg.Manager.EnableJobHistory,
		EnableScheduling:     cfg.Manager.EnableScheduling,
		HistoryRetentionDays: cfg.Manager.HistoryRetentionDays,
		MaxHistoryEntries:    cfg.Manager.MaxHistoryEntries,
		PollInterval:         cfg.Manager.PollInterval,
		DefaultQueueOptions: queue.Options{
			MaxConcurrentJobs: cfg.Queue.MaxConcurrentJobs,
			MaxRetries:        cfg.Queue.MaxRetries,
			RetryDelay:        cfg.Queue.RetryDelay,
			JobTimeout:        cfg.Queue.JobTimeout,
			PollInterval:      cfg.Queue.PollInterval,
			PriorityMode:      queue.Policy(cfg.Queue.PriorityMode),
			AutoStart:         cfg.Queue.AutoStart,
		},
	}, manager.Deps{
		Bus:          bus,
		Logger:       logger,
		StoreFactory: storeFactory(cfg.Queue),
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	mgr.Start()

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewServer(mgr, logger).Routes(),
	}

	coord := shutdown.NewCoordinator(30*time.Second, logger)
	coord.Register("http-server", func(ctx context.Context) error {
		return server.Shutdown(ctx)
	})
	coord.Register("queue-manager", func(ctx context.Context) error {
		return mgr.Shutdown(ctx)
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
		coord.Shutdown()
		return err
	}

	coord.Shutdown()
	return errors.Join(coord.Errors()...)
}

// storeFactory picks the persistence backend from config. Each queue
// gets its own storage namespace.
func storeFactory(cfg config.QueueConfig) manager.StoreFactory {
	if !cfg.PersistentStorage {
		return nil
	}
	switch cfg.StorageBackend {
	case "sqlite":
		dbPath := filepath.Join(cfg.StorageDirectory, "jobs.db")
		return func(queueName string) (storage.Store, error) {
			if err := os.MkdirAll(cfg.StorageDirectory, 0o755); err != nil {
				return nil, err
			}
			return storage.NewSQLiteStore(dbPath, queueName)
		}
	default:
		return func(queueName string) (storage.Store, error) {
			return storage.NewFSStore(filepath.Join(cfg.StorageDirectory, queueName))
		}
	}
}

// transcribeHandler simulates a media transcription worker. The payload
// is a media path and the duration_ms option drives the simulated
// runtime.
func transcribeHandler(logger *slog.Logger) jobs.Handler {
	return jobs.HandlerFunc(func(ctx context.Context, job *jobs.Job) (any, error) {
		runtime := 500 * time.Millisecond
		if ms, ok := job.Options["duration_ms"].(float64); ok && ms > 0 {
			runtime = time.Duration(ms) * time.Millisecond
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(runtime):
		}

		logger.Info("transcribed media", "path", job.Payload, "job_id", job.ID)
		return map[string]any{
			"path":     job.Payload,
			"language": "en",
			"duration": runtime.Seconds(),
		}, nil
	})
}
