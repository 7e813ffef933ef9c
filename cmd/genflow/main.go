package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/songzhibin97/gkit/generator"
	"github.com/spf13/cobra"

	"github.com/songzhibin97/genflow/api"
	"github.com/songzhibin97/genflow/config"
	"github.com/songzhibin97/genflow/events"
	"github.com/songzhibin97/genflow/logging"
	"github.com/songzhibin97/genflow/provider"
	"github.com/songzhibin97/genflow/storage"
	"github.com/songzhibin97/genflow/workflow"
)

type rootOptions struct {
	configPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "genflow",
		Short:         "Workflow graph execution service for generation pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(newServeCmd(opts), newSeedCmd(opts), newPurgeCmd(opts))
	return root
}

// setup loads configuration and builds the logger.
func setup(opts *rootOptions) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr), nil
}

// openStorage returns the configured storage and a function releasing it.
func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Storage, func(), error) {
	switch cfg.Storage.Driver {
	case "redis":
		rc := cfg.Storage.Redis
		store, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:         rc.Addr,
			Password:     rc.Password,
			DB:           rc.DB,
			PoolSize:     rc.PoolSize,
			MinIdleConns: rc.MinIdleConns,
			IdleTimeout:  rc.IdleTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Redis storage connected", "addr", rc.Addr, "db", rc.DB)
		return store, func() { _ = store.Close() }, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Storage.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}
		store := storage.NewPostgresStorage(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("PostgreSQL storage connected")
		return store, pool.Close, nil

	default:
		logger.Warn("Using in-memory storage; runs are lost on restart")
		return storage.NewMemoryStorage(), func() {}, nil
	}
}

func newProvider(cfg *config.Config, logger *slog.Logger) provider.Client {
	if cfg.Provider.Driver == "memory" {
		logger.Warn("Using in-memory provider queue; no real jobs are submitted")
		return provider.NewMemoryQueue(provider.WithPollsUntilDone(2))
	}
	if cfg.Provider.APIKey == "" {
		logger.Warn("provider.api_key is empty")
	}
	return provider.NewHTTPClient(cfg.Provider.BaseURL,
		provider.WithAPIKey(cfg.Provider.APIKey),
		provider.WithTimeout(cfg.Provider.Timeout),
	)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, release, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	bus := events.NewEventBus(events.WithLogger(logger))
	logger.Info("Snowflake node", "node_id", cfg.Server.NodeID)
	engine, err := workflow.NewEngine(
		generator.NewSnowflake(time.Now().Add(-1*time.Second), uint16(cfg.Server.NodeID)),
		store,
		newProvider(cfg, logger),
		workflow.WithLogger(logger),
		workflow.WithEventBus(bus),
		workflow.WithPollInterval(cfg.Poller.Interval),
		workflow.WithMaxAttempts(cfg.Poller.MaxAttempts),
	)
	if err != nil {
		return err
	}
	subscribeLogging(engine, logger)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewEcho(api.NewServer(engine, logger), "genflow"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", cfg.Server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = engine.Stop(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}
	}

	if err := engine.Stop(context.Background()); err != nil {
		logger.Error("Engine stop error", "error", err)
	}
	logger.Info("Server stopped gracefully")
	return nil
}

// subscribeLogging reports run and node outcomes in the service log.
func subscribeLogging(engine *workflow.Engine, logger *slog.Logger) {
	engine.SubscribeEvent(events.LogFailed, events.EventHandlerFunc(func(ctx context.Context, ev events.Event) error {
		logger.Warn("node failed", "run_id", ev.RunID, "node_id", ev.NodeID, "error", ev.Data["error"])
		return nil
	}))
	engine.SubscribeEvent(events.RunFinished, events.EventHandlerFunc(func(ctx context.Context, ev events.Event) error {
		logger.Info("run finished", "run_id", ev.RunID, "status", ev.Data["status"],
			"completed_nodes", ev.Data["completed_nodes"], "total_nodes", ev.Data["total_nodes"])
		return nil
	}))
}
