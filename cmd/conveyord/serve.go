package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/driver/sqliteshim"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"github.com/dreadew/conveyor"
	"github.com/dreadew/conveyor/api"
	brokermem "github.com/dreadew/conveyor/broker/memory"
	natsbroker "github.com/dreadew/conveyor/broker/nats"
	redisbroker "github.com/dreadew/conveyor/broker/redis"
	"github.com/dreadew/conveyor/engine"
	bunrepo "github.com/dreadew/conveyor/repo/bun"
	repomem "github.com/dreadew/conveyor/repo/memory"
	pgrepo "github.com/dreadew/conveyor/repo/postgres"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Conveyor API and worker pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}

func runServe(parent context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Prometheus exposition for all OTel instruments.
	exporter, err := otelprom.New()
	if err != nil {
		return fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	defer func() { _ = provider.Shutdown(context.Background()) }()

	repo, repoCleanup, err := buildRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repoCleanup()

	brk, brkCleanup, err := buildBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer brkCleanup()

	if cfg.Repository.Migrate {
		if err := repo.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	svc, err := conveyor.New(
		conveyor.WithConfig(cfg.serviceConfig()),
		conveyor.WithLogger(logger),
		conveyor.WithRepository(repo),
		conveyor.WithBroker(brk),
	)
	if err != nil {
		return err
	}

	eng, err := engine.Build(svc)
	if err != nil {
		return err
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	apiServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.New(eng, api.WithLogger(logger)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("api listening", "addr", cfg.HTTP.Addr)
		if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	if metricsServer != nil {
		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown", "error", err)
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics shutdown", "error", err)
			}
		}
		return nil
	})

	err = g.Wait()

	// In-flight jobs get the configured shutdown grace.
	if stopErr := eng.Stop(context.Background()); stopErr != nil {
		logger.Error("engine stop", "error", stopErr)
	}
	logger.Info("shutdown complete")
	return err
}

// buildRepository constructs the configured persistence backend. The
// returned cleanup closes resources the repository does not own itself.
func buildRepository(ctx context.Context, cfg Config, logger *slog.Logger) (conveyor.Repositorer, func(), error) {
	noop := func() {}

	switch cfg.Repository.Backend {
	case "postgres":
		repo, err := pgrepo.New(ctx, cfg.Repository.DSN, pgrepo.WithLogger(logger))
		if err != nil {
			return nil, noop, err
		}
		return repo, noop, nil

	case "bun":
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Repository.DSN)))
		db := bun.NewDB(sqldb, pgdialect.New())
		return bunrepo.New(db, bunrepo.WithLogger(logger)), func() { _ = db.Close() }, nil

	case "sqlite":
		dsn := cfg.Repository.DSN
		if dsn == "" {
			dsn = "file:conveyor.db"
		}
		sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
		if err != nil {
			return nil, noop, fmt.Errorf("open sqlite: %w", err)
		}
		db := bun.NewDB(sqldb, sqlitedialect.New())
		return bunrepo.New(db, bunrepo.WithLogger(logger)), func() { _ = db.Close() }, nil

	case "memory", "":
		return repomem.New(), noop, nil

	default:
		return nil, noop, fmt.Errorf("unknown repository backend %q", cfg.Repository.Backend)
	}
}

// buildBroker constructs the configured transport backend.
func buildBroker(cfg Config, logger *slog.Logger) (conveyor.MessageBroker, func(), error) {
	noop := func() {}

	switch cfg.Broker.Backend {
	case "nats":
		url := cfg.Broker.URL
		if url == "" {
			url = nats.DefaultURL
		}
		nc, err := nats.Connect(url)
		if err != nil {
			return nil, noop, fmt.Errorf("connect nats: %w", err)
		}
		brk, err := natsbroker.New(nc, natsbroker.WithLogger(logger))
		if err != nil {
			nc.Close()
			return nil, noop, err
		}
		return brk, func() { nc.Close() }, nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Broker.URL})
		return redisbroker.New(client, redisbroker.WithLogger(logger)), func() { _ = client.Close() }, nil

	case "memory", "":
		return brokermem.New(), noop, nil

	default:
		return nil, noop, fmt.Errorf("unknown broker backend %q", cfg.Broker.Backend)
	}
}
