package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CaliLuke/go-cypherdb/graph"
	"github.com/CaliLuke/go-cypherdb/internal/config"
	"github.com/CaliLuke/go-cypherdb/internal/logging"
	"github.com/CaliLuke/go-cypherdb/internal/metrics"
	"github.com/CaliLuke/go-cypherdb/internal/observability"
	"github.com/CaliLuke/go-cypherdb/server"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		dataPath   string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a graph over HTTP",
		Long:  "Open the graph store and serve the statement and transaction endpoints until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("data") {
				cfg.Storage.DataPath = dataPath
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	cmd.Flags().StringVar(&dataPath, "data", "", "sqlite file holding the graph (overrides config, empty keeps it in memory)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openGraph(ctx context.Context, dataPath string) (*graph.DB, error) {
	var backend graph.Backend
	if dataPath != "" {
		b, err := graph.OpenSQLiteBackend(ctx, dataPath)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", dataPath, err)
		}
		backend = b
	}
	db, err := graph.Open(ctx, graph.Options{Backend: backend})
	if err != nil {
		if backend != nil {
			_ = backend.Close()
		}
		return nil, err
	}
	return db, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logging.SetLevelFromString(cfg.Logging.Level)
	logging.SetOutput(os.Stderr, cfg.Logging.Format == "json")

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Version:     version,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = observability.Shutdown(sctx)
	}()

	db, err := openGraph(ctx, cfg.Storage.DataPath)
	if err != nil {
		return err
	}
	defer db.Close()

	var opts []server.Option
	if cfg.Metrics.Enabled {
		opts = append(opts, server.WithMetrics(metrics.New(cfg.Metrics.Namespace, server.Sizer{DB: db})))
	}
	srv := server.New(db, server.Config{
		FlushEvery:          cfg.Server.FlushEvery,
		TxIdleTimeout:       cfg.Transactions.IdleTimeout,
		ReapInterval:        cfg.Transactions.ReapInterval,
		MaxOpenTransactions: cfg.Transactions.MaxOpenTransactions,
	}, opts...)

	httpServer := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     srv,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		st := db.Stats()
		logging.Op().Info("cypherdb started", "addr", cfg.Server.Addr, "data", cfg.Storage.DataPath,
			"nodes", st.Nodes, "relationships", st.Relationships)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logging.Op().Info("shutdown signal received", "signal", sig.String())
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx, httpServer, srv); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		_ = srv.Close()
		return fmt.Errorf("server error: %w", err)
	}
}
