package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/walkingzzzy/office-mcp-sub009/internal/config"
	"github.com/walkingzzzy/office-mcp-sub009/internal/executor"
	"github.com/walkingzzzy/office-mcp-sub009/internal/gateway/httpapi"
	"github.com/walkingzzzy/office-mcp-sub009/internal/gateway/ws"
	"github.com/walkingzzzy/office-mcp-sub009/internal/llm/proxy"
	"github.com/walkingzzzy/office-mcp-sub009/internal/logstore"
	"github.com/walkingzzzy/office-mcp-sub009/internal/monitor"
	"github.com/walkingzzzy/office-mcp-sub009/internal/observability"
	"github.com/walkingzzzy/office-mcp-sub009/internal/secrets"
	"github.com/walkingzzzy/office-mcp-sub009/internal/supervisor"
)

const shutdownTimeout = 10 * time.Second

var (
	serveConfigPath string
	serveAddr       string
	serveDocs       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge (supervisor, AI proxy, HTTP gateway)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `bridge --config path` and `bridge serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to settings file")
		cmd.Flags().StringVar(&serveAddr, "listen", "", "override listen address (e.g. 127.0.0.1:3100)")
		cmd.Flags().BoolVar(&serveDocs, "docs", false, "serve generated API documentation")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	// Metrics and the in-memory log store come up first so that every
	// component, the config loader included, logs through the ring buffer.
	metrics := observability.NewMetricsCollector()
	logStore := logstore.New(metrics)
	logger := slog.New(logstore.NewTeeHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}),
		logstore.NewHandler(logStore, nil),
	))

	cfg, err := config.Load(goutils.Env("BRIDGE_CONFIG", serveConfigPath))
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	if serveAddr != "" {
		cfg.Listen.Addr = serveAddr
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return err
	}
	logger.Info("settings loaded",
		slog.String("config", serveConfigPath),
		slog.String("data_dir", cfg.DataDir),
	)

	// Secret store backed by a key file in the data dir.
	key, err := secrets.LoadOrCreateKey(filepath.Join(cfg.DataDir, "secret.key"))
	if err != nil {
		return fmt.Errorf("loading secret key: %w", err)
	}
	secretStore, err := secrets.NewStore(key, logger)
	if err != nil {
		return fmt.Errorf("creating secret store: %w", err)
	}

	// Optional persistent log sink.
	if cfg.LogSink.Enabled {
		sink, err := logstore.NewSQLiteSink(cfg.LogSink.Path, logStore, logger)
		if err != nil {
			return fmt.Errorf("opening log sink: %w", err)
		}
		defer sink.Close()
		logger.Debug("log sink enabled", slog.String("path", cfg.LogSink.Path))
	}

	// Optional trace export.
	tracerSetup, err := observability.NewTracerSetup(&observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "office-bridge",
		Endpoint:    cfg.Tracing.Endpoint,
		Protocol:    cfg.Tracing.Protocol,
		Insecure:    cfg.Tracing.Insecure,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerSetup.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown failed", slog.Any("error", err))
		}
	}()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Supervisor with the registered tool servers.
	sup := supervisor.New(supervisor.Config{
		ReadyAfter: time.Duration(cfg.Supervisor.ReadyAfterMS) * time.Millisecond,
	}, logger, metrics)

	serverStore := config.NewServerStore(filepath.Join(cfg.DataDir, "servers.json"))
	serverConfigs, err := serverStore.Load()
	if err != nil {
		return fmt.Errorf("loading server store: %w", err)
	}
	for _, sc := range serverConfigs {
		if err := sup.Register(sc); err != nil {
			logger.Error("registering server failed",
				slog.String("server_id", sc.ID),
				slog.Any("error", err),
			)
		}
	}
	logger.Info("servers registered", slog.Int("count", len(serverConfigs)))
	sup.AutoStart(ctx)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		sup.Shutdown(shutdownCtx)
	}()

	// Provider store and the proxy router built from it.
	providerStore := config.NewProviderStore(
		filepath.Join(cfg.DataDir, "providers.json"), secretStore, logger)

	buildRouter := func() (*proxy.Router, error) {
		records, err := providerStore.Load()
		if err != nil {
			return nil, fmt.Errorf("loading providers: %w", err)
		}
		configs := make([]proxy.ProviderConfig, 0, len(records))
		for _, r := range records {
			configs = append(configs, proxy.ProviderConfig{
				ID:         r.ID,
				Type:       r.Type,
				APIKey:     r.APIKey,
				BaseURL:    r.BaseURL,
				Model:      r.Model,
				Deployment: r.Deployment,
				APIVersion: r.APIVersion,
				IsDefault:  r.IsDefault,
			})
		}
		return proxy.NewRouter(configs, logger, metrics)
	}
	router, err := buildRouter()
	if err != nil {
		return fmt.Errorf("building provider router: %w", err)
	}

	// Outbound client for the office plugin's tool executor.
	exec := executor.NewClient(executor.Config{BaseURL: cfg.PluginAPIURL}, logger, metrics)

	// Periodic health sweep.
	mon, err := monitor.New(cfg.Monitor.Schedule, sup, logger, metrics)
	if err != nil {
		return fmt.Errorf("initializing monitor: %w", err)
	}
	mon.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		mon.Stop(stopCtx)
	}()

	// HTTP gateway with the WebSocket log tail mounted alongside.
	wsServer := ws.NewServer(logStore, logger)
	gw := httpapi.NewGateway(httpapi.Config{
		ListenAddr:      cfg.Listen.Addr,
		EnableDocs:      serveDocs,
		APIKeys:         cfg.Listen.APIKeys,
		MetricsRegistry: metrics.Registry,
		Metrics:         metrics,
		Tracer:          tracerSetup.Tracer(),
	}, sup, router, providerStore, logStore, logger).
		WithRouterRebuild(buildRouter).
		WithExecutor(exec).
		WithHandler("/v1/logs/stream", wsServer.Handler())

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.Any("error", err))
	}

	return nil
}
