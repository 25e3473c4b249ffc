package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	mcp "github.com/TangGee/go-mcp-sse"
	"github.com/TangGee/go-mcp-sse/internal/config"
	"github.com/TangGee/go-mcp-sse/servers/prompts"
	"github.com/TangGee/go-mcp-sse/servers/resources"
	"github.com/TangGee/go-mcp-sse/servers/sampling"
	"github.com/TangGee/go-mcp-sse/servers/tools"
)

const (
	ssePath     = "/sse"
	apiPath     = "/api"
	metricsPath = "/metrics"

	shutdownTimeout = 10 * time.Second
)

type serveFlags struct {
	host              string
	port              int
	publicURL         string
	handlerTimeout    time.Duration
	heartbeatInterval time.Duration
	redisAddr         string
	promptsFile       string
	logLevel          string
	tracing           bool
}

func serveCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SSE protocol server",
		Long: `Run the SSE protocol server.

Settings are read from MCP_* environment variables and can be overridden with flags.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer()
			if err != nil {
				return err
			}
			if err := flags.apply(cmd, &cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&flags.host, "host", "", "host to listen on (MCP_SERVER_HOST)")
	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "port to listen on (MCP_SERVER_PORT)")
	cmd.Flags().StringVar(&flags.publicURL, "public-url", "", "externally reachable base URL (MCP_PUBLIC_URL)")
	cmd.Flags().DurationVar(&flags.handlerTimeout, "handler-timeout", 0, "timeout of a single handler call (MCP_HANDLER_TIMEOUT)")
	cmd.Flags().DurationVar(&flags.heartbeatInterval, "heartbeat-interval", 0, "interval of heartbeat events, 0 disables (MCP_HEARTBEAT_INTERVAL)")
	cmd.Flags().StringVar(&flags.redisAddr, "redis-addr", "", "Redis address of the prompt store (MCP_REDIS_ADDR)")
	cmd.Flags().StringVar(&flags.promptsFile, "prompts-file", "", "JSON file of the prompt store (MCP_PROMPTS_FILE)")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error (MCP_LOG_LEVEL)")
	cmd.Flags().BoolVar(&flags.tracing, "tracing", false, "export dispatcher spans to stderr (MCP_TRACING)")

	return cmd
}

// apply overrides cfg with the flags set on the command line.
func (f serveFlags) apply(cmd *cobra.Command, cfg *config.ServerConfig) error {
	changed := cmd.Flags().Changed
	if changed("host") {
		cfg.Host = f.host
	}
	if changed("port") {
		cfg.Port = f.port
	}
	if changed("public-url") {
		cfg.PublicURL = f.publicURL
	}
	if changed("handler-timeout") {
		cfg.HandlerTimeout = f.handlerTimeout
	}
	if changed("heartbeat-interval") {
		cfg.HeartbeatInterval = f.heartbeatInterval
	}
	if changed("redis-addr") {
		cfg.RedisAddr = f.redisAddr
	}
	if changed("prompts-file") {
		cfg.PromptsFile = f.promptsFile
	}
	if changed("tracing") {
		cfg.Tracing = f.tracing
	}
	if changed("log-level") {
		if err := cfg.LogLevel.UnmarshalText([]byte(f.logLevel)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", f.logLevel, err)
		}
	}
	return nil
}

type app struct {
	dispatcher     *mcp.Dispatcher
	sse            *mcp.SSEServer
	sampling       *sampling.Server
	resources      *resources.Server
	tracerProvider *sdktrace.TracerProvider
	router         http.Handler
	close          func() error
}

func newApp(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*app, error) {
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := mcp.NewMetrics(mcp.WithMetricsRegistry(promRegistry))

	store, closeStore, err := newPromptStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := prompts.Seed(ctx, store); err != nil {
		closeStore()
		return nil, err
	}

	tp, err := newTracerProvider(cfg)
	if err != nil {
		closeStore()
		return nil, err
	}

	registry := mcp.NewRegistry(mcp.WithRegistryLogger(logger))
	prompts.NewServer(store, prompts.WithLogger(logger)).Register(registry)
	samplingServer := sampling.NewServer(sampling.NewBackend(), sampling.WithLogger(logger))
	samplingServer.Register(registry)
	tools.NewServer(tools.WithLogger(logger)).Register(registry)
	resourcesServer := resources.NewServer(resources.NewCatalogue(resources.DefaultResources()...),
		resources.WithLogger(logger))
	resourcesServer.Register(registry)

	dispatcher := mcp.NewDispatcher(mcp.Info{Name: "mcpsse", Version: version}, registry,
		mcp.WithHandlerTimeout(cfg.HandlerTimeout),
		mcp.WithDispatcherLogger(logger),
		mcp.WithDispatcherMetrics(metrics),
		mcp.WithTracer(tp.Tracer(tracerName)),
	)

	sseServer := mcp.NewSSEServer(cfg.BaseURL()+apiPath, dispatcher,
		mcp.WithSSEServerLogger(logger),
		mcp.WithSSEServerMetrics(metrics),
		mcp.WithHeartbeatInterval(cfg.HeartbeatInterval),
		mcp.WithMaxBodyBytes(cfg.MaxBodyBytes),
	)

	return &app{
		dispatcher:     dispatcher,
		sse:            sseServer,
		sampling:       samplingServer,
		resources:      resourcesServer,
		tracerProvider: tp,
		router:         newRouter(sseServer, promRegistry),
		close: func() error {
			return errors.Join(shutdownTracerProvider(tp), closeStore())
		},
	}, nil
}

func newPromptStore(ctx context.Context, cfg config.ServerConfig) (prompts.Store, func() error, error) {
	switch {
	case cfg.RedisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		store, err := prompts.NewRedisStore(prompts.RedisConfig{
			Client:    client,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return store, client.Close, nil
	case cfg.PromptsFile != "":
		return prompts.NewFileStore(cfg.PromptsFile), func() error { return nil }, nil
	default:
		return prompts.NewMemoryStore(), func() error { return nil }, nil
	}
}

type rootInfo struct {
	Message     string `json:"message"`
	APIEndpoint string `json:"api_endpoint"`
}

func newRouter(sseServer *mcp.SSEServer, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rootInfo{
			Message:     "MCP Server is running",
			APIEndpoint: apiPath,
		})
	})
	r.Method(http.MethodGet, ssePath, sseServer.HandleSSE())
	r.Method(http.MethodPost, apiPath, sseServer.HandleMessage())
	r.Method(http.MethodGet, metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

func runServer(ctx context.Context, cfg config.ServerConfig) error {
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           a.router,
		ReadHeaderTimeout: 15 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", srv.Addr), slog.String("baseURL", cfg.BaseURL()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Notification channels never go idle on their own, end them first.
	if err := a.sse.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to close sessions", slog.String("err", err.Error()))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.sampling.Wait()

	logger.Info("server exited gracefully")
	return nil
}
