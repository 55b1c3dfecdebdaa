package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vision-gateway/internal/config"
	"vision-gateway/internal/debug"
	"vision-gateway/internal/handler"
	"vision-gateway/internal/middleware"
	"vision-gateway/internal/relay"
	"vision-gateway/internal/upstream"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to config.json/config.yaml")
	envPath := flag.String("env", "", "Path to a .env file (default ./.env when present)")
	flag.Parse()

	bootLog := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	if _, err := config.LoadDotEnv(*envPath); err != nil {
		bootLog.Error("Failed to load env file", "error", err)
		os.Exit(1)
	}
	cfg, resolvedCfgPath, err := config.Load(*configPath)
	if err != nil {
		bootLog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.DebugEnabled {
		level = slog.LevelDebug
	}
	logger := newLogger(level)
	slog.SetDefault(logger)

	if resolvedCfgPath == "" {
		slog.Info("No config file found, using defaults")
	} else {
		slog.Info("Config loaded", "path", resolvedCfgPath)
	}

	if cfg.DebugEnabled {
		debug.CleanupAllLogs()
		slog.Info("Debug logs cleared", "dir", debug.BaseDir)
	}

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           newRouter(cfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       90 * time.Second,
		// No WriteTimeout: streams stay open as long as the model keeps talking.
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		slog.Info("Received signal, starting graceful shutdown", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		close(idleConnsClosed)
	}()

	slog.Info("Server running",
		"addr", cfg.Addr(),
		"upstream", cfg.UpstreamBaseURL,
		"model", cfg.Model,
		"max_retries", cfg.MaxRetries,
		"retry_delay", cfg.RetryDelayDuration(),
		"request_timeout", cfg.RequestTimeoutDuration(),
	)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("Server start failed", "error", err)
		os.Exit(1)
	}

	<-idleConnsClosed
	slog.Info("Server shutdown gracefully")
}

// newLogger emits JSON, or readable text when attached to a terminal.
func newLogger(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// newRouter wires the upstream client, relay engine and HTTP routes.
func newRouter(cfg *config.Config, logger *slog.Logger) http.Handler {
	var breaker *upstream.CircuitBreaker
	if cfg.BreakerOn() {
		breaker = upstream.NewCircuitBreaker(upstream.DefaultCircuitConfig("model-service"))
	}
	client := upstream.New(upstream.Options{
		BaseURL: cfg.UpstreamBaseURL,
		Timeout: cfg.RequestTimeoutDuration(),
		Breaker: breaker,
		Proxy: upstream.ProxyConfig{
			HTTP:   cfg.ProxyHTTP,
			HTTPS:  cfg.ProxyHTTPS,
			User:   cfg.ProxyUser,
			Pass:   cfg.ProxyPass,
			Bypass: cfg.ProxyBypass,
		},
		Logger: logger,
	})
	engine := relay.New(client, relay.Options{
		MaxAttempts:        cfg.MaxRetries,
		RetryDelay:         cfg.RetryDelayDuration(),
		EmptyStreamIsError: cfg.EmptyStreamIsError,
		Logger:             logger,
	})
	h := handler.New(cfg, engine)

	limiter := middleware.NewConcurrencyLimiter(cfg.ConcurrencyLimit, time.Duration(cfg.ConcurrencyTimeout)*time.Second)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/understand-image", limiter.Limit(h.HandleUnderstandImage))
	mux.HandleFunc("/api/understand-image/ws", limiter.Limit(h.HandleUnderstandImageWS))
	mux.HandleFunc("/health", h.HandleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.Chain(
		middleware.TraceMiddleware,
		middleware.LoggingMiddleware,
		middleware.CORS,
	)(mux)
}
