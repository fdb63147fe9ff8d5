package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"vouchergate/gateway/auth"
	"vouchergate/gateway/config"
	"vouchergate/gateway/middleware"
	"vouchergate/gateway/routes"
	"vouchergate/observability/logging"
	telemetry "vouchergate/observability/otel"
	"vouchergate/storage"
)

var version = "dev"

func main() {
	var cfgPath string
	var allowInsecureFlag bool
	flag.StringVar(&cfgPath, "config", "", "path to vouchergate configuration (.yaml or .toml)")
	flag.BoolVar(&allowInsecureFlag, "allow-insecure", false, "DEV ONLY: permit plaintext listeners on loopback interfaces")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("vouchergated", cfg.Environment, logging.Options{
		Level:      logging.ParseLevel(cfg.Logging.Level),
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})

	if err := run(cfg, cfgPath, allowInsecureFlag, logger); err != nil {
		logger.Error("vouchergated stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, cfgPath string, allowInsecureFlag bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryCfg := telemetry.FromEnv(telemetry.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Environment,
	}, os.Getenv)
	exporting := telemetryCfg.Endpoint != ""
	telemetryCfg.Traces = cfg.Observability.Tracing && exporting
	telemetryCfg.Metrics = cfg.Observability.Metrics && exporting
	shutdownTelemetry, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	store, err := storage.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	persistence, closeLedger, err := openNonceLedger(cfg.Auth, store)
	if err != nil {
		return err
	}
	defer closeLedger()

	guard := auth.NewNonceGuard(cfg.Auth.NonceTTL, cfg.Auth.NonceCapacity, persistence)
	if err := guard.Hydrate(ctx, time.Now()); err != nil {
		return fmt.Errorf("hydrate nonce cache: %w", err)
	}

	validator, err := auth.NewValidator(auth.Config{
		Directory:   store,
		Guard:       guard,
		Redeemer:    store,
		ClockSkew:   cfg.Auth.ClockSkew,
		IssueGrants: cfg.Auth.GrantsEnabled(),
	})
	if err != nil {
		return fmt.Errorf("configure validator: %w", err)
	}
	logger.Info("validator ready",
		"clock_skew", validator.ClockSkew().String(),
		"nonce_ttl", guard.TTL().String(),
		"nonce_backend", cfg.Auth.NonceBackend,
		"grants", cfg.Auth.GrantsEnabled(),
	)

	var limiter *middleware.RateLimiter
	if perSecond := cfg.RateLimit.PerSecond(); perSecond > 0 {
		limiter = middleware.NewRateLimiter(map[string]middleware.RateLimit{
			routes.AuthRateLimitKey: {RatePerSecond: perSecond, Burst: cfg.RateLimit.Burst},
		}, logger, middleware.WithRejectHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"allow":0}`)
		})))
	}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Metrics || cfg.Observability.Tracing,
	}, logger)

	var events routes.EventRecorder
	if cfg.Audit.IsEnabled() {
		events = store
	}
	router, err := routes.New(routes.Config{
		Validator:     validator,
		Events:        events,
		Health:        store,
		RateLimiter:   limiter,
		Observability: obs,
		Logger:        logger,
		TrustProxy:    cfg.Security.TrustProxy,
	})
	if err != nil {
		return fmt.Errorf("configure routes: %w", err)
	}

	handler := router
	if cfg.Observability.Tracing {
		handler = otelhttp.NewHandler(router, "vouchergated")
	}

	configDir := ""
	if strings.TrimSpace(cfgPath) != "" {
		configDir = filepath.Dir(cfgPath)
	}
	tlsConfig, err := buildTLSConfig(configDir, cfg.Security)
	if err != nil {
		return fmt.Errorf("configure TLS: %w", err)
	}
	allowInsecure := cfg.Security.AllowInsecure || allowInsecureFlag
	if tlsConfig == nil {
		if !allowInsecure {
			return errors.New("TLS certificate and key are required; provide security.tlsCertFile/tlsKeyFile or start with --allow-insecure in dev")
		}
		if !config.IsDevEnv(cfg.Environment) && !isLoopbackAddress(cfg.ListenAddress) {
			return errors.New("plaintext mode is restricted to loopback listeners or the dev environment")
		}
	}

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		TLSConfig:    tlsConfig,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	go runMaintenance(ctx, maintenance{
		guard:     guard,
		events:    store,
		retention: cfg.Audit.Retention,
		logger:    logger,
	})

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	scheme := "http"
	if tlsConfig != nil {
		scheme = "https"
		listener = tls.NewListener(listener, tlsConfig)
	}
	logger.Info("listening", "address", fmt.Sprintf("%s://%s", scheme, listener.Addr()))
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(listener) }()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	return nil
}

// openNonceLedger selects the durable nonce backend. The returned closer is
// always safe to call.
func openNonceLedger(cfg config.AuthConfig, store *storage.Store) (auth.NoncePersistence, func(), error) {
	noop := func() {}
	switch cfg.NonceBackend {
	case config.NonceBackendDatabase:
		return store, noop, nil
	case config.NonceBackendMemory:
		return nil, noop, nil
	case config.NonceBackendLevelDB:
		ledger, err := auth.NewLevelDBNoncePersistence(cfg.NoncePath)
		if err != nil {
			return nil, noop, err
		}
		return ledger, func() { _ = ledger.Close() }, nil
	case config.NonceBackendBolt:
		ledger, err := auth.NewBoltNoncePersistence(cfg.NoncePath, nil)
		if err != nil {
			return nil, noop, err
		}
		return ledger, func() { _ = ledger.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unsupported nonce backend %q", cfg.NonceBackend)
	}
}
