// Command gateway runs the multi-tenant ITSM bridge: it terminates agent SSE
// connections, proxies tool calls to each tenant's ITSM instance, and manages
// OAuth tokens on the tenants' behalf.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/erauner12/itsmbridge/internal/breaker"
	"github.com/erauner12/itsmbridge/internal/config"
	"github.com/erauner12/itsmbridge/internal/crypto"
	"github.com/erauner12/itsmbridge/internal/mcp"
	"github.com/erauner12/itsmbridge/internal/ratelimit"
	"github.com/erauner12/itsmbridge/internal/retry"
	"github.com/erauner12/itsmbridge/internal/sse"
	"github.com/erauner12/itsmbridge/internal/store"
	"github.com/erauner12/itsmbridge/internal/tenant"
	"github.com/erauner12/itsmbridge/internal/token"
	"github.com/erauner12/itsmbridge/internal/upstream"
)

const (
	version = "0.1.0"

	shutdownTimeout = 10 * time.Second
)

var (
	showVersion = flag.Bool("version", false, "Show version information")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	listenAddr  = flag.String("listen", "", "Bind address (overrides ITSMBRIDGE_LISTEN_ADDR)")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("gateway version %s\n", version)
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	log.Info().
		Str("version", version).
		Str("listenAddr", cfg.ListenAddr).
		Bool("multiInstance", cfg.MultiInstance).
		Str("instanceId", cfg.InstanceID).
		Msg("Starting ITSM bridge gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("gateway failed")
		os.Exit(1)
	}

	log.Info().Msg("Gateway stopped gracefully")
}

// loadConfig loads the environment configuration and applies CLI flag
// overrides before validation.
func loadConfig() (*config.Config, error) {
	cfg := config.Load()

	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *debug {
		cfg.Debug = true
		if *logLevel == "" {
			cfg.LogLevel = "debug"
		}
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// setupLogging configures the global logger.
func setupLogging(cfg *config.Config) {
	zerolog.SetGlobalLevel(parseLogLevel(cfg.LogLevel))

	if cfg.Debug {
		// Pretty logging for development
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
		log.Logger = log.Logger.With().Caller().Logger()
	} else {
		// JSON logging for production
		log.Logger = zerolog.New(os.Stderr).
			With().
			Timestamp().
			Logger()
	}
}

// parseLogLevel converts a string log level to zerolog.Level
func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// run wires the components together and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	// The decoded key lives only inside the crypto service; it is never
	// logged or written anywhere.
	cryptoSvc, err := crypto.NewServiceFromHex(cfg.EncryptionKeyHex)
	if err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	pool, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig{
		MaxConns: int32(cfg.DatabaseMaxConns),
		MinConns: int32(cfg.DatabaseMinConns),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	if err := store.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	st := store.New(pool)
	registry := tenant.NewRegistry(st, cryptoSvc, tenant.DefaultCacheTTL)

	gateCfg := ratelimit.DefaultRefreshGateConfig()
	gateCfg.MultiInstance = cfg.MultiInstance
	gate := ratelimit.NewRefreshGate(gateCfg, st)

	budget := ratelimit.NewBudget(ratelimit.BudgetConfig{})

	refreshBreaker := breaker.New("token-refresh", breaker.DefaultConfig())

	tokens := token.NewManager(
		token.Config{
			SafetyMargin:  cfg.SafetyMargin,
			RefreshMargin: cfg.RefreshMargin,
			CheckInterval: cfg.SweepInterval,
			InstanceID:    cfg.InstanceID,
		},
		st,
		registry,
		cryptoSvc,
		gate,
		refreshBreaker,
		retry.DefaultPolicy(),
		token.NewHTTPIdentityProvider(nil),
	)

	client := upstream.NewClient(nil, tokens, budget, retry.DefaultPolicy())

	toolRegistry := mcp.NewRegistry()
	mcp.NewToolset(client, registry).RegisterAll(toolRegistry)

	sessions := sse.NewManager(sse.ManagerConfig{
		IdleTimeout:  cfg.SessionIdleTimeout,
		PerMinute:    cfg.SessionPerMinute,
		MaxPerTenant: cfg.MaxSessionsPerTenant,
	})

	server := sse.NewServer(sse.Config{
		APIKeys:    cfg.APIKeys,
		AllowedIPs: cfg.AllowedIPs,
	}, sessions, toolRegistry, registry)

	httpServer := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     server.Routes(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE streams stay open indefinitely.
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return tokens.Run(gctx)
	})

	g.Go(func() error {
		return sessions.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
