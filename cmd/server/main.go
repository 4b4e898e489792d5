package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"modengine/internal/database"
	"modengine/internal/handlers"
	"modengine/internal/metrics"
	"modengine/internal/middleware"
	"modengine/internal/moderation"
	"modengine/internal/routing"
	"modengine/internal/stats"
	"modengine/internal/tracing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// config is the server configuration read from the environment
type config struct {
	Port        string
	DBDriver    database.Driver
	DBPath      string
	PolicyPath  string
	RedisAddr   string
	RedisPrefix string
	JWTSecret   []byte
	Tracing     bool
	LogLevel    string
	LogFormat   string

	MetricsInterval time.Duration
	ShutdownTimeout time.Duration
}

func loadConfig(getenv func(string) string) (config, error) {
	cfg := config{
		Port:            getenv("PORT"),
		DBPath:          getenv("MODENGINE_DB_PATH"),
		PolicyPath:      getenv("MODENGINE_POLICY_PATH"),
		RedisAddr:       getenv("MODENGINE_REDIS_ADDR"),
		RedisPrefix:     getenv("MODENGINE_REDIS_PREFIX"),
		JWTSecret:       []byte(getenv("MODENGINE_JWT_SECRET")),
		Tracing:         getenv("MODENGINE_TRACING") == "true",
		LogLevel:        getenv("LOG_LEVEL"),
		LogFormat:       getenv("LOG_FORMAT"),
		MetricsInterval: 30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}

	if cfg.Port == "" {
		cfg.Port = "18920"
	}
	if _, err := strconv.ParseUint(cfg.Port, 10, 16); err != nil {
		return config{}, fmt.Errorf("invalid PORT %q", cfg.Port)
	}

	driver, err := database.ParseDriver(getenv("MODENGINE_DB_DRIVER"))
	if err != nil {
		return config{}, err
	}
	cfg.DBDriver = driver

	if cfg.DBPath == "" {
		cfg.DBPath, err = database.DefaultPath(driver)
		if err != nil {
			return config{}, err
		}
	}

	if raw := getenv("MODENGINE_METRICS_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return config{}, fmt.Errorf("invalid MODENGINE_METRICS_INTERVAL %q", raw)
		}
		cfg.MetricsInterval = d
	}

	return cfg, nil
}

// setupLogging configures the global zerolog logger
func setupLogging(level, format string) {
	// Set log level from environment (default: info)
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info", "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Use pretty console logging in development, JSON in production
	if format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}
}

func main() {
	cfg, err := loadConfig(os.Getenv)
	setupLogging(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logConfig(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
	log.Info().Msg("Server stopped")
}

// logConfig logs the effective configuration. The JWT secret is never logged.
func logConfig(cfg config) {
	log.Info().
		Str("port", cfg.Port).
		Str("db_driver", string(cfg.DBDriver)).
		Str("db_path", cfg.DBPath).
		Str("policy_path", cfg.PolicyPath).
		Str("redis_addr", cfg.RedisAddr).
		Bool("jwt_verification", len(cfg.JWTSecret) > 0).
		Bool("tracing", cfg.Tracing).
		Dur("metrics_interval", cfg.MetricsInterval).
		Msg("Starting moderation engine")
}

func run(ctx context.Context, cfg config) error {
	if cfg.Tracing {
		tp, err := tracing.Init(ctx)
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Failed to flush traces")
			}
		}()
		log.Info().Msg("OpenTelemetry tracing enabled")
	}

	store, err := database.Open(cfg.DBDriver, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening %s database at %s: %w", cfg.DBDriver, cfg.DBPath, err)
	}
	defer store.Close()
	log.Info().Str("driver", string(cfg.DBDriver)).Str("path", cfg.DBPath).Msg("Database opened")

	policy, err := moderation.NewPolicyService(cfg.PolicyPath)
	if err != nil {
		return err
	}

	counters, closeCounters, err := openCounters(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCounters()

	engine := moderation.NewEngine(store, stats.New(counters), moderation.Options{Policy: policy})

	// Bring the aggregator up to the end of the audit log
	caughtUp, err := engine.CatchUpStats(ctx)
	if err != nil {
		return fmt.Errorf("catching up stats: %w", err)
	}
	log.Info().Uint64("entries", caughtUp).Msg("Stats aggregator caught up with audit log")

	metrics.StartCollector(ctx, metrics.StatsSource{
		AuditSequence:   store.LastSequence,
		StatsSequence:   engine.StatsSequence,
		PostsByState:    engine.CountPostsByState,
		UsersBySeverity: engine.CountUsersBySeverity,
	}, cfg.MetricsInterval)

	if len(cfg.JWTSecret) == 0 {
		log.Warn().Msg("MODENGINE_JWT_SECRET not set, bearer tokens will not be verified")
	}

	handler := routing.SetupRouter(routing.Config{
		Handlers: handlers.NewHandler(engine, handlers.DefaultConfig()),
		Logger:   log.Logger,
		Auth:     middleware.AuthConfig{Secret: cfg.JWTSecret},
	})

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().
			Str("address", srv.Addr).
			Str("url", "http://localhost:"+cfg.Port).
			Str("database", cfg.DBPath).
			Bool("redis", cfg.RedisAddr != "").
			Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		reloadPolicyOnSIGHUP(gctx, policy)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openCounters selects the stats counter backend: Redis when configured, memory otherwise
func openCounters(ctx context.Context, cfg config) (stats.Counters, func(), error) {
	if cfg.RedisAddr == "" {
		log.Info().Msg("Using in-memory stats counters")
		return stats.NewMemoryCounters(), func() {}, nil
	}

	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	counters := stats.NewRedisCounters(client, cfg.RedisPrefix)
	if err := counters.Ping(ctx, 5*time.Second); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}

	log.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis stats counters")
	return counters, func() { client.Close() }, nil
}

// reloadPolicyOnSIGHUP reloads the policy file each time the process receives SIGHUP
func reloadPolicyOnSIGHUP(ctx context.Context, policy *moderation.PolicyService) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := policy.Reload(); err != nil {
				log.Error().Err(err).Msg("Failed to reload moderation policy, keeping previous policy")
				continue
			}
			log.Info().Msg("Moderation policy reloaded")
		}
	}
}
