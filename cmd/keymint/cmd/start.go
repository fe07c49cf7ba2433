package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/keymint/keymint/internal/adapter/inbound/http"
	"github.com/keymint/keymint/internal/adapter/outbound/memory"
	"github.com/keymint/keymint/internal/adapter/outbound/redisstore"
	"github.com/keymint/keymint/internal/config"
	"github.com/keymint/keymint/internal/domain/keys"
	"github.com/keymint/keymint/internal/domain/ratelimit"
	"github.com/keymint/keymint/internal/domain/verifier"
	"github.com/keymint/keymint/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the HTTP service",
	Long: `Start the keymint HTTP service.

With store.host configured, the service connects to Redis under two
principals: the validator (read-mostly, used by the validation
pipeline) and the manager (admin operations). In dev mode with no
store.host, an in-memory store stands in; nothing survives a restart.

Examples:
  # Start with config file settings
  keymint start

  # Local development without Redis
  keymint start --dev

  # Start with a specific config file
  keymint --config /path/to/config.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (in-memory store, verbose logging)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load without validation so the CLI flag can flip DevMode first.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if file := config.ConfigFileUsed(); file != "" {
		logger.Info("loaded configuration", "file", file)
	} else {
		logger.Info("no config file found, using environment and defaults")
	}

	// In dev mode, service spans print to stderr. Production tracing
	// plugs a real exporter in here.
	if cfg.DevMode {
		shutdown, err := initDevTracing()
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}
		defer shutdown()
	}

	validatorStore, managerStore, err := buildStores(cfg, logger)
	if err != nil {
		return err
	}

	limiter := ratelimit.NewLimiter(validatorStore, cfg.Rate.RequestsPerMinute, cfg.CounterTTL())
	v := verifier.New(verifier.Params{
		TimeCost:    uint32(cfg.Verifier.TimeCost),
		MemoryKiB:   uint32(cfg.Verifier.MemoryKiB),
		Parallelism: uint8(cfg.Verifier.Parallelism),
	})

	validation := service.NewValidationService(validatorStore, limiter, logger)
	admin := service.NewAdminService(managerStore, v, logger)

	transport := http.NewTransport(validation, admin,
		http.WithAddr(cfg.Server.Addr),
		http.WithAdminSecret(cfg.Admin.SharedSecret),
		http.WithRequestTimeout(cfg.RequestTimeoutDuration()),
		http.WithHealthChecker(http.NewHealthChecker(validatorStore, managerStore, Version)),
		http.WithLogger(logger),
	)

	if cfg.Admin.SharedSecret == "" {
		logger.Warn("no admin shared secret configured; admin endpoints answer 503")
	}

	logger.Info("starting keymint", "version", Version, "addr", cfg.Server.Addr, "dev_mode", cfg.DevMode)
	return transport.Start(ctx)
}

// buildStores returns the validator- and manager-principal store ports.
// Dev mode with no store.host shares one in-memory store between them.
func buildStores(cfg *config.Config, logger *slog.Logger) (keys.ValidatorStore, keys.ManagerStore, error) {
	if cfg.Store.Host == "" {
		if !cfg.DevMode {
			return nil, nil, fmt.Errorf("store.host is required outside dev mode")
		}
		logger.Warn("using in-memory store; all keys are lost on restart")
		mem := memory.NewStore()
		return mem, mem, nil
	}

	validator := redisstore.New(redisstore.Options{
		Host:     cfg.Store.Host,
		Port:     cfg.Store.Port,
		Username: cfg.Store.Validator.Username,
		Password: cfg.Store.Validator.Password,
		DB:       cfg.Store.DB,
		PoolSize: cfg.Store.PoolSize,
	})
	manager := redisstore.New(redisstore.Options{
		Host:     cfg.Store.Host,
		Port:     cfg.Store.Port,
		Username: cfg.Store.Manager.Username,
		Password: cfg.Store.Manager.Password,
		DB:       cfg.Store.DB,
		PoolSize: cfg.Store.PoolSize,
	})
	logger.Info("connecting to store", "host", cfg.Store.Host, "port", cfg.Store.Port, "db", cfg.Store.DB)
	return validator, manager, nil
}

// initDevTracing installs a stdout span exporter as the global tracer
// provider and returns its shutdown hook.
func initDevTracing() (func(), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
