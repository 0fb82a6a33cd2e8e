package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"invochain/config"
	"invochain/core/events"
	"invochain/gateway"
	"invochain/native/invoice"
	"invochain/observability"
	"invochain/observability/logging"
	"invochain/observability/otel"
	"invochain/storage"
)

const envVar = "INVOCHAIN_ENV"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(envVar))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.Setup(cfg.ServiceName, env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTELEnabled {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: cfg.ServiceName,
			Environment: env,
			Endpoint:    cfg.OTELEndpoint,
			Insecure:    cfg.OTELInsecure,
		})
		if err != nil {
			logger.Error("Failed to initialise telemetry", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("Telemetry shutdown failed", slog.Any("error", err))
			}
		}()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		panic(fmt.Sprintf("Failed to prepare data directory: %v", err))
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	store := storage.NewInvoiceStore(db)
	meta := storage.NewMetaStore(db)

	engine := invoice.NewEngine()
	engine.SetState(store)
	engine.SetLogger(logger)
	engine.SetEmitter(events.MultiEmitter{
		events.LogEmitter{Logger: logger},
		observability.NewEventRecorder(),
	})
	engine.SetDisputeWindowDays(cfg.DisputeWindowDays)
	fee, err := cfg.ParseArbitrationFee()
	if err != nil {
		panic(fmt.Sprintf("Invalid arbitration fee: %v", err))
	}
	engine.SetArbitrationFee(fee)
	if strings.TrimSpace(cfg.ArbitratorURL) != "" {
		engine.SetArbitrator(gateway.NewArbitratorClient(
			cfg.ArbitratorURL,
			time.Duration(cfg.ArbitratorTimeoutSeconds)*time.Second,
		))
	} else {
		logger.Warn("No arbitrator URL configured; dispute registration is a no-op")
	}

	var auth *gateway.Authenticator
	if len(cfg.APIKeys) > 0 {
		secrets := make(map[string]string, len(cfg.APIKeys))
		for _, key := range cfg.APIKeys {
			secrets[key.Key] = key.Secret
		}
		auth = gateway.NewAuthenticator(secrets)
	} else {
		logger.Warn("No API keys configured; gateway authentication is disabled")
	}

	var verifier *gateway.CallbackVerifier
	if strings.TrimSpace(cfg.ArbitrationCallbackSecret) != "" {
		verifier = gateway.NewCallbackVerifier(cfg.ArbitrationCallbackSecret)
	} else {
		logger.Warn("No callback secret configured; ruling delivery is unauthenticated")
	}

	idem, err := gateway.NewSQLiteStore(cfg.IdempotencyDBPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to open idempotency store: %v", err))
	}
	defer idem.Close()

	server, err := gateway.NewServer(gateway.ServerConfig{
		Engine:        engine,
		Meta:          meta,
		Authenticator: auth,
		Verifier:      verifier,
		RateLimiter:   gateway.NewRateLimiter(cfg.RateLimitPerMinute),
		Observability: gateway.NewObservability(cfg.ServiceName, logger),
		Idempotency:   idem,
		Logger:        logger,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to build gateway: %v", err))
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Gateway listening", slog.String("address", cfg.ListenAddress))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Gateway failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", slog.Any("error", err))
	}
}
