package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/funnelforge/billing/internal/billing"
	"github.com/funnelforge/billing/internal/config"
	"github.com/funnelforge/billing/internal/db"
	"github.com/funnelforge/billing/internal/email"
	"github.com/funnelforge/billing/internal/eventlog"
	httpapi "github.com/funnelforge/billing/internal/http"
	"github.com/funnelforge/billing/internal/logging"
	"github.com/funnelforge/billing/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup("info", false)
		log.Fatal().Err(err).Msg("load config failed")
	}
	logging.Setup(cfg.LogLevel, cfg.LogPretty)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer pool.Close()

	if cfg.MigrateOnStart {
		if err := db.Migrate(ctx, pool); err != nil {
			log.Fatal().Err(err).Msg("db migrate failed")
		}
	}

	provider := billing.NewStripe(billing.StripeConfig{
		SecretKey:             cfg.StripeSecretKey,
		PortalConfigurationID: cfg.StripePortalConfigurationID,
		Timeout:               cfg.StripeTimeout,
	})

	opts := []services.Option{}
	if cfg.RedisURL != "" {
		ledger, err := eventlog.NewRedisLedger(ctx, cfg.RedisURL, cfg.ProcessedEventTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connect failed")
		}
		defer func() { _ = ledger.Close() }()
		opts = append(opts, services.WithLedger(ledger))
	} else {
		log.Info().Msg("REDIS_URL not set, webhook redeliveries are re-applied")
	}
	if cfg.NotificationsEnabled() {
		opts = append(opts, services.WithNotifier(email.NewResendClient(cfg.ResendAPIKey, cfg.ResendFromEmail, cfg.PublicURL)))
	}

	svc := services.New(services.NewPostgresStore(pool), provider, cfg, opts...)

	server := httpapi.NewServer(svc, cfg)
	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ServerAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	log.Info().Msg("server stopped")
}
