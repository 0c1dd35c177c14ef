package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"wagate/config"
	"wagate/internal/cleanup"
	"wagate/internal/httpapi"
	"wagate/internal/instance"
	"wagate/internal/plugin"
	"wagate/internal/storage"
	"wagate/internal/wa"
)

func main() {
	cfg := config.Load()
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	store, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer store.Close()

	registry := plugin.NewRegistry(log)
	dialer := wa.NewMeowDialer(cfg.AuthRoot, cfg.TransientStreamCodes, log)
	manager := instance.NewManager(store, dialer, registry, cfg.AuthRoot, cfg.TransientStreamCodes, log)

	ctx := context.Background()
	if err := manager.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("manager init failed")
	}

	// Mode single/both: pastikan instance tunggal untuk SINGLE_PHONE ada.
	if cfg.Mode == config.ModeSingle || cfg.Mode == config.ModeBoth {
		ensureSingleInstance(ctx, cfg, store, manager, log)
	}

	var sweeper *cleanup.Sweeper
	if cfg.RetentionMinutes > 0 {
		sweeper = cleanup.New(store, manager,
			time.Duration(cfg.RetentionMinutes)*time.Minute, cfg.RetentionCron, log)
		if err := sweeper.Start(); err != nil {
			log.Error().Err(err).Msg("retention sweeper failed to start")
		}
	}

	router := httpapi.NewRouter(store, manager, registry, log)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	go func() {
		log.Info().Str("port", cfg.Port).Str("mode", cfg.Mode).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	if sweeper != nil {
		sweeper.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	manager.Shutdown()
}

// ensureSingleInstance materialises the legacy single-session case as one
// ordinary managed instance.
func ensureSingleInstance(ctx context.Context, cfg *config.Config, store *storage.Store,
	manager *instance.Manager, log zerolog.Logger) {

	if cfg.SinglePhone == "" {
		log.Warn().Msg("mode requires SINGLE_PHONE, skipping single instance")
		return
	}
	rec, err := store.InstanceByPhone(wa.DigitsOnly(cfg.SinglePhone))
	if err != nil {
		log.Error().Err(err).Msg("single instance lookup failed")
		return
	}
	if rec != nil {
		if err := manager.Restart(ctx, cfg.SinglePhone); err != nil {
			log.Error().Err(err).Msg("single instance restart failed")
		}
		return
	}
	if _, err := manager.Create(ctx, cfg.SinglePhone, "default", ""); err != nil {
		log.Error().Err(err).Msg("single instance create failed")
	}
}
