package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aegis-ops/backend/internal/cache"
	"github.com/aegis-ops/backend/internal/config"
	"github.com/aegis-ops/backend/internal/db"
	httpapi "github.com/aegis-ops/backend/internal/http"
	"github.com/aegis-ops/backend/internal/intake"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	logger := log.Level(level).With().Str("service", "aegis-backend").Logger()

	ctx := context.Background()

	if cfg.AutoMigrate {
		if err := db.RunMigrations(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migrations failed")
		}
	}

	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect db")
	}
	defer store.Close()

	ch, err := cache.New(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}
	if ch == nil {
		logger.Info().Msg("redis not configured, caching disabled")
	}
	defer ch.Close()

	var classifier intake.Classifier
	if cfg.ClassifierURL == "" {
		classifier = intake.MockClassifier{}
		logger.Info().Msg("using mock classifier")
	} else {
		classifier = intake.HTTPClassifier{BaseURL: cfg.ClassifierURL}
	}

	router := httpapi.Router(cfg, store, classifier, ch, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)
	logger.Info().Msg("server stopped")
}
