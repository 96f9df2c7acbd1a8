package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/neonpro/continuity/internal/config"
	"github.com/neonpro/continuity/internal/database"
	"github.com/neonpro/continuity/internal/repositories"
	"github.com/neonpro/continuity/internal/server"
	"github.com/neonpro/continuity/internal/services"
	"github.com/rs/zerolog"
)

func main() {
	ctx := context.Background()

	godotenv.Load()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if os.Getenv("APP_ENV") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create postgres pool")
	}
	defer postgresPool.Close()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create redis client")
	}
	defer redisClient.Close()

	records := repositories.NewPostgresRecordRepository(postgresPool)
	tokens := repositories.NewRedisTokenRepository(redisClient)

	applySvc := services.NewApplyService(records, logger)
	handoffSvc := services.NewHandoffService(tokens, services.HandoffConfig{
		Secret:     cfg.HandoffSecret,
		SealKey:    cfg.HandoffSealKey,
		Origin:     cfg.Origin,
		DefaultTTL: cfg.HandoffTTL,
	}, logger)

	router := server.NewRouter(applySvc, handoffSvc, logger)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router.Handler(),
	}

	// graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info().Msg("shutting down gateway")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
	}()

	logger.Info().Str("port", cfg.ServerPort).Msg("starting sync gateway")
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server error")
	}

	logger.Info().Msg("gateway stopped gracefully")
}
