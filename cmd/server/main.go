package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"securenotes-backend/internal/api"
	"securenotes-backend/internal/app"
	"securenotes-backend/internal/auth"
	"securenotes-backend/internal/config"
	"securenotes-backend/internal/logging"
	"securenotes-backend/internal/service"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env before the configuration. Without one the process
	// environment is used as is.
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("no .env file loaded, using the process environment")
	}

	var cfg config.Config
	if err := config.Load(&cfg); err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogPretty)
	ctx := logger.WithContext(context.Background())

	initCtx, cancelInit := context.WithTimeout(ctx, 30*time.Second)
	defer cancelInit()

	store, err := app.OpenStore(initCtx, &cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StorageDriver).Msg("failed to open store")
	}
	defer store.Close()

	keyring, err := app.LoadKeyring(initCtx, &cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load master keyring")
	}
	tokens, err := auth.NewTokenCodec(keyring)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize token codec")
	}

	userService := service.NewUserService(store, cfg.KDF(), auth.NewSessionRegistry(), tokens, cfg.SessionTTL)
	noteService := service.NewNoteService(store)
	handler := api.NewHandler(userService, noteService, store, cfg.AllowedOrigins)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      handler.Routes(logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.ServerPort).Str("env", cfg.AppEnv).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		return
	}
	logger.Info().Msg("server stopped")
}
