package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaychat/internal/httpapi"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("relaychat stopped")
	}
}

func run() error {
	configFile := loadDotenv()
	cfg := loadConfig(configFile)

	logger := newLogger(cfg.Env)
	log.Logger = logger
	zerolog.SetGlobalLevel(parseLogLevel(cfg.LogLevel))

	relay := relaychat.NewRelayWithOptions(relaychat.RelayOptions{
		SendQueueSize: cfg.SendQueueSize,
		WriteTimeout:  cfg.WriteTimeout,
		Logger:        &logger,
	})
	server := httpapi.NewServerWithConfig(relay, httpapi.ServerConfig{
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		MaxFrameBytes:   cfg.MaxFrameBytes,
		MaxWait:         cfg.MaxWait,
		AllowedOrigins:  cfg.AllowedOrigins,
		Logger:          &logger,
	})

	// No WriteTimeout: long-polls and relay connections outlive any fixed
	// response deadline.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.Addr).
			Str("env", cfg.Env).
			Msg("relaychat listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return watchConfigFile(gctx, configFile, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		relay.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}
	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()
}
