package main

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type config struct {
	Addr            string
	Env             string
	LogLevel        string
	SendQueueSize   int
	WriteTimeout    time.Duration
	MaxFrameBytes   int64
	MaxBodyBytes    int64
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxWait         time.Duration
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// loadDotenv loads the dotenv file named by RELAYCHAT_CONFIG_FILE (default
// .env) without overriding variables already set, and returns its path.
func loadDotenv() string {
	path := envOrDefault("RELAYCHAT_CONFIG_FILE", ".env")
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("file", path).Msg("failed to load config file")
	}
	return path
}

func loadConfig(configFile string) config {
	return config{
		Addr:            envOrDefault("RELAYCHAT_ADDR", ":8787"),
		Env:             envOrDefault("RELAYCHAT_ENV", "production"),
		LogLevel:        envOrDefault("RELAYCHAT_LOG_LEVEL", "info"),
		SendQueueSize:   intEnv("RELAYCHAT_SEND_QUEUE_SIZE", 64),
		WriteTimeout:    durationEnv("RELAYCHAT_WRITE_TIMEOUT", 10*time.Second),
		MaxFrameBytes:   int64Env("RELAYCHAT_MAX_FRAME_BYTES", 64<<10),
		MaxBodyBytes:    int64Env("RELAYCHAT_MAX_BODY_BYTES", 1<<20),
		RateLimitMax:    intEnv("RELAYCHAT_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("RELAYCHAT_RATE_LIMIT_WINDOW", time.Minute),
		MaxWait:         durationEnv("RELAYCHAT_MAX_WAIT", time.Minute),
		AllowedOrigins:  listEnv("RELAYCHAT_ALLOWED_ORIGINS", []string{"*"}),
		ShutdownTimeout: durationEnv("RELAYCHAT_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func parseLogLevel(raw string) zerolog.Level {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		log.Warn().Str("level", raw).Msg("invalid log level, using info")
		return zerolog.InfoLevel
	}
	return level
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int("fallback", fallback).Msg("invalid integer, using fallback")
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int64("fallback", fallback).Msg("invalid integer, using fallback")
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Dur("fallback", fallback).Msg("invalid duration, using fallback")
		return fallback
	}
	return value
}

func listEnv(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	if len(values) == 0 {
		return fallback
	}
	return values
}
