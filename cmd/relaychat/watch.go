package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// watchConfigFile re-reads path whenever it is created or changes and
// applies its RELAYCHAT_LOG_LEVEL. The file need not exist yet. It returns
// nil when the watcher cannot start, so the server keeps running with its
// initial level.
func watchConfigFile(ctx context.Context, path string, logger zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn().Err(err).Msg("config watcher unavailable")
		return nil
	}
	defer watcher.Close()

	// Watch the directory: editors often replace the file, and it may not
	// exist yet.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		logger.Warn().Err(err).Str("dir", dir).Msg("config watcher unavailable")
		return nil
	}
	target := filepath.Clean(path)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(50*time.Millisecond, func() {
				reloadLogLevel(path, logger)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("config watcher error")
		case <-ctx.Done():
			return nil
		}
	}
}

func reloadLogLevel(path string, logger zerolog.Logger) {
	values, err := godotenv.Read(path)
	if err != nil {
		logger.Warn().Err(err).Str("file", path).Msg("failed to reload config file")
		return
	}
	raw, ok := values["RELAYCHAT_LOG_LEVEL"]
	if !ok {
		return
	}
	level := parseLogLevel(raw)
	if level == zerolog.GlobalLevel() {
		return
	}
	zerolog.SetGlobalLevel(level)
	logger.WithLevel(level).Str("level", level.String()).Msg("log level reloaded")
}
