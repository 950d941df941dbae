package storesync

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// WatchLogLevel applies logging.level from path to level whenever the file
// changes. Everything else in the file needs a restart. It blocks until ctx is
// done. An invalid file keeps the current level.
func WatchLogLevel(ctx context.Context, path string, level zap.AtomicLevel, logger *zap.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors and ConfigMap updates replace the file.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			reloadLogLevel(path, level, logger)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func reloadLogLevel(path string, level zap.AtomicLevel, logger *zap.Logger) {
	cfg, err := LoadConfig(path)
	if err != nil {
		logger.Warn("config reload rejected", zap.Error(err))
		return
	}
	next, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.Warn("config reload rejected", zap.String("field", "logging.level"), zap.Error(err))
		return
	}
	if next == level.Level() {
		return
	}
	logger.Info("log level changed", zap.Stringer("from", level.Level()), zap.Stringer("to", next))
	level.SetLevel(next)
}
