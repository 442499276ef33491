// Package log implements structured logging using slog.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/portredir/internal/config"
)

var (
	mu      sync.Mutex
	current *slog.Logger
	rotator *lumberjack.Logger
)

// Init builds the global logger from configuration and installs it as the
// slog default. Calling Init again replaces the previous logger and closes
// its rotating file.
func Init(cfg config.LogConfig) error {
	return initWith(cfg, os.Stdout)
}

func initWith(cfg config.LogConfig, stdout io.Writer) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	// Stdout is always included.
	writers := []io.Writer{stdout}

	var fileWriter *lumberjack.Logger
	if cfg.Outputs.File.Enabled {
		fileWriter, err = createFileWriter(cfg.Outputs.File)
		if err != nil {
			return fmt.Errorf("failed to create file output: %w", err)
		}
		writers = append(writers, fileWriter)
	}

	multiWriter := io.MultiWriter(writers...)

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(multiWriter, opts)
	case "text":
		handler = slog.NewTextHandler(multiWriter, opts)
	default:
		if fileWriter != nil {
			fileWriter.Close()
		}
		return fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}

	logger := slog.New(handler)

	mu.Lock()
	prev := rotator
	current, rotator = logger, fileWriter
	mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	slog.SetDefault(logger)
	return nil
}

// Get returns the logger installed by Init, or slog.Default before Init.
func Get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return slog.Default()
	}
	return current
}

// Flush closes the rotating log file, if any. Stdout needs no flushing.
func Flush() {
	mu.Lock()
	r := rotator
	rotator = nil
	mu.Unlock()

	if r != nil {
		if err := r.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close log file: %v\n", err)
		}
	}
}

// parseLevel converts string level to slog.Level.
func parseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", levelStr)
	}
}

// createFileWriter creates a lumberjack file writer for log rotation.
func createFileWriter(fc config.FileOutputConfig) (*lumberjack.Logger, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("file output requires 'path' field")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.Rotation.MaxSizeMB,
		MaxBackups: fc.Rotation.MaxBackups,
		MaxAge:     fc.Rotation.MaxAgeDays,
		Compress:   fc.Rotation.Compress,
	}, nil
}
