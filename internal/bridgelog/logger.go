// Package bridgelog wraps slog to provide consistent structured logging
// across the bridge.
package bridgelog

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger.
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "text", "json"
	Output string // "stdout", "file"
	File   string // path to log file, used when Output == "file"
}

var globalLogger *Logger

// New creates a new Logger instance.
func New(config Config) *Logger {
	var handler slog.Handler
	var level slog.Level

	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	writer := os.Stdout
	if config.Output == "file" && config.File != "" {
		f, err := os.OpenFile(config.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			writer = f
		}
	}

	if strings.ToLower(config.Format) == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	l := &Logger{Logger: slog.New(handler)}

	if globalLogger == nil {
		globalLogger = l
	}

	return l
}

// Global returns the process-wide default logger, creating one at info
// level/text format if none has been set yet.
func Global() *Logger {
	if globalLogger == nil {
		return New(Config{Level: "info", Format: "text"})
	}
	return globalLogger
}

// SetGlobal sets the process-wide default logger.
func SetGlobal(l *Logger) {
	globalLogger = l
}

// WithSensor binds sensor_id to every record logged through the returned
// Logger, for the per-sensor pipelines in internal/coordinator.
func (l *Logger) WithSensor(sensorID string) *Logger {
	return &Logger{Logger: l.Logger.With("sensor_id", sensorID)}
}

// WithDevice binds device_id to every record logged through the returned
// Logger, for BLE transport and device-status logging.
func (l *Logger) WithDevice(deviceID string) *Logger {
	return &Logger{Logger: l.Logger.With("device_id", deviceID)}
}

// WithSeq binds seq to every record logged through the returned Logger, for
// tracing a single frame/event across the ingestion-to-persistence path.
func (l *Logger) WithSeq(seq uint64) *Logger {
	return &Logger{Logger: l.Logger.With("seq", seq)}
}
