// Package logging provides the engine's process-wide structured logger:
// env-gated, one zerolog JSON file per day under the user's home
// directory.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Level is the logger's verbosity threshold.
type Level int

const (
	LevelNone Level = iota
	LevelError
	LevelInfo
	LevelDebug
)

var (
	logger  zerolog.Logger
	logFile *os.File
	level   Level = LevelNone
)

// Init initializes the logger based on the MEMORY_LOG_LEVEL environment
// variable (none|error|info|debug). An empty or unrecognized value
// disables logging entirely.
func Init() error {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("MEMORY_LOG_LEVEL")))
	switch raw {
	case "debug":
		level = LevelDebug
	case "info":
		level = LevelInfo
	case "error":
		level = LevelError
	default:
		return nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	logsDir := filepath.Join(homeDir, ".memory-engine", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	logPath := filepath.Join(logsDir, fmt.Sprintf("memory-%s.log", time.Now().Format("2006-01-02")))
	logFile, err = os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	logger = zerolog.New(logFile).With().Timestamp().Logger()
	logger.Info().Str("level", raw).Msg("memory engine log started")

	return nil
}

// Debug logs a structured debug event with key/value fields.
func Debug(msg string, fields map[string]interface{}) {
	if level < LevelDebug {
		return
	}
	emit(logger.Debug(), fields).Msg(msg)
}

// Info logs a structured info event.
func Info(msg string, fields map[string]interface{}) {
	if level < LevelInfo {
		return
	}
	emit(logger.Info(), fields).Msg(msg)
}

// Warn logs a structured warning, gated the same as Error.
func Warn(msg string, fields map[string]interface{}) {
	if level < LevelError {
		return
	}
	emit(logger.Warn(), fields).Msg(msg)
}

// Error logs a structured error event.
func Error(msg string, fields map[string]interface{}) {
	if level < LevelError {
		return
	}
	emit(logger.Error(), fields).Msg(msg)
}

func emit(ev *zerolog.Event, fields map[string]interface{}) *zerolog.Event {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	return ev
}

// Close flushes and closes the underlying log file.
func Close() {
	if logFile != nil {
		logger.Info().Msg("memory engine log ended")
		logFile.Close()
	}
}
