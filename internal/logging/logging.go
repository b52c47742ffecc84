// Package logging builds the zerolog logger shared across the sync
// engine, with optional file rotation.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/gridwell/gridsync/internal/config"
)

// New builds the root logger from the log settings. With a file path
// set, output rotates via lumberjack; console output can be layered on
// top for interactive use.
func New(cfg config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	// Global level so a config reload can adjust verbosity at runtime.
	zerolog.SetGlobalLevel(level)

	var writers []io.Writer
	if cfg.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}
	if cfg.Console || len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr})
	}

	var out io.Writer = writers[0]
	if len(writers) > 1 {
		out = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(out).With().Timestamp().Logger()
}

// Nop returns a discarding logger for tests and optional components.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
