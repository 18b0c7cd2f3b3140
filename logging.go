package fieldsync

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggingConfig configures daemon logging.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn or error.
	// Default: info.
	Level string

	// File enables rotating file output; empty logs to stderr.
	File string

	// MaxSizeMB is the size a log file may reach before rotation.
	// Gateways run on small SD cards, so the bound is tight. Default: 20.
	MaxSizeMB int

	// MaxBackups is how many rotated files to keep. Default: 3.
	MaxBackups int

	// MaxAgeDays drops rotated files older than this. Default: 28.
	MaxAgeDays int
}

// DefaultLoggingConfig returns the logging defaults.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:      "info",
		MaxSizeMB:  20,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// NewLogger builds the daemon's root logger: structured JSON, one event
// per line, to stderr or to a rotating file.
func NewLogger(cfg LoggingConfig) zerolog.Logger {
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
