package utils

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggerOptions selects level, encoding and an optional rotating file.
type LoggerOptions struct {
	Level      string
	Format     string // "console" or "json"
	File       bool
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewLogger builds the process logger. When a file is enabled, JSON lines go
// to the rotating file and the configured encoding goes to stdout.
func NewLogger(opts LoggerOptions) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	var stdout io.Writer = os.Stdout
	if opts.Format != "json" {
		stdout = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	out := stdout
	if opts.File {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o755); err != nil {
			return zerolog.Nop(), err
		}
		out = zerolog.MultiLevelWriter(stdout, &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		})
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}
