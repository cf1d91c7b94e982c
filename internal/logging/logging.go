// Package logging builds the process logger from configuration.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/gregtusar/perpexec/internal/config"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a logger writing to console and, when cfg.File is set, to a
// rotated file. An unparsable level falls back to info.
func New(cfg config.LoggingConfig, console io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()

	switch cfg.Format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if console == nil {
		console = os.Stderr
	}
	writers := []io.Writer{console}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, err
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	}

	logger.SetOutput(io.MultiWriter(writers...))
	return logger, nil
}
