// Package logging builds the service logger from configuration.
package logging

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"authgate/internal/config"
)

// New returns a logger writing to w with the configured level and format.
func New(cfg config.LogConfig, w io.Writer) (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           level,
		Prefix:          "authgate",
	})

	switch cfg.Format {
	case "json":
		logger.SetFormatter(log.JSONFormatter)
	case "logfmt":
		logger.SetFormatter(log.LogfmtFormatter)
	case "text", "":
		logger.SetFormatter(log.TextFormatter)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return logger, nil
}

// Discard returns a logger that drops everything, for tests and tools.
func Discard() *log.Logger {
	return log.New(io.Discard)
}
