// Package logging builds the logrus logger shared by the tools and the
// daemon.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/gotmc/labinst/lib/config"
)

const timestampFormat = "2006-01-02 15:04:05"

// New returns a logger configured from cfg. An unknown level falls back to
// info. The returned closer releases the log file, if any.
func New(cfg config.LogConfig) (*logrus.Logger, io.Closer, error) {
	log := logrus.New()
	Apply(log, cfg)

	var closer io.Closer = nopCloser{}
	switch cfg.Output {
	case "", "stdout":
		log.SetOutput(os.Stdout)
	case "stderr":
		log.SetOutput(os.Stderr)
	case "file":
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		log.SetOutput(f)
		closer = f
	default:
		return nil, nil, fmt.Errorf("unknown log output %q", cfg.Output)
	}
	return log, closer, nil
}

// Apply sets the level and formatter of an existing logger, for reloads.
func Apply(log *logrus.Logger, cfg config.LogConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampFormat})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: timestampFormat})
	}
}

// Debug returns a text logger at debug level when on, info otherwise. The
// example tools map their -debug flag onto it.
func Debug(on bool) *logrus.Logger {
	cfg := config.LogConfig{Level: "info", Format: "text"}
	if on {
		cfg.Level = "debug"
	}
	log := logrus.New()
	Apply(log, cfg)
	log.SetOutput(os.Stderr)
	return log
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
