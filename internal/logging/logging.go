// Package logging configures the global zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Level  string
	Format string // console or json
	File   string
}

// Setup installs the global logger. The returned closer releases the log
// file, if any.
func Setup(o Options) (io.Closer, error) {
	zerolog.TimeFieldFormat = time.RFC3339
	if err := SetLevel(o.Level); err != nil {
		return nil, err
	}

	var out io.Writer = os.Stdout
	if o.Format != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	var closer io.Closer = nopCloser{}
	if o.File != "" {
		f, err := os.OpenFile(o.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(out, f)
		closer = f
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return closer, nil
}

// SetLevel changes the global level; used on config reload.
func SetLevel(level string) error {
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
