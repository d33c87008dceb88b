// Package logging builds the zerolog loggers shared by the kvrelay binaries.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Options selects level, encoding and destination of a logger.
type Options struct {
	Level     string // trace, debug, info, warn, error; default info
	Format    string // console or json; default console
	File      string // optional log file, appended to instead of Output
	Output    io.Writer
	Component string
}

// New returns a logger and a cleanup func that closes any opened log file.
func New(opts Options) (zerolog.Logger, func(), error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), func() {}, err
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	cleanup := func() {}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return zerolog.Nop(), cleanup, fmt.Errorf("logging: create log dir: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return zerolog.Nop(), cleanup, fmt.Errorf("logging: open log file: %w", err)
		}
		out = f
		cleanup = func() { _ = f.Close() }
	}

	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", FormatConsole:
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: opts.File != ""}
	case FormatJSON:
	default:
		cleanup()
		return zerolog.Nop(), func() {}, fmt.Errorf("logging: unknown format %q", opts.Format)
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if opts.Component != "" {
		ctx = ctx.Str("component", opts.Component)
	}
	return ctx.Logger(), cleanup, nil
}

// ParseLevel maps a level name to a zerolog level. Empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	if s == "warning" {
		s = "warn"
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("logging: invalid level %q", s)
	}
	return level, nil
}
