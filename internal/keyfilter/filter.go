// Package keyfilter selects which record keys are forwarded to the collector.
package keyfilter

import (
	"fmt"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/kvrelay/internal/model"
)

// Filter holds one compiled pattern. A key is kept iff the whole key matches.
type Filter struct {
	pattern string
	re      *regexp.Regexp
	logger  zerolog.Logger
}

// Option configures a Filter.
type Option func(*Filter)

// WithLogger sets the logger used to report dropped keys at debug level.
func WithLogger(l zerolog.Logger) Option {
	return func(f *Filter) { f.logger = l }
}

// New compiles pattern. The pattern is anchored at both ends, so "key[0-9]+"
// keeps "key12" but not "key12x".
func New(pattern string, opts ...Option) (*Filter, error) {
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return nil, fmt.Errorf("keyfilter: compile %q: %w", pattern, err)
	}
	f := &Filter{
		pattern: pattern,
		re:      re,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Pattern returns the pattern as configured, without anchoring.
func (f *Filter) Pattern() string { return f.pattern }

// Matches reports whether key fully matches the pattern.
func (f *Filter) Matches(key string) bool {
	return f.re.MatchString(key)
}

// Apply returns a new record holding sourceFile followed by every matching key
// of rec, in rec's order. sourceFile is never tested against the pattern.
func (f *Filter) Apply(rec *model.Record) *model.Record {
	out := model.NewRecord(rec.SourceFile())
	rec.Range(func(key, value string) bool {
		if key == model.SourceFileKey {
			return true
		}
		if f.Matches(key) {
			out.Set(key, value)
			return true
		}
		f.logger.Debug().
			Str("key", key).
			Str("pattern", f.pattern).
			Str("file", rec.SourceFile()).
			Msg("key did not match pattern")
		return true
	})
	return out
}
