// Package watcher turns file creations in a directory into FileEvents.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/tinytelemetry/kvrelay/internal/model"
)

// ErrWatchFault is wrapped by every error that ends a watch other than
// cancellation.
var ErrWatchFault = errors.New("watcher: watch fault")

// State of a Watcher.
type State int32

const (
	StateIdle State = iota
	StateWatching
	StateStopped
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWatching:
		return "watching"
	case StateStopped:
		return "stopped"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handler is called once per created file, one call at a time. Its context
// is not cancelled when the watch stops, so an in-flight file completes.
type Handler func(ctx context.Context, ev model.FileEvent) error

// Watcher observes one directory, non-recursively.
type Watcher struct {
	dir    string
	quiet  time.Duration
	logger zerolog.Logger

	state     atomic.Int32
	started   atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures a Watcher.
type Option func(*Watcher)

func WithLogger(l zerolog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithQuietPeriod holds each created file back until it has seen no writes
// for d. Zero hands files over as soon as they are created.
func WithQuietPeriod(d time.Duration) Option {
	return func(w *Watcher) {
		if d >= 0 {
			w.quiet = d
		}
	}
}

func New(dir string, opts ...Option) *Watcher {
	w := &Watcher{
		dir:    filepath.Clean(dir),
		quiet:  model.DefaultQuietPeriod,
		logger: zerolog.Nop(),
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watcher) Dir() string { return w.dir }

func (w *Watcher) State() State { return State(w.state.Load()) }

// Ready is closed once the directory subscription is active.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Run watches until ctx is cancelled, returning nil, or until the watch
// fails, returning an error wrapping ErrWatchFault. A Watcher runs once.
// Files still inside their quiet period when ctx ends are left untouched.
func (w *Watcher) Run(ctx context.Context, handle Handler) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("watcher: %s: already started", w.dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return w.fault(fmt.Errorf("create notifier: %w", err))
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return w.fault(fmt.Errorf("watch %s: %w", w.dir, err))
	}

	w.state.Store(int32(StateWatching))
	w.readyOnce.Do(func() { close(w.ready) })
	w.logger.Info().Str("dir", w.dir).Msg("watching directory")

	handlerCtx := context.WithoutCancel(ctx)
	dispatch := func(name string) {
		fe := model.FileEvent{Name: name, Path: filepath.Join(w.dir, name)}
		if err := handle(handlerCtx, fe); err != nil {
			w.logger.Error().Err(err).Str("dir", w.dir).Str("file", fe.Name).Msg("file not processed")
		}
	}

	files := newSettler(w.quiet)
	defer files.stop()

	for {
		if ctx.Err() != nil {
			return w.stop(files.len())
		}

		select {
		case <-ctx.Done():
			return w.stop(files.len())

		case ev, ok := <-fsw.Events:
			if !ok {
				return w.fault(errors.New("event stream closed"))
			}
			name := filepath.Base(ev.Name)
			switch {
			case ev.Has(fsnotify.Create):
				if w.quiet == 0 {
					dispatch(name)
					continue
				}
				files.touch(name, time.Now())
			case ev.Has(fsnotify.Write):
				files.refresh(name, time.Now())
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				files.forget(name)
			}

		case now := <-files.timer.C:
			for _, name := range files.due(now) {
				dispatch(name)
			}
			files.arm(time.Now())

		case err, ok := <-fsw.Errors:
			if !ok {
				return w.fault(errors.New("error stream closed"))
			}
			if err := w.handleError(err); err != nil {
				return err
			}
		}
	}
}

// handleError reports whether a notifier error ends the watch. An event
// queue overflow only loses events, so the watch carries on.
func (w *Watcher) handleError(err error) error {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		w.logger.Warn().Err(err).Str("dir", w.dir).Msg("event queue overflowed, some files may have been missed")
		return nil
	}
	return w.fault(err)
}

func (w *Watcher) stop(pending int) error {
	w.state.Store(int32(StateStopped))
	w.logger.Info().Str("dir", w.dir).Int("pending", pending).Msg("watch stopped")
	return nil
}

func (w *Watcher) fault(err error) error {
	w.state.Store(int32(StateFaulted))
	w.logger.Error().Err(err).Str("dir", w.dir).Msg("watch failed")
	return fmt.Errorf("%w: %s: %w", ErrWatchFault, w.dir, err)
}
