package watcher

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/kvrelay/internal/model"
)

// BuildFunc returns the handler for one target's events.
type BuildFunc func(model.WatchTarget) (Handler, error)

// Supervisor runs one Watcher per target and stops them together.
type Supervisor struct {
	targets []model.WatchTarget
	build   BuildFunc
	logger  zerolog.Logger
	opts    []Option
	ready   chan struct{}
}

// NewSupervisor applies opts to every watcher it starts.
func NewSupervisor(targets []model.WatchTarget, build BuildFunc, logger zerolog.Logger, opts ...Option) *Supervisor {
	return &Supervisor{
		targets: targets,
		build:   build,
		logger:  logger,
		opts:    opts,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once every target's watcher is subscribed.
func (s *Supervisor) Ready() <-chan struct{} { return s.ready }

// Run blocks until ctx is cancelled or one watcher faults. A fault cancels
// the remaining watchers and is returned.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.targets) == 0 {
		return errors.New("watcher: supervisor: no targets")
	}

	handlers := make([]Handler, len(s.targets))
	for i, t := range s.targets {
		h, err := s.build(t)
		if err != nil {
			return fmt.Errorf("watcher: build handler for target %q: %w", t.Name, err)
		}
		handlers[i] = h
	}

	g, gctx := errgroup.WithContext(ctx)
	watchers := make([]*Watcher, len(s.targets))
	for i, t := range s.targets {
		opts := append(slices.Clone(s.opts), WithLogger(s.logger.With().Str("target", t.Name).Logger()))
		w := New(t.Directory, opts...)
		watchers[i] = w
		h := handlers[i]
		g.Go(func() error { return w.Run(gctx, h) })
	}

	go func() {
		for _, w := range watchers {
			select {
			case <-w.Ready():
			case <-gctx.Done():
				return
			}
		}
		s.logger.Info().Int("targets", len(watchers)).Msg("all watchers ready")
		close(s.ready)
	}()

	return g.Wait()
}
