package watcher

import (
	"sort"
	"time"
)

// settler holds created files until they have been quiet for a while, so
// a file still being written is not handed over half done.
type settler struct {
	quiet time.Duration
	last  map[string]time.Time // name -> last create or write
	timer *time.Timer
}

func newSettler(quiet time.Duration) *settler {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &settler{
		quiet: quiet,
		last:  make(map[string]time.Time),
		timer: t,
	}
}

func (s *settler) len() int { return len(s.last) }

// touch starts or restarts the quiet period of name.
func (s *settler) touch(name string, now time.Time) {
	s.last[name] = now
	s.arm(now)
}

// refresh restarts the quiet period of name if it is waiting. Writes to
// files that were never seen created are ignored.
func (s *settler) refresh(name string, now time.Time) {
	if _, ok := s.last[name]; ok {
		s.touch(name, now)
	}
}

func (s *settler) forget(name string) {
	delete(s.last, name)
}

// due removes and returns the files quiet as of now, oldest first.
func (s *settler) due(now time.Time) []string {
	var names []string
	for name, t := range s.last {
		if now.Sub(t) >= s.quiet {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		ti, tj := s.last[names[i]], s.last[names[j]]
		if ti.Equal(tj) {
			return names[i] < names[j]
		}
		return ti.Before(tj)
	})
	for _, name := range names {
		delete(s.last, name)
	}
	return names
}

// arm points the timer at the next file to become quiet.
func (s *settler) arm(now time.Time) {
	if len(s.last) == 0 {
		s.timer.Stop()
		return
	}
	var next time.Time
	for _, t := range s.last {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	s.timer.Reset(max(next.Add(s.quiet).Sub(now), 0))
}

func (s *settler) stop() { s.timer.Stop() }
