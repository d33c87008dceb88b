package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/kvrelay/internal/model"
)

const waitTimeout = 5 * time.Second

func startWatcher(t *testing.T, dir string, h Handler, opts ...Option) (*Watcher, context.CancelFunc, <-chan error) {
	t.Helper()
	w := New(dir, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, h) }()

	select {
	case <-w.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("watcher exited before ready: %v", err)
	case <-time.After(waitTimeout):
		cancel()
		t.Fatal("timed out waiting for watcher")
	}
	return w, cancel, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for watcher to exit")
		return nil
	}
}

func TestRunDeliversCreatedFiles(t *testing.T) {
	dir := t.TempDir()
	events := make(chan model.FileEvent, 4)
	w, cancel, done := startWatcher(t, dir, func(_ context.Context, ev model.FileEvent) error {
		events <- ev
		return nil
	})
	defer cancel()

	assert.Equal(t, StateWatching, w.State())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.properties"), []byte("key1 = a\n"), 0644))

	select {
	case ev := <-events:
		assert.Equal(t, "in.properties", ev.Name)
		assert.Equal(t, filepath.Join(dir, "in.properties"), ev.Path)
	case <-time.After(waitTimeout):
		t.Fatal("no event for created file")
	}

	cancel()
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, StateStopped, w.State())
}

func TestRunDeliversRenamedInFiles(t *testing.T) {
	dir := t.TempDir()
	staging := t.TempDir()
	events := make(chan model.FileEvent, 4)
	_, cancel, _ := startWatcher(t, dir, func(_ context.Context, ev model.FileEvent) error {
		events <- ev
		return nil
	})
	defer cancel()

	src := filepath.Join(staging, "moved.properties")
	require.NoError(t, os.WriteFile(src, []byte("key1 = a\n"), 0644))
	require.NoError(t, os.Rename(src, filepath.Join(dir, "moved.properties")))

	select {
	case ev := <-events:
		assert.Equal(t, "moved.properties", ev.Name)
	case <-time.After(waitTimeout):
		t.Fatal("no event for renamed file")
	}
}

func TestHandlerErrorDoesNotStopWatch(t *testing.T) {
	dir := t.TempDir()
	events := make(chan string, 4)
	w, cancel, _ := startWatcher(t, dir, func(_ context.Context, ev model.FileEvent) error {
		events <- ev.Name
		return errors.New("handler failed")
	})
	defer cancel()

	for _, name := range []string{"a", "b"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
		select {
		case got := <-events:
			assert.Equal(t, name, got)
		case <-time.After(waitTimeout):
			t.Fatalf("no event for %s", name)
		}
	}
	assert.Equal(t, StateWatching, w.State())
}

func TestHandlerContextSurvivesCancel(t *testing.T) {
	dir := t.TempDir()
	entered := make(chan struct{})
	finished := make(chan error, 1)
	_, cancel, done := startWatcher(t, dir, func(ctx context.Context, _ model.FileEvent) error {
		close(entered)
		time.Sleep(50 * time.Millisecond)
		finished <- ctx.Err()
		return nil
	})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "slow"), nil, 0644))
	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("handler never ran")
	}
	cancel()

	assert.NoError(t, <-finished)
	assert.NoError(t, waitDone(t, done))
}

func TestRunMissingDirectoryFaults(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "missing"))
	err := w.Run(context.Background(), func(context.Context, model.FileEvent) error { return nil })

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWatchFault)
	assert.Equal(t, StateFaulted, w.State())
}

func TestRunTwiceFails(t *testing.T) {
	dir := t.TempDir()
	w, cancel, done := startWatcher(t, dir, func(context.Context, model.FileEvent) error { return nil })
	defer cancel()

	err := w.Run(context.Background(), func(context.Context, model.FileEvent) error { return nil })
	assert.Error(t, err)

	cancel()
	assert.NoError(t, waitDone(t, done))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", New(t.TempDir()).State().String())
	assert.Equal(t, "faulted", StateFaulted.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestRunWaitsForWritesToSettle(t *testing.T) {
	dir := t.TempDir()
	contents := make(chan string, 4)
	_, cancel, _ := startWatcher(t, dir, func(_ context.Context, ev model.FileEvent) error {
		data, err := os.ReadFile(ev.Path)
		if err != nil {
			return err
		}
		contents <- string(data)
		return nil
	}, WithQuietPeriod(400*time.Millisecond))
	defer cancel()

	f, err := os.Create(filepath.Join(dir, "slow.properties"))
	require.NoError(t, err)
	_, err = f.WriteString("key1 = a\n")
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)
	_, err = f.WriteString("key2 = b\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case got := <-contents:
		assert.Equal(t, "key1 = a\nkey2 = b\n", got)
	case <-time.After(waitTimeout):
		t.Fatal("no event for written file")
	}

	select {
	case got := <-contents:
		t.Fatalf("file handed over twice, second read %q", got)
	case <-time.After(600 * time.Millisecond):
	}
}

func TestRunZeroQuietPeriodHandsOverOnCreate(t *testing.T) {
	dir := t.TempDir()
	events := make(chan string, 1)
	_, cancel, _ := startWatcher(t, dir, func(_ context.Context, ev model.FileEvent) error {
		events <- ev.Name
		return nil
	}, WithQuietPeriod(0))
	defer cancel()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "now"), nil, 0644))
	select {
	case got := <-events:
		assert.Equal(t, "now", got)
	case <-time.After(waitTimeout):
		t.Fatal("no event for created file")
	}
}

func TestHandleErrorOverflowKeepsWatching(t *testing.T) {
	w := New(t.TempDir())
	w.state.Store(int32(StateWatching))

	assert.NoError(t, w.handleError(fsnotify.ErrEventOverflow))
	assert.NoError(t, w.handleError(fmt.Errorf("inotify: %w", fsnotify.ErrEventOverflow)))
	assert.Equal(t, StateWatching, w.State())

	err := w.handleError(errors.New("inotify: bad descriptor"))
	assert.ErrorIs(t, err, ErrWatchFault)
	assert.Equal(t, StateFaulted, w.State())
}
