package tests

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tinytelemetry/kvrelay/internal/collector"
	"github.com/tinytelemetry/kvrelay/internal/ingest"
	"github.com/tinytelemetry/kvrelay/internal/keyfilter"
	"github.com/tinytelemetry/kvrelay/internal/model"
	"github.com/tinytelemetry/kvrelay/internal/telemetry"
	"github.com/tinytelemetry/kvrelay/internal/transport"
	"github.com/tinytelemetry/kvrelay/internal/watcher"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type e2eStack struct {
	inDirs  []string
	outDir  string
	reg     *prometheus.Registry
	metrics *telemetry.WatcherMetrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// startE2EStack wires collector, transport, pipeline and supervisor in
// process, one watch directory per pattern.
func startE2EStack(t *testing.T, patterns ...string) *e2eStack {
	t.Helper()
	base := t.TempDir()
	s := &e2eStack{
		outDir: filepath.Join(base, "out"),
		reg:    prometheus.NewRegistry(),
	}

	srv, err := collector.NewServer(collector.Config{OutputDir: s.outDir, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("collector.NewServer: %v", err)
	}
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	s.metrics, err = telemetry.NewWatcherMetrics(s.reg)
	if err != nil {
		t.Fatalf("NewWatcherMetrics: %v", err)
	}

	targets := make([]model.WatchTarget, 0, len(patterns))
	for i, pattern := range patterns {
		dir := filepath.Join(base, fmt.Sprintf("in-%d", i))
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		s.inDirs = append(s.inDirs, dir)
		targets = append(targets, model.WatchTarget{
			Name:          fmt.Sprintf("t%d", i),
			Directory:     dir,
			FilterPattern: pattern,
			ServerURL:     httpSrv.URL + model.DefaultCollectorPath,
		})
	}

	build := func(target model.WatchTarget) (watcher.Handler, error) {
		filter, err := keyfilter.New(target.FilterPattern)
		if err != nil {
			return nil, err
		}
		client, err := transport.New(transport.Config{Endpoint: target.ServerURL, Timeout: 5 * time.Second})
		if err != nil {
			return nil, err
		}
		p, err := ingest.NewPipeline(ingest.Config{
			Target:  target.Name,
			Filter:  filter,
			Sender:  client,
			Metrics: s.metrics,
		})
		if err != nil {
			return nil, err
		}
		return p.Handle, nil
	}

	sup := watcher.NewSupervisor(targets, build, zerolog.Nop(), watcher.WithQuietPeriod(200*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := sup.Run(ctx); err != nil {
			t.Errorf("supervisor: %v", err)
		}
	}()
	t.Cleanup(s.Stop)

	select {
	case <-sup.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor not ready")
	}
	return s
}

func (s *e2eStack) Stop() {
	s.cancel()
	s.wg.Wait()
}

func TestE2E_FilteredRecordReachesCollector(t *testing.T) {
	s := startE2EStack(t, "key[0-9]+")

	src := dropFile(t, s.inDirs[0], "in.properties", "key1 = a\nkey2 = b\nother = c\n")

	dst := filepath.Join(s.outDir, "in.properties")
	waitEventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		data, err := os.ReadFile(dst)
		return err == nil && string(data) == "key1 = a\nkey2 = b\n"
	}, "output file with filtered keys")
	waitEventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		_, err := os.Stat(src)
		return os.IsNotExist(err)
	}, "source deleted")

	waitEventually(t, time.Second, 20*time.Millisecond, func() bool {
		return s.filesCounted("t0", telemetry.ResultSent) == 1
	}, "sent counter")
}

func TestE2E_NoMatchingKeysWritesEmptyFile(t *testing.T) {
	s := startE2EStack(t, "nothing")

	dropFile(t, s.inDirs[0], "x.properties", "key1 = a\n")

	dst := filepath.Join(s.outDir, "x.properties")
	waitEventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		info, err := os.Stat(dst)
		return err == nil && info.Size() == 0
	}, "empty output file")
}

func TestE2E_MalformedFileStays(t *testing.T) {
	s := startE2EStack(t, ".*")

	src := dropFile(t, s.inDirs[0], "bad.properties", "key1 = a\n= orphan\n")

	waitEventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return s.filesCounted("t0", telemetry.ResultMalformed) == 1
	}, "malformed counter")
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("malformed source should stay: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.outDir, "bad.properties")); !os.IsNotExist(err) {
		t.Fatalf("malformed record must not reach the collector; err=%v", err)
	}
}

func TestE2E_TwoTargetsFilterIndependently(t *testing.T) {
	s := startE2EStack(t, "a.*", "b.*")

	dropFile(t, s.inDirs[0], "first.properties", "alpha = 1\nbeta = 2\n")
	dropFile(t, s.inDirs[1], "second.properties", "alpha = 1\nbeta = 2\n")

	want := map[string]string{
		"first.properties":  "alpha = 1\n",
		"second.properties": "beta = 2\n",
	}
	for name, content := range want {
		dst := filepath.Join(s.outDir, name)
		waitEventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
			data, err := os.ReadFile(dst)
			return err == nil && string(data) == content
		}, "output "+name)
	}
}

func TestE2E_BurstOfFiles(t *testing.T) {
	s := startE2EStack(t, "key[0-9]+")

	const n = 25
	for i := range n {
		dropFile(t, s.inDirs[0], fmt.Sprintf("f%02d.properties", i), fmt.Sprintf("key%d = v%d\nnoise = x\n", i, i))
	}

	waitEventually(t, 10*time.Second, 50*time.Millisecond, func() bool {
		entries, err := os.ReadDir(s.outDir)
		return err == nil && len(entries) == n
	}, fmt.Sprintf("%d output files", n))

	for i := range n {
		data, err := os.ReadFile(filepath.Join(s.outDir, fmt.Sprintf("f%02d.properties", i)))
		if err != nil {
			t.Fatalf("read output %d: %v", i, err)
		}
		if want := fmt.Sprintf("key%d = v%d\n", i, i); string(data) != want {
			t.Errorf("f%02d = %q, want %q", i, data, want)
		}
		if strings.Contains(string(data), "noise") {
			t.Errorf("f%02d kept a filtered key", i)
		}
	}
}

// filesCounted reads kvrelay_watcher_files_total for one target and result.
func (s *e2eStack) filesCounted(target, result string) float64 {
	mfs, err := s.reg.Gather()
	if err != nil {
		return -1
	}
	for _, mf := range mfs {
		if mf.GetName() != "kvrelay_watcher_files_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["target"] == target && labels["result"] == result {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}
