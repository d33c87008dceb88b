package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/kvrelay/internal/banner"
	"github.com/tinytelemetry/kvrelay/internal/config"
	"github.com/tinytelemetry/kvrelay/internal/ingest"
	"github.com/tinytelemetry/kvrelay/internal/keyfilter"
	"github.com/tinytelemetry/kvrelay/internal/logging"
	"github.com/tinytelemetry/kvrelay/internal/model"
	"github.com/tinytelemetry/kvrelay/internal/retry"
	"github.com/tinytelemetry/kvrelay/internal/telemetry"
	"github.com/tinytelemetry/kvrelay/internal/transport"
	"github.com/tinytelemetry/kvrelay/internal/watcher"
)

// run watches every configured target until ctx is cancelled or a watch
// faults. ready, if set, is called once all targets are subscribed.
func run(ctx context.Context, cfg config.Watcher, ready func()) error {
	logger, cleanup, err := logging.New(logging.Options{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		File:      cfg.LogFile,
		Component: "kvwatch",
	})
	if err != nil {
		return err
	}
	defer cleanup()

	targets := cfg.WatchTargets()
	for _, t := range targets {
		if err := os.MkdirAll(t.Directory, 0755); err != nil {
			return fmt.Errorf("create watch directory for target %q: %w", t.Name, err)
		}
	}

	var (
		reg     *prometheus.Registry
		metrics *telemetry.WatcherMetrics
	)
	if cfg.MetricsAddress != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if metrics, err = telemetry.NewWatcherMetrics(reg); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	build := func(t model.WatchTarget) (watcher.Handler, error) {
		tlog := logger.With().Str("target", t.Name).Logger()
		filter, err := keyfilter.New(t.FilterPattern, keyfilter.WithLogger(tlog))
		if err != nil {
			return nil, err
		}
		client, err := transport.New(transport.Config{
			Endpoint: t.ServerURL,
			Timeout:  cfg.RequestTimeout,
			Retry: retry.Config{
				MaxAttempts:  cfg.RetryMaxAttempts,
				InitialDelay: cfg.RetryInitialDelay,
				MaxDelay:     cfg.RetryMaxDelay,
				Jitter:       true,
			},
			UserAgent: "kvwatch/" + version,
			Logger:    tlog,
		})
		if err != nil {
			return nil, err
		}
		pipeline, err := ingest.NewPipeline(ingest.Config{
			Target:      t.Name,
			Filter:      filter,
			Sender:      client,
			SettleDelay: cfg.SettleDelay,
			Logger:      tlog,
			Metrics:     metrics,
		})
		if err != nil {
			return nil, err
		}
		return pipeline.Handle, nil
	}

	printBanner(cfg, targets)

	var metricsLn net.Listener
	if reg != nil {
		if metricsLn, err = net.Listen("tcp", cfg.MetricsAddress); err != nil {
			return fmt.Errorf("listen for metrics on %s: %w", cfg.MetricsAddress, err)
		}
	}

	sup := watcher.NewSupervisor(targets, build, logger, watcher.WithQuietPeriod(cfg.QuietPeriod))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })

	if metricsLn != nil {
		srv := &http.Server{
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		logger.Info().Str("addr", metricsLn.Addr().String()).Msg("serving metrics")
		g.Go(func() error {
			if err := srv.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if ready != nil {
		go func() {
			select {
			case <-sup.Ready():
				ready()
			case <-gctx.Done():
			}
		}()
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("watcher stopped with error")
		return err
	}
	logger.Info().Msg("watcher stopped")
	return nil
}

func metricsMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler(reg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func printBanner(cfg config.Watcher, targets []model.WatchTarget) {
	items := make([]banner.Item, 0, len(targets))
	for _, t := range targets {
		items = append(items, banner.Item{
			Label:   t.Name,
			Value:   fmt.Sprintf("%s  %s  %s", banner.ShortenPath(t.Directory), t.FilterPattern, t.ServerURL),
			Enabled: true,
		})
	}

	metricsItem := banner.Item{Label: "Metrics"}
	if cfg.MetricsAddress != "" {
		metricsItem = banner.Item{Label: "Metrics", Value: cfg.MetricsAddress, Enabled: true}
	}

	banner.Print("kvwatch", version, []banner.Section{
		{Title: "Targets", Items: items},
		{Title: "Delivery", Items: []banner.Item{
			{Label: "Timeout", Value: cfg.RequestTimeout.String(), Enabled: true},
			{Label: "Attempts", Value: fmt.Sprint(cfg.RetryMaxAttempts), Enabled: true},
			{Label: "Quiet Period", Value: cfg.QuietPeriod.String(), Enabled: cfg.QuietPeriod > 0},
			{Label: "Settle Delay", Value: cfg.SettleDelay.String(), Enabled: cfg.SettleDelay > 0},
		}},
		{Title: "Runtime", Items: []banner.Item{
			metricsItem,
			{Label: "Log Level", Value: cfg.LogLevel, Enabled: true},
			{Label: "Config File", Value: banner.ShortenPath(cfg.Path), Enabled: true},
		}},
	})
}
