package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tinytelemetry/kvrelay/internal/banner"
	"github.com/tinytelemetry/kvrelay/internal/collector"
	"github.com/tinytelemetry/kvrelay/internal/config"
	"github.com/tinytelemetry/kvrelay/internal/logging"
)

// run serves until ctx is cancelled, then drains in-flight requests for up
// to the configured grace period. ready, if set, receives the bound address.
func run(ctx context.Context, cfg config.Collector, ready func(addr string)) error {
	logger, cleanup, err := logging.New(logging.Options{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		File:      cfg.LogFile,
		Component: "kvcollect",
	})
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.OutputPath != "" {
		if err := os.MkdirAll(cfg.OutputPath, 0755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	var reg *prometheus.Registry
	if cfg.MetricsEnabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	srv, err := collector.NewServer(collector.Config{
		Addr:          cfg.Addr(),
		OutputDir:     cfg.OutputPath,
		MaxConcurrent: cfg.MaxConcurrent,
		StrictStatus:  cfg.StrictStatus,
		Logger:        logger,
		Registry:      reg,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	printBanner(cfg, srv.Addr())
	if ready != nil {
		ready(srv.Addr())
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		logger.Error().Err(err).Dur("grace", cfg.ShutdownGrace).Msg("collector did not stop cleanly")
		return err
	}
	return nil
}

func printBanner(cfg config.Collector, addr string) {
	output := cfg.OutputPath
	if output == "" {
		output = "working directory"
	}
	mode := "compatible (always 200)"
	if cfg.StrictStatus {
		mode = "strict"
	}
	metrics := banner.Item{Label: "Metrics"}
	if cfg.MetricsEnabled {
		metrics = banner.Item{Label: "Metrics", Value: "http://" + addr + "/metrics", Enabled: true}
	}

	banner.Print("kvcollect", version, []banner.Section{
		{Title: "Gateway", Items: []banner.Item{
			{Label: "HTTP", Value: "http://" + addr + "/json", Enabled: true},
			{Label: "Status Codes", Value: mode, Enabled: true},
			{Label: "Workers", Value: fmt.Sprint(cfg.MaxConcurrent), Enabled: true},
		}},
		{Title: "Storage", Items: []banner.Item{
			{Label: "Output", Value: banner.ShortenPath(output), Enabled: true},
		}},
		{Title: "Runtime", Items: []banner.Item{
			metrics,
			{Label: "Grace Period", Value: cfg.ShutdownGrace.String(), Enabled: true},
			{Label: "Config File", Value: banner.ShortenPath(cfg.Path), Enabled: true},
		}},
	})
}
