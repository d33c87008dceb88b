package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tinytelemetry/kvrelay/internal/config"
	"github.com/tinytelemetry/kvrelay/internal/model"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

const (
	minDrainTimeout = 10 * time.Second
	drainSlack      = 5 * time.Second
)

// drainTimeout bounds how long a signalled shutdown waits for the file in
// flight: its settle delay, every send attempt and the backoff between them.
func drainTimeout(cfg config.Watcher) time.Duration {
	attempts := max(cfg.RetryMaxAttempts, 1)
	perAttempt := cfg.RequestTimeout
	if perAttempt <= 0 {
		perAttempt = model.DefaultRequestTimeout
	}
	d := cfg.SettleDelay +
		time.Duration(attempts)*perAttempt +
		time.Duration(attempts-1)*cfg.RetryMaxDelay +
		drainSlack
	return max(d, minDrainTimeout)
}

func main() {
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <config-dir>\n\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Watches directories for new key/value files and sends them to a collector.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "<config-dir> holds %s.\n\n", config.WatcherFileName)
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("kvwatch - key/value file watcher\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadWatcher(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		deadline := time.NewTimer(drainTimeout(cfg))
		defer deadline.Stop()
		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	if err := run(ctx, cfg, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	signal.Stop(sigCh)
}
