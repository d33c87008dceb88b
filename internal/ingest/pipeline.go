// Package ingest turns one created file into one delivered record.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/kvrelay/internal/keyfilter"
	"github.com/tinytelemetry/kvrelay/internal/kvcodec"
	"github.com/tinytelemetry/kvrelay/internal/model"
	"github.com/tinytelemetry/kvrelay/internal/telemetry"
	"github.com/tinytelemetry/kvrelay/internal/transport"
)

// ErrDeletion marks a delivered file that could not be removed.
var ErrDeletion = errors.New("ingest: delete delivered file")

// Sender delivers a record to the collector.
type Sender interface {
	Send(ctx context.Context, rec *model.Record) transport.Outcome
}

type Config struct {
	Target      string // label for logs and metrics
	Filter      *keyfilter.Filter
	Sender      Sender
	SettleDelay time.Duration
	Logger      zerolog.Logger
	Metrics     *telemetry.WatcherMetrics
}

// Pipeline reads, filters, sends and deletes. The file is removed only after
// the collector acknowledged it with a 2xx.
type Pipeline struct {
	target  string
	filter  *keyfilter.Filter
	sender  Sender
	settle  time.Duration
	logger  zerolog.Logger
	metrics *telemetry.WatcherMetrics
}

func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Filter == nil {
		return nil, errors.New("ingest: filter is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("ingest: sender is required")
	}
	if cfg.SettleDelay < 0 {
		return nil, fmt.Errorf("ingest: negative settle delay %s", cfg.SettleDelay)
	}
	target := cfg.Target
	if target == "" {
		target = "default"
	}
	return &Pipeline{
		target:  target,
		filter:  cfg.Filter,
		sender:  cfg.Sender,
		settle:  cfg.SettleDelay,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// ProcessFile handles one FileEvent. A file that vanished before it could be
// read is dropped without error. Decode and transmission failures leave the
// file in place and are returned. A failed delete is logged and counted but
// not returned, since the record was already delivered.
func (p *Pipeline) ProcessFile(ctx context.Context, ev model.FileEvent) error {
	log := p.logger.With().Str("file", ev.Name).Logger()

	if p.settle > 0 {
		t := time.NewTimer(p.settle)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	info, err := os.Stat(ev.Path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Info().Msg("file vanished before it could be read")
		p.metrics.RecordFile(p.target, telemetry.ResultVanished)
		return nil
	}
	if err != nil {
		p.metrics.RecordFile(p.target, telemetry.ResultReadFailed)
		return fmt.Errorf("ingest: stat %s: %w", ev.Name, err)
	}
	if !info.Mode().IsRegular() {
		log.Debug().Str("mode", info.Mode().String()).Msg("skipping non-regular file")
		p.metrics.RecordFile(p.target, telemetry.ResultSkipped)
		return nil
	}

	parsed, err := kvcodec.DecodeFile(ev.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Info().Msg("file vanished before it could be read")
		p.metrics.RecordFile(p.target, telemetry.ResultVanished)
		return nil
	case errors.Is(err, kvcodec.ErrMalformedRecord):
		p.metrics.RecordFile(p.target, telemetry.ResultMalformed)
		return fmt.Errorf("ingest: decode %s: %w", ev.Name, err)
	case err != nil:
		p.metrics.RecordFile(p.target, telemetry.ResultReadFailed)
		return fmt.Errorf("ingest: read %s: %w", ev.Name, err)
	}

	rec := model.NewRecord(ev.Name)
	parsed.Range(func(key, value string) bool {
		if key == model.SourceFileKey {
			log.Warn().Str("key", key).Msg("file content sets reserved key, using file name")
			return true
		}
		rec.Set(key, value)
		return true
	})
	filtered := p.filter.Apply(rec)

	start := time.Now()
	out := p.sender.Send(ctx, filtered)
	p.metrics.ObserveSend(p.target, time.Since(start), out.Attempts)
	if !out.OK() {
		p.metrics.RecordFile(p.target, telemetry.ResultTransmissionFailed)
		err := out.Err
		if err == nil {
			err = fmt.Errorf("%w: status %d", transport.ErrTransmission, out.StatusCode)
		}
		return fmt.Errorf("ingest: send %s: %w", ev.Name, err)
	}

	log.Info().
		Int("status", out.StatusCode).
		Int("keys", filtered.Len()-1).
		Str("request_id", out.RequestID).
		Msg("record delivered")

	if err := os.Remove(ev.Path); err != nil {
		p.metrics.RecordFile(p.target, telemetry.ResultDeleteFailed)
		log.Error().Err(fmt.Errorf("%w: %w", ErrDeletion, err)).Msg("delivered file left in place")
		return nil
	}
	p.metrics.RecordFile(p.target, telemetry.ResultSent)
	return nil
}

// Handle adapts ProcessFile to the watcher's handler signature.
func (p *Pipeline) Handle(ctx context.Context, ev model.FileEvent) error {
	return p.ProcessFile(ctx, ev)
}
