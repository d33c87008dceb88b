// Package telemetry holds the Prometheus metrics of the watcher and the
// collector. A nil metrics value is valid and records nothing.
package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kvrelay"

// File outcomes reported by the watcher pipeline.
const (
	ResultSent               = "sent"
	ResultMalformed          = "malformed"
	ResultTransmissionFailed = "transmission_failed"
	ResultVanished           = "vanished"
	ResultSkipped            = "skipped"
	ResultDeleteFailed       = "delete_failed"
	ResultReadFailed         = "read_failed"
)

// Request outcomes reported by the collector.
const (
	ResultWritten     = "written"
	ResultDecodeError = "decode_error"
	ResultFieldError  = "field_error"
	ResultWriteError  = "write_error"
	ResultAbandoned   = "abandoned"
)

// WatcherMetrics tracks files handled by the ingest pipeline.
type WatcherMetrics struct {
	files        *prometheus.CounterVec // by target and result
	sendDuration *prometheus.HistogramVec
	retries      *prometheus.CounterVec
}

// NewWatcherMetrics registers the watcher metrics with reg. A nil reg
// disables metrics and returns nil.
func NewWatcherMetrics(reg prometheus.Registerer) (*WatcherMetrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &WatcherMetrics{
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "files_total",
			Help:      "Files handled by the watcher, by outcome",
		}, []string{"target", "result"}),
		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "send_duration_seconds",
			Help:      "Time spent delivering one record, retries included",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "send_retries_total",
			Help:      "Delivery attempts beyond the first",
		}, []string{"target"}),
	}

	if err := register(reg, m.files, m.sendDuration, m.retries); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *WatcherMetrics) RecordFile(target, result string) {
	if m == nil {
		return
	}
	m.files.WithLabelValues(target, result).Inc()
}

func (m *WatcherMetrics) ObserveSend(target string, d time.Duration, attempts int) {
	if m == nil {
		return
	}
	m.sendDuration.WithLabelValues(target).Observe(d.Seconds())
	if attempts > 1 {
		m.retries.WithLabelValues(target).Add(float64(attempts - 1))
	}
}

// CollectorMetrics tracks requests served by the collector.
type CollectorMetrics struct {
	requests *prometheus.CounterVec // by result
	inFlight prometheus.Gauge
	duration prometheus.Histogram
}

// NewCollectorMetrics registers the collector metrics with reg. A nil reg
// disables metrics and returns nil.
func NewCollectorMetrics(reg prometheus.Registerer) (*CollectorMetrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &CollectorMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "requests_total",
			Help:      "Records received by the collector, by outcome",
		}, []string{"result"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "requests_in_flight",
			Help:      "Records currently being written",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "request_duration_seconds",
			Help:      "Time from slot acquisition to reply",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}

	if err := register(reg, m.requests, m.inFlight, m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *CollectorMetrics) RecordRequest(result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(result).Inc()
}

// Track marks one request in flight and returns the func that ends it.
func (m *CollectorMetrics) Track() func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	m.inFlight.Inc()
	return func() {
		m.inFlight.Dec()
		m.duration.Observe(time.Since(start).Seconds())
	}
}

// Handler exposes g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func register(reg prometheus.Registerer, cs ...prometheus.Collector) error {
	var errs []error
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
