// Package collector receives records over HTTP and writes each one back out
// as a key/value file.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tinytelemetry/kvrelay/internal/kvcodec"
	"github.com/tinytelemetry/kvrelay/internal/model"
	"github.com/tinytelemetry/kvrelay/internal/telemetry"
)

var (
	// ErrDecode marks a request body that is not a flat JSON object of strings.
	ErrDecode = errors.New("collector: decode record")
	// ErrField marks a record whose sourceFile is missing or unusable as a file name.
	ErrField = errors.New("collector: invalid sourceFile")
	// ErrShutdownTimeout is returned by Stop when requests outlive the deadline.
	ErrShutdownTimeout = errors.New("collector: workers did not terminate before the deadline")
)

const DefaultMaxBodyBytes = 10 << 20

type Config struct {
	Addr          string
	OutputDir     string // empty means the working directory
	MaxConcurrent int
	MaxBodyBytes  int64
	StrictStatus  bool
	Logger        zerolog.Logger
	Registry      *prometheus.Registry // nil disables /metrics
}

// Server owns one http.Server. It keeps no state between requests apart
// from metrics.
type Server struct {
	addr         string
	outputDir    string
	maxBody      int64
	strict       bool
	logger       zerolog.Logger
	metrics      *telemetry.CollectorMetrics
	sem          *semaphore.Weighted
	engine       *gin.Engine
	server       *http.Server
	ctx          context.Context
	cancel       context.CancelFunc
	startTime    time.Time
	mu           sync.Mutex
	listenerAddr net.Addr
}

func NewServer(cfg Config) (*Server, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = model.DefaultMaxConcurrent
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	var metrics *telemetry.CollectorMetrics
	if cfg.Registry != nil {
		m, err := telemetry.NewCollectorMetrics(cfg.Registry)
		if err != nil {
			return nil, fmt.Errorf("collector: register metrics: %w", err)
		}
		metrics = m
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:      addr,
		outputDir: cfg.OutputDir,
		maxBody:   maxBody,
		strict:    cfg.StrictStatus,
		logger:    cfg.Logger,
		metrics:   metrics,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	r.POST(model.DefaultCollectorPath, s.handleRecord)
	r.GET("/healthz", s.handleHealth)
	if cfg.Registry != nil {
		r.GET("/metrics", gin.WrapH(telemetry.Handler(cfg.Registry)))
	}
	s.engine = r
	return s, nil
}

// Handler exposes the routes without a listener.
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	if s.outputDir != "" {
		if err := os.MkdirAll(s.outputDir, 0755); err != nil {
			return fmt.Errorf("collector: create output dir: %w", err)
		}
	}

	s.server = &http.Server{
		Handler:           s.engine,
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("collector: listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listenerAddr = listener.Addr()
	s.startTime = time.Now()
	s.mu.Unlock()

	s.logger.Info().Str("addr", listener.Addr().String()).Str("output_dir", s.outputDirOrCwd()).Msg("collector listening")
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("collector serve failed")
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listenerAddr != nil {
		return s.listenerAddr.String()
	}
	return s.addr
}

// Stop refuses new connections and waits for in-flight requests until ctx
// ends. Requests still running then are cut off and ErrShutdownTimeout is
// returned.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		s.cancel()
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.cancel()
	if err == nil {
		s.logger.Info().Msg("collector stopped")
		return nil
	}
	_ = s.server.Close()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrShutdownTimeout, err)
	}
	return fmt.Errorf("collector: shutdown: %w", err)
}

func (s *Server) handleRecord(c *gin.Context) {
	// A request that never got a slot wrote nothing, so it is answered with
	// 503 in every mode; an ack would let the sender delete its file.
	if err := s.sem.Acquire(c.Request.Context(), 1); err != nil {
		s.metrics.RecordRequest(telemetry.ResultAbandoned)
		s.logger.Warn().Err(err).Str("request_id", c.GetHeader("X-Request-ID")).Msg("request abandoned while waiting for a slot")
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(1)
	defer s.metrics.Track()()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, s.maxBody+1))
	if err == nil && int64(len(body)) > s.maxBody {
		err = fmt.Errorf("body exceeds %d bytes", s.maxBody)
	}
	if err != nil {
		s.reject(c, http.StatusBadRequest, telemetry.ResultDecodeError, fmt.Errorf("%w: %w", ErrDecode, err))
		return
	}

	var rec model.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		s.reject(c, http.StatusBadRequest, telemetry.ResultDecodeError, fmt.Errorf("%w: %w", ErrDecode, err))
		return
	}

	name := rec.SourceFile()
	if err := validateFileName(name); err != nil {
		s.reject(c, http.StatusBadRequest, telemetry.ResultFieldError, err)
		return
	}

	dir := s.outputDirOrCwd()
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.reject(c, http.StatusInternalServerError, telemetry.ResultWriteError, fmt.Errorf("collector: create output dir: %w", err))
		return
	}
	path := filepath.Join(dir, name)
	if err := kvcodec.WriteFile(path, &rec); err != nil {
		s.reject(c, http.StatusInternalServerError, telemetry.ResultWriteError, fmt.Errorf("collector: write %s: %w", name, err))
		return
	}

	s.metrics.RecordRequest(telemetry.ResultWritten)
	s.logger.Info().Str("file", name).Int("keys", rec.Len()-1).Str("path", path).Msg("record written")
	c.String(http.StatusOK, model.AckBody)
}

// reject logs err and replies. Unless strict status codes are enabled the
// reply is the normal acknowledgement, so old clients see no difference.
func (s *Server) reject(c *gin.Context, status int, result string, err error) {
	s.metrics.RecordRequest(result)
	s.logger.Error().Err(err).Str("request_id", c.GetHeader("X-Request-ID")).Msg("record not written")
	if s.strict {
		c.String(status, err.Error())
		return
	}
	c.String(http.StatusOK, model.AckBody)
}

func (s *Server) handleHealth(c *gin.Context) {
	s.mu.Lock()
	started := s.startTime
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(started).String(),
	})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("request_id", c.GetHeader("X-Request-ID")).
			Msg("request")
	}
}

func (s *Server) outputDirOrCwd() string {
	if s.outputDir == "" {
		return "."
	}
	return s.outputDir
}

// validateFileName accepts only a single path element.
func validateFileName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: missing", ErrField)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q is not a file name", ErrField, name)
	case strings.ContainsAny(name, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrField, name)
	case filepath.Base(name) != name:
		return fmt.Errorf("%w: %q is not a plain file name", ErrField, name)
	}
	return nil
}
