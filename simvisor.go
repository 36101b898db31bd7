// Package simvisor supervises the WinVetSim simulation engine: it launches
// the engine, waits for its status endpoint and web server, and stops it with
// a close request escalating to SIGTERM and SIGKILL.
package simvisor

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/simvisor/internal/config"
	"github.com/loykin/simvisor/internal/engine"
	"github.com/loykin/simvisor/internal/lifecycle"
	"github.com/loykin/simvisor/internal/metrics"
	"github.com/loykin/simvisor/internal/reaper"
	iapi "github.com/loykin/simvisor/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Options = engine.Options

type Option = engine.Option

type Snapshot = engine.Snapshot

type StatusReport = engine.StatusReport

type State = lifecycle.State

type Event = lifecycle.Event

type Subscriber = lifecycle.Subscriber

type SubscriberFunc = lifecycle.SubscriberFunc

type Config = cfg.Config

const (
	StateStopped  = lifecycle.StateStopped
	StateStarting = lifecycle.StateStarting
	StateRunning  = lifecycle.StateRunning
	StateStopping = lifecycle.StateStopping
	StateError    = lifecycle.StateError

	EventStateChanged  = lifecycle.EventStateChanged
	EventLogLine       = lifecycle.EventLogLine
	EventProcessExited = lifecycle.EventProcessExited
)

var (
	ErrBinaryMissing    = engine.ErrBinaryMissing
	ErrSpawn            = engine.ErrSpawn
	ErrReadinessTimeout = engine.ErrReadinessTimeout
	ErrUnexpectedExit   = engine.ErrUnexpectedExit
	ErrClosed           = engine.ErrClosed
)

var (
	WithLogger    = engine.WithLogger
	WithReclaimer = engine.WithReclaimer
	WithBus       = engine.WithBus
)

// Supervisor is a thin facade over internal/engine.Supervisor.
// It provides a stable public API for embedding.
type Supervisor struct{ inner *engine.Supervisor }

func New(opts Options, options ...Option) *Supervisor {
	return &Supervisor{inner: engine.New(opts, options...)}
}

// FromConfig builds a supervisor from a loaded config, with the orphan reaper
// wired in when enabled. Output capture is not configured.
func FromConfig(c *Config, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := c.EngineOptions()
	if err != nil {
		return nil, err
	}
	options := []Option{WithLogger(logger)}
	if c.Reaper.Enabled {
		options = append(options, WithReclaimer(NewReaper(c, logger)))
	}
	return New(opts, options...), nil
}

func (s *Supervisor) Start(ctx context.Context) error   { return s.inner.Start(ctx) }
func (s *Supervisor) Stop(ctx context.Context) error    { return s.inner.Stop(ctx) }
func (s *Supervisor) Restart(ctx context.Context) error { return s.inner.Restart(ctx) }
func (s *Supervisor) Status() Snapshot                  { return s.inner.Status() }
func (s *Supervisor) QueryStatus(ctx context.Context) StatusReport {
	return s.inner.QueryStatus(ctx)
}
func (s *Supervisor) Subscribe(sub Subscriber) (unsubscribe func()) {
	return s.inner.Subscribe(sub)
}
func (s *Supervisor) Shutdown(ctx context.Context) error { return s.inner.Shutdown(ctx) }

// NewReaper returns the OS-backed orphan reaper for c.
func NewReaper(c *Config, logger *slog.Logger) *reaper.Reaper {
	return reaper.New(c.ReaperConfig(), reaper.NewSystemBackend(), logger)
}

func LoadConfig(path string) (*Config, error) {
	return cfg.Load(path)
}

// NewHTTPHandler returns the control API for s, mountable in any router.
func NewHTTPHandler(s *Supervisor, basePath string) http.Handler {
	return iapi.NewRouter(s, basePath).Handler()
}

// NewHTTPServer starts an HTTP server exposing the control API.
func NewHTTPServer(addr, basePath string, s *Supervisor) (*http.Server, error) {
	return iapi.NewServer(addr, NewHTTPHandler(s, basePath), nil)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
