package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/simvisor/internal/engine"
	"github.com/loykin/simvisor/internal/lifecycle"
)

// Controller is the supervisor surface the API drives. *engine.Supervisor
// satisfies it.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Status() engine.Snapshot
	QueryStatus(ctx context.Context) engine.StatusReport
	Subscribe(sub lifecycle.Subscriber) (unsubscribe func())
}

// Router provides embeddable HTTP handlers for controlling the engine.
// Endpoints:
//
//	POST {basePath}/start           query: wait=true blocks until running or error
//	POST {basePath}/stop            query: wait=true blocks until the exit is observed
//	POST {basePath}/restart         query: wait=true
//	GET  {basePath}/status          supervisor snapshot
//	GET  {basePath}/engine/status   engine status proxy; query: field=<gjson path>
//	GET  {basePath}/events          server-sent notifications; query: kinds=a,b
//	GET  {basePath}/metrics         when a metrics handler is configured
//	GET  {basePath}/healthz
//
// Without wait, actions run in the background and the response is 202.
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl       Controller
	basePath  string
	logger    *slog.Logger
	metrics   http.Handler
	keepAlive time.Duration
	buffer    int

	inflight sync.WaitGroup
}

type RouterOption func(*Router)

func WithLogger(l *slog.Logger) RouterOption { return func(r *Router) { r.logger = l } }

// WithMetrics serves h at {basePath}/metrics.
func WithMetrics(h http.Handler) RouterOption { return func(r *Router) { r.metrics = h } }

// WithKeepAlive sets the comment interval on idle event streams.
func WithKeepAlive(d time.Duration) RouterOption { return func(r *Router) { r.keepAlive = d } }

// WithEventBuffer sizes each event stream's buffer. A slow client loses
// events beyond it instead of slowing the supervisor.
func WithEventBuffer(n int) RouterOption { return func(r *Router) { r.buffer = n } }

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/start, /api/stop, /api/status.
func NewRouter(ctl Controller, basePath string, opts ...RouterOption) *Router {
	r := &Router{
		ctl:       ctl,
		basePath:  sanitizeBase(basePath),
		keepAlive: 15 * time.Second,
		buffer:    256,
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "api")
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.logRequests)
	group := g.Group(r.basePath)
	group.POST("/start", r.action("start", r.ctl.Start))
	group.POST("/stop", r.action("stop", r.ctl.Stop))
	group.POST("/restart", r.action("restart", r.ctl.Restart))
	group.GET("/status", r.handleStatus)
	group.GET("/engine/status", r.handleEngineStatus)
	group.GET("/events", r.handleEvents)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// Wait blocks until background actions started by the API have finished.
func (r *Router) Wait() { r.inflight.Wait() }

// NewServer binds addr and serves h in the background. Bind errors are
// returned; later serve errors are logged. Write timeouts are disabled because
// event streams and waited starts outlive any fixed deadline.
func NewServer(addr string, h http.Handler, logger *slog.Logger) (*http.Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server stopped", "addr", server.Addr, "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string          `json:"error"`
	State lifecycle.State `json:"state"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type acceptedResp struct {
	Accepted bool   `json:"accepted"`
	Action   string `json:"action"`
}

type actionResp struct {
	OK     bool            `json:"ok"`
	Action string          `json:"action"`
	Status engine.Snapshot `json:"status"`
}

func (r *Router) action(name string, fn func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !wantWait(c) {
			r.inflight.Add(1)
			go func() {
				defer r.inflight.Done()
				if err := fn(context.Background()); err != nil {
					r.logger.Warn("background action failed", "action", name, "error", err)
				}
			}()
			writeJSON(c, http.StatusAccepted, acceptedResp{Accepted: true, Action: name})
			return
		}
		if err := fn(c.Request.Context()); err != nil {
			writeJSON(c, statusFor(err), errorResp{Error: err.Error(), State: r.ctl.Status().State})
			return
		}
		writeJSON(c, http.StatusOK, actionResp{OK: true, Action: name, Status: r.ctl.Status()})
	}
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Status())
}

type fieldResp struct {
	OK    bool   `json:"ok"`
	Field string `json:"field"`
	Value any    `json:"value"`
}

func (r *Router) handleEngineStatus(c *gin.Context) {
	rep := r.ctl.QueryStatus(c.Request.Context())
	field := c.Query("field")
	if field == "" {
		writeJSON(c, http.StatusOK, rep)
		return
	}
	res := rep.Get(field)
	if !res.Exists() {
		writeJSON(c, http.StatusNotFound, fieldResp{OK: rep.OK, Field: field})
		return
	}
	writeJSON(c, http.StatusOK, fieldResp{OK: rep.OK, Field: field, Value: res.Value()})
}

func (r *Router) handleEvents(c *gin.Context) {
	keep := parseKinds(c.Query("kinds"))
	sub := lifecycle.NewChannelSubscriber(r.buffer)
	unsubscribe := r.ctl.Subscribe(sub)
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent("snapshot", r.ctl.Status())
	c.Writer.Flush()

	ping := time.NewTicker(r.keepAlive)
	defer ping.Stop()
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case e := <-sub.Events():
			if keep(e.Kind) {
				c.SSEvent(string(e.Kind), e)
			}
			return true
		case <-ping.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			return true
		case <-ctx.Done():
			return false
		}
	})
	if n := sub.Dropped(); n > 0 {
		r.logger.Warn("event stream dropped notifications", "count", n, "remote", c.ClientIP())
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrBinaryMissing):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrReadinessTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, engine.ErrUnexpectedExit), errors.Is(err, engine.ErrSpawn):
		return http.StatusBadGateway
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	r.logger.Debug("request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"took", time.Since(start))
}
