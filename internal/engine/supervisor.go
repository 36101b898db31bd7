// Package engine supervises the simulation engine process.
//
// A Supervisor owns at most one child. Start, Stop and Restart are serialised
// through a single command goroutine, while status reads go straight to the
// lifecycle machine and never wait behind a start that is still polling for
// readiness.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/simvisor/internal/env"
	"github.com/loykin/simvisor/internal/lifecycle"
	"github.com/loykin/simvisor/internal/metrics"
	"github.com/loykin/simvisor/internal/readiness"
)

// Engine endpoints on the local host.
const (
	DefaultStatusURL = "http://127.0.0.1:40845/cgi-bin/simstatus.cgi?check=1"
	DefaultCloseURL  = "http://127.0.0.1:40845/cgi-bin/simstatus.cgi?close=565"
	DefaultWebURL    = "http://127.0.0.1:8081/"

	DefaultContentEnv = "OPENVETSIM_HTML_PATH"
)

// Options configures a Supervisor. Zero durations take the defaults listed
// next to each field.
type Options struct {
	Name        string // metrics and log label, "engine"
	BinaryPath  string
	Args        []string
	ContentRoot string   // exported to the child as ContentEnv
	ContentEnv  string   // DefaultContentEnv
	Env         []string // extra K=V entries layered last

	StatusURL string
	CloseURL  string
	WebURL    string

	ReadinessInterval time.Duration // 500ms
	ReadinessAttempts int           // 60
	AttemptTimeout    time.Duration // 400ms

	Cooldown     time.Duration // 1.5s, applied only after orphans were killed
	CloseTimeout time.Duration // 2s
	GraceDelay   time.Duration // 3s until SIGTERM
	KillDelay    time.Duration // 2s after SIGTERM until SIGKILL
	QueryTimeout time.Duration // 1s
	QuitTimeout  time.Duration // 8s

	// Stdout and Stderr receive a copy of the engine's raw output, typically
	// rotating log files.
	Stdout io.Writer
	Stderr io.Writer
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "engine"
	}
	if o.ContentEnv == "" {
		o.ContentEnv = DefaultContentEnv
	}
	if o.StatusURL == "" {
		o.StatusURL = DefaultStatusURL
	}
	if o.CloseURL == "" {
		o.CloseURL = DefaultCloseURL
	}
	if o.WebURL == "" {
		o.WebURL = DefaultWebURL
	}
	setDur := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}
	setDur(&o.ReadinessInterval, readiness.DefaultInterval)
	setDur(&o.AttemptTimeout, readiness.DefaultAttemptTimeout)
	setDur(&o.Cooldown, 1500*time.Millisecond)
	setDur(&o.CloseTimeout, 2*time.Second)
	setDur(&o.GraceDelay, 3*time.Second)
	setDur(&o.KillDelay, 2*time.Second)
	setDur(&o.QueryTimeout, time.Second)
	setDur(&o.QuitTimeout, 8*time.Second)
	if o.ReadinessAttempts <= 0 {
		o.ReadinessAttempts = readiness.DefaultMaxAttempts
	}
	return o
}

// Reclaimer clears leftovers of earlier runs. *reaper.Reaper satisfies it.
type Reclaimer interface {
	// Reclaim reports whether an engine orphan was killed.
	Reclaim(ctx context.Context) bool
	ReapWebServer(ctx context.Context) int
}

type nopReclaimer struct{}

func (nopReclaimer) Reclaim(context.Context) bool { return false }
func (nopReclaimer) ReapWebServer(context.Context) int { return 0 }

// Option customises a Supervisor.
type Option func(*Supervisor)

func WithLauncher(l Launcher) Option { return func(s *Supervisor) { s.launcher = l } }

func WithReclaimer(r Reclaimer) Option { return func(s *Supervisor) { s.reclaim = r } }

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

// WithBus attaches an existing notification channel, so subscribers can be
// registered before the supervisor exists.
func WithBus(b *lifecycle.Bus) Option { return func(s *Supervisor) { s.bus = b } }

func WithPoller(p *readiness.Poller) Option { return func(s *Supervisor) { s.poller = p } }

// Snapshot is a point-in-time view of the supervisor.
type Snapshot struct {
	Name      string          `json:"name"`
	State     lifecycle.State `json:"state"`
	Message   string          `json:"message,omitempty"`
	PID       int             `json:"pid,omitempty"`
	RunID     string          `json:"run_id,omitempty"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	ChangedAt time.Time       `json:"changed_at"`
	Binary    string          `json:"binary"`
	LastExit  *lifecycle.Exit `json:"last_exit,omitempty"`
}

// run is one spawned child.
type run struct {
	id        string
	handle    Handle
	pid       int
	startedAt time.Time
	stdout    *lineWriter
	stderr    *lineWriter

	exit   lifecycle.Exit
	exited chan struct{} // closed as soon as Wait returns
	done   chan struct{} // closed once the exit has been published
}

func (r *run) alive() bool {
	select {
	case <-r.exited:
		return false
	default:
		return true
	}
}

type action int

const (
	actionStart action = iota
	actionStop
	actionRestart
)

type command struct {
	action action
	reply  chan error
}

// Supervisor runs the engine. Create with New; release with Shutdown.
type Supervisor struct {
	opts     Options
	launcher Launcher
	reclaim  Reclaimer
	poller   *readiness.Poller
	control  *controlClient
	bus      *lifecycle.Bus
	machine  *lifecycle.Machine
	logger   *slog.Logger

	mu       sync.RWMutex
	cur      *run
	lastExit *lifecycle.Exit

	cmdChan   chan command
	quit      chan struct{}
	doneChan  chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func New(opts Options, options ...Option) *Supervisor {
	s := &Supervisor{
		opts:     opts.withDefaults(),
		control:  newControlClient(),
		cmdChan:  make(chan command, 16),
		quit:     make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	for _, o := range options {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "supervisor", "name", s.opts.Name)
	if s.launcher == nil {
		s.launcher = ExecLauncher{}
	}
	if s.reclaim == nil {
		s.reclaim = nopReclaimer{}
	}
	if s.poller == nil {
		s.poller = readiness.NewPoller(s.logger)
	}
	if s.bus == nil {
		s.bus = lifecycle.NewBus(s.logger)
	}
	s.machine = lifecycle.NewMachine(s.opts.Name, s.bus)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	go s.loop()
	return s
}

// Subscribe registers a notification subscriber.
func (s *Supervisor) Subscribe(sub lifecycle.Subscriber) (unsubscribe func()) {
	return s.bus.Subscribe(sub)
}

// Bus returns the notification channel.
func (s *Supervisor) Bus() *lifecycle.Bus { return s.bus }

// Start spawns the engine and waits for it to become ready. It is a no-op
// while a child exists. ctx bounds only how long the caller waits; a start
// that is under way always runs to running or error.
func (s *Supervisor) Start(ctx context.Context) error { return s.send(ctx, actionStart) }

// Stop asks the engine to exit and returns once the exit is observed.
// It returns nil immediately when nothing is running.
func (s *Supervisor) Stop(ctx context.Context) error { return s.send(ctx, actionStop) }

// Restart stops the current child, if any, then starts a new one.
func (s *Supervisor) Restart(ctx context.Context) error { return s.send(ctx, actionRestart) }

// Status returns the current snapshot without waiting for in-flight commands.
func (s *Supervisor) Status() Snapshot {
	state, d := s.machine.Current()
	snap := Snapshot{
		Name:      s.opts.Name,
		State:     state,
		Message:   d.Message,
		ChangedAt: s.machine.ChangedAt(),
		Binary:    s.opts.BinaryPath,
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r := s.cur; r != nil {
		started := r.startedAt
		snap.PID = r.pid
		snap.RunID = r.id
		snap.StartedAt = &started
	}
	if s.lastExit != nil {
		e := *s.lastExit
		snap.LastExit = &e
	}
	return snap
}

// QueryStatus proxies the engine's status endpoint.
func (s *Supervisor) QueryStatus(ctx context.Context) StatusReport {
	return s.control.queryStatus(ctx, s.opts.StatusURL, s.opts.QueryTimeout)
}

// Shutdown stops the engine within the quit deadline, killing it outright if
// the deadline passes, and then stops the supervisor. It is safe to call more
// than once.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	qctx, cancel := context.WithTimeout(ctx, s.opts.QuitTimeout)
	defer cancel()
	if err := s.Stop(qctx); err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Warn("engine did not stop before quit deadline, killing", "error", err)
		s.cancel()
		s.forceKill()
	}
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.quit)
	})
	select {
	case <-s.doneChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) send(ctx context.Context, a action) error {
	reply := make(chan error, 1)
	select {
	case s.cmdChan <- command{action: a, reply: reply}:
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.doneChan:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) loop() {
	defer close(s.doneChan)
	for {
		select {
		case c := <-s.cmdChan:
			c.reply <- s.handle(c.action)
		case <-s.quit:
			return
		}
	}
}

func (s *Supervisor) handle(a action) error {
	switch a {
	case actionStart:
		return s.handleStart()
	case actionStop:
		return s.handleStop()
	case actionRestart:
		if s.current() != nil {
			if err := s.handleStop(); err != nil {
				return err
			}
		}
		return s.handleStart()
	default:
		return fmt.Errorf("unknown action %d", a)
	}
}

func (s *Supervisor) current() *run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *Supervisor) handleStart() error {
	if r := s.current(); r != nil {
		s.logger.Debug("start ignored, engine already spawned", "pid", r.pid, "run_id", r.id)
		return nil
	}
	if err := s.machine.Transition(lifecycle.StateStarting, lifecycle.Detail{}); err != nil {
		return err
	}
	begun := time.Now()

	if s.reclaim.Reclaim(s.ctx) {
		s.logger.Info("reclaimed orphaned engine, waiting for ports to be released", "cooldown", s.opts.Cooldown)
		t := time.NewTimer(s.opts.Cooldown)
		select {
		case <-t.C:
		case <-s.ctx.Done():
			t.Stop()
			_ = s.machine.Transition(lifecycle.StateStopped, lifecycle.Detail{Message: "start aborted"})
			return ErrClosed
		}
	}

	path, err := s.resolveBinary()
	if err != nil {
		metrics.IncSpawnFailure(s.opts.Name, "binary_missing")
		s.logger.Error("engine binary missing", "path", s.opts.BinaryPath)
		_ = s.machine.Transition(lifecycle.StateError, lifecycle.Detail{Message: err.Error()})
		return err
	}

	r := &run{
		id:     uuid.NewString(),
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}
	r.stdout = newLineWriter(func(line string) { s.machine.Log(r.id, line) })
	r.stderr = newLineWriter(func(line string) {
		s.logger.Warn("engine stderr", "run_id", r.id, "line", line)
	})
	h, err := s.launcher.Launch(LaunchSpec{
		Path:   path,
		Args:   s.opts.Args,
		Dir:    filepath.Dir(path),
		Env:    s.environ(),
		Stdout: tee(s.opts.Stdout, r.stdout),
		Stderr: tee(s.opts.Stderr, r.stderr),
	})
	if err != nil {
		metrics.IncSpawnFailure(s.opts.Name, "spawn")
		err = fmt.Errorf("%w: %w", ErrSpawn, err)
		s.logger.Error("engine spawn failed", "path", path, "error", err)
		_ = s.machine.Transition(lifecycle.StateError, lifecycle.Detail{Message: err.Error()})
		return err
	}
	r.handle = h
	r.pid = h.Pid()
	r.startedAt = time.Now()
	s.mu.Lock()
	s.cur = r
	s.mu.Unlock()
	metrics.IncStart(s.opts.Name)
	s.logger.Info("engine spawned", "pid", r.pid, "run_id", r.id, "binary", path)
	go s.watch(r)

	if err := s.awaitReady(r); err != nil {
		return err
	}
	if err := s.machine.TransitionFrom(lifecycle.StateStarting, lifecycle.StateRunning, lifecycle.Detail{RunID: r.id}); err != nil {
		return s.interrupted(r)
	}
	metrics.ObserveStartDuration(s.opts.Name, time.Since(begun).Seconds())
	s.logger.Info("engine running", "pid", r.pid, "run_id", r.id, "took", time.Since(begun))
	return nil
}

// awaitReady polls the engine, then the web server it launches. The web
// server is not guaranteed to exist before the engine answers. Polling is
// abandoned as soon as the child exits.
func (s *Supervisor) awaitReady(r *run) error {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		select {
		case <-r.exited:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := s.poller.Await(ctx, s.check("simulator", s.opts.StatusURL, readiness.StatusOK))
	if err == nil {
		err = s.poller.Await(ctx, s.check("web server", s.opts.WebURL, readiness.AnyResponse))
	}
	if err == nil {
		return nil
	}
	if !r.alive() {
		return s.interrupted(r)
	}
	if !errors.Is(err, readiness.ErrTimeout) {
		return err
	}

	msg := err.Error()
	if terr := s.machine.TransitionFrom(lifecycle.StateStarting, lifecycle.StateError, lifecycle.Detail{Message: msg, RunID: r.id}); terr != nil {
		return s.interrupted(r)
	}
	s.logger.Warn("engine not ready, leaving it running", "pid", r.pid, "run_id", r.id, "reason", msg)
	return fmt.Errorf("%w: %w", ErrReadinessTimeout, err)
}

func (s *Supervisor) check(name, url string, accept readiness.Predicate) readiness.Check {
	return readiness.Check{
		Name:           name,
		URL:            url,
		Interval:       s.opts.ReadinessInterval,
		MaxAttempts:    s.opts.ReadinessAttempts,
		AttemptTimeout: s.opts.AttemptTimeout,
		Accept:         accept,
	}
}

// interrupted waits for the exit of r to be published and reports it as the
// outcome of the start.
func (s *Supervisor) interrupted(r *run) error {
	<-r.done
	return fmt.Errorf("%w during startup: %s", ErrUnexpectedExit, r.exit)
}

func (s *Supervisor) watch(r *run) {
	r.exit = r.handle.Wait()
	close(r.exited)
	r.stdout.Flush()
	r.stderr.Flush()

	exit := r.exit
	s.mu.Lock()
	if s.cur == r {
		s.cur = nil
	}
	s.lastExit = &exit
	s.mu.Unlock()

	d := lifecycle.Detail{ExitCode: exit.Code, Signal: exit.Signal, RunID: r.id}
	if s.machine.Is(lifecycle.StateStopping) {
		s.logger.Info("engine exited", "pid", r.pid, "run_id", r.id, "exit", exit.String())
	} else {
		d.Message = "exited unexpectedly: " + exit.String()
		s.logger.Warn("engine exited unexpectedly", "pid", r.pid, "run_id", r.id, "exit", exit.String())
	}
	s.machine.TransitionIfNot(lifecycle.StateStopped, d)
	s.machine.Exited(r.id, exit)
	close(r.done)
}

func (s *Supervisor) handleStop() error {
	r := s.current()
	if r == nil {
		return nil
	}
	return s.stopRun(r)
}

// stopRun stops r. The stopping transition only happens while r is still the
// live child; if r exits first, its watcher owns the move to stopped.
func (s *Supervisor) stopRun(r *run) error {
	live := func() bool { return s.current() == r && r.alive() }
	if !s.machine.TransitionIf(lifecycle.StateStopping, lifecycle.Detail{RunID: r.id}, live) {
		<-r.done
		s.machine.TransitionIfNot(lifecycle.StateStopped, lifecycle.Detail{RunID: r.id})
		s.logger.Debug("engine exited before stop took effect", "pid", r.pid, "run_id", r.id)
		return nil
	}
	s.logger.Info("stopping engine", "pid", r.pid, "run_id", r.id)

	go func() {
		if err := s.control.requestClose(context.Background(), s.opts.CloseURL, s.opts.CloseTimeout); err != nil {
			s.logger.Debug("close request failed", "error", err)
		}
	}()

	grace := time.NewTimer(s.opts.GraceDelay)
	defer grace.Stop()
	var kill *time.Timer
	var killC <-chan time.Time
	defer func() {
		if kill != nil {
			kill.Stop()
		}
	}()

	for {
		select {
		case <-r.done:
			s.machine.TransitionIfNot(lifecycle.StateStopped, lifecycle.Detail{RunID: r.id})
			if n := s.reclaim.ReapWebServer(context.Background()); n > 0 {
				s.logger.Info("reaped web server", "count", n)
			}
			metrics.IncStop(s.opts.Name)
			return nil
		case <-grace.C:
			s.escalate(r, SignalTerm)
			kill = time.NewTimer(s.opts.KillDelay)
			killC = kill.C
		case <-killC:
			s.escalate(r, SignalKill)
			killC = nil
		}
	}
}

// escalate signals r unless it has already exited.
func (s *Supervisor) escalate(r *run, sig Signal) {
	if !r.alive() {
		return
	}
	s.logger.Warn("engine still alive, escalating", "signal", sig.String(), "pid", r.pid, "run_id", r.id)
	metrics.IncEscalation(s.opts.Name, sig.String())
	if err := r.handle.Signal(sig); err != nil {
		s.logger.Debug("signal failed", "signal", sig.String(), "pid", r.pid, "error", err)
	}
}

func (s *Supervisor) forceKill() {
	if r := s.current(); r != nil {
		s.escalate(r, SignalKill)
		t := time.NewTimer(s.opts.KillDelay)
		select {
		case <-r.done:
		case <-t.C:
		}
		t.Stop()
	}
	s.reclaim.ReapWebServer(context.Background())
}

func (s *Supervisor) resolveBinary() (string, error) {
	p := s.opts.BinaryPath
	if p == "" {
		return "", fmt.Errorf("%w: no path configured", ErrBinaryMissing)
	}
	fi, err := os.Stat(p)
	if err != nil || fi.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrBinaryMissing, p)
	}
	return p, nil
}

func (s *Supervisor) environ() []string {
	e := env.New()
	if s.opts.ContentRoot != "" {
		e.WithSet(s.opts.ContentEnv, s.opts.ContentRoot)
	}
	return e.Merge(s.opts.Env)
}

func tee(capture io.Writer, lines *lineWriter) io.Writer {
	if capture == nil {
		return lines
	}
	return captureWriter{capture: capture, lines: lines}
}

// captureWriter copies output to a log file without letting a failing file
// stop the line stream; an unread pipe would block the engine.
type captureWriter struct {
	capture io.Writer
	lines   *lineWriter
}

func (w captureWriter) Write(p []byte) (int, error) {
	_, _ = w.capture.Write(p)
	return w.lines.Write(p)
}
