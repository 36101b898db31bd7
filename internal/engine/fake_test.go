package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/simvisor/internal/lifecycle"
)

// fakeHandle is a child whose exit is driven by the test.
type fakeHandle struct {
	pid      int
	exitCh   chan lifecycle.Exit
	once     sync.Once
	mu       sync.Mutex
	signals  []Signal
	onSignal func(Signal) (lifecycle.Exit, bool)
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, exitCh: make(chan lifecycle.Exit, 1)}
}

func (h *fakeHandle) Pid() int { return h.pid }

func (h *fakeHandle) Signal(sig Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	fn := h.onSignal
	h.mu.Unlock()
	if fn != nil {
		if e, ok := fn(sig); ok {
			h.exit(e)
		}
	}
	return nil
}

func (h *fakeHandle) Wait() lifecycle.Exit { return <-h.exitCh }

func (h *fakeHandle) exit(e lifecycle.Exit) {
	h.once.Do(func() { h.exitCh <- e })
}

func (h *fakeHandle) sent() []Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Signal(nil), h.signals...)
}

// honour makes the handle exit on the given signal.
func (h *fakeHandle) honour(sig Signal) {
	h.mu.Lock()
	h.onSignal = func(s Signal) (lifecycle.Exit, bool) {
		if s != sig {
			return lifecycle.Exit{}, false
		}
		return lifecycle.ExitWithSignal(s.String()), true
	}
	h.mu.Unlock()
}

// fakeLauncher records launches and hands out fakeHandles.
type fakeLauncher struct {
	mu      sync.Mutex
	specs   []LaunchSpec
	handles []*fakeHandle
	err     error
	stdout  string
	setup   func(*fakeHandle)
	order   *orderLog
}

func (l *fakeLauncher) Launch(spec LaunchSpec) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order.add("launch")
	if l.err != nil {
		return nil, l.err
	}
	h := newFakeHandle(1000 + len(l.handles))
	if l.setup != nil {
		l.setup(h)
	}
	l.specs = append(l.specs, spec)
	l.handles = append(l.handles, h)
	if l.stdout != "" {
		_, _ = io.WriteString(spec.Stdout, l.stdout)
	}
	return h, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

func (l *fakeLauncher) all() []*fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeHandle(nil), l.handles...)
}

func (l *fakeLauncher) last() *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.handles) == 0 {
		return nil
	}
	return l.handles[len(l.handles)-1]
}

type orderLog struct {
	mu    sync.Mutex
	steps []string
}

func (o *orderLog) add(s string) {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.steps = append(o.steps, s)
	o.mu.Unlock()
}

func (o *orderLog) list() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.steps...)
}

type fakeReclaimer struct {
	found    bool
	order    *orderLog
	reclaims atomic.Int32
	webReaps atomic.Int32
}

func (r *fakeReclaimer) Reclaim(context.Context) bool {
	r.order.add("reclaim")
	r.reclaims.Add(1)
	return r.found
}

func (r *fakeReclaimer) ReapWebServer(context.Context) int {
	r.webReaps.Add(1)
	return 0
}

// engineStub serves the status endpoint (readiness, close, query) and the web
// root on two httptest servers.
type engineStub struct {
	status *httptest.Server
	web    *httptest.Server

	ready    atomic.Bool
	webUp    atomic.Bool
	body     atomic.Value
	closes   atomic.Int32
	onClose  atomic.Value
	statusHi atomic.Int32
}

func newEngineStub(t *testing.T) *engineStub {
	t.Helper()
	st := &engineStub{}
	st.ready.Store(true)
	st.webUp.Store(true)
	st.body.Store(`{"status":"ok"}`)
	st.status = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("close") != "" {
			st.closes.Add(1)
			if fn, _ := st.onClose.Load().(func()); fn != nil {
				fn()
			}
			return
		}
		st.statusHi.Add(1)
		if !st.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, st.body.Load().(string))
	}))
	st.web = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !st.webUp.Load() {
			// hijack and drop so the probe sees no response at all
			hj, ok := w.(http.Hijacker)
			if ok {
				c, _, _ := hj.Hijack()
				_ = c.Close()
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(st.status.Close)
	t.Cleanup(st.web.Close)
	return st
}

func fakeBinary(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "bin")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, "WinVetSim")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

type harness struct {
	sup      *Supervisor
	launcher *fakeLauncher
	reclaim  *fakeReclaimer
	stub     *engineStub
	events   *eventLog
	opts     Options
	order    *orderLog
}

func testOptions(t *testing.T, stub *engineStub) Options {
	return Options{
		Name:              "engine",
		BinaryPath:        fakeBinary(t),
		ContentRoot:       "/srv/openvetsim",
		StatusURL:         stub.status.URL + "/cgi-bin/simstatus.cgi?check=1",
		CloseURL:          stub.status.URL + "/cgi-bin/simstatus.cgi?close=565",
		WebURL:            stub.web.URL + "/",
		ReadinessInterval: 10 * time.Millisecond,
		ReadinessAttempts: 5,
		AttemptTimeout:    50 * time.Millisecond,
		Cooldown:          200 * time.Millisecond,
		CloseTimeout:      100 * time.Millisecond,
		GraceDelay:        150 * time.Millisecond,
		KillDelay:         150 * time.Millisecond,
		QueryTimeout:      100 * time.Millisecond,
		QuitTimeout:       2 * time.Second,
	}
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	stub := newEngineStub(t)
	opts := testOptions(t, stub)
	if mutate != nil {
		mutate(&opts)
	}
	order := &orderLog{}
	h := &harness{
		launcher: &fakeLauncher{order: order},
		reclaim:  &fakeReclaimer{order: order},
		stub:     stub,
		events:   &eventLog{},
		opts:     opts,
		order:    order,
	}
	bus := lifecycle.NewBus(nil)
	bus.Subscribe(h.events)
	h.sup = New(opts, WithLauncher(h.launcher), WithReclaimer(h.reclaim), WithBus(bus))
	t.Cleanup(func() {
		for _, fh := range h.launcher.all() {
			fh.exit(lifecycle.ExitWithCode(0))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.sup.Shutdown(ctx)
	})
	return h
}

type eventLog struct {
	mu     sync.Mutex
	events []lifecycle.Event
}

func (l *eventLog) Notify(e lifecycle.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) all() []lifecycle.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]lifecycle.Event(nil), l.events...)
}

func (l *eventLog) states() []lifecycle.State {
	var out []lifecycle.State
	for _, e := range l.all() {
		if e.Kind == lifecycle.EventStateChanged {
			out = append(out, e.State)
		}
	}
	return out
}

func (l *eventLog) ofKind(k lifecycle.EventKind) []lifecycle.Event {
	var out []lifecycle.Event
	for _, e := range l.all() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var errLaunch = errors.New("exec format error")
