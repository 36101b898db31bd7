package reaper

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"github.com/loykin/simvisor/internal/metrics"
)

// DefaultWebServerPattern matches the PHP built-in server the engine launches
// (php -S ... router.php).
const DefaultWebServerPattern = `php.*router\.php`

// Reason names the strategy that matched an orphan.
type Reason string

const (
	ReasonPath      Reason = "path"
	ReasonPort      Reason = "port"
	ReasonWebServer Reason = "web-server"
)

// ProcInfo is one entry of the OS process table.
type ProcInfo struct {
	PID  int32
	Exe  string
	Args []string
}

// Backend is the OS capability the reaper needs. Implementations must treat
// "nothing found" as an empty result, not an error.
type Backend interface {
	ListProcesses(ctx context.Context) ([]ProcInfo, error)
	// FindPortOwners returns the PIDs bound to port for proto ("udp" or "tcp").
	FindPortOwners(ctx context.Context, proto string, port uint32) ([]int32, error)
	// Kill terminates pid forcefully.
	Kill(ctx context.Context, pid int32) error
}

// OrphanMatch is a process found by one sweep. It never outlives the call
// that produced it.
type OrphanMatch struct {
	PID    int32  `json:"pid"`
	Reason Reason `json:"reason"`
	Detail string `json:"detail"`
	Killed bool   `json:"killed"`
}

// Config selects what the reaper is allowed to touch.
type Config struct {
	// BinaryPath is the resolved engine executable; matched exactly.
	BinaryPath string
	// ControlPort is the engine's datagram control port. Anything bound to it
	// after an unclean exit is an orphan.
	ControlPort uint32
	// ExcludedPorts are never swept. The engine's HTTP status port belongs
	// here: the supervisor's own client may still hold connections on it.
	ExcludedPorts []uint32
	// WebServerPattern matches the dependent web server's command line.
	WebServerPattern string
}

// Reaper finds and kills processes left over from a previous run.
// All methods are best-effort and never fail the caller.
type Reaper struct {
	cfg     Config
	backend Backend
	webRe   *regexp.Regexp
	self    []int32
	logger  *slog.Logger
}

func New(cfg Config, backend Backend, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	pattern := cfg.WebServerPattern
	if pattern == "" {
		pattern = DefaultWebServerPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		logger.Warn("invalid web server pattern, using default", "pattern", pattern, "error", err)
		re = regexp.MustCompile(DefaultWebServerPattern)
	}
	if cfg.BinaryPath != "" {
		cfg.BinaryPath = filepath.Clean(cfg.BinaryPath)
	}
	return &Reaper{
		cfg:     cfg,
		backend: backend,
		webRe:   re,
		self:    []int32{int32(os.Getpid()), int32(os.Getppid())},
		logger:  logger,
	}
}

// Reclaim clears orphans of the engine by exact path and by control-port
// occupancy, then sweeps the web server. It reports whether any engine orphan
// was killed, which tells the caller to let the OS release sockets first.
func (r *Reaper) Reclaim(ctx context.Context) bool {
	matches := r.Sweep(ctx)
	for _, m := range matches {
		if m.Killed && m.Reason != ReasonWebServer {
			return true
		}
	}
	return false
}

// Sweep runs every strategy and returns what it found.
func (r *Reaper) Sweep(ctx context.Context) []OrphanMatch {
	var out []OrphanMatch
	seen := make(map[int32]bool)

	for _, m := range r.byPath(ctx) {
		seen[m.PID] = true
		out = append(out, m)
	}
	for _, m := range r.byPort(ctx, "udp", r.cfg.ControlPort) {
		if seen[m.PID] {
			continue
		}
		seen[m.PID] = true
		out = append(out, m)
	}
	out = append(out, r.webServer(ctx)...)

	for _, m := range out {
		r.logger.Info("reclaimed orphan", "pid", m.PID, "reason", m.Reason, "detail", m.Detail, "killed", m.Killed)
	}
	return out
}

// ReapWebServer kills any process matching the web server signature and
// returns how many were killed. Safe to call repeatedly.
func (r *Reaper) ReapWebServer(ctx context.Context) int {
	n := 0
	for _, m := range r.webServer(ctx) {
		if m.Killed {
			n++
		}
	}
	return n
}

func (r *Reaper) byPath(ctx context.Context) []OrphanMatch {
	if r.cfg.BinaryPath == "" {
		return nil
	}
	procs, err := r.backend.ListProcesses(ctx)
	if err != nil {
		r.logger.Debug("process listing failed", "error", err)
		return nil
	}
	var out []OrphanMatch
	for _, p := range procs {
		if r.isSelf(p.PID) || !r.pathMatches(p) {
			continue
		}
		out = append(out, r.kill(ctx, OrphanMatch{PID: p.PID, Reason: ReasonPath, Detail: r.cfg.BinaryPath}))
	}
	metrics.AddOrphansReclaimed(string(ReasonPath), countKilled(out))
	return out
}

func (r *Reaper) byPort(ctx context.Context, proto string, port uint32) []OrphanMatch {
	if port == 0 {
		return nil
	}
	if slices.Contains(r.cfg.ExcludedPorts, port) {
		r.logger.Warn("refusing to sweep excluded port", "proto", proto, "port", port)
		return nil
	}
	pids, err := r.backend.FindPortOwners(ctx, proto, port)
	if err != nil {
		r.logger.Debug("port owner lookup failed", "proto", proto, "port", port, "error", err)
		return nil
	}
	var out []OrphanMatch
	for _, pid := range pids {
		if r.isSelf(pid) {
			continue
		}
		out = append(out, r.kill(ctx, OrphanMatch{PID: pid, Reason: ReasonPort, Detail: proto + ":" + strconv.FormatUint(uint64(port), 10)}))
	}
	metrics.AddOrphansReclaimed(string(ReasonPort), countKilled(out))
	return out
}

func (r *Reaper) webServer(ctx context.Context) []OrphanMatch {
	procs, err := r.backend.ListProcesses(ctx)
	if err != nil {
		r.logger.Debug("process listing failed", "error", err)
		return nil
	}
	var out []OrphanMatch
	for _, p := range procs {
		if r.isSelf(p.PID) || len(p.Args) == 0 {
			continue
		}
		line := strings.Join(p.Args, " ")
		if !r.webRe.MatchString(line) {
			continue
		}
		out = append(out, r.kill(ctx, OrphanMatch{PID: p.PID, Reason: ReasonWebServer, Detail: line}))
	}
	metrics.AddOrphansReclaimed(string(ReasonWebServer), countKilled(out))
	return out
}

func (r *Reaper) kill(ctx context.Context, m OrphanMatch) OrphanMatch {
	if err := r.backend.Kill(ctx, m.PID); err != nil {
		r.logger.Debug("kill failed", "pid", m.PID, "reason", m.Reason, "error", err)
		return m
	}
	m.Killed = true
	return m
}

func (r *Reaper) pathMatches(p ProcInfo) bool {
	if samePath(p.Exe, r.cfg.BinaryPath) {
		return true
	}
	return len(p.Args) > 0 && samePath(p.Args[0], r.cfg.BinaryPath)
}

func (r *Reaper) isSelf(pid int32) bool {
	return pid <= 0 || slices.Contains(r.self, pid)
}

func samePath(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	a = filepath.Clean(a)
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func countKilled(ms []OrphanMatch) int {
	n := 0
	for _, m := range ms {
		if m.Killed {
			n++
		}
	}
	return n
}
