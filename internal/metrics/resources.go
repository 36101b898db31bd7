package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample is a point-in-time CPU and memory reading for one process.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig controls periodic sampling of the supervised engine.
type ResourceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ResourceSampler periodically samples the engine PID reported by a callback.
// Samples are kept in a fixed-size ring and mirrored to gauges.
type ResourceSampler struct {
	name     string
	enabled  bool
	interval time.Duration

	mu    sync.RWMutex
	ring  []ResourceSample
	start int
	count int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
}

func NewResourceSampler(name string, cfg ResourceConfig) *ResourceSampler {
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 120
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ResourceSampler{
		name:     name,
		enabled:  cfg.Enabled,
		interval: interval,
		ring:     make([]ResourceSample, maxHistory),
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "simvisor", Subsystem: "engine", Name: "cpu_percent",
			Help: "CPU usage percentage of the engine process.",
		}, []string{"name"}),
		memoryMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "simvisor", Subsystem: "engine", Name: "memory_mb",
			Help: "Resident memory of the engine process in MB.",
		}, []string{"name"}),
		numThreads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "simvisor", Subsystem: "engine", Name: "num_threads",
			Help: "Thread count of the engine process.",
		}, []string{"name"}),
	}
}

// RegisterMetrics registers the sampler gauges with r.
func (s *ResourceSampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	for _, c := range []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pidFn every interval until ctx is done or Stop is called.
// A pid of 0 means nothing is running; gauges are cleared in that case.
func (s *ResourceSampler) Start(ctx context.Context, pidFn func() int) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.collect(ctx, int32(pidFn()))
			}
		}
	}()
}

func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *ResourceSampler) collect(ctx context.Context, pid int32) {
	if pid <= 0 {
		s.cpuPercent.DeleteLabelValues(s.name)
		s.memoryMB.DeleteLabelValues(s.name)
		s.numThreads.DeleteLabelValues(s.name)
		return
	}
	sample, err := Sample(ctx, pid)
	if err != nil {
		slog.Debug("resource sample failed", "name", s.name, "pid", pid, "error", err)
		return
	}
	s.Add(*sample)
	s.cpuPercent.WithLabelValues(s.name).Set(sample.CPUPercent)
	s.memoryMB.WithLabelValues(s.name).Set(sample.MemoryMB)
	s.numThreads.WithLabelValues(s.name).Set(float64(sample.NumThreads))
}

// Sample reads CPU, memory and thread counts for pid.
func Sample(ctx context.Context, pid int32) (*ResourceSample, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}
	cpu, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, _ := proc.NumThreadsWithContext(ctx)
	out := &ResourceSample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDsWithContext(ctx); err == nil {
			out.NumFDs = fds
		}
	}
	return out, nil
}

// Add appends a sample to the ring, overwriting the oldest when full.
func (s *ResourceSampler) Add(sample ResourceSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := len(s.ring)
	if s.count < size {
		s.ring[(s.start+s.count)%size] = sample
		s.count++
		return
	}
	s.ring[s.start] = sample
	s.start = (s.start + 1) % size
}

// History returns the retained samples, oldest first.
func (s *ResourceSampler) History() []ResourceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ResourceSample, 0, s.count)
	for i := 0; i < s.count; i++ {
		out = append(out, s.ring[(s.start+i)%len(s.ring)])
	}
	return out
}

// Latest returns the most recent sample if any.
func (s *ResourceSampler) Latest() (ResourceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return ResourceSample{}, false
	}
	return s.ring[(s.start+s.count-1)%len(s.ring)], true
}
