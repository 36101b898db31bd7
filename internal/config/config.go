package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/simvisor/internal/engine"
	"github.com/loykin/simvisor/internal/logger"
	"github.com/loykin/simvisor/internal/metrics"
	"github.com/loykin/simvisor/internal/readiness"
	"github.com/loykin/simvisor/internal/reaper"
)

// EnvPrefix prefixes environment overrides, e.g. SIMVISOR_PORTS_STATUS.
const EnvPrefix = "SIMVISOR"

// Config is the top-level TOML structure.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Ports     PortsConfig     `mapstructure:"ports"`
	Readiness ReadinessConfig `mapstructure:"readiness"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	Log       logger.Config   `mapstructure:"log"`
	History   HistoryConfig   `mapstructure:"history"`
	API       APIConfig       `mapstructure:"api"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	// LockFile guards against two supervisors on one host.
	LockFile string `mapstructure:"lock_file"`
}

type EngineConfig struct {
	Name string `mapstructure:"name"`
	// BinaryName is the executable name without the platform extension.
	BinaryName string `mapstructure:"binary_name"`
	// BinaryPath overrides install-mode resolution when set.
	BinaryPath   string   `mapstructure:"binary_path"`
	Packaged     bool     `mapstructure:"packaged"`
	ResourcesDir string   `mapstructure:"resources_dir"`
	AppDir       string   `mapstructure:"app_dir"`
	ContentRoot  string   `mapstructure:"content_root"`
	ContentEnv   string   `mapstructure:"content_env"`
	Args         []string `mapstructure:"args"`
	Env          []string `mapstructure:"env"`
	EnvFiles     []string `mapstructure:"env_files"`
	// SyncContent refreshes the content root from ResourcesDir before the
	// first start. Defaults to on for packaged macOS installs.
	SyncContent *bool `mapstructure:"sync_content"`
	AutoStart   bool  `mapstructure:"auto_start"`
}

type PortsConfig struct {
	Host    string `mapstructure:"host"`
	Status  int    `mapstructure:"status"`
	Web     int    `mapstructure:"web"`
	Control int    `mapstructure:"control"`
}

type ReadinessConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

type ShutdownConfig struct {
	CloseCode      int           `mapstructure:"close_code"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	GraceDelay     time.Duration `mapstructure:"grace_delay"`
	KillDelay      time.Duration `mapstructure:"kill_delay"`
	QuitTimeout    time.Duration `mapstructure:"quit_timeout"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
}

type ReaperConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	WebServerPattern string        `mapstructure:"web_server_pattern"`
}

type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Sinks are DSNs: sqlite path, postgres://, clickhouse://, opensearch://.
	Sinks     []string      `mapstructure:"sinks"`
	QueueSize int           `mapstructure:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type APIConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled   bool                   `mapstructure:"enabled"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.name", "engine")
	v.SetDefault("engine.binary_name", "WinVetSim")
	v.SetDefault("engine.binary_path", "")
	v.SetDefault("engine.packaged", false)
	v.SetDefault("engine.resources_dir", "")
	v.SetDefault("engine.app_dir", "")
	v.SetDefault("engine.content_root", "")
	v.SetDefault("engine.content_env", engine.DefaultContentEnv)
	v.SetDefault("engine.args", []string{})
	v.SetDefault("engine.env", []string{})
	v.SetDefault("engine.env_files", []string{})
	v.SetDefault("engine.auto_start", true)

	v.SetDefault("ports.host", "127.0.0.1")
	v.SetDefault("ports.status", 40845)
	v.SetDefault("ports.web", 8081)
	v.SetDefault("ports.control", 40844)

	v.SetDefault("readiness.interval", readiness.DefaultInterval)
	v.SetDefault("readiness.max_attempts", readiness.DefaultMaxAttempts)
	v.SetDefault("readiness.attempt_timeout", readiness.DefaultAttemptTimeout)

	v.SetDefault("shutdown.close_code", 565)
	v.SetDefault("shutdown.request_timeout", 2*time.Second)
	v.SetDefault("shutdown.grace_delay", 3*time.Second)
	v.SetDefault("shutdown.kill_delay", 2*time.Second)
	v.SetDefault("shutdown.quit_timeout", 8*time.Second)
	v.SetDefault("shutdown.query_timeout", time.Second)

	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.cooldown", 1500*time.Millisecond)
	v.SetDefault("reaper.web_server_pattern", reaper.DefaultWebServerPattern)

	v.SetDefault("log.slog.level", string(logger.LevelInfo))
	v.SetDefault("log.slog.format", string(logger.FormatText))
	v.SetDefault("log.slog.color", false)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.slog.source", false)
	v.SetDefault("log.slog.file", "")
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.stdout", "")
	v.SetDefault("log.file.stderr", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("history.queue_size", 256)
	v.SetDefault("history.timeout", 5*time.Second)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:40850")
	v.SetDefault("api.base_path", "/api")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.resources.enabled", false)
	v.SetDefault("metrics.resources.interval", 5*time.Second)
	v.SetDefault("metrics.resources.max_history", 120)

	v.SetDefault("lock_file", filepath.Join(os.TempDir(), "simvisor.lock"))
}

// Load reads path (TOML) on top of the defaults and applies SIMVISOR_*
// environment overrides. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// no default, so it has to be bound explicitly
	_ = v.BindEnv("engine.sync_content")
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var ErrInvalid = errors.New("invalid config")

// Validate rejects configurations the supervisor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	ports := []struct {
		name string
		port int
	}{{"status", c.Ports.Status}, {"web", c.Ports.Web}, {"control", c.Ports.Control}}
	for _, p := range ports {
		if p.port <= 0 || p.port > 65535 {
			errs = append(errs, fmt.Errorf("ports.%s out of range: %d", p.name, p.port))
		}
	}
	if c.Ports.Status == c.Ports.Control {
		errs = append(errs, fmt.Errorf("ports.status and ports.control must differ (%d)", c.Ports.Status))
	}
	if c.Readiness.MaxAttempts <= 0 {
		errs = append(errs, errors.New("readiness.max_attempts must be positive"))
	}
	if c.Readiness.Interval <= 0 || c.Readiness.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("readiness.interval and readiness.attempt_timeout must be positive"))
	}
	if c.Shutdown.GraceDelay < 0 || c.Shutdown.KillDelay < 0 {
		errs = append(errs, errors.New("shutdown delays must not be negative"))
	}
	if c.Engine.BinaryName == "" && c.Engine.BinaryPath == "" {
		errs = append(errs, errors.New("engine.binary_name or engine.binary_path is required"))
	}
	if c.Engine.Packaged && c.Engine.ResourcesDir == "" && c.Engine.BinaryPath == "" {
		errs = append(errs, errors.New("engine.resources_dir is required for packaged installs"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func (c *Config) hostPort(port int) string {
	host := c.Ports.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// StatusURL is the engine readiness and status endpoint.
func (c *Config) StatusURL() string {
	return c.hostPort(c.Ports.Status) + "/cgi-bin/simstatus.cgi?check=1"
}

// CloseURL asks the engine to shut down cooperatively.
func (c *Config) CloseURL() string {
	q := url.Values{"close": {fmt.Sprint(c.Shutdown.CloseCode)}}
	return c.hostPort(c.Ports.Status) + "/cgi-bin/simstatus.cgi?" + q.Encode()
}

// WebURL is the root of the web server the engine launches.
func (c *Config) WebURL() string { return c.hostPort(c.Ports.Web) + "/" }

// EngineOptions converts the file configuration into supervisor options.
// Output capture writers are left to the caller.
func (c *Config) EngineOptions() (engine.Options, error) {
	extra, err := LoadEnvFiles(c.Engine.EnvFiles)
	if err != nil {
		return engine.Options{}, err
	}
	return engine.Options{
		Name:              c.Engine.Name,
		BinaryPath:        c.BinaryPath(),
		Args:              c.Engine.Args,
		ContentRoot:       c.ContentRoot(),
		ContentEnv:        c.Engine.ContentEnv,
		Env:               append(extra, c.Engine.Env...),
		StatusURL:         c.StatusURL(),
		CloseURL:          c.CloseURL(),
		WebURL:            c.WebURL(),
		ReadinessInterval: c.Readiness.Interval,
		ReadinessAttempts: c.Readiness.MaxAttempts,
		AttemptTimeout:    c.Readiness.AttemptTimeout,
		Cooldown:          c.Reaper.Cooldown,
		CloseTimeout:      c.Shutdown.RequestTimeout,
		GraceDelay:        c.Shutdown.GraceDelay,
		KillDelay:         c.Shutdown.KillDelay,
		QueryTimeout:      c.Shutdown.QueryTimeout,
		QuitTimeout:       c.Shutdown.QuitTimeout,
	}, nil
}

// ReaperConfig returns what the orphan reaper may touch. The status port is
// always excluded from port sweeps.
func (c *Config) ReaperConfig() reaper.Config {
	return reaper.Config{
		BinaryPath:       c.BinaryPath(),
		ControlPort:      uint32(c.Ports.Control),
		ExcludedPorts:    []uint32{uint32(c.Ports.Status)},
		WebServerPattern: c.Reaper.WebServerPattern,
	}
}

// LoadEnvFiles reads .env files in order; later files win. The result is a
// list of KEY=VALUE entries in first-seen key order.
func LoadEnvFiles(paths []string) ([]string, error) {
	m := make(map[string]string)
	var keys []string
	for _, p := range paths {
		pairs, order, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for _, k := range order {
			if _, seen := m[k]; !seen {
				keys = append(keys, k)
			}
			m[k] = pairs[k]
		}
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines. Blank lines and lines starting with #
// are ignored, as is a leading "export ". Values may be wrapped in matching
// single or double quotes.
func loadEnvFile(path string) (map[string]string, []string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, nil, err
	}
	m := make(map[string]string)
	var order []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := unquote(strings.TrimSpace(line[i+1:]))
		if _, seen := m[k]; !seen {
			order = append(order, k)
		}
		m[k] = v
	}
	return m, order, nil
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
