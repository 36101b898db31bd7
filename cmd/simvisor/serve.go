package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/simvisor/internal/config"
	"github.com/loykin/simvisor/internal/content"
	"github.com/loykin/simvisor/internal/engine"
	"github.com/loykin/simvisor/internal/history"
	"github.com/loykin/simvisor/internal/history/factory"
	"github.com/loykin/simvisor/internal/lifecycle"
	"github.com/loykin/simvisor/internal/metrics"
	"github.com/loykin/simvisor/internal/reaper"
	"github.com/loykin/simvisor/internal/server"
)

func runServe(ctx context.Context, configPath string, flags *ServeFlags) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	logger := cfg.Log.NewSlogger()
	d, err := openDaemon(cfg, logger)
	if err != nil {
		return err
	}
	if d.server != nil {
		logger.Info("api listening", "addr", d.server.Addr, "base_path", cfg.API.BasePath)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Engine.AutoStart && !flags.NoStart {
		go d.autoStart(ctx)
	}
	<-ctx.Done()

	logger.Info("shutting down")
	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.QuitTimeout+10*time.Second)
	defer cancel()
	return d.close(closeCtx)
}

// daemon owns everything serve wires together.
type daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	lock     *flock.Flock
	sup      *engine.Supervisor
	recorder *history.Recorder
	sampler  *metrics.ResourceSampler
	router   *server.Router
	server   *http.Server
	closers  []io.Closer
}

func openDaemon(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}
	opened := false
	defer func() {
		if !opened {
			_ = d.close(context.Background())
		}
	}()

	d.lock = flock.New(cfg.LockFile)
	locked, err := d.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", cfg.LockFile, err)
	}
	if !locked {
		d.lock = nil
		return nil, fmt.Errorf("supervisor already running (lock %s held by another process)", cfg.LockFile)
	}

	if cfg.SyncContent() {
		res, err := content.Sync(cfg.Engine.ResourcesDir, cfg.ContentRoot(), logger)
		if err != nil {
			return nil, fmt.Errorf("sync content: %w", err)
		}
		logger.Info("content synced", "root", cfg.ContentRoot(), "refreshed", res.Refreshed, "seeded", res.Seeded)
	}

	opts, err := cfg.EngineOptions()
	if err != nil {
		return nil, err
	}
	stdout, stderr, err := cfg.Log.ProcessWriters(opts.Name)
	if err != nil {
		return nil, err
	}
	if stdout != nil {
		opts.Stdout = stdout
		d.closers = append(d.closers, stdout)
	}
	if stderr != nil {
		opts.Stderr = stderr
		d.closers = append(d.closers, stderr)
	}

	bus := lifecycle.NewBus(logger)
	if cfg.History.Enabled && len(cfg.History.Sinks) > 0 {
		sinks, err := factory.NewSinks(cfg.History.Sinks)
		if err != nil {
			return nil, err
		}
		d.recorder = history.NewRecorder(opts.Name, sinks, history.RecorderOptions{
			QueueSize:   cfg.History.QueueSize,
			SendTimeout: cfg.History.Timeout,
			Logger:      logger,
		})
		bus.Subscribe(d.recorder)
	}

	engineOpts := []engine.Option{engine.WithLogger(logger), engine.WithBus(bus)}
	if cfg.Reaper.Enabled {
		engineOpts = append(engineOpts, engine.WithReclaimer(reaper.New(cfg.ReaperConfig(), reaper.NewSystemBackend(), logger)))
	}
	d.sup = engine.New(opts, engineOpts...)

	var routerOpts []server.RouterOption
	routerOpts = append(routerOpts, server.WithLogger(logger))
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		d.sampler = metrics.NewResourceSampler(opts.Name, cfg.Metrics.Resources)
		if err := d.sampler.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register resource metrics: %w", err)
		}
		d.sampler.Start(context.Background(), func() int { return d.sup.Status().PID })
		routerOpts = append(routerOpts, server.WithMetrics(metrics.Handler()))
	}

	if cfg.API.Enabled {
		d.router = server.NewRouter(d.sup, cfg.API.BasePath, routerOpts...)
		d.server, err = server.NewServer(cfg.API.Listen, d.router.Handler(), logger)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", cfg.API.Listen, err)
		}
	}
	opened = true
	return d, nil
}

func (d *daemon) autoStart(ctx context.Context) {
	err := d.sup.Start(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, engine.ErrClosed):
	case errors.Is(err, engine.ErrBinaryMissing):
		_, _ = fmt.Fprintf(os.Stderr, "simvisor: %v\n", err)
		d.logger.Error("engine binary missing", "error", err)
	default:
		d.logger.Error("engine auto-start failed", "error", err)
	}
}

// close stops the engine first so event streams still see the final states,
// then tears down the API and the sinks.
func (d *daemon) close(ctx context.Context) error {
	var errs []error
	if d.sup != nil {
		if err := d.sup.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
		}
	}
	if d.router != nil {
		d.router.Wait()
	}
	if d.server != nil {
		if err := d.server.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.sampler != nil {
		d.sampler.Stop()
	}
	if d.recorder != nil {
		if err := d.recorder.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("history: %w", err))
		}
		if n := d.recorder.Dropped(); n > 0 {
			d.logger.Warn("history events dropped", "count", n)
		}
	}
	for _, c := range d.closers {
		_ = c.Close()
	}
	if d.lock != nil {
		_ = d.lock.Unlock()
	}
	return errors.Join(errs...)
}
