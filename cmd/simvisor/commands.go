package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/loykin/simvisor/internal/config"
	"github.com/loykin/simvisor/internal/reaper"
	"github.com/loykin/simvisor/pkg/client"
)

type command struct {
	global *GlobalFlags
}

func (c command) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// apiURL resolves the API address: the flag wins, otherwise [api] from the
// config. A wildcard listen host is reached through loopback.
func (c command) apiURL() (string, error) {
	if c.global.APIUrl != "" {
		return c.global.APIUrl, nil
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return "", err
	}
	return apiURLFor(cfg.API)
}

func apiURLFor(api config.APIConfig) (string, error) {
	host, port, err := net.SplitHostPort(api.Listen)
	if err != nil {
		return "", fmt.Errorf("api.listen %q: %w", api.Listen, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	base := api.BasePath
	if base != "" && !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return "http://" + net.JoinHostPort(host, port) + strings.TrimRight(base, "/"), nil
}

func (c command) client(waitTimeout time.Duration) (*client.Client, error) {
	u, err := c.apiURL()
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{BaseURL: u, Timeout: c.global.APITimeout, WaitTimeout: waitTimeout}), nil
}

func (c command) reachableClient(ctx context.Context, waitTimeout time.Duration) (*client.Client, error) {
	cl, err := c.client(waitTimeout)
	if err != nil {
		return nil, err
	}
	if !cl.IsReachable(ctx) {
		u, _ := c.apiURL()
		return nil, fmt.Errorf("supervisor not reachable at %s - start it first with 'simvisor serve'", u)
	}
	return cl, nil
}

// Action runs start, stop or restart on the supervisor.
func (c command) Action(cmd *cobra.Command, name string, f ActionFlags) error {
	ctx := cmdContext(cmd)
	cl, err := c.reachableClient(ctx, f.WaitTimeout)
	if err != nil {
		return err
	}
	var res *client.ActionResult
	switch name {
	case "start":
		res, err = cl.Start(ctx, f.Wait)
	case "stop":
		res, err = cl.Stop(ctx, f.Wait)
	case "restart":
		res, err = cl.Restart(ctx, f.Wait)
	default:
		return fmt.Errorf("unknown action %q", name)
	}
	if err != nil {
		return err
	}
	printJSON(cmd.OutOrStdout(), res)
	return nil
}

func (c command) Status(cmd *cobra.Command) error {
	ctx := cmdContext(cmd)
	cl, err := c.reachableClient(ctx, 0)
	if err != nil {
		return err
	}
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	printJSON(cmd.OutOrStdout(), st)
	return nil
}

func (c command) EngineStatus(cmd *cobra.Command, f EngineStatusFlags) error {
	ctx := cmdContext(cmd)
	cl, err := c.reachableClient(ctx, 0)
	if err != nil {
		return err
	}
	st, err := cl.EngineStatus(ctx)
	if err != nil {
		return err
	}
	if f.Field == "" {
		printJSON(cmd.OutOrStdout(), st)
		return nil
	}
	if !st.OK {
		return errors.New("engine status unavailable")
	}
	v := st.Get(f.Field)
	if !v.Exists() {
		return fmt.Errorf("field %q not present in engine status", f.Field)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), v.String())
	return nil
}

// Events follows the notification stream until interrupted.
func (c command) Events(cmd *cobra.Command, f EventsFlags) error {
	ctx := cmdContext(cmd)
	cl, err := c.reachableClient(ctx, 0)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	return cl.Events(ctx, f.Kinds, func(e client.Event) error {
		if f.JSON {
			printJSONLine(out, e)
			return nil
		}
		_, err := fmt.Fprintln(out, formatEvent(e))
		return err
	})
}

// Reap runs one orphan sweep from this process. A live supervisor owns the
// engine, so the sweep is refused while the lock is held.
func (c command) Reap(cmd *cobra.Command) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	lock := flock.New(cfg.LockFile)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("a supervisor holds %s; use 'simvisor stop' instead", cfg.LockFile)
	}
	defer func() { _ = lock.Unlock() }()

	logger := cfg.Log.NewSloggerTo(cmd.ErrOrStderr())
	r := reaper.New(cfg.ReaperConfig(), reaper.NewSystemBackend(), logger)
	matches := r.Sweep(cmdContext(cmd))
	if matches == nil {
		matches = []reaper.OrphanMatch{}
	}
	printJSON(cmd.OutOrStdout(), matches)
	return nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
