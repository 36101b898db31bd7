package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/simvisor/internal/config"
	"github.com/loykin/simvisor/pkg/client"
)

// writeConfig writes a config whose engine binary does not exist. "{dir}" in
// extra expands to the scratch directory.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
lock_file = '%s'

[engine]
binary_path = '%s'
auto_start = false

[reaper]
enabled = false

[api]
listen = "127.0.0.1:0"
`, filepath.Join(dir, "simvisor.lock"), filepath.Join(dir, "missing", "WinVetSim")) + strings.ReplaceAll(extra, "{dir}", dir)
	path := filepath.Join(dir, "simvisor.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDaemon(t *testing.T, path string) *daemon {
	t.Helper()
	cfg, err := config.Load(path)
	require.NoError(t, err)
	d, err := openDaemon(cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.close(ctx)
	})
	return d
}

func TestHelpListsCommands(t *testing.T) {
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--help"})
	require.NoError(t, root.Execute())
	for _, name := range []string{"serve", "start", "stop", "restart", "status", "engine-status", "events", "reap"} {
		assert.Contains(t, out.String(), name)
	}
}

func TestDaemonServesAPI(t *testing.T) {
	path := writeConfig(t, `
[metrics]
enabled = true

[history]
enabled = true
sinks = ['{dir}/history.db']

[log.file]
dir = '{dir}/logs'
`)
	d := openTestDaemon(t, path)
	require.NotNil(t, d.server)
	require.NotNil(t, d.recorder)

	cl := client.New(client.Config{BaseURL: "http://" + d.server.Addr + "/api", Timeout: 5 * time.Second})
	ctx := context.Background()
	require.True(t, cl.IsReachable(ctx))

	st, err := cl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stopped", st.State)
	assert.Equal(t, "engine", st.Name)

	_, err = cl.Start(ctx, true)
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)

	resp, err := http.Get("http://" + d.server.Addr + "/api/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "simvisor_")
}

func TestSecondDaemonRefusedByLock(t *testing.T) {
	path := writeConfig(t, "")
	openTestDaemon(t, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	_, err = openDaemon(cfg, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestDaemonReleasesLockOnFailure(t *testing.T) {
	path := writeConfig(t, `
[history]
enabled = true
sinks = ["mysql://nope"]
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	_, err = openDaemon(cfg, quietLogger())
	require.Error(t, err)

	lock := flock.New(cfg.LockFile)
	locked, err := lock.TryLock()
	require.NoError(t, err)
	assert.True(t, locked)
	_ = lock.Unlock()
}

func TestReapRefusedWhileLocked(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	lock := flock.New(cfg.LockFile)
	locked, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = lock.Unlock() }()

	root := buildRoot()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"reap", "--config", path})
	err = root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "holds")
}

func stubAPI(t *testing.T) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ok":true}`)
	})
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"name":"engine","state":"running","pid":4242,"changed_at":"2026-01-02T03:04:05Z","binary":"/opt/WinVetSim"}`)
	})
	mux.HandleFunc("/api/engine/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ok":true,"data":{"scenario":{"state":"Running"}}}`)
	})
	mux.HandleFunc("/api/stop", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("wait"))
		_, _ = io.WriteString(w, `{"ok":true,"action":"stop","status":{"name":"engine","state":"stopped","changed_at":"2026-01-02T03:04:05Z","binary":"/opt/WinVetSim"}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL + "/api"
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestStatusCommand(t *testing.T) {
	out, err := runCLI(t, "status", "--api-url", stubAPI(t))
	require.NoError(t, err)
	assert.Contains(t, out, `"state": "running"`)
	assert.Contains(t, out, `"pid": 4242`)
}

func TestStopCommandWaits(t *testing.T) {
	out, err := runCLI(t, "stop", "--api-url", stubAPI(t))
	require.NoError(t, err)
	assert.Contains(t, out, `"state": "stopped"`)
}

func TestEngineStatusField(t *testing.T) {
	api := stubAPI(t)
	out, err := runCLI(t, "engine-status", "--api-url", api, "--field", "scenario.state")
	require.NoError(t, err)
	assert.Equal(t, "Running", strings.TrimSpace(out))

	_, err = runCLI(t, "engine-status", "--api-url", api, "--field", "cardiac.rate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not present")
}

func TestUnreachableSupervisor(t *testing.T) {
	_, err := runCLI(t, "status", "--api-url", "http://127.0.0.1:1/api", "--api-timeout", "500ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestAPIURLFor(t *testing.T) {
	cases := []struct {
		api  config.APIConfig
		want string
	}{
		{config.APIConfig{Listen: "127.0.0.1:40850", BasePath: "/api"}, "http://127.0.0.1:40850/api"},
		{config.APIConfig{Listen: ":9000", BasePath: "api/"}, "http://127.0.0.1:9000/api"},
		{config.APIConfig{Listen: "0.0.0.0:9000"}, "http://127.0.0.1:9000"},
		{config.APIConfig{Listen: "[::1]:9000", BasePath: "/"}, "http://[::1]:9000"},
	}
	for _, tc := range cases {
		got, err := apiURLFor(tc.api)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "listen %q", tc.api.Listen)
	}
	_, err := apiURLFor(config.APIConfig{Listen: "nonsense"})
	assert.Error(t, err)
}

func TestDaemonArgs(t *testing.T) {
	got := daemonArgs([]string{"serve", "--daemonize", "--pidfile", "/run/s.pid", "--logfile=/tmp/s.log", "--config", "a.toml"})
	assert.Equal(t, []string{"serve", "--config", "a.toml"}, got)
}

func TestWritePidFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "simvisor.pid")
	require.NoError(t, writePidFile(p, 1234))
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "1234", string(b))
}

func TestFormatEvent(t *testing.T) {
	code := 137
	line := formatEvent(client.Event{Kind: "process-exited", State: "stopped", ExitCode: &code, Message: "exited unexpectedly"})
	assert.Contains(t, line, "process-exited")
	assert.Contains(t, line, "exit code 137")
	assert.Contains(t, line, "(exited unexpectedly)")
}
