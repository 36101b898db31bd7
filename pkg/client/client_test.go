package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/api/", Timeout: 2 * time.Second})
}

func TestStartAcceptedWithoutWait(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/start", r.URL.Path)
		assert.Empty(t, r.URL.RawQuery)
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"accepted":true,"action":"start"}`)
	})
	res, err := c.Start(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "start", res.Action)
	assert.Nil(t, res.Status)
}

func TestStopWaitDecodesStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/stop", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("wait"))
		_, _ = io.WriteString(w, `{"ok":true,"action":"stop","status":{"name":"WinVetSim","state":"stopped","changed_at":"2026-01-02T03:04:05Z","binary":"/opt/bin/WinVetSim","last_exit":{"code":null,"signal":"SIGTERM"}}}`)
	})
	res, err := c.Stop(context.Background(), true)
	require.NoError(t, err)
	require.NotNil(t, res.Status)
	assert.Equal(t, "stopped", res.Status.State)
	require.NotNil(t, res.Status.LastExit)
	assert.Nil(t, res.Status.LastExit.Code)
	require.NotNil(t, res.Status.LastExit.Signal)
	assert.Equal(t, "SIGTERM", *res.Status.LastExit.Signal)
}

func TestActionErrorCarriesState(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
		_, _ = io.WriteString(w, `{"error":"engine did not become ready","state":"error"}`)
	})
	_, err := c.Restart(context.Background(), true)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusGatewayTimeout, apiErr.StatusCode)
	assert.Equal(t, "error", apiErr.State)
	assert.Contains(t, apiErr.Error(), "did not become ready")
}

func TestNonJSONErrorFallsBackToStatusText(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	_, err := c.Status(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "Not Found", apiErr.Message)
}

func TestEngineStatusField(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/engine/status", r.URL.Path)
		_, _ = io.WriteString(w, `{"ok":true,"data":{"cardiac":{"rate":72},"scenario":{"state":"Running"}}}`)
	})
	st, err := c.EngineStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, st.OK)
	assert.Equal(t, int64(72), st.Get("cardiac.rate").Int())
	assert.Equal(t, "Running", st.Get("scenario.state").String())
	assert.False(t, st.Get("respiration.rate").Exists())
}

func TestIsReachable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/healthz", r.URL.Path)
		_, _ = io.WriteString(w, `{"ok":true}`)
	})
	assert.True(t, c.IsReachable(context.Background()))

	down := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: 500 * time.Millisecond})
	assert.False(t, down.IsReachable(context.Background()))
}

func TestEventsStream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "state-changed,process-exited", r.URL.Query().Get("kinds"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event:snapshot\ndata:{\"name\":\"WinVetSim\",\"state\":\"stopped\",\"changed_at\":\"2026-01-02T03:04:05Z\"}\n\n")
		_, _ = io.WriteString(w, ": keep-alive\n\n")
		_, _ = io.WriteString(w, "event:state-changed\ndata:{\"kind\":\"state-changed\",\"state\":\"starting\",\"run_id\":\"r1\",\"occurred_at\":\"2026-01-02T03:04:06Z\"}\n\n")
		_, _ = io.WriteString(w, "event:process-exited\ndata:{\"kind\":\"process-exited\",\"state\":\"stopped\",\"exit_code\":1,\"occurred_at\":\"2026-01-02T03:04:07Z\"}\n\n")
	})
	var got []Event
	err := c.Events(context.Background(), []string{"state-changed", "process-exited"}, func(e Event) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "snapshot", got[0].Kind)
	assert.Equal(t, "stopped", got[0].State)
	assert.Equal(t, "r1", got[1].RunID)
	require.NotNil(t, got[2].ExitCode)
	assert.Equal(t, 1, *got[2].ExitCode)
}

func TestEventsCallbackErrorStopsStream(t *testing.T) {
	stop := errors.New("enough")
	err := readStream(strings.NewReader("event:a\ndata:{}\n\nevent:b\ndata:{}\n\n"), func(e Event) error {
		return stop
	})
	assert.ErrorIs(t, err, stop)
}
