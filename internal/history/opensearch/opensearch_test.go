package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/loykin/simvisor/internal/history"
	"github.com/loykin/simvisor/internal/lifecycle"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var (
		mu     sync.Mutex
		body   []byte
		path   string
		method string
		ctype  string
		user   string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body, path, method, ctype = b, r.URL.Path, r.Method, r.Header.Get("Content-Type")
		user, _, _ = r.BasicAuth()
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer server.Close()

	sink := New(Options{BaseURL: server.URL + "/", Username: "writer", Password: "pw"})
	sig := "SIGKILL"
	e := history.Event{
		Supervisor: "engine",
		Kind:       lifecycle.EventProcessExited,
		State:      "stopped",
		RunID:      "run-7",
		Signal:     &sig,
		OccurredAt: time.Unix(0, 42).UTC(),
	}
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut || path != "/engine-history/_doc/run-7-process-exited-42" || ctype != "application/json" {
		t.Fatalf("request = %s %s %s", method, path, ctype)
	}
	if user != "writer" {
		t.Fatalf("basic auth user = %q", user)
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if doc["kind"] != "process-exited" || doc["signal"] != "SIGKILL" || doc["run_id"] != "run-7" {
		t.Fatalf("doc = %v", doc)
	}
	if v, ok := doc["exit_code"]; !ok || v != nil {
		t.Fatalf("exit_code = %v (present %v), want null", v, ok)
	}
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := New(Options{BaseURL: server.URL, Index: "idx"}).Send(context.Background(), history.Event{Kind: lifecycle.EventStateChanged})
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
}

func TestOpenSearchSink_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := New(Options{BaseURL: url, Index: "idx"}).Send(ctx, history.Event{}); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestOpenSearchSink_DailyIndex(t *testing.T) {
	paths := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := New(Options{BaseURL: server.URL, Index: "sim", Daily: true})
	at := time.Date(2026, 10, 18, 23, 0, 0, 0, time.UTC)
	if err := sink.Send(context.Background(), history.Event{Kind: lifecycle.EventStateChanged, OccurredAt: at}); err != nil {
		t.Fatal(err)
	}
	want := "/sim-2026.10.18/_doc/none-state-changed-" + strconv.FormatInt(at.UnixNano(), 10)
	if got := <-paths; got != want {
		t.Fatalf("path = %q, want %q", got, want)
	}
}
