package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/simvisor/internal/history"
)

// Options configures the OpenSearch sink.
type Options struct {
	BaseURL  string
	Index    string
	Username string
	Password string
	// Daily appends the event date to the index, e.g. engine-history-2026.10.18.
	Daily   bool
	Timeout time.Duration
}

// Sink indexes events over the OpenSearch document API. Each document is
// PUT under an id derived from the run and timestamp, so a resent event
// overwrites itself instead of duplicating.
type Sink struct {
	client *http.Client
	opts   Options
}

func New(opts Options) *Sink {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Index == "" {
		opts.Index = "engine-history"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Sink{client: &http.Client{Timeout: opts.Timeout}, opts: opts}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc/%s", s.opts.BaseURL, s.indexFor(e), url.PathEscape(docID(e)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *Sink) Label() string { return "opensearch" }

func (s *Sink) indexFor(e history.Event) string {
	if !s.opts.Daily {
		return s.opts.Index
	}
	return s.opts.Index + "-" + e.OccurredAt.UTC().Format("2006.01.02")
}

func docID(e history.Event) string {
	run := e.RunID
	if run == "" {
		run = "none"
	}
	return run + "-" + string(e.Kind) + "-" + strconv.FormatInt(e.OccurredAt.UnixNano(), 10)
}
