package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// DefaultBaseURL matches the supervisor's default API listener.
const DefaultBaseURL = "http://127.0.0.1:40850/api"

// Client talks to a running simvisor daemon over its HTTP API.
type Client struct {
	baseURL     string
	client      *http.Client
	timeout     time.Duration
	waitTimeout time.Duration
	logger      *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds plain requests.
	Timeout time.Duration
	// WaitTimeout bounds actions called with wait, which last as long as
	// the engine takes to become ready or to exit.
	WaitTimeout time.Duration
	Logger      *slog.Logger
	TLS         *TLSClientConfig
	Insecure    bool // Skip TLS verification
}

// TLSClientConfig is used when the API sits behind a TLS terminating proxy.
type TLSClientConfig struct {
	CACert     string
	ServerName string
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
	State      string
}

func (e *APIError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("API error (%d, state %s): %s", e.StatusCode, e.State, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// New creates a client. Invalid TLS settings are logged and ignored.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.WaitTimeout == 0 {
		config.WaitTimeout = 2 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL:     strings.TrimRight(config.BaseURL, "/"),
		timeout:     config.Timeout,
		waitTimeout: config.WaitTimeout,
		logger:      config.Logger,
		// Deadlines come from request contexts so event streams can stay open.
		client: &http.Client{Transport: transport},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Start asks the daemon to launch the engine. With wait the call returns once
// the engine is ready or failed to become ready.
func (c *Client) Start(ctx context.Context, wait bool) (*ActionResult, error) {
	return c.action(ctx, "start", wait)
}

// Stop asks the daemon to shut the engine down.
func (c *Client) Stop(ctx context.Context, wait bool) (*ActionResult, error) {
	return c.action(ctx, "stop", wait)
}

// Restart stops the engine if needed and starts it again.
func (c *Client) Restart(ctx context.Context, wait bool) (*ActionResult, error) {
	return c.action(ctx, "restart", wait)
}

func (c *Client) action(ctx context.Context, name string, wait bool) (*ActionResult, error) {
	u := c.baseURL + "/" + name
	timeout := c.timeout
	if wait {
		u += "?wait=true"
		timeout = c.waitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.logger.Debug("engine action", "action", name, "wait", wait)
	var res ActionResult
	if err := c.doJSON(ctx, http.MethodPost, u, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Status returns the supervisor's view of the engine.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var st Status
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// EngineStatus relays the engine's own status report.
func (c *Client) EngineStatus(ctx context.Context) (*EngineStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var st EngineStatus
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/engine/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Events streams notifications until ctx is done, the daemon closes the
// stream, or fn returns an error. The first event is a "snapshot" carrying the
// current state. kinds filters server side; empty means all kinds.
func (c *Client) Events(ctx context.Context, kinds []string, fn func(Event) error) error {
	u := c.baseURL + "/events"
	if len(kinds) > 0 {
		u += "?kinds=" + url.QueryEscape(strings.Join(kinds, ","))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}

	err = readStream(resp.Body, fn)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readStream decodes "event:"/"data:" frames. Comment lines are keep-alives.
func readStream(r io.Reader, fn func(Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var kind string
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				if err := dispatch(kind, data.String(), fn); err != nil {
					return err
				}
			}
			kind = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return sc.Err()
}

func dispatch(kind, data string, fn func(Event) error) error {
	if kind == "snapshot" {
		var st Status
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		return fn(Event{Kind: kind, State: st.State, Message: st.Message, RunID: st.RunID, OccurredAt: st.ChangedAt})
	}
	var e Event
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return fmt.Errorf("decode %s event: %w", kind, err)
	}
	if e.Kind == "" {
		e.Kind = kind
	}
	return fn(e)
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS == nil {
		return tlsConfig, nil
	}
	tlsConfig.ServerName = config.TLS.ServerName
	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return errors.New("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return nil
}

// doJSON performs the request and decodes a successful body into out.
func (c *Client) doJSON(ctx context.Context, method, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns non-2xx answers into *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted {
		return nil
	}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error, State: errorResp.State}
}
