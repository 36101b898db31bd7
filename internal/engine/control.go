package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

const maxStatusBody = 1 << 20

// StatusReport is the engine's own view of itself, proxied from its status
// endpoint. OK is false when the endpoint could not be reached in time.
// Data holds the decoded JSON document, or the raw text when the body is not
// JSON.
type StatusReport struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`

	raw []byte
}

// Get extracts a value from a JSON status body using gjson path syntax.
// It returns an empty result for text bodies.
func (r StatusReport) Get(path string) gjson.Result {
	if len(r.raw) == 0 || !gjson.ValidBytes(r.raw) {
		return gjson.Result{}
	}
	return gjson.GetBytes(r.raw, path)
}

// Raw returns the body as received.
func (r StatusReport) Raw() []byte { return r.raw }

// MarshalJSON keeps JSON bodies byte-for-byte instead of re-encoding the
// decoded value.
func (r StatusReport) MarshalJSON() ([]byte, error) {
	type wire struct {
		OK   bool `json:"ok"`
		Data any  `json:"data,omitempty"`
	}
	w := wire{OK: r.OK, Data: r.Data}
	if r.OK && len(r.raw) > 0 && gjson.ValidBytes(r.raw) {
		w.Data = json.RawMessage(r.raw)
	}
	return json.Marshal(w)
}

func parseStatusBody(body []byte) StatusReport {
	if gjson.ValidBytes(body) {
		return StatusReport{OK: true, Data: gjson.ParseBytes(body).Value(), raw: body}
	}
	return StatusReport{OK: true, Data: string(body), raw: body}
}

// controlClient talks to the engine's status endpoint. Connections are never
// reused so nothing lingers on the engine's port between calls.
type controlClient struct {
	http *http.Client
}

func newControlClient() *controlClient {
	return &controlClient{http: &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}}
}

// get performs a bounded GET and returns the body regardless of status code.
func (c *controlClient) get(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	return body, err
}

func (c *controlClient) queryStatus(ctx context.Context, url string, timeout time.Duration) StatusReport {
	body, err := c.get(ctx, url, timeout)
	if err != nil {
		return StatusReport{OK: false}
	}
	return parseStatusBody(body)
}

// requestClose asks the engine to shut itself down. The outcome is
// irrelevant; escalation guarantees termination.
func (c *controlClient) requestClose(ctx context.Context, url string, timeout time.Duration) error {
	_, err := c.get(ctx, url, timeout)
	return err
}
