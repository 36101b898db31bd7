// Package readiness waits for an HTTP endpoint to come up.
//
// A Check is probed at a fixed interval until its predicate accepts a
// response or the attempt budget runs out. Each probe carries its own short
// timeout so a hung listener cannot stall the whole wait, and no connection is
// kept open between probes.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/simvisor/internal/metrics"
)

// ErrTimeout is returned when a check exhausts its attempt budget.
var ErrTimeout = errors.New("timed out")

var errNotAccepted = errors.New("response not accepted")

// Default probe parameters.
const (
	DefaultInterval       = 500 * time.Millisecond
	DefaultMaxAttempts    = 60
	DefaultAttemptTimeout = 400 * time.Millisecond
)

// Predicate decides whether a received response proves readiness.
type Predicate func(*http.Response) bool

// StatusOK accepts only HTTP 200.
func StatusOK(r *http.Response) bool { return r.StatusCode == http.StatusOK }

// AnyResponse accepts every response, including 4xx and 5xx. Only a missing
// listener (connection refused, timeout) counts as not ready.
func AnyResponse(*http.Response) bool { return true }

// Check describes one endpoint to await. It is an immutable value.
type Check struct {
	Name           string // used in error messages and metrics, e.g. "simulator"
	URL            string
	Interval       time.Duration
	MaxAttempts    int
	AttemptTimeout time.Duration
	Accept         Predicate
}

func (c Check) withDefaults() Check {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.Accept == nil {
		c.Accept = StatusOK
	}
	if c.Name == "" {
		c.Name = c.URL
	}
	return c
}

// Budget is the nominal upper bound of a wait: attempts times interval.
func (c Check) Budget() time.Duration {
	c = c.withDefaults()
	return time.Duration(c.MaxAttempts) * c.Interval
}

// Poller issues probes. The zero value is not usable; call NewPoller.
type Poller struct {
	client *http.Client
	logger *slog.Logger
}

// NewPoller returns a Poller whose transport never reuses connections.
func NewPoller(logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	tr := &http.Transport{
		Proxy:             nil,
		DisableKeepAlives: true,
	}
	return &Poller{client: &http.Client{Transport: tr}, logger: logger}
}

// Await blocks until c is ready, the attempt budget is exhausted (ErrTimeout),
// or ctx is cancelled (ctx.Err()).
func (p *Poller) Await(ctx context.Context, c Check) error {
	c = c.withDefaults()

	var b backoff.BackOff = backoff.NewConstantBackOff(c.Interval)
	if c.MaxAttempts > 1 {
		b = backoff.WithMaxRetries(b, uint64(c.MaxAttempts-1))
	} else {
		b = &backoff.StopBackOff{}
	}
	b = backoff.WithContext(b, ctx)

	attempts := 0
	var invalid error
	op := func() error {
		attempts++
		err := p.probe(ctx, c)
		var perm *backoff.PermanentError
		switch {
		case errors.As(err, &perm):
			invalid = perm.Err
		case err == nil:
			metrics.IncReadinessProbe(c.Name, "ready")
		case errors.Is(err, errNotAccepted):
			metrics.IncReadinessProbe(c.Name, "rejected")
		default:
			metrics.IncReadinessProbe(c.Name, "unreachable")
		}
		return err
	}

	err := backoff.Retry(op, b)
	if err == nil {
		p.logger.Debug("endpoint ready", "check", c.Name, "url", c.URL, "attempts", attempts)
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if invalid != nil {
		return fmt.Errorf("invalid readiness check %s: %w", c.Name, invalid)
	}
	p.logger.Debug("endpoint never became ready", "check", c.Name, "attempts", attempts, "last_error", err)
	return fmt.Errorf("%w waiting for %s after %d attempts", ErrTimeout, c.Name, attempts)
}

// Probe performs a single attempt against c and reports whether it was accepted.
func (p *Poller) Probe(ctx context.Context, c Check) bool {
	return p.probe(ctx, c.withDefaults()) == nil
}

func (p *Poller) probe(ctx context.Context, c Check) error {
	actx, cancel := context.WithTimeout(ctx, c.AttemptTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(actx, http.MethodGet, c.URL, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if !c.Accept(resp) {
		return fmt.Errorf("%w: status %d", errNotAccepted, resp.StatusCode)
	}
	return nil
}
