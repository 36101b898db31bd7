package history

import (
	"context"
	"time"

	"github.com/loykin/simvisor/internal/lifecycle"
)

// Event is one lifecycle record exported to an external system. Only state
// changes and process exits are recorded; log lines are not.
type Event struct {
	Supervisor string              `json:"supervisor"`
	Kind       lifecycle.EventKind `json:"kind"`
	State      string              `json:"state"`
	Message    string              `json:"message,omitempty"`
	RunID      string              `json:"run_id,omitempty"`
	ExitCode   *int                `json:"exit_code"`
	Signal     *string             `json:"signal"`
	OccurredAt time.Time           `json:"occurred_at"`
}

// FromLifecycle converts a notification into a history event.
func FromLifecycle(supervisor string, e lifecycle.Event) Event {
	at := e.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	return Event{
		Supervisor: supervisor,
		Kind:       e.Kind,
		State:      e.State.String(),
		Message:    e.Message,
		RunID:      e.RunID,
		ExitCode:   e.ExitCode,
		Signal:     e.Signal,
		OccurredAt: at.UTC(),
	}
}

// Recordable reports whether a notification belongs in the history.
func Recordable(k lifecycle.EventKind) bool {
	return k == lifecycle.EventStateChanged || k == lifecycle.EventProcessExited
}

// NullableCode returns the exit code or nil, for SQL parameters.
func (e Event) NullableCode() any {
	if e.ExitCode == nil {
		return nil
	}
	return *e.ExitCode
}

// NullableSignal returns the signal name or nil, for SQL parameters.
func (e Event) NullableSignal() any {
	if e.Signal == nil {
		return nil
	}
	return *e.Signal
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Labeler is implemented by sinks that name their backend for metrics.
type Labeler interface {
	Label() string
}

func label(s Sink) string {
	if l, ok := s.(Labeler); ok {
		return l.Label()
	}
	return "custom"
}
