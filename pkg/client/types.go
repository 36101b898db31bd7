package client

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// Exit describes how the engine terminated. Nil fields mean "none".
type Exit struct {
	Code   *int    `json:"code"`
	Signal *string `json:"signal"`
}

// Status is the supervisor snapshot returned by GET /status.
type Status struct {
	Name      string     `json:"name"`
	State     string     `json:"state"`
	Message   string     `json:"message,omitempty"`
	PID       int        `json:"pid,omitempty"`
	RunID     string     `json:"run_id,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	ChangedAt time.Time  `json:"changed_at"`
	Binary    string     `json:"binary"`
	LastExit  *Exit      `json:"last_exit,omitempty"`
}

// ActionResult is returned by start/stop/restart. Status is only filled when
// the call waited for the action to finish.
type ActionResult struct {
	Accepted bool    `json:"accepted,omitempty"`
	OK       bool    `json:"ok,omitempty"`
	Action   string  `json:"action"`
	Status   *Status `json:"status,omitempty"`
}

// EngineStatus is the engine's own status report. Data holds the engine's
// JSON body, or a JSON string when the engine answered with plain text.
type EngineStatus struct {
	OK   bool            `json:"ok"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Get extracts a value from Data using a gjson path such as "cardiac.rate".
func (s EngineStatus) Get(path string) gjson.Result {
	return gjson.GetBytes(s.Data, path)
}

// Event is one notification from GET /events.
type Event struct {
	Kind       string    `json:"kind"`
	State      string    `json:"state"`
	Message    string    `json:"message,omitempty"`
	Text       string    `json:"text,omitempty"`
	ExitCode   *int      `json:"exit_code"`
	Signal     *string   `json:"signal"`
	RunID      string    `json:"run_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	State string `json:"state,omitempty"`
}
