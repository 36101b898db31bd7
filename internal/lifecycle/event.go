package lifecycle

import (
	"strconv"
	"time"
)

// EventKind names a notification published to subscribers.
type EventKind string

const (
	EventStateChanged  EventKind = "state-changed"
	EventLogLine       EventKind = "log-line"
	EventProcessExited EventKind = "process-exited"
)

// Event is a single notification. Fields irrelevant to Kind are left zero.
// ExitCode and Signal are pointers and always encoded, so "no code" and "no
// signal" reach consumers as null.
type Event struct {
	Kind       EventKind `json:"kind"`
	State      State     `json:"state"`
	Message    string    `json:"message,omitempty"`
	Text       string    `json:"text,omitempty"`
	ExitCode   *int      `json:"exit_code"`
	Signal     *string   `json:"signal"`
	RunID      string    `json:"run_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Detail is the optional payload carried by a state transition.
type Detail struct {
	Message  string
	ExitCode *int
	Signal   *string
	RunID    string
}

// Exit describes how a child process terminated.
type Exit struct {
	Code   *int    `json:"code"`
	Signal *string `json:"signal"`
}

// ExitWithCode builds an Exit for a normal termination.
func ExitWithCode(code int) Exit { return Exit{Code: &code} }

// ExitWithSignal builds an Exit for termination by signal.
func ExitWithSignal(sig string) Exit { return Exit{Signal: &sig} }

func (e Exit) String() string {
	code, sig := "null", "null"
	if e.Code != nil {
		code = strconv.Itoa(*e.Code)
	}
	if e.Signal != nil {
		sig = *e.Signal
	}
	return "code=" + code + " signal=" + sig
}
