package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/loykin/simvisor/internal/metrics"
)

// Machine holds the single live lifecycle state and publishes every change.
//
// Lock order: pubMu, then mu. pubMu is held across mutation and delivery so
// subscribers observe transitions in the order they happened; mu only guards
// the fields so Current never waits behind a slow publish.
// Subscribers must not call back into Transition.
type Machine struct {
	pubMu sync.Mutex

	mu      sync.RWMutex
	state   State
	detail  Detail
	changed time.Time

	name string
	bus  *Bus
	now  func() time.Time
}

func NewMachine(name string, bus *Bus) *Machine {
	m := &Machine{name: name, bus: bus, state: StateStopped, now: time.Now}
	metrics.SetCurrentState(name, StateStopped.String(), true)
	return m
}

// Bus returns the notification channel attached to this machine.
func (m *Machine) Bus() *Bus { return m.bus }

// Current returns the live state and the payload of the last transition.
func (m *Machine) Current() (State, Detail) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.detail
}

// Is reports whether the current state equals s.
func (m *Machine) Is(s State) bool {
	st, _ := m.Current()
	return st == s
}

// ChangedAt returns when the last transition happened.
func (m *Machine) ChangedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changed
}

// Transition moves to the given state and notifies subscribers.
func (m *Machine) Transition(to State, d Detail) error {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	return m.transitionLocked(to, d)
}

// TransitionIfNot transitions to the given state unless already there.
// It reports whether a transition happened.
func (m *Machine) TransitionIfNot(to State, d Detail) bool {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	m.mu.RLock()
	same := m.state == to
	m.mu.RUnlock()
	if same {
		return false
	}
	return m.transitionLocked(to, d) == nil
}

// TransitionFrom transitions only while the machine is still in from. It
// fails with ErrInvalidTransition if another transition got there first.
func (m *Machine) TransitionFrom(from, to State, d Detail) error {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	m.mu.RLock()
	cur := m.state
	m.mu.RUnlock()
	if cur != from {
		return fmt.Errorf("%w: %s -> %s, expected %s", ErrInvalidTransition, cur, to, from)
	}
	return m.transitionLocked(to, d)
}

// TransitionIf transitions to the given state only while ok holds, unless
// already there. ok runs with transitions blocked, so no other transition can
// land between the check and the move. It reports whether the machine is in
// the given state on return.
func (m *Machine) TransitionIf(to State, d Detail, ok func() bool) bool {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	m.mu.RLock()
	same := m.state == to
	m.mu.RUnlock()
	if same {
		return true
	}
	if !ok() {
		return false
	}
	return m.transitionLocked(to, d) == nil
}

func (m *Machine) transitionLocked(to State, d Detail) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	m.detail = d
	m.changed = m.now().UTC()
	at := m.changed
	m.mu.Unlock()

	metrics.RecordStateTransition(m.name, from.String(), to.String())
	metrics.SetCurrentState(m.name, from.String(), false)
	metrics.SetCurrentState(m.name, to.String(), true)

	m.bus.Publish(Event{
		Kind:       EventStateChanged,
		State:      to,
		Message:    d.Message,
		ExitCode:   d.ExitCode,
		Signal:     d.Signal,
		RunID:      d.RunID,
		OccurredAt: at,
	})
	return nil
}

// Log publishes a log-line event.
func (m *Machine) Log(runID, text string) {
	m.publish(Event{Kind: EventLogLine, Text: text, RunID: runID})
}

// Exited publishes a process-exited event.
func (m *Machine) Exited(runID string, exit Exit) {
	m.publish(Event{Kind: EventProcessExited, ExitCode: exit.Code, Signal: exit.Signal, RunID: runID})
}

func (m *Machine) publish(e Event) {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	m.mu.RLock()
	e.State = m.state
	m.mu.RUnlock()
	e.OccurredAt = m.now().UTC()
	m.bus.Publish(e)
}
