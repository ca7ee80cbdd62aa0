// Package status tracks the lifecycle of one conversation's sync.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pvictorino/dmsync/internal/bus"
)

// State is a conversation sync state.
type State string

const (
	// Booting: nothing loaded yet.
	Booting State = "BOOTING"
	// Loading: the history fetch is in flight.
	Loading State = "LOADING"
	// Ready: the list is current and the change feed is live.
	Ready State = "READY"
	// Degraded: the list is usable but the change feed is down.
	Degraded State = "DEGRADED"
	// Error: the history fetch failed; a manual refresh recovers.
	Error State = "ERROR"
)

var validTransitions = map[State][]State{
	Booting:  {Loading, Error},
	Loading:  {Ready, Degraded, Error},
	Ready:    {Loading, Degraded, Error},
	Degraded: {Ready, Loading, Error},
	Error:    {Loading},
}

// Machine validates state transitions and announces them on the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine in the Booting state. The bus may be
// nil (transitions are then silent).
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new state, rejecting moves the lifecycle does
// not allow. A transition to the current state is a silent no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Timestamp: time.Now(),
			Payload:   Change{From: from, To: to},
		})
	}
	return nil
}

// Change is the payload for status change events.
type Change struct {
	From State
	To   State
}
