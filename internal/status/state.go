package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/warchive/internal/bus"
)

// State represents a phase of the archival sync lifecycle.
type State string

const (
	Idle             State = "IDLE"
	AwaitingPairing  State = "AWAITING_PAIRING"
	Syncing          State = "SYNCING"
	Settling         State = "SETTLING"
	DownloadingMedia State = "DOWNLOADING_MEDIA"
	Complete         State = "COMPLETE"
	Reconnecting     State = "RECONNECTING"
	LoggedOut        State = "LOGGED_OUT"
	Disconnected     State = "DISCONNECTED"
)

// validTransitions defines allowed state transitions. LoggedOut and
// Disconnected are terminal. The Complete -> Disconnected edge is the
// deliberate session teardown once the archive is fully populated.
var validTransitions = map[State][]State{
	Idle:             {AwaitingPairing, Syncing, Reconnecting, LoggedOut},
	AwaitingPairing:  {Syncing, Reconnecting, LoggedOut},
	Syncing:          {Settling, Reconnecting, LoggedOut},
	Settling:         {DownloadingMedia, Reconnecting, LoggedOut},
	DownloadingMedia: {Complete, Reconnecting, LoggedOut},
	Complete:         {Disconnected},
	Reconnecting:     {Syncing, LoggedOut},
	LoggedOut:        {},
	Disconnected:     {},
}

// Machine tracks and enforces sync lifecycle transitions. Every accepted
// transition is published as a notify.lifecycle event.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Idle.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "notify.lifecycle",
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for lifecycle events.
type StatusChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}
