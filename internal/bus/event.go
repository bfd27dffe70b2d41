package bus

import "time"

// Event is a notification published on the bus.
//
// Kinds are dot-namespaced: "wa.*" for inbound adapter events,
// "notify.*" for events fanned out to UI listeners.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
