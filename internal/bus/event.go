package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-namespaced: "push.*" for envelopes arriving on the push
// channel, "conn.*" for connection lifecycle, "message.*" for store-level
// message changes and "sync.*" for engine progress.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
