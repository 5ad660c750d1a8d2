// Package delivery defines the per-message delivery lifecycle and its
// transition rules. The store consults these rules on every state write so
// that a message can only ever move forward: a message already read never
// regresses, regardless of the order in which fetch and push payloads arrive.
package delivery

import "slices"

// State represents a message delivery state from the sender's perspective.
type State string

const (
	Pending   State = "pending"
	Sent      State = "sent"
	Delivered State = "delivered"
	Read      State = "read"
	Failed    State = "failed"
)

// rank orders the forward states. Failed sits outside the ordering.
var rank = map[State]int{
	Pending:   0,
	Sent:      1,
	Delivered: 2,
	Read:      3,
}

// validTransitions defines the allowed single-step transitions.
var validTransitions = map[State][]State{
	Pending:   {Sent, Failed},
	Sent:      {Delivered, Read, Failed},
	Delivered: {Read},
	Read:      {},
	Failed:    {Pending},
}

// Valid reports whether s is a known delivery state.
func Valid(s State) bool {
	_, ok := rank[s]
	return ok || s == Failed
}

// CanTransition reports whether a direct transition from one state to
// another is allowed.
func CanTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// Merge resolves the state to keep when an incoming payload carries a
// delivery state for a message the store already holds. Forward states win
// by rank. Failed is accepted only from pending or sent (a read message
// cannot fail); a retry leaving failed re-enters pending.
func Merge(current, incoming State) State {
	if current == incoming {
		return current
	}
	if incoming == Failed {
		if current == Pending || current == Sent {
			return Failed
		}
		return current
	}
	if current == Failed {
		if incoming == Pending {
			return Pending
		}
		return current
	}
	if rank[incoming] > rank[current] {
		return incoming
	}
	return current
}
