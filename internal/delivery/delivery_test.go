package delivery

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Pending, Sent, true},
		{Pending, Failed, true},
		{Sent, Delivered, true},
		{Sent, Read, true},
		{Sent, Failed, true},
		{Delivered, Read, true},
		{Failed, Pending, true},

		{Read, Delivered, false},
		{Read, Pending, false},
		{Delivered, Sent, false},
		{Delivered, Failed, false},
		{Sent, Pending, false},
		{Read, Failed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestMergeForwardOnly(t *testing.T) {
	tests := []struct {
		current, incoming, want State
	}{
		{Pending, Sent, Sent},
		{Sent, Delivered, Delivered},
		{Sent, Read, Read},
		{Delivered, Read, Read},
		{Pending, Read, Read},

		// Regressions are ignored.
		{Read, Delivered, Read},
		{Read, Sent, Read},
		{Read, Pending, Read},
		{Delivered, Sent, Delivered},
		{Sent, Pending, Sent},

		// Failed only from pending or sent.
		{Pending, Failed, Failed},
		{Sent, Failed, Failed},
		{Delivered, Failed, Delivered},
		{Read, Failed, Read},

		// Retry leaves failed through pending only.
		{Failed, Pending, Pending},
		{Failed, Sent, Failed},
		{Failed, Read, Failed},
	}
	for _, tt := range tests {
		if got := Merge(tt.current, tt.incoming); got != tt.want {
			t.Errorf("Merge(%s, %s) = %s, want %s", tt.current, tt.incoming, got, tt.want)
		}
	}
}

func TestValid(t *testing.T) {
	for _, s := range []State{Pending, Sent, Delivered, Read, Failed} {
		if !Valid(s) {
			t.Errorf("Valid(%s) = false", s)
		}
	}
	if Valid(State("queued")) {
		t.Error("Valid(queued) = true, want false")
	}
}
