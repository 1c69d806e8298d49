package lamport

import "testing"

func TestTickZero(t *testing.T) {
	var clk Clock
	if got := clk.Tick(); got != 1 {
		t.Fatalf("Tick() = %d, want 1", got)
	}
	if got := clk.Time(); got != 1 {
		t.Fatalf("Time() = %d, want 1", got)
	}
}

func TestWitness(t *testing.T) {
	tests := []struct {
		name  string
		start Timestamp
		msg   Timestamp
		want  Timestamp
	}{
		{"remote ahead", 1, 7, 8},
		{"local ahead", 9, 3, 10},
		{"equal", 4, 4, 5},
		{"zero message", 0, 0, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clk := NewClock(tc.start)
			got := clk.Witness(tc.msg)
			if got != tc.want {
				t.Fatalf("Witness(%d) from %d = %d, want %d", tc.msg, tc.start, got, tc.want)
			}
			if got <= tc.msg {
				t.Fatalf("receive time %d not after message time %d", got, tc.msg)
			}
		})
	}
}

func TestMonotonic(t *testing.T) {
	clk := NewClock(0)
	prev := clk.Time()
	inputs := []Timestamp{5, 0, 2, 40, 1, 1, 39, 100}
	for i, ts := range inputs {
		var now Timestamp
		if i%2 == 0 {
			now = clk.Witness(ts)
		} else {
			now = clk.Tick()
		}
		if now < prev {
			t.Fatalf("clock went backwards: %d after %d", now, prev)
		}
		if obs := clk.Time(); obs != now {
			t.Fatalf("Time() = %d after event at %d", obs, now)
		}
		prev = now
	}
}
