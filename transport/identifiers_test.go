package transport

import "testing"

func TestTIDForwardDistance(t *testing.T) {
	cfg := DefaultConfig()
	for a := TID(0); a < 32; a++ {
		for b := TID(0); b < 32; b++ {
			d := a.ComputeForwardDistance(cfg, b)
			if got := (a + d) & a.max(cfg); got != b {
				t.Fatalf("a=%d b=%d d=%d: (a+d) mod 2^BitLen = %d, want %d", a, b, d, got, b)
			}
			if d > a.max(cfg) {
				t.Fatalf("a=%d b=%d: distance %d out of [0, 2^BitLen) range", a, b, d)
			}
		}
	}
}

func TestTIDIncrementWraps(t *testing.T) {
	cfg := DefaultConfig()
	var last TID
	last = last.max(cfg)
	next := last.Increment(cfg)
	if next != 0 {
		t.Errorf("expected wraparound to 0, got %d", next)
	}
}

func TestNodeIDHelpers(t *testing.T) {
	cfg := DefaultConfig()
	var n NodeID
	if !n.IsBroadcast() {
		t.Error("zero NodeID should be broadcast")
	}
	n = NodeIDInvalid
	if !n.IsUnset() {
		t.Error("NodeIDInvalid should report unset")
	}
	if n.IsUnicast(cfg) {
		t.Error("NodeIDInvalid should never be a valid unicast address")
	}
	n = 5
	if !n.IsUnicast(cfg) {
		t.Error("expected node 5 to be a valid unicast address under the default config")
	}
	n.Unset()
	if !n.IsUnset() {
		t.Error("Unset did not mark the node id invalid")
	}
}
