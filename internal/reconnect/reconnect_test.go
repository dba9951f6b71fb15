package reconnect

import "testing"

func TestFirstAttemptFiresImmediately(t *testing.T) {
	c := NewController()
	if d := c.NextDelay("default"); d != 0 {
		t.Fatalf("NextDelay on first use = %d, want 0", d)
	}
	if d := c.NextDelay("default"); d != InitialDelayMs {
		t.Fatalf("NextDelay on second call = %d, want %d", d, InitialDelayMs)
	}
}

func TestAdvanceDoublesOnlyStrictlyAboveFloor(t *testing.T) {
	s := New()
	if s.DelayMs != InitialDelayMs {
		t.Fatalf("New().DelayMs = %d, want %d", s.DelayMs, InitialDelayMs)
	}

	s.ServerIndex = 0
	s.Advance(3) // index 0 -> 1, delay stays at floor (not > floor)
	if s.DelayMs != InitialDelayMs {
		t.Fatalf("DelayMs after first Advance = %d, want unchanged %d", s.DelayMs, InitialDelayMs)
	}
	if s.ServerIndex != 1 {
		t.Fatalf("ServerIndex = %d, want 1", s.ServerIndex)
	}
}

func TestAdvanceRaisesFloorOnFullRotationAtFloor(t *testing.T) {
	s := New() // index 0, delay 1000
	s.Advance(2) // index 0 -> 1, delay unchanged (1000 is the floor, not > floor)
	s.Advance(2) // index 1 -> 0 (wrap), delay still 1000 at call time -> doubles to 2000
	if s.DelayMs != InitialDelayMs*2 {
		t.Fatalf("DelayMs after full rotation at floor = %d, want %d", s.DelayMs, InitialDelayMs*2)
	}
	if s.ServerIndex != 0 {
		t.Fatalf("ServerIndex after wrap = %d, want 0", s.ServerIndex)
	}
}

func TestAdvanceDoublesAboveFloorAndCapsAtMax(t *testing.T) {
	s := &State{ServerIndex: 0, DelayMs: 100000}
	s.Advance(1) // 100000 is >floor and <max -> doubles to 200000 (== max)
	if s.DelayMs != MaxDelayMs {
		t.Fatalf("DelayMs = %d, want %d", s.DelayMs, MaxDelayMs)
	}
	s.Advance(1) // already at max, not < max, so no further doubling
	if s.DelayMs != MaxDelayMs {
		t.Fatalf("DelayMs after second Advance = %d, want unchanged %d", s.DelayMs, MaxDelayMs)
	}
}

func TestResetRestartsImmediateFiring(t *testing.T) {
	c := NewController()
	c.NextDelay("default")      // first use: 0
	c.NextDelay("default")      // second use: floor
	c.Advance("default", 1)

	c.Reset("default")
	if d := c.NextDelay("default"); d != 0 {
		t.Fatalf("NextDelay after Reset = %d, want 0", d)
	}
}
