package playback

import (
	"math"
	"testing"
)

func TestMarkClampsRateAndPosition(t *testing.T) {
	base := Idle(1000)
	nan := math.NaN()
	neg := -5.0
	rate := nan
	next := Mark(base, Patch{Position: &neg, Rate: &rate}, ReasonUser, "conn-1", 2000)
	if next.Position != 0 {
		t.Fatalf("position = %v, want clamped to 0", next.Position)
	}
	if next.Rate != 1 {
		t.Fatalf("rate = %v, want NaN clamped to 1", next.Rate)
	}

	tooFast := 10.0
	next = Mark(base, Patch{Rate: &tooFast}, ReasonUser, "conn-1", 2000)
	if next.Rate != maxRate {
		t.Fatalf("rate = %v, want clamped to %v", next.Rate, maxRate)
	}

	tooSlow := 0.01
	next = Mark(base, Patch{Rate: &tooSlow}, ReasonUser, "conn-1", 2000)
	if next.Rate != minRate {
		t.Fatalf("rate = %v, want clamped to %v", next.Rate, minRate)
	}
}

func TestMarkStampsMetadata(t *testing.T) {
	base := Idle(1000)
	paused := false
	next := Mark(base, Patch{Paused: &paused}, ReasonStartupGate, "host-1", 5000)
	if next.UpdatedAt != 5000 {
		t.Fatalf("UpdatedAt = %d, want 5000", next.UpdatedAt)
	}
	if next.UpdatedBy != "host-1" {
		t.Fatalf("UpdatedBy = %q, want host-1", next.UpdatedBy)
	}
	if next.Reason != ReasonStartupGate {
		t.Fatalf("Reason = %q, want startup_gate", next.Reason)
	}
	if next.Paused {
		t.Fatalf("Paused = true, want false")
	}
}

func TestDerivePositionPausedVsPlaying(t *testing.T) {
	playing := State{Position: 10, Paused: false, Rate: 2, UpdatedAt: 1000}
	got := DerivePosition(playing, 3000)
	want := 10 + 2.0*2.0
	if got != want {
		t.Fatalf("DerivePosition = %v, want %v", got, want)
	}

	paused := State{Position: 10, Paused: true, Rate: 2, UpdatedAt: 1000}
	if got := DerivePosition(paused, 3000); got != 10 {
		t.Fatalf("DerivePosition(paused) = %v, want 10", got)
	}
}

func TestDerivePositionMonotonicWithoutUserEvent(t *testing.T) {
	state := State{Position: 0, Paused: false, Rate: 1, UpdatedAt: 0}
	prev := DerivePosition(state, 1000)
	next := DerivePosition(state, 2000)
	if next < prev {
		t.Fatalf("DerivePosition not monotonic: %v then %v", prev, next)
	}
}
