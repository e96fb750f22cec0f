package gate

import (
	"testing"

	"couchsync/internal/media"
	"couchsync/internal/member"
)

func dur(v float64) *float64 { return &v }

func TestDefaultStartupTargetScenario3(t *testing.T) {
	got := DefaultStartupTarget(dur(100))
	if got != 8 {
		t.Fatalf("DefaultStartupTarget(100) = %v, want 8", got)
	}
}

func TestDefaultStartupTargetUnknownDuration(t *testing.T) {
	if got := DefaultStartupTarget(nil); got != 12 {
		t.Fatalf("DefaultStartupTarget(nil) = %v, want 12", got)
	}
}

func TestEffectiveTargetFloorAndClip(t *testing.T) {
	if got := EffectiveTarget(8, dur(100), 0); got != 8 {
		t.Fatalf("EffectiveTarget = %v, want 8 (plenty remaining)", got)
	}
	// Only 1s remains: clipped, but floored at 0.8.
	if got := EffectiveTarget(8, dur(100), 99); got != 1 {
		t.Fatalf("EffectiveTarget = %v, want 1 (remaining=1)", got)
	}
	if got := EffectiveTarget(8, dur(100), 99.5); got != 0.8 {
		t.Fatalf("EffectiveTarget = %v, want floored to 0.8", got)
	}
	if got := EffectiveTarget(8, dur(100), 100); got != 0 {
		t.Fatalf("EffectiveTarget = %v, want 0 at end of media", got)
	}
}

func TestSoftBufferGraceMsTiers(t *testing.T) {
	cases := []struct {
		remaining float64
		want      int64
	}{{4, 0}, {5, 0}, {10, 350}, {15, 350}, {20, 900}}
	for _, c := range cases {
		if got := SoftBufferGraceMs(c.remaining); got != c.want {
			t.Fatalf("SoftBufferGraceMs(%v) = %v, want %v", c.remaining, got, c.want)
		}
	}
}

func TestStartupReadyScenario3(t *testing.T) {
	target := DefaultStartupTarget(dur(100))

	notReady := member.Record{MediaMatch: media.MatchMatched, BufferAheadSeconds: 3, ReadyState: 3}
	if StartupReady(notReady, target, dur(100), 0) {
		t.Fatalf("expected not startup-ready with bufferAhead=3 < target=8")
	}

	ready := member.Record{MediaMatch: media.MatchMatched, BufferAheadSeconds: 9, ReadyState: 3}
	if !StartupReady(ready, target, dur(100), 0) {
		t.Fatalf("expected startup-ready with bufferAhead=9 >= target=8")
	}
}

func TestStartupReadyRequiresMatch(t *testing.T) {
	rec := member.Record{MediaMatch: media.MatchMissing, CanPlayThrough: true}
	if StartupReady(rec, 8, dur(100), 0) {
		t.Fatalf("expected not ready when media does not match")
	}
}

func TestShouldPauseForBufferingStrictScenario4(t *testing.T) {
	members := []member.Record{
		{ConnID: "a"},
		{ConnID: "b", Buffering: true, ReadyState: 4},
	}
	if !ShouldPauseForBuffering(members, true, 900, 1000) {
		t.Fatalf("expected strict mode to force-pause immediately on any buffering member")
	}
}

func TestShouldPauseForBufferingSoftGrace(t *testing.T) {
	members := []member.Record{
		{ConnID: "b", Buffering: true, ReadyState: 3, BufferingStartedAtMs: 1000},
	}
	if ShouldPauseForBuffering(members, false, 900, 1500) {
		t.Fatalf("expected no pause before grace elapses")
	}
	if !ShouldPauseForBuffering(members, false, 900, 1900) {
		t.Fatalf("expected pause once grace has elapsed")
	}
}

func TestAllResumeReady(t *testing.T) {
	members := []member.Record{
		{MediaMatch: media.MatchMatched, ReadyState: 4},
		{MediaMatch: media.MatchMatched, ReadyState: 4},
	}
	if !AllResumeReady(members, 6, dur(100), 0) {
		t.Fatalf("expected all resume ready")
	}
	members[1].Buffering = true
	if AllResumeReady(members, 6, dur(100), 0) {
		t.Fatalf("expected not resume ready while a member is still buffering")
	}
}
