package room

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"couchsync/internal/idgen"
	"couchsync/internal/media"
	"couchsync/internal/playback"
	"couchsync/internal/protocol"
)

func dur(v float64) *float64 { return &v }

func newTestRoom(t *testing.T, clock *idgen.FixedClock, pub Publisher) *Room {
	t.Helper()
	r := New(Config{ID: "ABC123", MaxMembers: 6, Clock: clock, Publisher: pub})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r.Start(ctx)
	return r
}

// Scenario 1: create and join.
func TestJoinCreateAndJoinScenario1(t *testing.T) {
	clock := idgen.NewFixedClock(0)
	pub := &RecordingPublisher{}
	r := newTestRoom(t, clock, pub)

	snapA, err := r.Join("conn-a", "Alice", "")
	if err != nil {
		t.Fatalf("Join A: %v", err)
	}
	if len(snapA.Members) != 1 || !snapA.Members[0].IsHost || snapA.Members[0].Nickname != "Alice" {
		t.Fatalf("snapshot after A joins = %+v", snapA)
	}
	if snapA.Media != nil || !snapA.PlaybackState.Paused || snapA.PlaybackState.Rate != 1 {
		t.Fatalf("expected idle playback state, got %+v", snapA.PlaybackState)
	}

	snapB, err := r.Join("conn-b", "Bob", "")
	if err != nil {
		t.Fatalf("Join B: %v", err)
	}
	if len(snapB.Members) != 2 {
		t.Fatalf("snapshot after B joins has %d members, want 2", len(snapB.Members))
	}
	hostCount := 0
	for _, m := range snapB.Members {
		if m.IsHost {
			hostCount++
			if m.Nickname != "Alice" {
				t.Fatalf("host is %q, want Alice", m.Nickname)
			}
		}
	}
	if hostCount != 1 {
		t.Fatalf("host count = %d, want 1", hostCount)
	}
}

func TestJoinRoomFull(t *testing.T) {
	clock := idgen.NewFixedClock(0)
	r := New(Config{ID: "ABC123", MaxMembers: 1, Clock: clock})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	if _, err := r.Join("conn-a", "Alice", ""); err != nil {
		t.Fatalf("Join A: %v", err)
	}
	_, err := r.Join("conn-b", "Bob", "")
	if err != ErrRoomFull {
		t.Fatalf("Join B err = %v, want ErrRoomFull", err)
	}
}

func TestJoinPasswordMismatch(t *testing.T) {
	clock := idgen.NewFixedClock(0)
	r := New(Config{ID: "ABC123", MaxMembers: 6, Clock: clock, Password: "secret"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	_, err := r.Join("conn-a", "Alice", "wrong")
	if err != ErrPasswordMismatch {
		t.Fatalf("Join err = %v, want ErrPasswordMismatch", err)
	}
}

// Scenario 2: host-only media selection.
func TestSelectMediaScenario2(t *testing.T) {
	clock := idgen.NewFixedClock(0)
	pub := &RecordingPublisher{}
	r := newTestRoom(t, clock, pub)

	if _, err := r.Join("conn-a", "Alice", ""); err != nil {
		t.Fatalf("Join A: %v", err)
	}
	if _, err := r.Join("conn-b", "Bob", ""); err != nil {
		t.Fatalf("Join B: %v", err)
	}

	// B (non-host) proposes media before any room media exists.
	r.SelectMedia("conn-b", media.Descriptor{SHA256: "aa", SizeBytes: 10, Duration: dur(60)}, "")

	foundError := false
	for _, call := range pub.Calls {
		if call.Frame.Type == protocol.TypeRoomError && contains(call.Targets, "conn-b") {
			foundError = true
		}
	}
	if foundError {
		t.Fatalf("expected no room:error for a 'missing' match (no room media yet), only for mismatch")
	}

	// Alice (host) selects media.
	r.SelectMedia("conn-a", media.Descriptor{SHA256: "aa", SizeBytes: 10, Duration: dur(100)}, "")

	snap := latestSnapshot(t, pub)
	if snap.Media == nil {
		t.Fatalf("expected room.media set after host selection")
	}
	if !snap.IsPreparing {
		t.Fatalf("expected isPreparing=true (startup gate armed) after host selection")
	}
}

// Scenario 3: startup gate.
func TestStartupGateScenario3(t *testing.T) {
	clock := idgen.NewFixedClock(0)
	pub := &RecordingPublisher{}
	r := newTestRoom(t, clock, pub)

	r.Join("conn-a", "Alice", "")
	r.Join("conn-b", "Bob", "")
	r.SelectMedia("conn-a", media.Descriptor{SHA256: "aa", SizeBytes: 10, Duration: dur(100)}, "")
	r.SelectMedia("conn-b", media.Descriptor{SHA256: "aa", SizeBytes: 10, Duration: dur(100)}, "")

	paused := false
	r.PlaybackControl("conn-a", playback.Patch{Paused: &paused}, playback.ReasonUser)

	env := latestEnvelope(t, pub)
	if !env.PlaybackState.Paused || env.PlaybackState.Reason != playback.ReasonStartupGate {
		t.Fatalf("expected forced-paused startup_gate envelope, got %+v", env.PlaybackState)
	}
	if !env.PendingStartRequested {
		t.Fatalf("expected pendingStartRequested=true")
	}

	// B reports insufficient buffer ahead: still not ready.
	r.ReportBuffering("conn-b", false, 3, 3, false)
	snap := latestSnapshot(t, pub)
	if !snap.IsPreparing {
		t.Fatalf("gate should still be armed with insufficient buffer-ahead")
	}

	// B reports sufficient buffer ahead (target is 8s for 100s duration).
	r.ReportBuffering("conn-b", false, 9, 3, false)
	env = latestEnvelope(t, pub)
	if env.PlaybackState.Paused {
		t.Fatalf("expected unpause once all members are startup-ready")
	}
	if env.PlaybackState.Reason != playback.ReasonStartupGate {
		t.Fatalf("expected reason startup_gate on gate disarm, got %q", env.PlaybackState.Reason)
	}
	snap = latestSnapshot(t, pub)
	if snap.IsPreparing {
		t.Fatalf("expected gate disarmed in final snapshot")
	}
}

// Scenario 4: strict buffer lock.
func TestStrictBufferLockScenario4(t *testing.T) {
	clock := idgen.NewFixedClock(0)
	pub := &RecordingPublisher{}
	r := newTestRoom(t, clock, pub)

	r.Join("conn-a", "Alice", "")
	r.Join("conn-b", "Bob", "")
	r.SelectMedia("conn-a", media.Descriptor{SHA256: "aa", SizeBytes: 10, Duration: dur(100)}, "")
	r.SelectMedia("conn-b", media.Descriptor{SHA256: "aa", SizeBytes: 10, Duration: dur(100)}, "")
	r.SetSyncMode("conn-a", "strict")

	// Get both members past the startup gate.
	r.ReportBuffering("conn-a", false, 10, 4, true)
	r.ReportBuffering("conn-b", false, 10, 4, true)
	unpaused := false
	r.PlaybackControl("conn-a", playback.Patch{Paused: &unpaused}, playback.ReasonUser)

	env := latestEnvelope(t, pub)
	if env.PlaybackState.Paused {
		t.Fatalf("setup: expected room playing before buffering test, got paused")
	}

	// B starts buffering: strict mode must force-pause within one step.
	r.ReportBuffering("conn-b", true, 0, 2, false)
	env = latestEnvelope(t, pub)
	if !env.PlaybackState.Paused || env.PlaybackState.Reason != playback.ReasonBufferLock {
		t.Fatalf("expected buffer_lock pause, got %+v", env.PlaybackState)
	}

	// B recovers.
	r.ReportBuffering("conn-b", false, 10, 4, true)
	env = latestEnvelope(t, pub)
	if env.PlaybackState.Paused || env.PlaybackState.Reason != playback.ReasonBufferLock {
		t.Fatalf("expected buffer_lock unpause, got %+v", env.PlaybackState)
	}
}

func TestHostReassignmentPreservesOrder(t *testing.T) {
	clock := idgen.NewFixedClock(0)
	pub := &RecordingPublisher{}
	r := newTestRoom(t, clock, pub)

	r.Join("conn-a", "Alice", "")
	r.Join("conn-b", "Bob", "")
	r.Join("conn-c", "Carol", "")

	r.Disconnect("conn-a")

	snap := latestSnapshot(t, pub)
	for _, m := range snap.Members {
		if m.IsHost && m.ConnID != "conn-b" {
			t.Fatalf("host reassigned to %q, want conn-b (earliest remaining)", m.ConnID)
		}
	}
}

func TestNormalizeRoomIDIdempotent(t *testing.T) {
	inputs := []string{"abc-123!", "ABCDEFGHIJ", "", "a1"}
	for _, in := range inputs {
		once := NormalizeRoomID(in)
		twice := NormalizeRoomID(once)
		if once != twice {
			t.Fatalf("NormalizeRoomID not idempotent for %q: %q vs %q", in, once, twice)
		}
		if len(once) > roomIDMaxLen {
			t.Fatalf("NormalizeRoomID(%q) = %q exceeds max length", in, once)
		}
	}
}

func TestLeaveAcknowledgesWithinDeadline(t *testing.T) {
	clock := idgen.NewFixedClock(0)
	r := newTestRoom(t, clock, NopPublisher{})
	r.Join("conn-a", "Alice", "")

	start := time.Now()
	ok := r.Leave("conn-a")
	if !ok {
		t.Fatalf("Leave returned false")
	}
	if elapsed := time.Since(start); elapsed > leaveAckDeadline+100*time.Millisecond {
		t.Fatalf("Leave took %v, want well under %v", elapsed, leaveAckDeadline)
	}
}

// --- helpers ---

func contains(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}

func latestSnapshot(t *testing.T, pub *RecordingPublisher) protocol.RoomSnapshot {
	t.Helper()
	for i := len(pub.Calls) - 1; i >= 0; i-- {
		if pub.Calls[i].Frame.Type == protocol.TypeRoomSnapshot {
			var snap protocol.RoomSnapshot
			if err := json.Unmarshal(pub.Calls[i].Frame.Payload, &snap); err != nil {
				t.Fatalf("unmarshal snapshot: %v", err)
			}
			return snap
		}
	}
	t.Fatalf("no snapshot was published")
	return protocol.RoomSnapshot{}
}

func latestEnvelope(t *testing.T, pub *RecordingPublisher) protocol.PlaybackEnvelope {
	t.Helper()
	for i := len(pub.Calls) - 1; i >= 0; i-- {
		if pub.Calls[i].Frame.Type == protocol.TypePlaybackState {
			var env protocol.PlaybackEnvelope
			if err := json.Unmarshal(pub.Calls[i].Frame.Payload, &env); err != nil {
				t.Fatalf("unmarshal envelope: %v", err)
			}
			return env
		}
	}
	t.Fatalf("no playback envelope was published")
	return protocol.PlaybackEnvelope{}
}
