package wsapi

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"couchsync/internal/media"
	"couchsync/internal/protocol"
	"couchsync/internal/room"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

func TestJoinTwoMembersRosterAndHost(t *testing.T) {
	_, baseURL := startTestServer(t)

	alice, aliceSnap := connectClient(t, baseURL, "ABC123", "Alice")
	defer alice.Close()
	if !aliceSnap.OK || len(aliceSnap.Snapshot.Members) != 1 || !aliceSnap.Snapshot.Members[0].IsHost {
		t.Fatalf("alice join response: %+v", aliceSnap)
	}

	bob, bobSnap := connectClient(t, baseURL, "ABC123", "Bob")
	defer bob.Close()
	if len(bobSnap.Snapshot.Members) != 2 {
		t.Fatalf("bob snapshot members = %d, want 2", len(bobSnap.Snapshot.Members))
	}

	snap := readSnapshot(t, alice)
	if len(snap.Members) != 2 {
		t.Fatalf("alice should observe bob join via broadcast snapshot, got %+v", snap)
	}
}

func TestPlaybackControlRoundTrip(t *testing.T) {
	_, baseURL := startTestServer(t)

	alice, _ := connectClient(t, baseURL, "ROOM01", "Alice")
	defer alice.Close()

	duration := 100.0
	writeFrame(t, alice, protocol.TypeRoomSelectMedia, protocol.SelectMediaRequest{
		Media: media.Descriptor{SHA256: "aa", SizeBytes: 10, Duration: &duration},
	})
	readUntilType(t, alice, protocol.TypeRoomSnapshot)

	writeFrame(t, alice, protocol.TypePlaybackControl, protocol.PlaybackControlRequest{
		Paused: false, Rate: 1, Reason: "user",
	})
	env := readEnvelope(t, alice)
	if env.PlaybackState.Reason != "startup_gate" {
		t.Fatalf("expected startup_gate envelope (a lone matched host disarms the gate at once), got %+v", env.PlaybackState)
	}
}

func TestLeaveAcksAndRemovesMember(t *testing.T) {
	_, baseURL := startTestServer(t)

	alice, _ := connectClient(t, baseURL, "ROOM02", "Alice")
	defer alice.Close()
	bob, _ := connectClient(t, baseURL, "ROOM02", "Bob")
	defer bob.Close()
	// Drain the two-member snapshot broadcast to alice when bob joined.
	readSnapshot(t, alice)

	writeFrame(t, bob, protocol.TypeRoomLeave, protocol.LeaveRequest{RoomID: "ROOM02"})
	leaveResp := readLeaveResponse(t, bob)
	if !leaveResp.OK {
		t.Fatalf("expected leave ok=true")
	}

	snap := readSnapshot(t, alice)
	if len(snap.Members) != 1 {
		t.Fatalf("expected alice to see bob's departure, members=%+v", snap.Members)
	}
}

// --- helpers ---

func startTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()

	handler := New(nil)
	reg := room.NewRegistry(room.RegistryConfig{MaxMembers: 6, IdleTTL: 2 * time.Hour, Publisher: handler})
	handler.SetRegistry(reg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	reg.Start(ctx)

	e := echo.New()
	handler.Register(e)
	httpServer := httptest.NewServer(e)
	t.Cleanup(httpServer.Close)

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	return httpServer, wsURL
}

func connectClient(t *testing.T, baseWSURL, roomID, nickname string) (*websocket.Conn, protocol.JoinResponse) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(baseWSURL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	writeFrame(t, conn, protocol.TypeRoomJoin, protocol.JoinRequest{RoomID: roomID, Nickname: nickname})

	var resp protocol.JoinResponse
	frame := readUntilType(t, conn, protocol.TypeRoomJoin)
	if err := unmarshalPayload(frame, &resp); err != nil {
		t.Fatalf("unmarshal join response: %v", err)
	}
	return conn, resp
}

func writeFrame(t *testing.T, conn *websocket.Conn, frameType string, payload any) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(frameOf(frameType, payload)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, frameType string) protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var frame protocol.Frame
		err := conn.ReadJSON(&frame)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			t.Fatalf("read json: %v", err)
		}
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("timed out waiting for frame type %q", frameType)
	return protocol.Frame{}
}

func readSnapshot(t *testing.T, conn *websocket.Conn) protocol.RoomSnapshot {
	t.Helper()
	var snap protocol.RoomSnapshot
	frame := readUntilType(t, conn, protocol.TypeRoomSnapshot)
	if err := unmarshalPayload(frame, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	return snap
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.PlaybackEnvelope {
	t.Helper()
	var env protocol.PlaybackEnvelope
	frame := readUntilType(t, conn, protocol.TypePlaybackState)
	if err := unmarshalPayload(frame, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func readLeaveResponse(t *testing.T, conn *websocket.Conn) protocol.LeaveResponse {
	t.Helper()
	var resp protocol.LeaveResponse
	frame := readUntilType(t, conn, protocol.TypeRoomLeave)
	if err := unmarshalPayload(frame, &resp); err != nil {
		t.Fatalf("unmarshal leave response: %v", err)
	}
	return resp
}
