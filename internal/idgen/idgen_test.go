package idgen

import (
	"strings"
	"testing"
	"time"
)

func TestNewRoomCodeAlphabetAndLength(t *testing.T) {
	for i := 0; i < 200; i++ {
		code := NewRoomCode()
		if len(code) != RoomCodeLength {
			t.Fatalf("code %q has length %d, want %d", code, len(code), RoomCodeLength)
		}
		for _, r := range code {
			if !strings.ContainsRune(roomCodeAlphabet, r) {
				t.Fatalf("code %q contains disallowed rune %q", code, r)
			}
		}
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestFixedClockAdvance(t *testing.T) {
	c := NewFixedClock(1000)
	if c.NowMs() != 1000 {
		t.Fatalf("initial NowMs = %d, want 1000", c.NowMs())
	}
	got := c.Advance(1500 * time.Millisecond)
	if got != 2500 || c.NowMs() != 2500 {
		t.Fatalf("Advance returned %d, NowMs() = %d, want 2500", got, c.NowMs())
	}
}
