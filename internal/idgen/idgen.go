// Package idgen provides the clock and identity primitives shared by every
// other package: a millisecond wall clock, UUID generation, and the
// room-code alphabet used by the room registry.
package idgen

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Clock supplies the current time. Production code uses SystemClock; tests
// substitute a FixedClock to make gate/playback math deterministic.
type Clock interface {
	NowMs() int64
}

// SystemClock reads the real wall clock at millisecond resolution.
type SystemClock struct{}

// NowMs returns the current Unix time in milliseconds.
func (SystemClock) NowMs() int64 {
	return time.Now().UnixMilli()
}

// FixedClock is a Clock that always returns the same instant, advanced
// explicitly by tests.
type FixedClock struct {
	ms int64
}

// NewFixedClock returns a FixedClock starting at ms.
func NewFixedClock(ms int64) *FixedClock {
	return &FixedClock{ms: ms}
}

// NowMs implements Clock.
func (c *FixedClock) NowMs() int64 {
	return c.ms
}

// Advance moves the clock forward by d and returns the new time.
func (c *FixedClock) Advance(d time.Duration) int64 {
	c.ms += d.Milliseconds()
	return c.ms
}

// NewID returns a new random UUID, used for media/subtitle descriptor ids,
// the per-process discovery instance id, and member connection ids.
func NewID() string {
	return uuid.NewString()
}

// roomCodeAlphabet excludes I, O, 0, 1 for readability when a room code is
// read aloud or typed from a screen.
const roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// RoomCodeLength is the length of a generated fallback room code.
const RoomCodeLength = 6

// NewRoomCode returns a random 6-character code drawn from roomCodeAlphabet.
// Callers that need uniqueness must check for collisions themselves (the
// registry does, regenerating on collision).
func NewRoomCode() string {
	buf := make([]byte, RoomCodeLength)
	n := big.NewInt(int64(len(roomCodeAlphabet)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, n)
		if err != nil {
			// crypto/rand failing means the platform has no entropy source
			// left to give; there is nothing a retry can fix.
			panic("idgen: crypto/rand unavailable: " + err.Error())
		}
		buf[i] = roomCodeAlphabet[idx.Int64()]
	}
	return string(buf)
}
