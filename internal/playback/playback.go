// Package playback implements the authoritative playback state machine: a
// single {position, paused, rate, updatedAt, updatedBy, reason} record that
// every room command mutates through one normalizing entry point, Mark,
// and from which the current position is derived against the
// wall clock.
package playback

import "math"

// Reason identifies what caused the most recent playback mutation.
type Reason string

const (
	ReasonUser          Reason = "user"
	ReasonBufferLock    Reason = "buffer_lock"
	ReasonStartupGate   Reason = "startup_gate"
	ReasonMediaTransfer Reason = "media_transfer"
)

const (
	minRate = 0.5
	maxRate = 2.0
)

// State is the authoritative playback record for a room.
type State struct {
	Position  float64 `json:"position"`
	Paused    bool    `json:"paused"`
	Rate      float64 `json:"rate"`
	UpdatedAt int64   `json:"updatedAt"`
	UpdatedBy string  `json:"updatedBy"`
	Reason    Reason  `json:"reason"`
}

// Patch describes the fields a command wants to change. Pointer fields left
// nil are not touched.
type Patch struct {
	Position *float64
	Paused   *bool
	Rate     *float64
}

// Initial returns the state created when a host selects media: paused at
// position 0, reason media_transfer.
func Initial(nowMs int64, updatedBy string) State {
	return State{
		Position:  0,
		Paused:    true,
		Rate:      1,
		UpdatedAt: nowMs,
		UpdatedBy: updatedBy,
		Reason:    ReasonMediaTransfer,
	}
}

// Idle is the state of a room with no media selected.
func Idle(nowMs int64) State {
	return State{
		Position:  0,
		Paused:    true,
		Rate:      1,
		UpdatedAt: nowMs,
		Reason:    ReasonMediaTransfer,
	}
}

// Mark applies patch to state, returning the new state. It is the only
// mutator: it stamps updatedAt, clamps position to >= 0, clamps rate to
// [0.5, 2] (NaN becomes 1), and records updatedBy and reason.
func Mark(state State, patch Patch, reason Reason, updatedBy string, nowMs int64) State {
	next := state
	if patch.Position != nil {
		next.Position = clampPosition(*patch.Position)
	}
	if patch.Paused != nil {
		next.Paused = *patch.Paused
	}
	if patch.Rate != nil {
		next.Rate = clampRate(*patch.Rate)
	} else if next.Rate == 0 {
		next.Rate = 1
	}
	next.UpdatedAt = nowMs
	next.UpdatedBy = updatedBy
	next.Reason = reason
	return next
}

func clampPosition(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	return p
}

func clampRate(r float64) float64 {
	if math.IsNaN(r) {
		return 1
	}
	if r < minRate {
		return minRate
	}
	if r > maxRate {
		return maxRate
	}
	return r
}

// DerivePosition computes the current position of state at referenceTimeMs:
// position unchanged while paused; advanced by rate * elapsed seconds
// otherwise.
func DerivePosition(state State, referenceTimeMs int64) float64 {
	if state.Paused {
		return state.Position
	}
	elapsedSeconds := float64(referenceTimeMs-state.UpdatedAt) / 1000
	return state.Position + elapsedSeconds*state.Rate
}
