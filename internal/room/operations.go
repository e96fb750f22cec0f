package room

import (
	"time"

	"couchsync/internal/gate"
	"couchsync/internal/media"
	"couchsync/internal/member"
	"couchsync/internal/playback"
	"couchsync/internal/protocol"
)

// Join admits connID to the room. On success it returns the snapshot the
// joiner should see; the room has already broadcast the same snapshot to
// every other member by the time Join returns.
func (r *Room) Join(connID, nickname, password string) (protocol.RoomSnapshot, error) {
	var snap protocol.RoomSnapshot
	var joinErr error
	r.enqueueSync(func() {
		now := r.now()

		if _, exists := r.members.Get(connID); exists {
			snap = r.makeSnapshot()
			return
		}

		if r.password != "" && clampString(password, maxPasswordLen) != r.password {
			joinErr = ErrPasswordMismatch
			return
		}
		if r.members.Len() >= r.maxMembers {
			joinErr = ErrRoomFull
			return
		}

		nick := clampString(nickname, maxNicknameLen)
		if nick == "" {
			nick = fallbackNickname()
		}
		isHost := r.members.Len() == 0
		r.members.Add(member.Record{
			ConnID:        connID,
			Nickname:      nick,
			IsHost:        isHost,
			MediaMatch:    media.MatchMissing,
			ConnectedAtMs: now,
		})

		mediaDesc, _ := r.mediaRegistry.Media()
		if mediaDesc != nil {
			r.startupGateActive = true
			if !r.playbackState.Paused {
				paused := true
				r.playbackState = playback.Mark(r.playbackState, playback.Patch{Paused: &paused}, playback.ReasonStartupGate, "system", now)
				r.pendingStartRequested = true
			}
		}

		r.refreshStats(now)
		snap = r.makeSnapshot()
		r.publisher.Publish(r.id, otherTargets(r.allConnIDs(), connID), frameOf(protocol.TypeRoomSnapshot, snap))
	})
	return snap, joinErr
}

// SelectMedia replaces the room's media (host only) or updates a non-host's
// match state against the existing media. filePath is empty when the
// member isn't relaying bytes through this server (the common case: each
// peer already has the file locally and only the fingerprint is exchanged).
func (r *Room) SelectMedia(connID string, desc media.Descriptor, filePath string) {
	r.enqueueSync(func() {
		now := r.now()
		rec, ok := r.members.Get(connID)
		if !ok {
			return
		}

		if !rec.IsHost {
			roomDesc, _ := r.mediaRegistry.Media()
			match := media.Match(&desc, roomDesc)
			r.members.Update(connID, func(m *member.Record) {
				m.SelectedFingerprint = &desc
				m.MediaMatch = match
			})
			r.refreshStats(now)
			r.broadcastSnapshot()
			if match == media.MatchMismatch {
				r.sendError(connID, "your local file does not match the host's media")
			}
			return
		}

		desc.SelectedAt = now
		r.mediaRegistry.ReplaceMedia(desc, filePath)

		r.members.Each(func(m *member.Record) {
			m.Buffering = false
			m.StartupReady = false
			m.BufferAheadSeconds = 0
			m.ReadyState = 0
			m.CanPlayThrough = false
			m.BufferingStartedAtMs = 0
			if m.IsHost {
				m.MediaMatch = media.MatchMatched
				return
			}
			if m.SelectedFingerprint != nil {
				m.MediaMatch = media.Match(m.SelectedFingerprint, &desc)
				if m.MediaMatch == media.MatchMismatch {
					m.MediaMatch = media.MatchMissing
				}
			} else {
				m.MediaMatch = media.MatchMissing
			}
		})

		r.playbackState = playback.Initial(now, connID)
		r.startupGateActive = true
		r.pendingStartRequested = false
		r.resumeAfterBuffer = false
		r.startupBufferTarget = gate.DefaultStartupTarget(desc.Duration)
		r.resumeBufferTarget = gate.DefaultResumeTarget(desc.Duration)

		r.refreshStats(now)
		r.broadcastSnapshot()
	})
}

// SelectSubtitle replaces the room's subtitle (host only).
func (r *Room) SelectSubtitle(connID string, desc media.SubtitleDescriptor, filePath string) {
	r.enqueueSync(func() {
		rec, ok := r.members.Get(connID)
		if !ok || !rec.IsHost {
			return
		}
		desc.UploadedAt = r.now()
		r.mediaRegistry.ReplaceSubtitle(desc, filePath)
		r.refreshStats(r.now())
		r.broadcastSnapshot()
	})
}

// PlaybackControl applies a playback mutation requested by connID.
func (r *Room) PlaybackControl(connID string, patch playback.Patch, reason playback.Reason) {
	r.enqueueSync(func() {
		now := r.now()
		if _, ok := r.members.Get(connID); !ok {
			return
		}
		mediaDesc, _ := r.mediaRegistry.Media()
		if mediaDesc == nil {
			return
		}

		requestsUnpause := patch.Paused != nil && !*patch.Paused

		if requestsUnpause && r.startupGateActive {
			r.pendingStartRequested = true
			if !r.allStartupReady(now) {
				paused := true
				r.playbackState = playback.Mark(r.playbackState, playback.Patch{Paused: &paused}, playback.ReasonStartupGate, "system", now)
				r.refreshStats(now)
				r.broadcastPlayback(nil)
				return
			}
			r.disarmStartupGate(now)
			return
		}

		if requestsUnpause && r.syncMode == "strict" && gate.AnyBuffering(r.members.Snapshot()) {
			return
		}

		r.playbackState = playback.Mark(r.playbackState, patch, reason, connID, now)
		r.refreshStats(now)
		r.broadcastPlayback(nil)
		r.runGateStep(now)
	})
}

// ReportBuffering records a member's buffering telemetry and re-evaluates
// the gates.
func (r *Room) ReportBuffering(connID string, buffering bool, bufferAheadSeconds float64, readyState int, canPlayThrough bool) {
	r.enqueueSync(func() {
		now := r.now()
		rec, ok := r.members.Get(connID)
		if !ok {
			return
		}
		risingEdge := buffering && !rec.Buffering
		fallingEdge := !buffering && rec.Buffering
		r.members.Update(connID, func(m *member.Record) {
			m.Buffering = buffering
			m.BufferAheadSeconds = bufferAheadSeconds
			m.ReadyState = readyState
			m.CanPlayThrough = canPlayThrough
			if risingEdge {
				m.BufferingStartedAtMs = now
			}
			if fallingEdge {
				m.BufferingStartedAtMs = 0
			}
		})
		r.refreshStats(now)
		r.runGateStep(now)
	})
}

// SetSyncMode changes the room's sync mode (host only).
func (r *Room) SetSyncMode(connID, mode string) {
	r.enqueueSync(func() {
		now := r.now()
		rec, ok := r.members.Get(connID)
		if !ok || !rec.IsHost {
			return
		}
		if mode != "soft" && mode != "strict" {
			return
		}
		r.syncMode = mode
		if mode == "soft" {
			r.resumeAfterBuffer = false
		}
		r.refreshStats(now)
		r.broadcastSnapshot()
		if mode == "strict" {
			r.runGateStep(now)
		}
	})
}

// Leave removes connID from the room, acknowledging within 400ms. It
// returns true both when the removal ran and when the deadline passed
// first: an unacknowledged leave counts as success, and the disconnect
// path is the fallback.
func (r *Room) Leave(connID string) bool {
	return r.removeMemberWithDeadline(connID)
}

// Disconnect is Leave's transport-triggered twin: same state transition,
// invoked when the underlying connection drops rather than on an explicit
// room:leave command.
func (r *Room) Disconnect(connID string) {
	r.enqueueSync(func() { r.removeMember(connID) })
}

func (r *Room) removeMemberWithDeadline(connID string) bool {
	done := make(chan struct{})
	deadline := time.After(leaveAckDeadline)
	select {
	case r.cmds <- func() {
		r.removeMember(connID)
		close(done)
	}:
	case <-deadline:
		return true
	}
	select {
	case <-done:
		return true
	case <-deadline:
		return true
	}
}

func (r *Room) removeMember(connID string) {
	rec, ok := r.members.Get(connID)
	if !ok {
		return
	}
	wasHost := rec.IsHost
	r.members.Remove(connID)
	now := r.now()
	if wasHost {
		if newHost, ok := r.members.First(); ok {
			r.members.Update(newHost.ConnID, func(m *member.Record) { m.IsHost = true })
		}
	}
	r.refreshStats(now)
	if r.members.Len() == 0 {
		return
	}
	r.runGateStep(now)
	r.broadcastSnapshot()
}

// RequestSnapshot sends the current snapshot to connID only.
func (r *Room) RequestSnapshot(connID string) {
	r.enqueueSync(func() { r.sendSnapshotTo(connID) })
}

// RequestPlayback sends the current playback envelope to connID only.
func (r *Room) RequestPlayback(connID string) {
	r.enqueueSync(func() { r.broadcastPlayback([]string{connID}) })
}

// DiscoverySummary returns the coarse view of this room that the LAN
// discovery announcer broadcasts and /api/discovery serves: no member
// identities beyond the host's nickname, no playback position. Safe to call
// from any goroutine; it round-trips through the command queue like every
// other query that needs members/media/playbackState together.
func (r *Room) DiscoverySummary() protocol.RoomSummary {
	var summary protocol.RoomSummary
	r.enqueueSync(func() {
		hostNickname := ""
		r.members.Each(func(rec *member.Record) {
			if rec.IsHost {
				hostNickname = rec.Nickname
			}
		})
		mediaDesc, _ := r.mediaRegistry.Media()
		subDesc, _ := r.mediaRegistry.Subtitle()
		summary = protocol.RoomSummary{
			RoomID:           r.id,
			RoomName:         r.name,
			HostNickname:     hostNickname,
			RequiresPassword: r.password != "",
			MemberCount:      r.members.Len(),
			MaxMembers:       r.maxMembers,
			PlaybackState:    playbackSummary(mediaDesc, r.playbackState),
		}
		if mediaDesc != nil {
			summary.MediaName = mediaDesc.Name
		}
		if subDesc != nil {
			summary.SubtitleName = subDesc.Name
		}
	})
	return summary
}

// playbackSummary collapses the authoritative playback state into the
// coarse idle/paused/playing value a discovery listing carries.
func playbackSummary(mediaDesc *media.Descriptor, state playback.State) protocol.PlaybackSummary {
	if mediaDesc == nil {
		return protocol.PlaybackIdle
	}
	if state.Paused {
		return protocol.PlaybackPaused
	}
	return protocol.PlaybackPlaying
}

// --- gate evaluation (command-queue goroutine only) ---

// disarmStartupGate performs the Preparing -> Playing transition: it
// disarms the gate, then emits the snapshot, then the playback envelope (in
// that order, so the snapshot clients receive already shows the gate
// disarmed before the unpause arrives).
func (r *Room) disarmStartupGate(now int64) {
	r.startupGateActive = false
	r.pendingStartRequested = false
	r.refreshStats(now)
	r.broadcastSnapshot()
	paused := false
	r.playbackState = playback.Mark(r.playbackState, playback.Patch{Paused: &paused}, playback.ReasonStartupGate, "system", now)
	r.refreshStats(now)
	r.broadcastPlayback(nil)
}

func (r *Room) allStartupReady(now int64) bool {
	mediaDesc, _ := r.mediaRegistry.Media()
	var duration *float64
	if mediaDesc != nil {
		duration = mediaDesc.Duration
	}
	pos := playback.DerivePosition(r.playbackState, now)
	return gate.AllStartupReady(r.members.Snapshot(), r.startupBufferTarget, duration, pos)
}

// runGateStep re-evaluates the startup gate disarm condition and the buffer
// gate, applying at most one playback transition, mirroring the playback
// state machine's single-mutation-per-command-step contract.
func (r *Room) runGateStep(now int64) {
	mediaDesc, _ := r.mediaRegistry.Media()
	if mediaDesc == nil {
		return
	}
	var duration *float64
	if mediaDesc != nil {
		duration = mediaDesc.Duration
	}
	pos := playback.DerivePosition(r.playbackState, now)

	// Refresh each member's displayed startup-ready flag.
	r.members.Each(func(m *member.Record) {
		m.StartupReady = gate.StartupReady(*m, r.startupBufferTarget, duration, pos)
	})

	if r.startupGateActive && r.pendingStartRequested && gate.AllStartupReady(r.members.Snapshot(), r.startupBufferTarget, duration, pos) {
		r.disarmStartupGate(now)
		return
	}

	if r.startupGateActive {
		return
	}

	remaining := remainingDuration(duration, pos)
	grace := gate.SoftBufferGraceMs(remaining)
	strict := r.syncMode == "strict"

	if !r.playbackState.Paused && gate.ShouldPauseForBuffering(r.members.Snapshot(), strict, grace, now) {
		paused := true
		position := pos
		r.playbackState = playback.Mark(r.playbackState, playback.Patch{Paused: &paused, Position: &position}, playback.ReasonBufferLock, "system", now)
		r.resumeAfterBuffer = true
		r.refreshStats(now)
		r.broadcastPlayback(nil)
		return
	}

	if r.resumeAfterBuffer && !gate.AnyBuffering(r.members.Snapshot()) && gate.AllResumeReady(r.members.Snapshot(), r.resumeBufferTarget, duration, pos) {
		paused := false
		r.playbackState = playback.Mark(r.playbackState, playback.Patch{Paused: &paused}, playback.ReasonBufferLock, "system", now)
		r.resumeAfterBuffer = false
		r.refreshStats(now)
		r.broadcastPlayback(nil)
	}
}

func remainingDuration(duration *float64, pos float64) float64 {
	if duration == nil {
		return 1 << 30
	}
	remaining := *duration - pos
	if remaining < 0 {
		return 0
	}
	return remaining
}

func otherTargets(all []string, exclude string) []string {
	out := make([]string, 0, len(all))
	for _, id := range all {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}
