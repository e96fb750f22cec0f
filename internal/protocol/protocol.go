// Package protocol defines the wire types exchanged over the socket
// transport: the JSON frame envelope, per-command payloads, and the
// snapshot/playback envelopes the server fans out to subscribers.
package protocol

import (
	"encoding/json"

	"couchsync/internal/media"
	"couchsync/internal/playback"
)

// Frame types, C->S and S->C, as named in the external interface table.
const (
	TypeRoomJoin             = "room:join"
	TypeRoomLeave            = "room:leave"
	TypeRoomSelectMedia      = "room:select-media"
	TypePlaybackControl      = "playback:control"
	TypeClientBuffering      = "client:buffering"
	TypePlaybackRequestState = "playback:request-state"
	TypeRoomRequestSnapshot  = "room:request-snapshot"
	TypeRoomConfig           = "room:config"

	TypeRoomSnapshot  = "room:snapshot"
	TypePlaybackState = "playback:state"
	TypeRoomError     = "room:error"
	TypeRoomClosed    = "room:closed"
)

// Frame is the outer envelope every message, in either direction, is wrapped
// in. Payload is re-parsed by the handler once Type is known.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinRequest is the payload of room:join.
type JoinRequest struct {
	RoomID   string `json:"roomId"`
	Nickname string `json:"nickname"`
	Password string `json:"password,omitempty"`
	RoomName string `json:"roomName,omitempty"`
}

// JoinResponse is the reply to room:join.
type JoinResponse struct {
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Snapshot *RoomSnapshot `json:"snapshot,omitempty"`
}

// LeaveRequest is the payload of room:leave.
type LeaveRequest struct {
	RoomID string `json:"roomId"`
}

// LeaveResponse is the reply to room:leave.
type LeaveResponse struct {
	OK bool `json:"ok"`
}

// SelectMediaRequest is the payload of room:select-media.
type SelectMediaRequest struct {
	RoomID string           `json:"roomId"`
	Media  media.Descriptor `json:"media"`
}

// PlaybackControlRequest is the payload of playback:control.
type PlaybackControlRequest struct {
	RoomID   string          `json:"roomId"`
	Position float64         `json:"position"`
	Paused   bool            `json:"paused"`
	Rate     float64         `json:"rate"`
	Reason   playback.Reason `json:"reason"`
}

// BufferingReport is the payload of client:buffering.
type BufferingReport struct {
	RoomID             string  `json:"roomId"`
	Buffering          bool    `json:"buffering"`
	BufferAheadSeconds float64 `json:"bufferAheadSeconds"`
	ReadyState         int     `json:"readyState"`
	CanPlayThrough     bool    `json:"canPlayThrough"`
	StartupReady       bool    `json:"startupReady"`
}

// RoomIDRequest covers playback:request-state and room:request-snapshot,
// which carry only a room id.
type RoomIDRequest struct {
	RoomID string `json:"roomId"`
}

// ConfigRequest is the payload of room:config.
type ConfigRequest struct {
	RoomID   string `json:"roomId"`
	SyncMode string `json:"syncMode"`
}

// MemberView is the wire-visible projection of a member.Record: internal
// bookkeeping fields (ConnectedAtMs, BufferingStartedAtMs) are deliberately
// not exposed.
type MemberView struct {
	ConnID             string           `json:"connId"`
	Nickname           string           `json:"nickname"`
	IsHost             bool             `json:"isHost"`
	MediaMatch         media.MatchState `json:"mediaMatch"`
	Buffering          bool             `json:"buffering"`
	StartupReady       bool             `json:"startupReady"`
	BufferAheadSeconds float64          `json:"bufferAheadSeconds"`
	ReadyState         int              `json:"readyState"`
	CanPlayThrough     bool             `json:"canPlayThrough"`
}

// RoomSnapshot is the full materialized room view, sent on join, on demand,
// and on the snapshot heartbeat.
type RoomSnapshot struct {
	RoomID                string                    `json:"roomId"`
	RoomName              string                    `json:"roomName,omitempty"`
	RequiresPassword      bool                      `json:"requiresPassword"`
	SyncMode              string                    `json:"syncMode"`
	Members               []MemberView              `json:"members"`
	MaxMembers            int                       `json:"maxMembers"`
	Media                 *media.Descriptor         `json:"media"`
	Subtitle              *media.SubtitleDescriptor `json:"subtitle"`
	PlaybackState         playback.State            `json:"playbackState"`
	IsPreparing           bool                      `json:"isPreparing"`
	PendingStartRequested bool                      `json:"pendingStartRequested"`
	ResumeAfterBuffer     bool                      `json:"resumeAfterBuffer"`
	ServerTime            int64                     `json:"serverTime"`
}

// PlaybackEnvelope is the transport unit clients reconcile their local
// player against: a playback state plus server time and who's buffering.
type PlaybackEnvelope struct {
	RoomID                string         `json:"roomId"`
	PlaybackState         playback.State `json:"playbackState"`
	ServerTime            int64          `json:"serverTime"`
	BufferingMembers      []string       `json:"bufferingMembers"`
	PendingStartRequested bool           `json:"pendingStartRequested"`
}
