// Package room implements the Room Coordinator (a single room's serialized
// command queue, playback state, gates and member table) and the Room
// Registry that owns the room-id -> Room map.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"couchsync/internal/idgen"
	"couchsync/internal/media"
	"couchsync/internal/member"
	"couchsync/internal/playback"
	"couchsync/internal/protocol"
)

const (
	maxNicknameLen = 24
	maxPasswordLen = 64
	maxRoomNameLen = 32

	playbackHeartbeatInterval = 1500 * time.Millisecond
	snapshotHeartbeatInterval = 4 * time.Second

	leaveAckDeadline = 400 * time.Millisecond

	cmdQueueDepth = 64
)

var (
	// ErrPasswordMismatch is returned by Join when the room has a password
	// and the supplied one (trimmed) does not match it.
	ErrPasswordMismatch = fmt.Errorf("password_mismatch")
	// ErrRoomFull is returned by Join when the room is at capacity and the
	// joiner is not already a member.
	ErrRoomFull = fmt.Errorf("room_full")
)

// Room is the Room Coordinator for a single room. All mutating methods
// serialize through a single command queue drained by one goroutine; there
// is no mutex on the hot path.
type Room struct {
	id         string
	name       string
	password   string
	maxMembers int
	clock      idgen.Clock
	publisher  Publisher
	log        *slog.Logger

	cmds chan func()
	stop context.CancelFunc

	// Fields below are only ever touched by the command-queue goroutine.
	members               *member.Table
	mediaRegistry         *media.Registry
	playbackState         playback.State
	syncMode              string
	startupGateActive     bool
	pendingStartRequested bool
	resumeAfterBuffer     bool
	startupBufferTarget   float64
	resumeBufferTarget    float64

	// stats mirrors a small read-only projection of room state so the
	// registry's idle sweep and HTTP permission checks don't have to
	// round-trip through the command queue.
	statsMu        sync.RWMutex
	memberCount    int
	hostConnID     string
	lastActiveAtMs int64
}

// Config bundles the parameters needed to create a Room.
type Config struct {
	ID         string
	Name       string
	Password   string
	MaxMembers int
	Clock      idgen.Clock
	Publisher  Publisher
	Logger     *slog.Logger
}

// New constructs a Room with an armed (idle) playback state. It does not
// start the command-queue goroutine or the timers; call Start for that.
func New(cfg Config) *Room {
	if cfg.Clock == nil {
		cfg.Clock = idgen.SystemClock{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = NopPublisher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	now := cfg.Clock.NowMs()
	return &Room{
		id:             cfg.ID,
		name:           clampString(cfg.Name, maxRoomNameLen),
		password:       clampString(cfg.Password, maxPasswordLen),
		maxMembers:     cfg.MaxMembers,
		clock:          cfg.Clock,
		publisher:      cfg.Publisher,
		log:            cfg.Logger.With("room_id", cfg.ID),
		cmds:           make(chan func(), cmdQueueDepth),
		members:        member.NewTable(),
		mediaRegistry:  media.NewRegistry(),
		playbackState:  playback.Idle(now),
		syncMode:       "soft",
		lastActiveAtMs: now,
	}
}

// ID returns the room's normalized id.
func (r *Room) ID() string { return r.id }

// Start launches the command-drain loop and the two playback/snapshot
// timers in background goroutines and returns at once; they run until ctx
// is cancelled or Stop is called.
func (r *Room) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.stop = cancel
	go r.drainLoop(ctx)
	go r.heartbeatLoop(ctx)
}

// Stop cancels the room's background goroutines. It does not clear media
// files; callers that are destroying the room should call Destroy (which
// runs mediaRegistry.Clear()) after it.
func (r *Room) Stop() {
	if r.stop != nil {
		r.stop()
	}
}

// Destroy releases the room's media files. Call after Stop.
func (r *Room) Destroy() {
	r.mediaRegistry.Clear()
}

func (r *Room) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-r.cmds:
			fn()
		}
	}
}

func (r *Room) heartbeatLoop(ctx context.Context) {
	playbackTicker := time.NewTicker(playbackHeartbeatInterval)
	snapshotTicker := time.NewTicker(snapshotHeartbeatInterval)
	defer playbackTicker.Stop()
	defer snapshotTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-playbackTicker.C:
			r.enqueue(func() {
				if r.members.Len() == 0 {
					return
				}
				if desc, _ := r.mediaRegistry.Media(); desc == nil {
					return
				}
				r.broadcastPlayback(nil)
			})
		case <-snapshotTicker.C:
			r.enqueue(func() {
				if r.members.Len() == 0 {
					return
				}
				r.broadcastSnapshot()
			})
		}
	}
}

// enqueue posts fn to the command queue without waiting for it to run. Used
// by timers, which fire-and-forget.
func (r *Room) enqueue(fn func()) {
	select {
	case r.cmds <- fn:
	default:
		// Queue is saturated; drop rather than block the caller (timers
		// must never stall on a busy room). The next tick will retry.
		r.log.Warn("command queue saturated, dropping scheduled task")
	}
}

// enqueueSync posts fn and blocks until it has run.
func (r *Room) enqueueSync(fn func()) {
	done := make(chan struct{})
	r.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

func (r *Room) now() int64 { return r.clock.NowMs() }

func clampString(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) > max {
		return s[:max]
	}
	return s
}

func fallbackNickname() string {
	n := idgen.NewRoomCode()
	if len(n) > 2 {
		n = n[:2]
	}
	return "Viewer-" + n
}

// refreshStats updates the cheap read-only projection other packages poll
// (registry idle sweep, HTTP permission checks) without going through the
// command queue.
// Called at the end of every mutating command.
func (r *Room) refreshStats(now int64) {
	hostID := ""
	r.members.Each(func(rec *member.Record) {
		if rec.IsHost {
			hostID = rec.ConnID
		}
	})
	r.statsMu.Lock()
	r.memberCount = r.members.Len()
	r.hostConnID = hostID
	r.lastActiveAtMs = now
	r.statsMu.Unlock()
}

// Stats is the read-only projection exposed outside the command queue.
type Stats struct {
	MemberCount    int
	HostConnID     string
	LastActiveAtMs int64
}

// ReadStats returns the current cheap projection. Safe to call
// concurrently from any goroutine.
func (r *Room) ReadStats() Stats {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()
	return Stats{MemberCount: r.memberCount, HostConnID: r.hostConnID, LastActiveAtMs: r.lastActiveAtMs}
}

// IsHost reports whether connID is currently the room's host. Safe to call
// from any goroutine (used by HTTP upload handlers to enforce the
// host-only permission rule without routing through the command queue).
func (r *Room) IsHost(connID string) bool {
	return r.ReadStats().HostConnID == connID
}

// MediaFile returns the room's current media descriptor and the path of the
// on-disk file backing it (empty if the member set only exchanged a
// fingerprint). Safe to call from any goroutine: the media registry guards
// itself with its own mutex, independent of the command queue.
func (r *Room) MediaFile() (*media.Descriptor, string) {
	return r.mediaRegistry.Media()
}

// SubtitleFile returns the room's current subtitle descriptor and backing
// file path, under the same concurrency contract as MediaFile.
func (r *Room) SubtitleFile() (*media.SubtitleDescriptor, string) {
	return r.mediaRegistry.Subtitle()
}

// --- snapshot / envelope construction (command-queue goroutine only) ---

func (r *Room) makeSnapshot() protocol.RoomSnapshot {
	now := r.now()
	mediaDesc, _ := r.mediaRegistry.Media()
	subDesc, _ := r.mediaRegistry.Subtitle()
	views := make([]protocol.MemberView, 0, r.members.Len())
	for _, rec := range r.members.Snapshot() {
		views = append(views, protocol.MemberView{
			ConnID:             rec.ConnID,
			Nickname:           rec.Nickname,
			IsHost:             rec.IsHost,
			MediaMatch:         rec.MediaMatch,
			Buffering:          rec.Buffering,
			StartupReady:       rec.StartupReady,
			BufferAheadSeconds: rec.BufferAheadSeconds,
			ReadyState:         rec.ReadyState,
			CanPlayThrough:     rec.CanPlayThrough,
		})
	}
	return protocol.RoomSnapshot{
		RoomID:                r.id,
		RoomName:              r.name,
		RequiresPassword:      r.password != "",
		SyncMode:              r.syncMode,
		Members:               views,
		MaxMembers:            r.maxMembers,
		Media:                 mediaDesc,
		Subtitle:              subDesc,
		PlaybackState:         r.playbackState,
		IsPreparing:           r.startupGateActive,
		PendingStartRequested: r.pendingStartRequested,
		ResumeAfterBuffer:     r.resumeAfterBuffer,
		ServerTime:            now,
	}
}

func (r *Room) makeEnvelope() protocol.PlaybackEnvelope {
	now := r.now()
	var buffering []string
	r.members.Each(func(rec *member.Record) {
		if rec.Buffering {
			buffering = append(buffering, rec.ConnID)
		}
	})
	return protocol.PlaybackEnvelope{
		RoomID:                r.id,
		PlaybackState:         r.playbackState,
		ServerTime:            now,
		BufferingMembers:      buffering,
		PendingStartRequested: r.pendingStartRequested,
	}
}

func (r *Room) allConnIDs() []string {
	ids := make([]string, 0, r.members.Len())
	r.members.Each(func(rec *member.Record) { ids = append(ids, rec.ConnID) })
	return ids
}

func frameOf(frameType string, payload any) protocol.Frame {
	raw, err := json.Marshal(payload)
	if err != nil {
		// payload is always one of our own wire structs; a marshal failure
		// here means a programming error, not a runtime condition to
		// recover from.
		panic("room: marshal frame payload: " + err.Error())
	}
	return protocol.Frame{Type: frameType, Payload: raw}
}

func (r *Room) broadcastSnapshot() {
	r.publisher.Publish(r.id, r.allConnIDs(), frameOf(protocol.TypeRoomSnapshot, r.makeSnapshot()))
}

func (r *Room) sendSnapshotTo(connID string) {
	r.publisher.Publish(r.id, []string{connID}, frameOf(protocol.TypeRoomSnapshot, r.makeSnapshot()))
}

// broadcastPlayback sends the current playback envelope. targets nil means
// every member.
func (r *Room) broadcastPlayback(targets []string) {
	if targets == nil {
		targets = r.allConnIDs()
	}
	r.publisher.Publish(r.id, targets, frameOf(protocol.TypePlaybackState, r.makeEnvelope()))
}

func (r *Room) sendError(connID, message string) {
	r.publisher.Publish(r.id, []string{connID}, frameOf(protocol.TypeRoomError, message))
}
