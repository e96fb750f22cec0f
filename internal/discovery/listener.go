package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"couchsync/internal/idgen"
	"couchsync/internal/protocol"
)

const listenerReadTimeout = 2 * time.Second

// Listener binds the discovery UDP port and maintains the live map of rooms
// learned from broadcast announcements, evicting entries that haven't
// re-announced within EntryTTL.
type Listener struct {
	instanceID string
	port       int
	clock      idgen.Clock
	log        *slog.Logger

	mu      sync.RWMutex
	entries map[string]protocol.DiscoveryEntry

	conn *net.UDPConn
}

// NewListener constructs a Listener. instanceID is this process's own
// discovery identity, used to reject self-announcements looped back by
// broadcast.
func NewListener(instanceID string, port int, clock idgen.Clock, log *slog.Logger) *Listener {
	if port == 0 {
		port = DefaultPort
	}
	if clock == nil {
		clock = idgen.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		instanceID: instanceID,
		port:       port,
		clock:      clock,
		log:        log.With("component", "discovery.listener"),
		entries:    make(map[string]protocol.DiscoveryEntry),
	}
}

// Start binds the UDP socket and runs the receive and sweep loops until ctx
// is cancelled. A bind failure (port already in use) disables discovery
// listening for this process but is not fatal to the server.
func (l *Listener) Start(ctx context.Context) {
	conn, err := listenReusable(l.port)
	if err != nil {
		l.log.Warn("bind discovery listener failed, discovery disabled", "port", l.port, "err", err)
		return
	}
	l.conn = conn

	go l.receiveLoop(ctx)
	go l.sweepLoop(ctx)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
}

func (l *Listener) receiveLoop(ctx context.Context) {
	buf := make([]byte, 8192)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(listenerReadTimeout))
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		l.handleDatagram(buf[:n], addr)
	}
}

func (l *Listener) handleDatagram(data []byte, from *net.UDPAddr) {
	var ann protocol.Announcement
	if err := json.Unmarshal(data, &ann); err != nil {
		return
	}
	if ann.Type != protocol.AnnounceType || ann.ProtocolVersion != protocol.DiscoveryProtocolVersion {
		return
	}
	if ann.InstanceID == "" || ann.InstanceID == l.instanceID {
		return
	}
	if ann.RoomID == "" || ann.Port == 0 {
		return
	}

	entry := protocol.DiscoveryEntry{
		InstanceID: ann.InstanceID,
		RoomSummary: protocol.RoomSummary{
			RoomID:           ann.RoomID,
			RoomName:         ann.RoomName,
			HostNickname:     ann.HostNickname,
			RequiresPassword: ann.RequiresPassword,
			MemberCount:      ann.MemberCount,
			MaxMembers:       ann.MaxMembers,
			MediaName:        ann.MediaName,
			SubtitleName:     ann.SubtitleName,
			PlaybackState:    ann.PlaybackState,
		},
		ServerURL:    fmt.Sprintf("http://%s:%d", from.IP.String(), ann.Port),
		LastSeenAtMs: l.clock.NowMs(),
	}

	l.mu.Lock()
	l.entries[entryKey(ann.InstanceID, ann.RoomID)] = entry
	l.mu.Unlock()
}

func (l *Listener) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Listener) sweep() {
	now := l.clock.NowMs()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.entries {
		if now-e.LastSeenAtMs > EntryTTL.Milliseconds() {
			delete(l.entries, key)
		}
	}
}

// Entries returns a snapshot of the live broadcast-learned rooms.
func (l *Listener) Entries() []protocol.DiscoveryEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]protocol.DiscoveryEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	return out
}
