package discovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"time"

	"couchsync/internal/idgen"
	"couchsync/internal/protocol"
)

// RoomsFunc returns the current discovery summary of every room this
// process is hosting. Called once per broadcast tick so the announced
// memberCount/playbackState/etc. stay current without any separate
// "update" call.
type RoomsFunc func() []protocol.RoomSummary

// Announcer periodically UDP-broadcasts one announcement datagram per
// hosted room, on every interface's broadcast address plus the global
// broadcast address and loopback.
type Announcer struct {
	instanceID    string
	port          int
	discoveryPort int
	rooms         RoomsFunc
	clock         idgen.Clock
	log           *slog.Logger
}

// NewAnnouncer constructs an Announcer. port is the HTTP port peers should
// connect to once they've discovered a room; discoveryPort is the UDP port
// announcements are sent on (DefaultPort unless the deployment overrides
// it).
func NewAnnouncer(instanceID string, port, discoveryPort int, rooms RoomsFunc, clock idgen.Clock, log *slog.Logger) *Announcer {
	if discoveryPort == 0 {
		discoveryPort = DefaultPort
	}
	if clock == nil {
		clock = idgen.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Announcer{
		instanceID:    instanceID,
		port:          port,
		discoveryPort: discoveryPort,
		rooms:         rooms,
		clock:         clock,
		log:           log.With("component", "discovery.announcer"),
	}
}

// Start runs the broadcast loop until ctx is cancelled. It owns its own UDP
// socket, opened with ListenPacket (not DialUDP): dialing 255.255.255.255
// silently fails without SO_BROADCAST.
func (a *Announcer) Start(ctx context.Context) {
	go a.broadcastLoop(ctx)
}

func (a *Announcer) broadcastLoop(ctx context.Context) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		a.log.Warn("open broadcast socket failed, discovery announcements disabled", "err", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()

	a.announceOnce(conn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.announceOnce(conn)
		}
	}
}

func (a *Announcer) announceOnce(conn net.PacketConn) {
	if a.rooms == nil {
		return
	}
	rooms := a.rooms()
	if len(rooms) == 0 {
		return
	}
	now := a.clock.NowMs()
	dests := a.destinations()
	for _, room := range rooms {
		ann := protocol.Announcement{
			Type:             protocol.AnnounceType,
			ProtocolVersion:  protocol.DiscoveryProtocolVersion,
			InstanceID:       a.instanceID,
			RoomID:           room.RoomID,
			RoomName:         room.RoomName,
			HostNickname:     room.HostNickname,
			RequiresPassword: room.RequiresPassword,
			MemberCount:      room.MemberCount,
			MaxMembers:       room.MaxMembers,
			MediaName:        room.MediaName,
			SubtitleName:     room.SubtitleName,
			PlaybackState:    room.PlaybackState,
			Port:             a.port,
			AnnouncedAt:      now,
		}
		data, err := json.Marshal(ann)
		if err != nil {
			continue
		}
		for _, dst := range dests {
			_, _ = conn.WriteTo(data, dst)
		}
	}
}

// destinations returns loopback, the global broadcast address, and every
// local interface's computed broadcast address, all on the discovery port.
// Sending to all three is belt-and-suspenders: 255.255.255.255 is dropped by
// some firewalls, and not every interface answers to the global address.
func (a *Announcer) destinations() []*net.UDPAddr {
	dests := []*net.UDPAddr{
		{IP: net.IPv4(127, 0, 0, 1), Port: a.discoveryPort},
		{IP: net.IPv4bcast, Port: a.discoveryPort},
	}
	for _, ipnet := range localIPv4Interfaces() {
		dests = append(dests, &net.UDPAddr{IP: broadcastAddr(ipnet), Port: a.discoveryPort})
	}
	return dests
}
