// Package discovery implements LAN discovery: a UDP broadcast
// announce/listen pair that finds rooms on the same broadcast domain, and an
// HTTP subnet prober that finds them across VPNs and other networks where
// UDP broadcast doesn't reach. Every socket and HTTP operation in this
// package is best-effort: discovery is a convenience, never load-bearing, so
// errors are logged and swallowed rather than surfaced to callers.
package discovery

import (
	"fmt"
	"net"
	"time"

	"couchsync/internal/protocol"
)

const (
	// DefaultPort is the UDP port discovery announces and listens on unless
	// overridden. Probes use the HTTP port the prober was constructed with.
	DefaultPort = 43153

	// AnnounceInterval is how often a hosted room's announcement is
	// re-broadcast and how often the listener sweeps stale entries.
	AnnounceInterval = 1500 * time.Millisecond

	// EntryTTL is how long a broadcast-learned entry survives without a
	// fresh announcement before the listener evicts it.
	EntryTTL = 3 * AnnounceInterval

	// probeTimeout bounds a single subnet-probe HTTP request.
	probeTimeout = 300 * time.Millisecond

	// probeConcurrency caps how many probe requests run at once.
	probeConcurrency = 48

	// probeCacheTTL is how long a completed probe's result set is reused
	// before the next List() call triggers a fresh scan.
	probeCacheTTL = 6 * time.Second

	// maxSubnetHosts is the largest subnet the prober will scan
	// exhaustively; larger subnets fall back to a /24 around each address.
	maxSubnetHosts = 2048
)

// entryKey is how broadcast and probe entries are deduplicated:
// "instanceId:roomId".
func entryKey(instanceID, roomID string) string {
	return instanceID + ":" + roomID
}

// Service merges the broadcast listener's live map with the subnet prober's
// cached results into the single list /api/discovery and the announcer's
// peers see. It implements httpapi.DiscoveryLister.
type Service struct {
	instanceID string
	listener   *Listener
	prober     *Prober
}

// NewService wires a Listener and Prober that already share instanceID.
func NewService(instanceID string, listener *Listener, prober *Prober) *Service {
	return &Service{instanceID: instanceID, listener: listener, prober: prober}
}

// List returns the merged discovery map: every room visible over UDP
// broadcast, plus anything the last subnet probe found, keyed by
// instanceId:roomId so a peer visible both ways appears once.
func (s *Service) List() protocol.DiscoveryListResponse {
	merged := make(map[string]protocol.DiscoveryEntry)
	if s.listener != nil {
		for _, e := range s.listener.Entries() {
			merged[entryKey(e.InstanceID, e.RoomID)] = e
		}
	}
	if s.prober != nil {
		for _, e := range s.prober.Cached() {
			key := entryKey(e.InstanceID, e.RoomID)
			if existing, ok := merged[key]; ok && existing.LastSeenAtMs >= e.LastSeenAtMs {
				continue
			}
			merged[key] = e
		}
	}

	rooms := make([]protocol.RoomSummary, 0, len(merged))
	for _, e := range merged {
		rooms = append(rooms, e.RoomSummary)
	}
	return protocol.DiscoveryListResponse{
		ProtocolVersion: protocol.DiscoveryProtocolVersion,
		InstanceID:      s.instanceID,
		Rooms:           rooms,
	}
}

// privateBlocks are the RFC1918 + carrier-grade-NAT + link-local ranges the
// prober is willing to scan; anything outside these is treated as a public
// or otherwise uninteresting address and skipped.
var privateBlocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10",
	"169.254.0.0/16",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			// These are fixed literals; a parse failure is a typo caught at
			// compile-adjacent time, not a runtime condition.
			panic("discovery: bad CIDR literal " + c + ": " + err.Error())
		}
		nets = append(nets, n)
	}
	return nets
}

func isPrivateIPv4(ip net.IP) bool {
	for _, n := range privateBlocks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// localIPv4Interfaces returns every up, broadcast-capable, non-loopback
// IPv4 address/netmask this host has on a private interface. Used by the
// announcer, which only needs addresses it can compute a broadcast address
// for.
func localIPv4Interfaces() []*net.IPNet {
	return filterLocalIPv4Interfaces(true)
}

// proberIPv4Interfaces returns every up, non-loopback private IPv4
// address/netmask, including interfaces without broadcast support (VPN
// tunnels, point-to-point links) — the exact networks where UDP broadcast
// doesn't reach and the prober's active HTTP scan is needed instead.
func proberIPv4Interfaces() []*net.IPNet {
	return filterLocalIPv4Interfaces(false)
}

func filterLocalIPv4Interfaces(requireBroadcast bool) []*net.IPNet {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []*net.IPNet
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if requireBroadcast && iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() || !isPrivateIPv4(ip4) {
				continue
			}
			out = append(out, &net.IPNet{IP: ip4, Mask: ipnet.Mask})
		}
	}
	return out
}

// listenAddr formats the wildcard bind address for the discovery UDP
// listener: 0.0.0.0:<port>.
func listenAddr(port int) string {
	return fmt.Sprintf("%s:%d", net.IPv4zero.String(), port)
}

// broadcastAddr computes an interface's IPv4 broadcast address: ip | ^mask.
func broadcastAddr(ipnet *net.IPNet) net.IP {
	ip4 := ipnet.IP.To4()
	mask := ipnet.Mask
	out := make(net.IP, net.IPv4len)
	for i := range out {
		out[i] = ip4[i] | ^mask[i]
	}
	return out
}
