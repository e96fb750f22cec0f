package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"couchsync/internal/idgen"
	"couchsync/internal/protocol"
)

// Prober actively scans the local private subnets for other couchsync
// instances' /api/discovery endpoint, for networks (VPNs, routed subnets)
// where the UDP broadcast announcer doesn't reach. Results are cached for
// probeCacheTTL; concurrent callers within that window collapse onto a
// single in-flight scan via singleflight rather than each issuing their own
// sweep.
type Prober struct {
	instanceID string
	port       int
	client     *http.Client
	clock      idgen.Clock
	log        *slog.Logger

	group singleflight.Group

	mu              sync.Mutex
	cachedAt        int64
	cached          []protocol.DiscoveryEntry
	successfulHosts map[string]struct{}
}

// NewProber constructs a Prober. port is the HTTP port every couchsync
// instance on the LAN is assumed to serve /api/discovery on.
func NewProber(instanceID string, port int, clock idgen.Clock, log *slog.Logger) *Prober {
	if clock == nil {
		clock = idgen.SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Prober{
		instanceID:      instanceID,
		port:            port,
		client:          &http.Client{Timeout: probeTimeout},
		clock:           clock,
		log:             log.With("component", "discovery.prober"),
		successfulHosts: make(map[string]struct{}),
	}
}

// Cached returns the last scan's results, re-scanning first if the cache
// has expired. A scan's own errors (per-host connection refused/timeout)
// never surface; only the merged result set is returned.
func (p *Prober) Cached() []protocol.DiscoveryEntry {
	p.mu.Lock()
	now := p.clock.NowMs()
	fresh := now-p.cachedAt < probeCacheTTL.Milliseconds() && p.cachedAt != 0
	cached := p.cached
	p.mu.Unlock()
	if fresh {
		return cached
	}

	v, _, _ := p.group.Do("scan", func() (any, error) {
		return p.scan(), nil
	})
	return v.([]protocol.DiscoveryEntry)
}

func (p *Prober) scan() []protocol.DiscoveryEntry {
	hosts := p.candidateHosts()

	sem := semaphore.NewWeighted(probeConcurrency)
	ctx := context.Background()
	results := make(chan []protocol.DiscoveryEntry, len(hosts))
	var wg sync.WaitGroup
	for _, host := range hosts {
		if err := sem.Acquire(ctx, 1); err != nil {
			continue
		}
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			defer sem.Release(1)
			results <- p.probeHost(host)
		}(host)
	}
	wg.Wait()
	close(results)

	var entries []protocol.DiscoveryEntry
	for r := range results {
		entries = append(entries, r...)
	}

	p.mu.Lock()
	p.cached = entries
	p.cachedAt = p.clock.NowMs()
	p.mu.Unlock()
	return entries
}

func (p *Prober) probeHost(host string) []protocol.DiscoveryEntry {
	url := fmt.Sprintf("http://%s:%d/api/discovery", host, p.port)
	resp, err := p.client.Get(url)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var listResp protocol.DiscoveryListResponse
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil
	}
	if listResp.InstanceID == "" || listResp.InstanceID == p.instanceID {
		return nil
	}

	p.mu.Lock()
	p.successfulHosts[host] = struct{}{}
	p.mu.Unlock()

	now := p.clock.NowMs()
	entries := make([]protocol.DiscoveryEntry, 0, len(listResp.Rooms))
	for _, room := range listResp.Rooms {
		entries = append(entries, protocol.DiscoveryEntry{
			InstanceID:   listResp.InstanceID,
			RoomSummary:  room,
			ServerURL:    fmt.Sprintf("http://%s:%d", host, p.port),
			LastSeenAtMs: now,
		})
	}
	return entries
}

// candidateHosts enumerates every host address worth probing: the actual
// subnet for small enough interface prefixes, a /24 around the address
// otherwise, deduplicated and with previously-successful hosts sorted
// first so they get their concurrency slot as early as possible.
func (p *Prober) candidateHosts() []string {
	seen := make(map[string]struct{})
	var hosts []string
	for _, ipnet := range proberIPv4Interfaces() {
		for _, h := range subnetHosts(ipnet) {
			if _, dup := seen[h]; dup {
				continue
			}
			seen[h] = struct{}{}
			hosts = append(hosts, h)
		}
	}

	p.mu.Lock()
	successful := p.successfulHosts
	p.mu.Unlock()
	sort.SliceStable(hosts, func(i, j int) bool {
		_, iok := successful[hosts[i]]
		_, jok := successful[hosts[j]]
		return iok && !jok
	})
	return hosts
}

// subnetHosts returns the host addresses to probe for one local interface:
// the full subnet when its prefix is in [20,30] and small enough, else a
// /24 around the interface's own address.
func subnetHosts(ipnet *net.IPNet) []string {
	ones, bits := ipnet.Mask.Size()
	hostCount := 1 << uint(bits-ones)
	scanNet := ipnet
	if ones < 20 || ones > 30 || hostCount > maxSubnetHosts {
		_, fallback, err := net.ParseCIDR(fmt.Sprintf("%s/24", ipnet.IP.Mask(net.CIDRMask(24, 32))))
		if err != nil {
			return nil
		}
		scanNet = fallback
	}
	return enumerateHosts(scanNet)
}

func enumerateHosts(ipnet *net.IPNet) []string {
	ones, bits := ipnet.Mask.Size()
	count := 1 << uint(bits-ones)
	if count > maxSubnetHosts {
		count = maxSubnetHosts
	}
	network := ipnet.IP.Mask(ipnet.Mask).To4()
	base := uint32(network[0])<<24 | uint32(network[1])<<16 | uint32(network[2])<<8 | uint32(network[3])

	hosts := make([]string, 0, count)
	for i := 1; i < count-1; i++ {
		v := base + uint32(i)
		ip := net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
		hosts = append(hosts, ip.String())
	}
	return hosts
}
