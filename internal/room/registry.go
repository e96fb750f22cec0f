package room

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"couchsync/internal/idgen"
)

const (
	roomIDMaxLen       = 8
	registryIDAttempts = 10
	idleSweepInterval  = 60 * time.Second
)

var nonAlnum = regexp.MustCompile(`[^A-Z0-9]`)

// NormalizeRoomID uppercases id, strips non-alphanumerics, and clamps to 8
// characters. Idempotent: NormalizeRoomID(NormalizeRoomID(x)) == NormalizeRoomID(x).
func NormalizeRoomID(id string) string {
	upper := strings.ToUpper(id)
	stripped := nonAlnum.ReplaceAllString(upper, "")
	if len(stripped) > roomIDMaxLen {
		stripped = stripped[:roomIDMaxLen]
	}
	return stripped
}

// Registry maps room-id -> Room, handling creation, idle eviction, and
// normalization of room ids, including the random fallback code for empty
// input. It holds its lock only for map bookkeeping, never across a Room
// command.
type Registry struct {
	mu              sync.Mutex
	rooms           map[string]*Room
	maxMembers      int
	idleTTL         time.Duration
	clock           idgen.Clock
	publisher       Publisher
	log             *slog.Logger
	onRoomDestroyed func(roomID string)

	ctx context.Context
}

// RegistryConfig bundles Registry construction parameters.
type RegistryConfig struct {
	MaxMembers      int
	IdleTTL         time.Duration
	Clock           idgen.Clock
	Publisher       Publisher
	Logger          *slog.Logger
	OnRoomDestroyed func(roomID string)
}

// NewRegistry constructs an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = idgen.SystemClock{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = NopPublisher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnRoomDestroyed == nil {
		cfg.OnRoomDestroyed = func(string) {}
	}
	return &Registry{
		rooms:           make(map[string]*Room),
		maxMembers:      cfg.MaxMembers,
		idleTTL:         cfg.IdleTTL,
		clock:           cfg.Clock,
		publisher:       cfg.Publisher,
		log:             cfg.Logger,
		onRoomDestroyed: cfg.OnRoomDestroyed,
	}
}

// Start launches the idle-cleanup ticker. ctx also becomes the parent
// context for every room created afterward.
func (reg *Registry) Start(ctx context.Context) {
	reg.ctx = ctx
	go reg.idleSweepLoop(ctx)
}

func (reg *Registry) idleSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.sweepIdle()
		}
	}
}

func (reg *Registry) sweepIdle() {
	now := reg.clock.NowMs()
	var toDestroy []*Room
	reg.mu.Lock()
	for id, r := range reg.rooms {
		stats := r.ReadStats()
		if stats.MemberCount == 0 && now-stats.LastActiveAtMs > reg.idleTTL.Milliseconds() {
			toDestroy = append(toDestroy, r)
			delete(reg.rooms, id)
		}
	}
	reg.mu.Unlock()
	for _, r := range toDestroy {
		reg.log.Info("evicting idle room", "room_id", r.ID())
		r.Stop()
		r.Destroy()
		reg.onRoomDestroyed(r.ID())
	}
}

// GetOrCreate returns the room for the normalized id, creating it (with an
// armed idle playback state) if absent. rawID may be empty, in which case
// a fresh random code is generated and checked for collisions.
func (reg *Registry) GetOrCreate(rawID, name, password string) (*Room, bool) {
	id := NormalizeRoomID(rawID)

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if id == "" {
		id = reg.freshRoomCodeLocked()
	}
	if r, ok := reg.rooms[id]; ok {
		return r, false
	}

	r := New(Config{
		ID:         id,
		Name:       name,
		Password:   password,
		MaxMembers: reg.maxMembers,
		Clock:      reg.clock,
		Publisher:  reg.publisher,
		Logger:     reg.log,
	})
	reg.rooms[id] = r
	ctx := reg.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	r.Start(ctx)
	return r, true
}

// freshRoomCodeLocked must be called with reg.mu held.
func (reg *Registry) freshRoomCodeLocked() string {
	for i := 0; i < registryIDAttempts; i++ {
		code := idgen.NewRoomCode()
		if _, exists := reg.rooms[code]; !exists {
			return code
		}
	}
	// Astronomically unlikely with a 32^6 keyspace; fall back to one more
	// code, unchecked, rather than loop forever.
	return idgen.NewRoomCode()
}

// Lookup returns the room for id, if any (normalizing id first).
func (reg *Registry) Lookup(rawID string) (*Room, bool) {
	id := NormalizeRoomID(rawID)
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[id]
	return r, ok
}

// Count returns the number of live rooms, for /api/health.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// Rooms returns a snapshot of the currently live rooms, for the discovery
// announcer and the /api/discovery handler to summarize.
func (reg *Registry) Rooms() []*Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}
