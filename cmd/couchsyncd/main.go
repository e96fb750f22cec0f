// Command couchsyncd runs the couchsync Room Coordinator and LAN Discovery
// server: an Echo-based HTTP API, a gorilla/websocket control-plane
// transport, and a UDP broadcast/HTTP-probe discovery service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"couchsync/internal/discovery"
	"couchsync/internal/ffprobe"
	"couchsync/internal/httpapi"
	"couchsync/internal/idgen"
	"couchsync/internal/mediastore"
	"couchsync/internal/protocol"
	"couchsync/internal/room"
	"couchsync/internal/wsapi"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	port := flag.Int("port", envOrInt("PORT", 4000), "HTTP/WebSocket listen port")
	idleTTLMinutes := flag.Int("idle-ttl-minutes", envOrInt("ROOM_IDLE_TTL_MINUTES", 120), "minutes an empty room survives before eviction")
	storageDir := flag.String("storage-dir", envOrString("WATCH_TOGETHER_STORAGE_DIR", ".watchtogether/uploads"), "root directory for uploaded media/subtitle files")
	discoveryPort := flag.Int("discovery-port", envOrInt("WATCH_TOGETHER_DISCOVERY_PORT", discovery.DefaultPort), "UDP port for LAN discovery broadcast/listen")
	disableCompatProxy := flag.Bool("disable-compat-proxy", envOrBool("WATCH_TOGETHER_DISABLE_COMPAT_PROXY", false), "disable the legacy-client compatibility proxy surface (reserved; no current behavior gated on it)")
	directStreamMaxBps := flag.Int64("direct-stream-max-bps", envOrInt64("WATCH_TOGETHER_DIRECT_STREAM_MAX_BPS", 900_000), "bitrate ceiling below which an upload is reported optimizedForNetwork")
	maxMembers := flag.Int("max-members", envOrInt("ROOM_MAX_MEMBERS", 6), "maximum members per room")
	ffprobePath := flag.String("ffprobe-path", envOrString("FFPROBE_PATH", ""), "path to the ffprobe binary, empty to disable duration probing")
	ffmpegPath := flag.String("ffmpeg-path", envOrString("FFMPEG_PATH", ""), "path to the ffmpeg binary (reserved for future transcoding helper, unused by the core)")
	flag.Parse()

	if *ffmpegPath != "" {
		log.Debug("ffmpeg path configured but unused by the core (transcoding is an external collaborator)", "path", *ffmpegPath)
	}
	if *disableCompatProxy {
		log.Debug("compat-proxy toggle set (no legacy-client surface exists in this server to gate)")
	}

	if err := run(log, config{
		port:               *port,
		idleTTL:            time.Duration(*idleTTLMinutes) * time.Minute,
		storageDir:         *storageDir,
		discoveryPort:      *discoveryPort,
		directStreamMaxBps: *directStreamMaxBps,
		maxMembers:         *maxMembers,
		ffprobePath:        *ffprobePath,
	}); err != nil {
		log.Error("couchsyncd exited with error", "err", err)
		os.Exit(1)
	}
}

type config struct {
	port               int
	idleTTL            time.Duration
	storageDir         string
	discoveryPort      int
	directStreamMaxBps int64
	maxMembers         int
	ffprobePath        string
}

func run(log *slog.Logger, cfg config) error {
	instanceID := idgen.NewID()
	clock := idgen.SystemClock{}

	store, err := mediastore.New(cfg.storageDir, log)
	if err != nil {
		return fmt.Errorf("init media store: %w", err)
	}

	wsHandler := wsapi.New(log)
	reg := room.NewRegistry(room.RegistryConfig{
		MaxMembers: cfg.maxMembers,
		IdleTTL:    cfg.idleTTL,
		Clock:      clock,
		Publisher:  wsHandler,
		Logger:     log,
		// Idle eviction also removes the room's upload directory.
		OnRoomDestroyed: store.RemoveRoomDir,
	})
	wsHandler.SetRegistry(reg)

	listener := discovery.NewListener(instanceID, cfg.discoveryPort, clock, log)
	prober := discovery.NewProber(instanceID, cfg.port, clock, log)
	discoverySvc := discovery.NewService(instanceID, listener, prober)
	announcer := discovery.NewAnnouncer(instanceID, cfg.port, cfg.discoveryPort, func() []protocol.RoomSummary {
		rooms := reg.Rooms()
		summaries := make([]protocol.RoomSummary, 0, len(rooms))
		for _, r := range rooms {
			summaries = append(summaries, r.DiscoverySummary())
		}
		return summaries
	}, clock, log)

	durationProber := ffprobe.New(cfg.ffprobePath, log)

	httpSrv := httpapi.New(httpapi.Config{
		Registry:           reg,
		Store:              store,
		Discovery:          discoverySvc,
		InstanceID:         instanceID,
		DirectStreamMaxBps: cfg.directStreamMaxBps,
		ProbeDuration:      durationProber.Duration,
		Logger:             log,
	})
	wsHandler.Register(httpSrv.Echo())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	reg.Start(ctx)
	listener.Start(ctx)
	announcer.Start(ctx)

	addr := net.JoinHostPort("", strconv.Itoa(cfg.port))
	log.Info("couchsyncd starting",
		"addr", addr,
		"discovery_port", cfg.discoveryPort,
		"instance_id", instanceID,
		"storage_dir", cfg.storageDir,
	)
	return httpSrv.Run(ctx, addr)
}

func envOrString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrInt64(key string, def int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envOrBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	return v == "1" || v == "true"
}
