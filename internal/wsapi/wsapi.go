// Package wsapi owns the socket transport: one goroutine per connection
// reads JSON frames and turns them into couchsync/internal/room command
// calls, and a second goroutine drains a per-connection outbound channel.
// Handler also implements room.Publisher, the only way Room code reaches a
// connection — it never holds a *websocket.Conn itself.
package wsapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"couchsync/internal/idgen"
	"couchsync/internal/playback"
	"couchsync/internal/protocol"
	"couchsync/internal/room"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeTimeout = 5 * time.Second
	sendBuffer   = 64
	readLimit    = 1 << 20
)

// clientConn is one upgraded socket: a connection id, the room it has
// joined, and the outbound queue its writer goroutine drains.
type clientConn struct {
	connID string
	roomID string
	send   chan protocol.Frame
}

// Handler upgrades HTTP requests to websockets and dispatches frames into
// the room registry. The registry is wired in after construction (New,
// then SetRegistry) so Handler can be handed to the registry as its
// Publisher before the registry itself exists.
type Handler struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	registry *room.Registry

	mu    sync.Mutex
	conns map[string]*clientConn
}

// New constructs a Handler with no registry attached yet.
func New(log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:   log,
		conns: make(map[string]*clientConn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// SetRegistry attaches the room registry this handler dispatches into.
func (h *Handler) SetRegistry(reg *room.Registry) { h.registry = reg }

// Register binds the websocket route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, remoteAddr)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, remoteAddr string) {
	defer conn.Close()
	conn.SetReadLimit(readLimit)

	var hello protocol.Frame
	if err := conn.ReadJSON(&hello); err != nil {
		h.log.Debug("ws read hello failed", "remote", remoteAddr, "err", err)
		return
	}
	if hello.Type != protocol.TypeRoomJoin {
		h.log.Debug("ws bad first message", "remote", remoteAddr, "type", hello.Type)
		h.writeDirect(conn, frameOf(protocol.TypeRoomJoin, protocol.JoinResponse{OK: false, Error: "first message must be room:join"}))
		return
	}

	var req protocol.JoinRequest
	if err := unmarshalPayload(hello, &req); err != nil {
		h.writeDirect(conn, frameOf(protocol.TypeRoomJoin, protocol.JoinResponse{OK: false, Error: "malformed room:join payload"}))
		return
	}

	r, _ := h.registry.GetOrCreate(req.RoomID, req.RoomName, req.Password)
	connID := idgen.NewID()

	snap, err := r.Join(connID, req.Nickname, req.Password)
	if err != nil {
		h.log.Debug("ws join rejected", "remote", remoteAddr, "room_id", r.ID(), "err", err)
		h.writeDirect(conn, frameOf(protocol.TypeRoomJoin, protocol.JoinResponse{OK: false, Error: err.Error()}))
		return
	}

	cc := &clientConn{connID: connID, roomID: r.ID(), send: make(chan protocol.Frame, sendBuffer)}
	h.mu.Lock()
	h.conns[connID] = cc
	h.mu.Unlock()

	h.log.Info("ws connected", "conn_id", connID, "room_id", r.ID(), "remote", remoteAddr)

	defer func() {
		h.mu.Lock()
		delete(h.conns, connID)
		h.mu.Unlock()
		if room, ok := h.registry.Lookup(cc.roomID); ok {
			room.Disconnect(connID)
		}
		h.log.Info("ws disconnected", "conn_id", connID, "room_id", cc.roomID, "remote", remoteAddr)
	}()

	go h.writePump(conn, cc)

	h.sendTo(cc, frameOf(protocol.TypeRoomJoin, protocol.JoinResponse{OK: true, Snapshot: &snap}))

	for {
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("ws unexpected close", "conn_id", connID, "err", err)
			}
			return
		}
		h.handleInbound(cc, frame)
	}
}

func (h *Handler) writePump(conn *websocket.Conn, cc *clientConn) {
	for frame := range cc.send {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(frame); err != nil {
			h.log.Debug("ws write error", "conn_id", cc.connID, "type", frame.Type, "err", err)
			return
		}
	}
}

func (h *Handler) handleInbound(cc *clientConn, frame protocol.Frame) {
	r, ok := h.registry.Lookup(cc.roomID)
	if !ok {
		return
	}

	switch frame.Type {
	case protocol.TypeRoomLeave:
		ok := r.Leave(cc.connID)
		h.sendTo(cc, frameOf(protocol.TypeRoomLeave, protocol.LeaveResponse{OK: ok}))

	case protocol.TypeRoomSelectMedia:
		var req protocol.SelectMediaRequest
		if unmarshalPayload(frame, &req) != nil {
			return
		}
		r.SelectMedia(cc.connID, req.Media, "")

	case protocol.TypePlaybackControl:
		var req protocol.PlaybackControlRequest
		if unmarshalPayload(frame, &req) != nil {
			return
		}
		position, paused, rate := req.Position, req.Paused, req.Rate
		r.PlaybackControl(cc.connID, playback.Patch{Position: &position, Paused: &paused, Rate: &rate}, req.Reason)

	case protocol.TypeClientBuffering:
		var req protocol.BufferingReport
		if unmarshalPayload(frame, &req) != nil {
			return
		}
		r.ReportBuffering(cc.connID, req.Buffering, req.BufferAheadSeconds, req.ReadyState, req.CanPlayThrough)

	case protocol.TypePlaybackRequestState:
		r.RequestPlayback(cc.connID)

	case protocol.TypeRoomRequestSnapshot:
		r.RequestSnapshot(cc.connID)

	case protocol.TypeRoomConfig:
		var req protocol.ConfigRequest
		if unmarshalPayload(frame, &req) != nil {
			return
		}
		r.SetSyncMode(cc.connID, req.SyncMode)

	default:
		h.log.Debug("ws unknown frame type", "conn_id", cc.connID, "type", frame.Type)
	}
}

// Publish implements room.Publisher: it fans a frame out to every target
// connection's send queue, dropping (and logging) on a full buffer rather
// than blocking the room's command queue.
func (h *Handler) Publish(roomID string, targets []string, frame protocol.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, connID := range targets {
		cc, ok := h.conns[connID]
		if !ok || cc.roomID != roomID {
			continue
		}
		select {
		case cc.send <- frame:
		default:
			h.log.Warn("ws send buffer full, dropping frame", "conn_id", connID, "type", frame.Type)
		}
	}
}

func (h *Handler) sendTo(cc *clientConn, frame protocol.Frame) {
	select {
	case cc.send <- frame:
	default:
		h.log.Warn("ws send buffer full, dropping frame", "conn_id", cc.connID, "type", frame.Type)
	}
}

func (h *Handler) writeDirect(conn *websocket.Conn, frame protocol.Frame) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(frame)
}

func frameOf(frameType string, payload any) protocol.Frame {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("wsapi: marshal %s payload: %v", frameType, err))
	}
	return protocol.Frame{Type: frameType, Payload: raw}
}

func unmarshalPayload(frame protocol.Frame, dst any) error {
	return json.Unmarshal(frame.Payload, dst)
}
