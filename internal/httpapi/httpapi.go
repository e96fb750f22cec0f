// Package httpapi is the HTTP surface: health/discovery endpoints and the
// host-only media/subtitle upload and byte-range download routes.
package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"couchsync/internal/idgen"
	"couchsync/internal/media"
	"couchsync/internal/mediastore"
	"couchsync/internal/protocol"
	"couchsync/internal/room"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	maxMediaUploadBytes    int64 = 15 * int64(humanize.GiByte)
	maxSubtitleUploadBytes int64 = 5 * int64(humanize.MiByte)
)

// DiscoveryLister is the subset of the discovery service httpapi needs;
// kept as a narrow interface so this package never imports internal/discovery
// directly.
type DiscoveryLister interface {
	List() protocol.DiscoveryListResponse
}

// ProbeDurationFunc is the pluggable ffprobe-style helper: given a saved
// media file path, return its duration in seconds, or nil if unknown/not
// configured. Errors are swallowed — duration is best-effort.
type ProbeDurationFunc func(path string) *float64

// Config bundles Server construction parameters.
type Config struct {
	Registry            *room.Registry
	Store               *mediastore.Store
	Discovery           DiscoveryLister
	InstanceID          string
	DirectStreamMaxBps  int64
	ProbeDuration       ProbeDurationFunc
	Logger              *slog.Logger
}

// Server is the Echo application serving couchsync's REST surface.
type Server struct {
	echo *echo.Echo

	reg                *room.Registry
	store              *mediastore.Store
	discovery          DiscoveryLister
	instanceID         string
	directStreamMaxBps int64
	probeDuration      ProbeDurationFunc
	log                *slog.Logger
}

// New constructs the Echo app and registers every route.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DirectStreamMaxBps == 0 {
		cfg.DirectStreamMaxBps = 900_000
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:               e,
		reg:                cfg.Registry,
		store:              cfg.Store,
		discovery:          cfg.Discovery,
		instanceID:         cfg.InstanceID,
		directStreamMaxBps: cfg.DirectStreamMaxBps,
		probeDuration:      cfg.ProbeDuration,
		log:                cfg.Logger,
	}
	e.HTTPErrorHandler = s.jsonErrorHandler
	e.Use(middleware.Recover())
	e.Use(s.requestLogger())
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance, for tests and for attaching
// the websocket handler's route alongside these.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes() {
	s.echo.GET("/api/health", s.handleHealth)
	s.echo.GET("/api/discovery", s.handleDiscovery)
	s.echo.POST("/api/rooms/:roomId/media", s.handleMediaUpload)
	s.echo.POST("/api/rooms/:roomId/subtitle", s.handleSubtitleUpload)
	s.echo.GET("/api/rooms/:roomId/media/:mediaId", s.handleMediaDownload)
	s.echo.GET("/api/rooms/:roomId/subtitles/:subtitleId", s.handleSubtitleDownload)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.log.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		s.log.Info("http server stopped")
		return nil
	}
}

// jsonErrorHandler gives every error response the same {"error": "..."}
// body instead of Echo's default, which varies between text and JSON.
func (s *Server) jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		c.NoContent(code) //nolint:errcheck
		return
	}
	c.JSON(code, map[string]string{"error": msg}) //nolint:errcheck
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			s.log.Debug("http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote", c.RealIP(),
			)
			return nil
		}
	}
}

type healthResponse struct {
	OK        bool  `json:"ok"`
	RoomCount int   `json:"roomCount"`
	Timestamp int64 `json:"timestamp"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		OK:        true,
		RoomCount: s.reg.Count(),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleDiscovery(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	if s.discovery == nil {
		return c.JSON(http.StatusOK, protocol.DiscoveryListResponse{
			ProtocolVersion: protocol.DiscoveryProtocolVersion,
			InstanceID:      s.instanceID,
			Rooms:           []protocol.RoomSummary{},
		})
	}
	return c.JSON(http.StatusOK, s.discovery.List())
}

func (s *Server) lookupRoom(c echo.Context) (*room.Room, error) {
	roomID := c.Param("roomId")
	r, ok := s.reg.Lookup(roomID)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	return r, nil
}

func requesterConnID(c echo.Context) string {
	return strings.TrimSpace(c.Request().Header.Get("x-socket-id"))
}

type mediaUploadResponse struct {
	Media               media.Descriptor `json:"media"`
	OptimizedForNetwork bool             `json:"optimizedForNetwork"`
	SourceBitrateMbps    float64          `json:"sourceBitrateMbps"`
}

func (s *Server) handleMediaUpload(c echo.Context) error {
	r, err := s.lookupRoom(c)
	if err != nil {
		return err
	}
	connID := requesterConnID(c)
	if !r.IsHost(connID) {
		return echo.NewHTTPError(http.StatusForbidden, "only the host may select media")
	}

	fileHeader, err := c.FormFile("video")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"video\" is required")
	}
	if fileHeader.Size > maxMediaUploadBytes {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("file exceeds %s limit", humanize.Bytes(uint64(maxMediaUploadBytes))))
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("open uploaded file: %v", err))
	}
	defer src.Close()

	hasher := sha256.New()
	path, err := s.store.Save(r.ID(), fileHeader.Filename, io.TeeReader(src, hasher))
	if err != nil {
		s.log.Error("media upload failed", "room_id", r.ID(), "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "store media file")
	}

	mimeType := strings.TrimSpace(fileHeader.Header.Get(echo.HeaderContentType))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	var duration *float64
	if s.probeDuration != nil {
		duration = s.probeDuration(path)
	}

	desc := media.Descriptor{
		ID:        idgen.NewID(),
		Name:      fileHeader.Filename,
		SizeBytes: fileHeader.Size,
		MimeType:  mimeType,
		Duration:  duration,
		SHA256:    hex.EncodeToString(hasher.Sum(nil)),
	}
	r.SelectMedia(connID, desc, path)

	bitrateMbps := 0.0
	if duration != nil && *duration > 0 {
		bitrateMbps = (float64(desc.SizeBytes) * 8) / (*duration * 1_000_000)
	}
	optimized := bitrateMbps*1_000_000 <= float64(s.directStreamMaxBps)

	s.log.Info("media uploaded", "room_id", r.ID(), "size", humanize.Bytes(uint64(desc.SizeBytes)), "bitrate_mbps", bitrateMbps)
	return c.JSON(http.StatusOK, mediaUploadResponse{
		Media:               desc,
		OptimizedForNetwork: optimized,
		SourceBitrateMbps:    bitrateMbps,
	})
}

func (s *Server) handleSubtitleUpload(c echo.Context) error {
	r, err := s.lookupRoom(c)
	if err != nil {
		return err
	}
	connID := requesterConnID(c)
	if !r.IsHost(connID) {
		return echo.NewHTTPError(http.StatusForbidden, "only the host may upload subtitles")
	}

	fileHeader, err := c.FormFile("subtitle")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"subtitle\" is required")
	}
	if fileHeader.Size > maxSubtitleUploadBytes {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("file exceeds %s limit", humanize.Bytes(uint64(maxSubtitleUploadBytes))))
	}

	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	var format media.SubtitleFormat
	switch ext {
	case ".srt", ".vtt":
		format = media.SubtitleVTT
	case ".ass", ".ssa":
		format = media.SubtitleASS
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported subtitle format")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("open uploaded file: %v", err))
	}
	defer src.Close()

	var path string
	if ext == ".srt" {
		converted, convErr := srtToVTT(src)
		if convErr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("convert srt to vtt: %v", convErr))
		}
		path, err = s.store.SaveWithExt(r.ID(), fileHeader.Filename, ".vtt", converted)
	} else {
		path, err = s.store.Save(r.ID(), fileHeader.Filename, src)
	}
	if err != nil {
		s.log.Error("subtitle upload failed", "room_id", r.ID(), "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "store subtitle file")
	}

	desc := media.SubtitleDescriptor{
		ID:         idgen.NewID(),
		Name:       fileHeader.Filename,
		Format:     format,
		UploadedAt: time.Now().UnixMilli(),
	}
	r.SelectSubtitle(connID, desc, path)

	return c.JSON(http.StatusOK, desc)
}

func (s *Server) handleMediaDownload(c echo.Context) error {
	r, err := s.lookupRoom(c)
	if err != nil {
		return err
	}
	desc, path := r.MediaFile()
	if desc == nil || desc.ID != c.Param("mediaId") || path == "" {
		return echo.NewHTTPError(http.StatusNotFound, "media not found")
	}

	f, err := os.Open(path)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "media file missing")
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "stat media file")
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderAcceptRanges, "bytes")
	resp.Header().Set(echo.HeaderCacheControl, "no-store")
	resp.Header().Set(echo.HeaderContentType, desc.MimeType)
	http.ServeContent(resp, c.Request(), desc.Name, info.ModTime(), f)
	return nil
}

func (s *Server) handleSubtitleDownload(c echo.Context) error {
	r, err := s.lookupRoom(c)
	if err != nil {
		return err
	}
	desc, path := r.SubtitleFile()
	if desc == nil || desc.ID != c.Param("subtitleId") || path == "" {
		return echo.NewHTTPError(http.StatusNotFound, "subtitle not found")
	}

	f, err := os.Open(path)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "subtitle file missing")
	}
	defer f.Close()

	contentType := "text/vtt; charset=utf-8"
	if desc.Format == media.SubtitleASS {
		contentType = "text/x-ssa; charset=utf-8"
	}
	c.Response().Header().Set(echo.HeaderContentType, contentType)
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	c.Response().WriteHeader(http.StatusOK)
	_, copyErr := io.Copy(c.Response().Writer, f)
	return copyErr
}
