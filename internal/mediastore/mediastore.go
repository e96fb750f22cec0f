// Package mediastore owns the on-disk files backing each room's media and
// subtitle descriptors. It is adapted from the teacher's blob store: atomic
// temp-file-then-rename writes, one <timestamp>-<sanitized-basename> file
// per upload, grouped under a per-room directory so room destruction is a
// single RemoveAll.
package mediastore

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"couchsync/internal/idgen"
)

// Store is the on-disk root for all rooms' uploaded media and subtitle
// files: <root>/<roomId>/<timestamp>-<sanitized-basename><ext>.
type Store struct {
	root string
	log  *slog.Logger
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Store{root: dir, log: log}, nil
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitizeBasename(name string) string {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	stem = unsafeNameChars.ReplaceAllString(stem, "_")
	if stem == "" {
		stem = idgen.NewID()
	}
	return stem + ext
}

// Save streams src into <root>/<roomId>/<timestamp>-<sanitized-basename>,
// writing to a temp file first and renaming into place so a reader never
// observes a partial file. It returns the path written, joined onto the
// store's root as given (relative if the root is relative).
func (s *Store) Save(roomID, originalName string, src io.Reader) (string, error) {
	dir := filepath.Join(s.root, roomID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create room storage dir: %w", err)
	}

	finalName := fmt.Sprintf("%d-%s", time.Now().UnixMilli(), sanitizeBasename(originalName))
	finalPath := filepath.Join(dir, finalName)

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp upload file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("finalize upload: %w", err)
	}

	s.log.Debug("media file saved", "room_id", roomID, "path", finalPath)
	return finalPath, nil
}

// SaveWithExt behaves like Save but forces the given extension on the final
// name, used for subtitle conversion (.srt source saved as .vtt).
func (s *Store) SaveWithExt(roomID, originalName, ext string, src io.Reader) (string, error) {
	dir := filepath.Join(s.root, roomID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create room storage dir: %w", err)
	}
	base := sanitizeBasename(originalName)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	finalName := fmt.Sprintf("%d-%s%s", time.Now().UnixMilli(), base, ext)
	finalPath := filepath.Join(dir, finalName)

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp upload file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("finalize upload: %w", err)
	}
	return finalPath, nil
}

// RemoveRoomDir best-effort deletes a room's entire upload directory, used
// on room destruction.
func (s *Store) RemoveRoomDir(roomID string) {
	dir := filepath.Join(s.root, roomID)
	if err := os.RemoveAll(dir); err != nil {
		s.log.Warn("failed to remove room storage dir", "room_id", roomID, "err", err)
	}
}
