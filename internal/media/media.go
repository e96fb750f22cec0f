// Package media is the Media Registry: it holds at most one media
// descriptor and one subtitle descriptor per room, owns the on-disk file
// each points at, and implements the fingerprint-compare predicate used to
// decide whether a member's local file matches the host's.
package media

import (
	"math"
	"os"
	"sync"
)

// MatchState describes how a member's selected file compares to the room's
// current media.
type MatchState string

const (
	MatchMissing  MatchState = "missing"
	MatchMatched  MatchState = "matched"
	MatchMismatch MatchState = "mismatch"
)

// SubtitleFormat is the on-wire subtitle format.
type SubtitleFormat string

const (
	SubtitleVTT SubtitleFormat = "vtt"
	SubtitleASS SubtitleFormat = "ass"
)

// Descriptor identifies a piece of media by content fingerprint. Duration is
// a pointer because it is sometimes unknown (probe failed, still
// transcoding).
type Descriptor struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	SizeBytes  int64    `json:"size"`
	MimeType   string   `json:"mimeType"`
	Duration   *float64 `json:"duration"`
	SHA256     string   `json:"sha256"`
	SelectedAt int64    `json:"selectedAt"`
}

// SubtitleDescriptor identifies an uploaded subtitle track.
type SubtitleDescriptor struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Format     SubtitleFormat `json:"format"`
	Language   *string        `json:"language"`
	UploadedAt int64          `json:"uploadedAt"`
}

// durationToleranceSeconds is the slack allowed between a client-reported
// duration and the room's duration before they're considered a mismatch.
const durationToleranceSeconds = 0.25

// Match compares a candidate descriptor submitted by a member against the
// room's current media descriptor. A nil room descriptor (no media selected
// yet) always yields MatchMissing.
func Match(candidate, room *Descriptor) MatchState {
	if room == nil {
		return MatchMissing
	}
	if candidate == nil {
		return MatchMissing
	}
	if candidate.SHA256 != room.SHA256 || candidate.SizeBytes != room.SizeBytes {
		return MatchMismatch
	}
	if !durationsAgree(candidate.Duration, room.Duration) {
		return MatchMismatch
	}
	return MatchMatched
}

func durationsAgree(a, b *float64) bool {
	if a == nil || b == nil {
		// Unknown duration on either side can't be compared; treat as
		// agreeing since sha256+size already matched.
		return true
	}
	return math.Abs(*a-*b) <= durationToleranceSeconds
}

// entry bundles a descriptor with the on-disk path that backs it, so the
// registry can release the file when the descriptor is replaced.
type entry struct {
	descriptor *Descriptor
	filePath   string
}

type subtitleEntry struct {
	descriptor *SubtitleDescriptor
	filePath   string
}

// Registry holds the single media slot and single subtitle slot for one
// room. It is guarded by its own mutex so it can be read from the HTTP
// byte-server without routing through the room's command queue.
type Registry struct {
	mu       sync.RWMutex
	media    entry
	subtitle subtitleEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Media returns the current media descriptor and its file path. The
// descriptor is nil if no media has been selected.
func (r *Registry) Media() (*Descriptor, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.media.descriptor, r.media.filePath
}

// Subtitle returns the current subtitle descriptor and its file path.
func (r *Registry) Subtitle() (*SubtitleDescriptor, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subtitle.descriptor, r.subtitle.filePath
}

// ReplaceMedia atomically swaps in a new descriptor and file path, releasing
// the previous file best-effort (a failed delete is not an error: the
// caller has already moved on to the new file).
func (r *Registry) ReplaceMedia(desc Descriptor, filePath string) {
	r.mu.Lock()
	prev := r.media
	r.media = entry{descriptor: &desc, filePath: filePath}
	r.mu.Unlock()
	releaseFile(prev.filePath)
}

// ReplaceSubtitle atomically swaps in a new subtitle descriptor and file,
// releasing the previous subtitle file best-effort.
func (r *Registry) ReplaceSubtitle(desc SubtitleDescriptor, filePath string) {
	r.mu.Lock()
	prev := r.subtitle
	r.subtitle = subtitleEntry{descriptor: &desc, filePath: filePath}
	r.mu.Unlock()
	releaseFile(prev.filePath)
}

// Clear releases both the media and subtitle files, used on room
// destruction.
func (r *Registry) Clear() {
	r.mu.Lock()
	prevMedia := r.media
	prevSub := r.subtitle
	r.media = entry{}
	r.subtitle = subtitleEntry{}
	r.mu.Unlock()
	releaseFile(prevMedia.filePath)
	releaseFile(prevSub.filePath)
}

func releaseFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
