package media

import (
	"os"
	"path/filepath"
	"testing"
)

func dur(v float64) *float64 { return &v }

func TestMatchNoRoomMedia(t *testing.T) {
	candidate := &Descriptor{SHA256: "aa", SizeBytes: 10, Duration: dur(60)}
	if got := Match(candidate, nil); got != MatchMissing {
		t.Fatalf("Match = %q, want missing", got)
	}
}

func TestMatchExactAndMismatch(t *testing.T) {
	room := &Descriptor{SHA256: "aa", SizeBytes: 10, Duration: dur(60)}

	matching := &Descriptor{SHA256: "aa", SizeBytes: 10, Duration: dur(60.2)}
	if got := Match(matching, room); got != MatchMatched {
		t.Fatalf("Match = %q, want matched", got)
	}

	wrongHash := &Descriptor{SHA256: "bb", SizeBytes: 10, Duration: dur(60)}
	if got := Match(wrongHash, room); got != MatchMismatch {
		t.Fatalf("Match = %q, want mismatch", got)
	}

	wrongDuration := &Descriptor{SHA256: "aa", SizeBytes: 10, Duration: dur(61)}
	if got := Match(wrongDuration, room); got != MatchMismatch {
		t.Fatalf("Match = %q, want mismatch for duration drift > 0.25s", got)
	}
}

func TestReplaceMediaReleasesPreviousFile(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.mp4")
	if err := os.WriteFile(oldPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write old file: %v", err)
	}

	reg := NewRegistry()
	reg.ReplaceMedia(Descriptor{ID: "1", SHA256: "aa"}, oldPath)
	reg.ReplaceMedia(Descriptor{ID: "2", SHA256: "bb"}, filepath.Join(dir, "new.mp4"))

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Fatalf("expected old file to be removed, stat err = %v", err)
	}

	desc, path := reg.Media()
	if desc.ID != "2" || path != filepath.Join(dir, "new.mp4") {
		t.Fatalf("Media() = %+v, %q, want id 2", desc, path)
	}
}
