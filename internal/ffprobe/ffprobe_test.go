package ffprobe

import (
	"os"
	"path/filepath"
	"testing"
)

// fakeProbe writes an executable shell script standing in for ffprobe: it
// ignores its arguments and prints a fixed value to stdout, so these tests
// don't depend on ffprobe actually being installed.
func fakeProbe(t *testing.T, stdout string, exitCode int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffprobe.sh")
	script := "#!/bin/sh\necho " + stdout + "\nexit " + itoa(exitCode) + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake ffprobe: %v", err)
	}
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	return string(rune('0' + n))
}

func TestDurationParsesFFProbeOutput(t *testing.T) {
	p := New(fakeProbe(t, "123.456000", 0), nil)
	d := p.Duration("/some/file.mp4")
	if d == nil || *d != 123.456 {
		t.Fatalf("Duration = %v, want 123.456", d)
	}
}

func TestDurationReturnsNilOnNonZeroExit(t *testing.T) {
	p := New(fakeProbe(t, "123.456000", 1), nil)
	if d := p.Duration("/some/file.mp4"); d != nil {
		t.Fatalf("Duration = %v, want nil on ffprobe failure", *d)
	}
}

func TestDurationReturnsNilWhenUnconfigured(t *testing.T) {
	p := New("", nil)
	if d := p.Duration("/some/file.mp4"); d != nil {
		t.Fatalf("Duration = %v, want nil for empty path", *d)
	}
}

func TestNilProberReturnsNil(t *testing.T) {
	var p *Prober
	if d := p.Duration("/some/file.mp4"); d != nil {
		t.Fatalf("Duration = %v, want nil for nil *Prober", *d)
	}
}
