// Package ffprobe is the pluggable duration-probe helper spec.md's
// Out-of-scope section calls for: media transcoding/inspection is an
// external collaborator, not core Room Coordinator logic. This package only
// shells out to ffprobe for a file's duration; it does nothing else.
package ffprobe

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const probeTimeout = 5 * time.Second

// Prober invokes an ffprobe binary to read a media file's duration. A zero
// Prober (empty Path) is valid and always returns nil, for deployments
// without ffprobe installed.
type Prober struct {
	Path string
	log  *slog.Logger
}

// New constructs a Prober. path is typically FFPROBE_PATH's value, or
// "ffprobe" to rely on $PATH; an empty path disables probing entirely.
func New(path string, log *slog.Logger) *Prober {
	if log == nil {
		log = slog.Default()
	}
	return &Prober{Path: path, log: log}
}

// Duration runs ffprobe against the file at path and returns its duration
// in seconds, or nil if ffprobe isn't configured, fails, or returns
// unparseable output. Errors are logged at Debug and swallowed: duration is
// always optional metadata, never something a caller should fail on.
func (p *Prober) Duration(path string) *float64 {
	if p == nil || strings.TrimSpace(p.Path) == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.Path,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		p.log.Debug("ffprobe failed", "path", path, "err", err, "stderr", errOut.String())
		return nil
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(out.String()), 64)
	if err != nil || seconds <= 0 {
		return nil
	}
	return &seconds
}
