package httpapi

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// srtTimestamp matches "00:01:02,345" style SRT timestamps; VTT uses a
// period instead of a comma before the milliseconds.
var srtTimestamp = regexp.MustCompile(`(\d{2}:\d{2}:\d{2}),(\d{3})`)

// srtToVTT is the trivial SRT->VTT helper spec.md's Out-of-scope section
// calls for: prepend the WEBVTT header and swap the comma/period in
// timestamp lines. It does not attempt styling-tag translation.
func srtToVTT(src io.Reader) (io.Reader, error) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var out strings.Builder
	out.WriteString("WEBVTT\n\n")
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "-->") {
			line = srtTimestamp.ReplaceAllString(line, "$1.$2")
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan srt input: %w", err)
	}
	return strings.NewReader(out.String()), nil
}
