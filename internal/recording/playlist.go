package recording

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var ErrNoRecording = errors.New("no recording data for window")

// Segment is one HLS media segment on disk. Start comes from the
// epoch embedded in the filename, Duration from the playlist EXTINF.
type Segment struct {
	Name     string
	Path     string
	Start    time.Time
	Duration time.Duration
}

func (s Segment) End() time.Time {
	return s.Start.Add(s.Duration)
}

// Covers reports whether t falls inside the segment.
func (s Segment) Covers(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End())
}

// segmentEpoch extracts the epoch seconds from a segment-<epoch>.ts
// filename.
func segmentEpoch(name string) (int64, bool) {
	if !strings.HasPrefix(name, "segment-") || !strings.HasSuffix(name, ".ts") {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, "segment-"), ".ts")
	epoch, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || epoch <= 0 {
		return 0, false
	}
	return epoch, true
}

// ParsePlaylist reads an m3u8 playlist produced by the transcoder and
// returns its segments in order. Segments named outside the
// segment-<epoch>.ts convention are skipped.
func ParsePlaylist(path string) ([]Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dir := filepath.Dir(path)
	var out []Segment
	var pending time.Duration

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			raw := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.IndexByte(raw, ','); i >= 0 {
				raw = raw[:i]
			}
			secs, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("parse EXTINF %q: %w", line, err)
			}
			pending = time.Duration(secs * float64(time.Second))

		case line == "" || strings.HasPrefix(line, "#"):
			// tags we don't care about

		default:
			epoch, ok := segmentEpoch(line)
			if !ok {
				pending = 0
				continue
			}
			out = append(out, Segment{
				Name:     line,
				Path:     filepath.Join(dir, line),
				Start:    time.Unix(epoch, 0).UTC(),
				Duration: pending,
			})
			pending = 0
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
