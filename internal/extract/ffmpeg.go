package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/technosupport/ts-mediagw/internal/recording"
)

// runner shells out to ffmpeg with a deadline. Stderr is captured for
// failure classification.
type runner struct {
	ffmpegPath string
}

func (r runner) run(ctx context.Context, deadline time.Duration, args []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	tail := tailString(stderr.String(), 2048)
	if ctx.Err() == context.DeadlineExceeded {
		return tail, context.DeadlineExceeded
	}
	if err != nil {
		return tail, fmt.Errorf("ffmpeg: %w", err)
	}
	return tail, nil
}

// snapshotFromLive grabs one frame straight off the RTSP source.
func (r runner) snapshotFromLive(ctx context.Context, deadline time.Duration, rtspURL, outPath string) (string, error) {
	return r.run(ctx, deadline, []string{
		"-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-i", rtspURL,
		"-vframes", "1",
		"-q:v", "2",
		"-y", outPath,
	})
}

// snapshotFromSegment grabs a frame at offset into a recorded segment.
func (r runner) snapshotFromSegment(ctx context.Context, deadline time.Duration, segPath string, offset time.Duration, outPath string) (string, error) {
	return r.run(ctx, deadline, []string{
		"-loglevel", "error",
		"-ss", formatOffset(offset),
		"-i", segPath,
		"-vframes", "1",
		"-q:v", "2",
		"-y", outPath,
	})
}

// clipFromSegments concatenates the covering segments and cuts the
// exact window out of them. Re-encoding keeps the cut frame-accurate;
// a stream copy would snap to keyframes.
func (r runner) clipFromSegments(ctx context.Context, deadline time.Duration, segments []recording.Segment, from, to time.Time, outPath string) (string, error) {
	listPath, err := writeConcatList(segments, outPath)
	if err != nil {
		return "", err
	}
	defer os.Remove(listPath)

	offset := from.Sub(segments[0].Start)
	if offset < 0 {
		offset = 0
	}
	duration := to.Sub(from)

	return r.run(ctx, deadline, []string{
		"-loglevel", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-ss", formatOffset(offset),
		"-t", formatOffset(duration),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-an",
		"-movflags", "+faststart",
		"-y", outPath,
	})
}

// thumbnail extracts the middle frame of a finished clip.
func (r runner) thumbnail(ctx context.Context, deadline time.Duration, videoPath string, clipDuration time.Duration, outPath string) (string, error) {
	return r.run(ctx, deadline, []string{
		"-loglevel", "error",
		"-ss", formatOffset(clipDuration / 2),
		"-i", videoPath,
		"-vframes", "1",
		"-q:v", "3",
		"-y", outPath,
	})
}

func writeConcatList(segments []recording.Segment, near string) (string, error) {
	var b strings.Builder
	for _, s := range segments {
		// concat demuxer syntax; segment paths come from our own index
		fmt.Fprintf(&b, "file '%s'\n", s.Path)
	}

	f, err := os.CreateTemp(filepath.Dir(near), "concat-*.txt")
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func formatOffset(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}

func tailString(s string, max int) string {
	if len(s) <= max {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[len(s)-max:])
}
