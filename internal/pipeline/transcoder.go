package pipeline

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// TranscoderEventType enumerates what the stderr parser and process
// waiter report into the stream coordinator's mailbox.
type TranscoderEventType int

const (
	TranscoderConnected TranscoderEventType = iota // RTSP handshake confirmed
	TranscoderDied
)

type TranscoderEvent struct {
	Type       TranscoderEventType
	ExitCode   int
	ErrorCode  string // classification of the fatal stderr line, if any
	LastStderr []string
}

// TranscoderConfig describes one ffmpeg child.
type TranscoderConfig struct {
	FFmpegPath     string
	RtspURL        string
	RtpHost        string
	RtpPort        int
	SourcePort     int    // local port ffmpeg sends RTP from
	SSRC           uint32 // stamped on the RTP output; 0 for the probe
	RecordingDir   string
	SegmentSeconds int
}

// ProbeArgs builds the short-lived capture command: copy-codec, a few
// frames, just enough RTP for the SSRC capturer to sniff a packet.
func ProbeArgs(cfg TranscoderConfig) []string {
	return []string{
		"-loglevel", "warning",
		"-rtsp_transport", "tcp",
		"-timeout", "5000000",
		"-i", cfg.RtspURL,
		"-an",
		"-vframes", "30",
		"-c:v", "copy",
		"-f", "rtp",
		"-payload_type", "96",
		fmt.Sprintf("rtp://%s:%d", cfg.RtpHost, cfg.RtpPort),
	}
}

// TranscodeArgs builds the dual-output command: low-latency RTP to the
// SFU plus segmented HLS recording. Single decode, two encodes.
func TranscodeArgs(cfg TranscoderConfig) []string {
	args := []string{
		"-loglevel", "info",
		"-rtsp_transport", "tcp",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-i", cfg.RtspURL,

		// Output 1: RTP for WebRTC, tuned for latency.
		"-map", "0:v:0",
		"-an",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-level", "3.1",
		"-pix_fmt", "yuv420p",
		"-g", "30",
		"-b:v", "2000k",
		"-maxrate", "2500k",
		"-bufsize", "1000k",
		"-r", "30",
		"-f", "rtp",
		"-payload_type", "96",
	}

	if cfg.SSRC != 0 {
		args = append(args, "-ssrc", fmt.Sprintf("%d", signedSSRC(cfg.SSRC)))
	}

	args = append(args,
		fmt.Sprintf("rtp://%s:%d?pkt_size=1200&localport=%d", cfg.RtpHost, cfg.RtpPort, cfg.SourcePort))

	// Output 2: HLS recording. Epoch-based segment numbering so the
	// filename embeds the segment's start time.
	args = append(args,
		"-map", "0:v:0",
		"-an",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-profile:v", "main",
		"-level", "4.0",
		"-pix_fmt", "yuv420p",
		"-g", "60",
		"-b:v", "3000k",
		"-maxrate", "4000k",
		"-bufsize", "6000k",
		"-r", "30",
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", cfg.SegmentSeconds),
		"-hls_list_size", "14400",
		"-hls_flags", "append_list+delete_segments",
		"-hls_delete_threshold", "14400",
		"-hls_segment_filename", filepath.Join(cfg.RecordingDir, "segment-%d.ts"),
		"-hls_start_number_source", "epoch",
		filepath.Join(cfg.RecordingDir, "playlist.m3u8"),
	)
	return args
}

// signedSSRC converts the unsigned 32-bit SSRC to the signed form
// ffmpeg's -ssrc flag expects.
func signedSSRC(ssrc uint32) int64 {
	v := int64(ssrc)
	if v > 2147483647 {
		v -= 4294967296
	}
	return v
}

// Transcoder supervises one ffmpeg child. Events flow into the owning
// coordinator's mailbox via the Events channel.
type Transcoder struct {
	cfg  TranscoderConfig
	args []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stopped bool

	events   chan TranscoderEvent
	tail     *stderrTail
	waitDone chan struct{} // closed when the single Wait returns
}

func NewTranscoder(cfg TranscoderConfig) *Transcoder {
	return &Transcoder{
		cfg:      cfg,
		args:     TranscodeArgs(cfg),
		events:   make(chan TranscoderEvent, 4),
		tail:     newStderrTail(20),
		waitDone: make(chan struct{}),
	}
}

// NewProbe builds the short-lived capture process instead of the full
// dual-output pipeline.
func NewProbe(cfg TranscoderConfig) *Transcoder {
	t := NewTranscoder(cfg)
	t.args = ProbeArgs(cfg)
	return t
}

func (t *Transcoder) Events() <-chan TranscoderEvent {
	return t.events
}

// Start spawns ffmpeg in its own process group so the whole tree can be
// signalled on stop.
func (t *Transcoder) Start() error {
	cmd := exec.Command(t.cfg.FFmpegPath, t.args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start transcoder: %w", err)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.mu.Unlock()

	go t.scanStderr(stderr)
	go t.wait(cmd)
	return nil
}

func (t *Transcoder) scanStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	connected := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t.tail.add(line)

		// "Input #0" confirms the RTSP handshake; "Stream mapping"
		// confirms ffmpeg chose its outputs.
		if !connected && (strings.HasPrefix(line, "Input #0") || strings.HasPrefix(line, "Stream mapping")) {
			connected = true
			select {
			case t.events <- TranscoderEvent{Type: TranscoderConnected}:
			default:
			}
		}
	}
}

// wait is the only caller of cmd.Wait; everyone else watches waitDone.
func (t *Transcoder) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	close(t.waitDone)

	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return
	}

	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
	}

	lines := t.tail.lines()
	t.events <- TranscoderEvent{
		Type:       TranscoderDied,
		ExitCode:   exitCode,
		ErrorCode:  classifyStderr(lines),
		LastStderr: lines,
	}
}

// Stop signals the process group: SIGTERM, then SIGKILL after grace.
func (t *Transcoder) Stop(grace time.Duration) {
	t.mu.Lock()
	cmd := t.cmd
	t.stopped = true
	t.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid

	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		return
	}

	select {
	case <-t.waitDone:
	case <-time.After(grace):
		log.Printf("[transcoder] pid %d did not exit in %v, sending SIGKILL", pgid, grace)
		unix.Kill(-pgid, unix.SIGKILL)
		<-t.waitDone
	}
}

// classifyStderr maps the fatal tail onto a stable error code.
func classifyStderr(lines []string) string {
	joined := strings.ToLower(strings.Join(lines, "\n"))
	switch {
	case strings.Contains(joined, "connection refused"):
		return "RTSP_CONNECTION_FAILED"
	case strings.Contains(joined, "connection timed out"),
		strings.Contains(joined, "operation timed out"),
		strings.Contains(joined, "timed out"):
		return "RTSP_TIMEOUT"
	case strings.Contains(joined, "401 unauthorized"),
		strings.Contains(joined, "403 forbidden"):
		return "RTSP_CONNECTION_FAILED"
	case strings.Contains(joined, "no space left"):
		return "DISK_FULL"
	case strings.Contains(joined, "does not contain any stream"),
		strings.Contains(joined, "could not find codec"):
		return "TRANSCODER_ERROR"
	default:
		return "TRANSCODER_ERROR"
	}
}

// stderrTail keeps the last N stderr lines for failure reports.
type stderrTail struct {
	mu  sync.Mutex
	max int
	buf []string
}

func newStderrTail(max int) *stderrTail {
	return &stderrTail{max: max}
}

func (s *stderrTail) add(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, line)
	if len(s.buf) > s.max {
		s.buf = s.buf[len(s.buf)-s.max:]
	}
}

func (s *stderrTail) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.buf))
	copy(out, s.buf)
	return out
}
