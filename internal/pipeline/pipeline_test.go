package pipeline

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignedSSRC(t *testing.T) {
	assert.Equal(t, int64(12345), signedSSRC(12345))
	assert.Equal(t, int64(2147483647), signedSSRC(2147483647))
	assert.Equal(t, int64(-2147483648), signedSSRC(2147483648))
	assert.Equal(t, int64(-1), signedSSRC(4294967295))
}

func TestParseRTPSsrc(t *testing.T) {
	pkt := make([]byte, 12)
	pkt[0] = 0x80 // version 2
	binary.BigEndian.PutUint32(pkt[8:12], 0xDEADBEEF)

	ssrc, ok := parseRTPSsrc(pkt)
	require.True(t, ok)
	assert.Equal(t, uint32(0xDEADBEEF), ssrc)

	// too short
	_, ok = parseRTPSsrc(pkt[:11])
	assert.False(t, ok)

	// wrong version
	bad := make([]byte, 12)
	bad[0] = 0x40
	binary.BigEndian.PutUint32(bad[8:12], 1)
	_, ok = parseRTPSsrc(bad)
	assert.False(t, ok)

	// zero ssrc rejected
	zero := make([]byte, 12)
	zero[0] = 0x80
	_, ok = parseRTPSsrc(zero)
	assert.False(t, ok)
}

func TestProbeArgs(t *testing.T) {
	args := ProbeArgs(TranscoderConfig{
		RtspURL: "rtsp://cam.local/stream",
		RtpHost: "127.0.0.1",
		RtpPort: 20100,
	})
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-rtsp_transport tcp")
	assert.Contains(t, joined, "-c:v copy")
	assert.Contains(t, joined, "-vframes 30")
	assert.Contains(t, joined, "rtp://127.0.0.1:20100")
	assert.NotContains(t, joined, "-ssrc")
}

func TestTranscodeArgs(t *testing.T) {
	cfg := TranscoderConfig{
		RtspURL:        "rtsp://cam.local/stream",
		RtpHost:        "10.0.0.5",
		RtpPort:        20150,
		SourcePort:     40123,
		SSRC:           3000000000,
		RecordingDir:   "/recordings/abc",
		SegmentSeconds: 6,
	}
	joined := strings.Join(TranscodeArgs(cfg), " ")

	assert.Contains(t, joined, "-tune zerolatency")
	assert.Contains(t, joined, "-profile:v baseline")
	assert.Contains(t, joined, "-ssrc -1294967296")
	assert.Contains(t, joined, "rtp://10.0.0.5:20150?pkt_size=1200&localport=40123")
	assert.Contains(t, joined, "-hls_time 6")
	assert.Contains(t, joined, "append_list+delete_segments")
	assert.Contains(t, joined, "-hls_start_number_source epoch")
	assert.Contains(t, joined, "/recordings/abc/segment-%d.ts")
	assert.Contains(t, joined, "/recordings/abc/playlist.m3u8")
}

func TestClassifyStderr(t *testing.T) {
	assert.Equal(t, "RTSP_CONNECTION_FAILED", classifyStderr([]string{"Connection refused"}))
	assert.Equal(t, "RTSP_TIMEOUT", classifyStderr([]string{"rtsp://x: Connection timed out"}))
	assert.Equal(t, "DISK_FULL", classifyStderr([]string{"av_interleaved_write_frame(): No space left on device"}))
	assert.Equal(t, "TRANSCODER_ERROR", classifyStderr([]string{"something else entirely"}))
	assert.Equal(t, "TRANSCODER_ERROR", classifyStderr(nil))
}

func TestTranscoderConcurrentStopIsQuiet(t *testing.T) {
	tr := NewTranscoder(TranscoderConfig{FFmpegPath: "/bin/sh"})
	tr.args = []string{"-c", "sleep 5"}
	require.NoError(t, tr.Start())

	// Several stops racing the exit watcher: exactly one Wait runs and
	// every Stop returns once the process is gone.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Stop(2 * time.Second)
		}()
	}
	wg.Wait()

	// A deliberate stop reports nothing.
	select {
	case ev := <-tr.Events():
		t.Fatalf("unexpected event after stop: %v", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStderrTailKeepsLastLines(t *testing.T) {
	tail := newStderrTail(3)
	for _, l := range []string{"a", "b", "c", "d", "e"} {
		tail.add(l)
	}
	assert.Equal(t, []string{"c", "d", "e"}, tail.lines())
}

func TestPortBrokerReserveIsStablePerStream(t *testing.T) {
	b := NewPortBroker(21000, 21020)
	id := uuid.New()

	p1, err := b.Reserve(id)
	require.NoError(t, err)
	p2, err := b.Reserve(id)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, 1, b.InUse())

	b.Release(id)
	assert.Equal(t, 0, b.InUse())
	b.Release(id) // idempotent
}

func TestPortBrokerExhaustion(t *testing.T) {
	b := NewPortBroker(21100, 21101)

	_, err := b.Reserve(uuid.New())
	require.NoError(t, err)
	_, err = b.Reserve(uuid.New())
	require.NoError(t, err)

	_, err = b.Reserve(uuid.New())
	assert.ErrorIs(t, err, ErrNoPortsAvailable)
}

func TestPortBrokerDistinctStreamsDistinctPorts(t *testing.T) {
	b := NewPortBroker(21200, 21210)
	seen := map[int]bool{}
	for i := 0; i < 5; i++ {
		port, err := b.Reserve(uuid.New())
		require.NoError(t, err)
		assert.False(t, seen[port])
		seen[port] = true
	}
}

func TestSsrcCapturerReadsFirstValidPacket(t *testing.T) {
	b := NewPortBroker(21300, 21310)
	id := uuid.New()
	port, err := b.Reserve(id)
	require.NoError(t, err)
	defer b.Release(id)

	capturer := NewSsrcCapturer(3 * time.Second)

	done := make(chan *SsrcCapture, 1)
	errCh := make(chan error, 1)
	go func() {
		got, err := capturer.Capture(context.Background(), port)
		if err != nil {
			errCh <- err
			return
		}
		done <- got
	}()

	conn, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	// junk first, then a valid RTP header
	go func() {
		for i := 0; i < 10; i++ {
			conn.Write([]byte("nonsense"))
			pkt := make([]byte, 16)
			pkt[0] = 0x80
			binary.BigEndian.PutUint32(pkt[8:12], 0xCAFEBABE)
			conn.Write(pkt)
			time.Sleep(20 * time.Millisecond)
		}
	}()

	select {
	case got := <-done:
		assert.Equal(t, uint32(0xCAFEBABE), got.SSRC)
		assert.NotNil(t, got.Source)
	case err := <-errCh:
		t.Fatalf("capture failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("capture did not complete")
	}
}

func TestSsrcCapturerTimesOut(t *testing.T) {
	b := NewPortBroker(21400, 21410)
	id := uuid.New()
	port, err := b.Reserve(id)
	require.NoError(t, err)
	defer b.Release(id)

	capturer := NewSsrcCapturer(200 * time.Millisecond)
	_, err = capturer.Capture(context.Background(), port)
	assert.ErrorIs(t, err, ErrSsrcTimeout)
}

func TestSsrcCapturerHonoursCancel(t *testing.T) {
	b := NewPortBroker(21500, 21510)
	id := uuid.New()
	port, err := b.Reserve(id)
	require.NoError(t, err)
	defer b.Release(id)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	capturer := NewSsrcCapturer(10 * time.Second)
	start := time.Now()
	_, err = capturer.Capture(ctx, port)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{"INITIALIZING", "READY", true},
		{"READY", "LIVE", true},
		{"LIVE", "ERROR", true},
		{"ERROR", "INITIALIZING", true},
		{"STOPPED", "INITIALIZING", true},
		{"LIVE", "READY", false},
		{"CLOSED", "INITIALIZING", false},
		{"LIVE", "LIVE", false},
		{"READY", "INITIALIZING", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, canTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestFfmpegSourcePortRange(t *testing.T) {
	for i := 0; i < 50; i++ {
		p := ffmpegSourcePort(uuid.New())
		assert.GreaterOrEqual(t, p, 40000)
		assert.Less(t, p, 50000)
	}
	id := uuid.New()
	assert.Equal(t, ffmpegSourcePort(id), ffmpegSourcePort(id))
}

func TestRegistryCompareAndInsert(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()
	a := &Coordinator{streamID: id}
	b := &Coordinator{streamID: id}

	winner, inserted := r.Insert(id, a)
	require.True(t, inserted)
	assert.Same(t, a, winner)

	winner, inserted = r.Insert(id, b)
	assert.False(t, inserted)
	assert.Same(t, a, winner)

	got, ok := r.Get(id)
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, 1, r.Len())

	r.Remove(id)
	_, ok = r.Get(id)
	assert.False(t, ok)
}

func TestStepErrorUnwrap(t *testing.T) {
	inner := ErrSsrcTimeout
	err := NewStepError("ssrc_capture", "SSRC_CAPTURE_TIMEOUT", "no media observed", inner)
	assert.ErrorIs(t, err, ErrSsrcTimeout)
	assert.Contains(t, err.Error(), "ssrc_capture")
	assert.Contains(t, err.Error(), "SSRC_CAPTURE_TIMEOUT")
}

func TestInvalidTransitionIs(t *testing.T) {
	err := &InvalidTransition{From: "LIVE", To: "READY"}
	assert.ErrorIs(t, err, ErrInvalidState)
}
