package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-mediagw/internal/data"
	"github.com/technosupport/ts-mediagw/internal/sfu"
)

// Settings carries the pipeline knobs a coordinator needs. Copied out
// of the config at construction so the package has no config import.
type Settings struct {
	RTPHost        string
	FFmpegPath     string
	SSRCTimeout    time.Duration
	StartDeadline  time.Duration
	MaxRestarts    int
	RecordingRoot  string
	SegmentSeconds int
	StopGrace      time.Duration

	// ReadyWindow bounds how long a READY stream may wait for the
	// router's producer counters to move before the start is failed.
	ReadyWindow time.Duration
}

// Deps are the collaborators shared by all coordinators.
type Deps struct {
	Streams   data.StreamModel
	Producers data.ProducerModel
	Consumers data.ConsumerModel
	SFU       *sfu.Client
	Ports     *PortBroker
	Capture   *SsrcCapturer
	Events    EventSink
	Metrics   Recorder
}

func (d *Deps) fill() {
	if d.Events == nil {
		d.Events = nopSink{}
	}
	if d.Metrics == nil {
		d.Metrics = nopRecorder{}
	}
}

// retryBackoff is indexed by restart count - 1.
var retryBackoff = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// validTransitions guards every state change the coordinator applies.
var validTransitions = map[string][]string{
	data.StreamInitializing: {data.StreamReady, data.StreamError, data.StreamStopped, data.StreamClosed},
	data.StreamReady:        {data.StreamLive, data.StreamError, data.StreamStopped, data.StreamClosed},
	data.StreamLive:         {data.StreamError, data.StreamStopped, data.StreamClosed},
	data.StreamError:        {data.StreamInitializing, data.StreamStopped, data.StreamClosed},
	data.StreamStopped:      {data.StreamInitializing, data.StreamClosed},
}

func canTransition(from, to string) bool {
	if from == to {
		return false
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Coordinator owns one stream's ingest pipeline. All mutation goes
// through its mailbox; callers never touch the transcoder or SFU
// handles directly.
type Coordinator struct {
	streamID uuid.UUID
	cameraID uuid.UUID
	rtspURL  string

	deps Deps
	set  Settings

	cmds chan command
	done chan struct{}

	mu     sync.RWMutex
	state  string
	prodID string // mirror of producerID readable off the run loop
	liveAt time.Time

	// owned by the run loop
	tr          *Transcoder
	transportID string
	producerID  string
	port        int
	startCancel context.CancelFunc
	startResult chan startOutcome
	retryAt     *time.Timer
	liveCancel  context.CancelFunc
	liveCheck   chan error
	closing     bool
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdClose
	cmdUnhealthy
)

type command struct {
	kind      cmdKind
	reconnect bool
	reason    string
	reply     chan error
}

// startOutcome is what the async startup sequence hands back to the
// run loop.
type startOutcome struct {
	tr          *Transcoder
	transportID string
	producerID  string
	port        int
	ssrc        uint32
	err         error
}

func NewCoordinator(streamID, cameraID uuid.UUID, rtspURL, initialState string, deps Deps, set Settings) *Coordinator {
	deps.fill()
	if set.StopGrace == 0 {
		set.StopGrace = 3 * time.Second
	}
	if set.ReadyWindow == 0 {
		set.ReadyWindow = 10 * time.Second
	}
	c := &Coordinator{
		streamID: streamID,
		cameraID: cameraID,
		rtspURL:  rtspURL,
		deps:     deps,
		set:      set,
		cmds:     make(chan command, 8),
		done:     make(chan struct{}),
		state:    initialState,
	}
	go c.run()
	return c
}

// State is the coordinator's view of the stream state. The DB row is
// updated before this value, so the two never disagree for long.
func (c *Coordinator) State() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ProducerRef is the SFU producer id of the running pipeline, empty
// when no pipeline is up.
func (c *Coordinator) ProducerRef() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prodID
}

// LiveSince reports when the stream last entered LIVE.
func (c *Coordinator) LiveSince() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.liveAt
}

// Start begins (or for ERROR streams, restarts) the ingest pipeline.
func (c *Coordinator) Start(ctx context.Context, reconnect bool) error {
	return c.send(ctx, command{kind: cmdStart, reconnect: reconnect})
}

// Stop tears the pipeline down and parks the stream in STOPPED.
// Idempotent.
func (c *Coordinator) Stop(ctx context.Context) error {
	return c.send(ctx, command{kind: cmdStop})
}

// Close stops the pipeline and moves the stream to its terminal state,
// then shuts the run loop down.
func (c *Coordinator) Close(ctx context.Context) error {
	return c.send(ctx, command{kind: cmdClose})
}

// MarkUnhealthy is called by the health monitor when the producer's
// counters have gone flat. Treated like a transcoder death.
func (c *Coordinator) MarkUnhealthy(reason string) {
	select {
	case c.cmds <- command{kind: cmdUnhealthy, reason: reason}:
	case <-c.done:
	}
}

func (c *Coordinator) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrStreamNotFound
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) run() {
	defer close(c.done)

	for {
		var trEvents <-chan TranscoderEvent
		if c.tr != nil {
			trEvents = c.tr.Events()
		}
		var retryC <-chan time.Time
		if c.retryAt != nil {
			retryC = c.retryAt.C
		}
		var liveC <-chan error
		if c.liveCheck != nil {
			liveC = c.liveCheck
		}

		select {
		case cmd := <-c.cmds:
			switch cmd.kind {
			case cmdStart:
				cmd.reply <- c.handleStart(cmd.reconnect)
			case cmdStop:
				cmd.reply <- c.handleStop(data.StreamStopped)
			case cmdClose:
				err := c.handleStop(data.StreamClosed)
				cmd.reply <- err
				return
			case cmdUnhealthy:
				c.handleFailure("HEALTH_STALE", cmd.reason)
				if cmd.reply != nil {
					cmd.reply <- nil
				}
			}

		case out := <-c.startResult:
			c.startResult = nil
			c.startCancel = nil
			c.applyStartOutcome(out)

		case ev := <-trEvents:
			switch ev.Type {
			case TranscoderConnected:
				c.onTranscoderConnected()
			case TranscoderDied:
				log.Printf("[pipeline] stream %s transcoder exited code=%d: %s",
					c.streamID, ev.ExitCode, strings.Join(tailOf(ev.LastStderr, 3), " | "))
				c.handleFailure(ev.ErrorCode, fmt.Sprintf("transcoder exited with code %d", ev.ExitCode))
			}

		case err := <-liveC:
			c.liveCheck = nil
			c.liveCancel = nil
			switch {
			case c.State() != data.StreamReady:
				// A stop or failure got there first.
			case err != nil:
				c.handleFailure("RTSP_TIMEOUT", "no media reached the router inside the readiness window")
			default:
				if serr := c.setState(data.StreamLive, nil); serr != nil {
					log.Printf("[pipeline] stream %s: persist LIVE: %v", c.streamID, serr)
				}
			}

		case <-retryC:
			c.retryAt = nil
			log.Printf("[pipeline] stream %s retrying after backoff", c.streamID)
			if err := c.beginStart(); err != nil {
				log.Printf("[pipeline] stream %s retry failed to launch: %v", c.streamID, err)
			}
		}

		if c.closing {
			return
		}
	}
}

func (c *Coordinator) handleStart(reconnect bool) error {
	switch c.State() {
	case data.StreamReady, data.StreamLive:
		return ErrAlreadyRunning
	case data.StreamInitializing:
		// A freshly created stream row starts out INITIALIZING with no
		// startup in flight yet; only a running startup is a conflict.
		if c.startResult != nil || c.retryAt != nil {
			return ErrAlreadyRunning
		}
	case data.StreamClosed:
		return ErrStreamNotFound
	case data.StreamError:
		// Reconnect resumes the automatic retry cycle; an explicit
		// start wipes the slate.
		if reconnect && c.retryAt != nil {
			return ErrAlreadyRunning
		}
	}
	c.clearRetry()
	return c.beginStart()
}

// beginStart transitions to INITIALIZING and launches the async
// startup sequence.
func (c *Coordinator) beginStart() error {
	if c.State() != data.StreamInitializing {
		if err := c.setState(data.StreamInitializing, nil); err != nil {
			return err
		}
	} else {
		c.deps.Events.PublishStreamEvent(context.Background(), c.streamID, c.cameraID,
			EventStreamInitializing, nil)
		c.deps.Metrics.StreamStateChanged("", data.StreamInitializing)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.set.StartDeadline)
	c.startCancel = cancel
	c.startResult = make(chan startOutcome, 1)

	go func(result chan<- startOutcome) {
		out := c.startup(ctx)
		cancel()
		result <- out
	}(c.startResult)
	return nil
}

// startup runs the full ingest handshake. It is the only code that
// runs outside the mailbox, so it touches no coordinator fields; all
// of its effects come back through the startOutcome.
func (c *Coordinator) startup(ctx context.Context) startOutcome {
	port, err := c.deps.Ports.Reserve(c.streamID)
	if err != nil {
		return startOutcome{err: NewStepError("reserve_port", "PORT_EXHAUSTED",
			"no rtp ingress ports available", err)}
	}

	// Phase 1: sniff the SSRC. A short copy-codec probe pushes a few
	// RTP packets at the reserved port while the capturer listens.
	probe := NewProbe(TranscoderConfig{
		FFmpegPath: c.set.FFmpegPath,
		RtspURL:    c.rtspURL,
		RtpHost:    "127.0.0.1",
		RtpPort:    port,
	})

	captureStarted := time.Now()
	type captureResult struct {
		capture *SsrcCapture
		err     error
	}
	capCh := make(chan captureResult, 1)
	go func() {
		capture, err := c.deps.Capture.Capture(ctx, port)
		capCh <- captureResult{capture, err}
	}()

	// Give the capturer a moment to bind before ffmpeg starts sending.
	time.Sleep(50 * time.Millisecond)
	if err := probe.Start(); err != nil {
		return startOutcome{port: port, err: NewStepError("probe", "RTSP_CONNECTION_FAILED",
			"could not launch probe process", err)}
	}

	capRes := <-capCh
	probe.Stop(time.Second)
	c.deps.Metrics.SsrcCaptureObserved(time.Since(captureStarted).Seconds(), capRes.err == nil)
	if capRes.err != nil {
		code := "SSRC_CAPTURE_TIMEOUT"
		if !errors.Is(capRes.err, ErrSsrcTimeout) {
			code = "RTSP_CONNECTION_FAILED"
		}
		return startOutcome{port: port, err: NewStepError("ssrc_capture", code,
			"no media observed from source", capRes.err)}
	}
	ssrc := capRes.capture.SSRC

	// Phase 2: SFU side. The plain transport takes over the captured
	// port; the producer must exist before the transport is connected
	// so the first packets are not dropped for an unknown SSRC.
	roomID := c.streamID.String()
	pt, err := c.deps.SFU.CreatePlainTransport(ctx, roomID, port)
	if err != nil {
		return startOutcome{port: port, err: NewStepError("plain_transport", "SFU_ERROR",
			"media router rejected ingress transport", err)}
	}

	prod, err := c.deps.SFU.CreateProducer(ctx, pt.ID, "video", sfu.H264VideoRtpParameters(ssrc))
	if err != nil {
		c.deps.SFU.CloseTransport(context.Background(), pt.ID)
		return startOutcome{port: port, err: NewStepError("producer", "SFU_ERROR",
			"media router rejected producer", err)}
	}

	if err := c.deps.Producers.Create(ctx, &data.Producer{
		StreamID: c.streamID,
		SfuID:    prod.ID,
		SSRC:     int64(ssrc),
		State:    data.ProducerActive,
	}); err != nil {
		c.deps.SFU.CloseTransport(context.Background(), pt.ID)
		return startOutcome{port: port, err: NewStepError("producer", "INTERNAL_ERROR",
			"could not persist producer", err)}
	}
	if err := c.deps.Streams.SetIngress(ctx, c.streamID, port, int64(ssrc), prod.ID); err != nil {
		c.deps.SFU.CloseTransport(context.Background(), pt.ID)
		return startOutcome{port: port, err: NewStepError("producer", "INTERNAL_ERROR",
			"could not persist ingress binding", err)}
	}

	// Phase 3: the long-lived transcoder, forcing the captured SSRC so
	// the producer binding stays valid.
	srcPort := ffmpegSourcePort(c.streamID)
	tr := NewTranscoder(TranscoderConfig{
		FFmpegPath:     c.set.FFmpegPath,
		RtspURL:        c.rtspURL,
		RtpHost:        c.set.RTPHost,
		RtpPort:        pt.Port,
		SourcePort:     srcPort,
		SSRC:           ssrc,
		RecordingDir:   filepath.Join(c.set.RecordingRoot, c.streamID.String()),
		SegmentSeconds: c.set.SegmentSeconds,
	})
	if err := tr.Start(); err != nil {
		c.deps.SFU.CloseTransport(context.Background(), pt.ID)
		return startOutcome{port: port, err: NewStepError("transcoder", "TRANSCODER_ERROR",
			"could not launch transcoder", err)}
	}

	if err := c.deps.SFU.ConnectPlainTransport(ctx, pt.ID, "127.0.0.1", srcPort); err != nil {
		tr.Stop(c.set.StopGrace)
		c.deps.SFU.CloseTransport(context.Background(), pt.ID)
		return startOutcome{port: port, err: NewStepError("plain_transport", "SFU_ERROR",
			"media router rejected transport connect", err)}
	}

	return startOutcome{
		tr:          tr,
		transportID: pt.ID,
		producerID:  prod.ID,
		port:        port,
		ssrc:        ssrc,
	}
}

func (c *Coordinator) applyStartOutcome(out startOutcome) {
	if c.State() == data.StreamStopped || c.State() == data.StreamClosed {
		// A stop won the race; discard whatever startup built.
		if out.tr != nil {
			out.tr.Stop(c.set.StopGrace)
		}
		if out.transportID != "" {
			c.deps.SFU.CloseTransportsForRoom(context.Background(), c.streamID.String())
		}
		c.deps.Ports.Release(c.streamID)
		return
	}

	if out.err != nil {
		c.deps.Ports.Release(c.streamID)
		var step *StepError
		code, msg := "INTERNAL_ERROR", out.err.Error()
		if errors.As(out.err, &step) {
			code, msg = step.ErrorCode, step.SafeMessage
		}
		c.handleFailure(code, msg)
		return
	}

	c.tr = out.tr
	c.transportID = out.transportID
	c.producerID = out.producerID
	c.port = out.port
	c.mu.Lock()
	c.prodID = out.producerID
	c.mu.Unlock()
	if err := c.setState(data.StreamReady, nil); err != nil {
		log.Printf("[pipeline] stream %s: persist READY: %v", c.streamID, err)
	}
}

// onTranscoderConnected starts the readiness check. The stderr
// handshake only proves ffmpeg parsed the source; the stream goes LIVE
// once the router's producer counters confirm RTP is arriving.
func (c *Coordinator) onTranscoderConnected() {
	if c.State() != data.StreamReady || c.liveCheck != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.set.ReadyWindow)
	c.liveCancel = cancel
	c.liveCheck = make(chan error, 1)

	go func(result chan<- error, producerID string) {
		defer cancel()
		tick := time.NewTicker(500 * time.Millisecond)
		defer tick.Stop()
		for {
			sctx, scancel := context.WithTimeout(ctx, 2*time.Second)
			stats, err := c.deps.SFU.GetProducerStats(sctx, producerID)
			scancel()
			if err == nil && (stats.PacketsReceived > 0 || stats.BytesReceived > 0) {
				result <- nil
				return
			}
			select {
			case <-ctx.Done():
				result <- ctx.Err()
				return
			case <-tick.C:
			}
		}
	}(c.liveCheck, c.producerID)
}

func (c *Coordinator) clearLiveCheck() {
	if c.liveCancel != nil {
		c.liveCancel()
		c.liveCancel = nil
	}
	c.liveCheck = nil
}

// handleFailure moves the stream to ERROR and schedules a retry while
// the budget lasts. An exhausted budget closes the stream for good.
func (c *Coordinator) handleFailure(code, msg string) {
	st := c.State()
	if st == data.StreamStopped || st == data.StreamClosed {
		return
	}

	c.teardownRuntime("stream failure: " + code)

	lastErr := fmt.Sprintf("%s: %s", code, msg)
	if err := c.setState(data.StreamError, &lastErr); err != nil {
		log.Printf("[pipeline] stream %s: persist ERROR: %v", c.streamID, err)
	}

	count, err := c.deps.Streams.IncrementRestarts(context.Background(), c.streamID)
	if err != nil {
		log.Printf("[pipeline] stream %s: bump restart count: %v", c.streamID, err)
		return
	}
	if count > c.set.MaxRestarts {
		log.Printf("[pipeline] stream %s exhausted %d restarts, closing", c.streamID, c.set.MaxRestarts)
		if err := c.setState(data.StreamClosed, &lastErr); err != nil {
			log.Printf("[pipeline] stream %s: persist CLOSED: %v", c.streamID, err)
		}
		if err := c.deps.Streams.ClearIngress(context.Background(), c.streamID); err != nil {
			log.Printf("[pipeline] stream %s: clear ingress: %v", c.streamID, err)
		}
		c.closing = true
		return
	}

	c.deps.Metrics.StreamRestarted()
	delay := retryBackoff[len(retryBackoff)-1]
	if count-1 < len(retryBackoff) {
		delay = retryBackoff[count-1]
	}
	c.deps.Events.PublishStreamEvent(context.Background(), c.streamID, c.cameraID,
		EventStreamRestarted, map[string]any{"attempt": count, "delay_seconds": delay.Seconds(), "error": code})
	log.Printf("[pipeline] stream %s restart %d/%d in %v (%s)", c.streamID, count, c.set.MaxRestarts, delay, code)
	c.retryAt = time.NewTimer(delay)
}

func (c *Coordinator) handleStop(terminal string) error {
	st := c.State()
	if st == data.StreamClosed {
		if terminal == data.StreamClosed {
			return nil
		}
		return ErrStreamNotFound
	}
	if st == data.StreamStopped && terminal == data.StreamStopped {
		return nil
	}

	c.clearRetry()
	if c.startCancel != nil {
		c.startCancel()
		// The startup goroutine observes the cancel and reports back;
		// drain it so its resources are released.
		out := <-c.startResult
		c.startResult = nil
		c.startCancel = nil
		if out.tr != nil {
			out.tr.Stop(c.set.StopGrace)
		}
	}

	reason := "stream stopped"
	if terminal == data.StreamClosed {
		reason = "stream deleted"
	}
	c.teardownRuntime(reason)

	if err := c.setState(terminal, nil); err != nil {
		return err
	}
	if err := c.deps.Streams.ClearIngress(context.Background(), c.streamID); err != nil {
		log.Printf("[pipeline] stream %s: clear ingress: %v", c.streamID, err)
	}
	return nil
}

// teardownRuntime releases everything the running pipeline holds:
// transcoder process, SFU room, producer and consumer rows, the
// ingress port. Consumer rows get closeReason so clients can tell why
// they were cut off.
func (c *Coordinator) teardownRuntime(closeReason string) {
	c.clearLiveCheck()

	if c.tr != nil {
		c.tr.Stop(c.set.StopGrace)
		c.tr = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.deps.Producers.CloseAllForStream(ctx, c.streamID); err != nil {
		log.Printf("[pipeline] stream %s: close producers: %v", c.streamID, err)
	}
	if _, err := c.deps.Consumers.CloseAllForStream(ctx, c.streamID, closeReason); err != nil {
		log.Printf("[pipeline] stream %s: close consumers: %v", c.streamID, err)
	}
	if err := c.deps.SFU.CloseTransportsForRoom(ctx, c.streamID.String()); err != nil &&
		!errors.Is(err, sfu.ErrSfuDisconnected) && !errors.Is(err, sfu.ErrSfuUnavailable) {
		log.Printf("[pipeline] stream %s: close sfu room: %v", c.streamID, err)
	}

	c.transportID = ""
	c.producerID = ""
	c.mu.Lock()
	c.prodID = ""
	c.mu.Unlock()
	c.deps.Ports.Release(c.streamID)
	c.port = 0
}

func (c *Coordinator) clearRetry() {
	if c.retryAt != nil {
		c.retryAt.Stop()
		c.retryAt = nil
	}
}

// setState guards the transition, persists it, mirrors it in memory,
// and publishes the lifecycle event.
func (c *Coordinator) setState(to string, lastErr *string) error {
	from := c.State()
	if !canTransition(from, to) {
		return &InvalidTransition{From: from, To: to}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.deps.Streams.SetState(ctx, c.streamID, to, lastErr); err != nil {
		return err
	}

	c.mu.Lock()
	c.state = to
	if to == data.StreamLive {
		c.liveAt = time.Now()
	}
	c.mu.Unlock()

	c.deps.Metrics.StreamStateChanged(from, to)

	fields := map[string]any{"previous_state": from}
	if lastErr != nil {
		fields["error"] = *lastErr
	}
	c.deps.Events.PublishStreamEvent(ctx, c.streamID, c.cameraID, eventForState(to), fields)
	return nil
}

func eventForState(state string) string {
	switch state {
	case data.StreamInitializing:
		return EventStreamInitializing
	case data.StreamReady:
		return EventStreamReady
	case data.StreamLive:
		return EventStreamLive
	case data.StreamError:
		return EventStreamError
	case data.StreamStopped:
		return EventStreamStopped
	default:
		return EventStreamClosed
	}
}

// ffmpegSourcePort derives the deterministic local port ffmpeg sends
// RTP from, so the SFU transport can be connected to a known address.
func ffmpegSourcePort(streamID uuid.UUID) int {
	h := fnv.New32a()
	h.Write([]byte(streamID.String()))
	return 40000 + int(h.Sum32()%10000)
}

func tailOf(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
