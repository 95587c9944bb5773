package pipeline

import (
	"context"

	"github.com/google/uuid"
)

// Lifecycle event names published on the message bus as the stream
// moves through its states.
const (
	EventStreamInitializing = "stream.initializing"
	EventStreamReady        = "stream.ready"
	EventStreamLive         = "stream.live"
	EventStreamError        = "stream.error"
	EventStreamStopped      = "stream.stopped"
	EventStreamClosed       = "stream.closed"
	EventStreamRestarted    = "stream.restarted"
)

// EventSink receives lifecycle events. Implemented by the NATS
// publisher; a nil-safe no-op is used in tests.
type EventSink interface {
	PublishStreamEvent(ctx context.Context, streamID, cameraID uuid.UUID, event string, fields map[string]any)
}

type nopSink struct{}

func (nopSink) PublishStreamEvent(context.Context, uuid.UUID, uuid.UUID, string, map[string]any) {}

// Recorder is the metrics surface the pipeline reports into.
type Recorder interface {
	StreamStateChanged(from, to string)
	SsrcCaptureObserved(seconds float64, ok bool)
	StreamRestarted()
}

type nopRecorder struct{}

func (nopRecorder) StreamStateChanged(string, string) {}
func (nopRecorder) SsrcCaptureObserved(float64, bool) {}
func (nopRecorder) StreamRestarted()                  {}
