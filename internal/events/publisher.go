package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Extraction lifecycle event names. Stream lifecycle names live in
// the pipeline package next to the state machine that emits them.
const (
	EventSnapshotReady  = "extract.snapshot.ready"
	EventSnapshotFailed = "extract.snapshot.failed"
	EventBookmarkReady  = "extract.bookmark.ready"
	EventBookmarkFailed = "extract.bookmark.failed"
)

// Envelope is the wire shape of every gateway event.
type Envelope struct {
	Event      string         `json:"event"`
	StreamID   uuid.UUID      `json:"stream_id,omitempty"`
	CameraID   uuid.UUID      `json:"camera_id,omitempty"`
	ResourceID uuid.UUID      `json:"resource_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Publisher emits gateway events on NATS. Publishing is best effort;
// a broker outage must never stall the pipeline, so failures are
// logged and dropped after the retry budget.
type Publisher struct {
	conn          *nats.Conn
	subjectPrefix string
	maxRetries    int
	dedup         *Dedup
}

func NewPublisher(conn *nats.Conn, subjectPrefix string, maxRetries int) *Publisher {
	return &Publisher{
		conn:          conn,
		subjectPrefix: subjectPrefix,
		maxRetries:    maxRetries,
		dedup:         NewDedup(4096, 2*time.Second),
	}
}

// PublishStreamEvent implements the pipeline's event sink. The subject
// is <prefix>.stream.<suffix>, e.g. mediagw.stream.live.
func (p *Publisher) PublishStreamEvent(ctx context.Context, streamID, cameraID uuid.UUID, event string, fields map[string]any) {
	p.publish(ctx, event, Envelope{
		Event:      event,
		StreamID:   streamID,
		CameraID:   cameraID,
		OccurredAt: time.Now().UTC(),
		Fields:     fields,
	})
}

// PublishExtractEvent reports snapshot/bookmark lifecycle, subject
// <prefix>.extract.<suffix>.
func (p *Publisher) PublishExtractEvent(ctx context.Context, resourceID, streamID uuid.UUID, event string, fields map[string]any) {
	p.publish(ctx, event, Envelope{
		Event:      event,
		ResourceID: resourceID,
		StreamID:   streamID,
		OccurredAt: time.Now().UTC(),
		Fields:     fields,
	})
}

func (p *Publisher) publish(ctx context.Context, event string, env Envelope) {
	if p == nil || p.conn == nil {
		return
	}

	key := dedupKey(env)
	if p.dedup.IsDuplicate(key) {
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[events] marshal %s: %v", event, err)
		return
	}
	subject := fmt.Sprintf("%s.%s", p.subjectPrefix, event)

	for i := 0; i <= p.maxRetries; i++ {
		if err = p.conn.Publish(subject, data); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(i*100) * time.Millisecond):
		}
	}
	log.Printf("[events] publish %s failed after %d retries: %v", subject, p.maxRetries, err)
}

func dedupKey(env Envelope) string {
	ts := env.OccurredAt.Truncate(time.Second).Unix()
	return fmt.Sprintf("%s|%s|%s|%d", env.Event, env.StreamID, env.ResourceID, ts)
}
