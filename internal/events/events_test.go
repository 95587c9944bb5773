package events

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestDedupSuppressesWithinWindow(t *testing.T) {
	d := NewDedup(16, 100*time.Millisecond)

	assert.False(t, d.IsDuplicate("k"))
	assert.True(t, d.IsDuplicate("k"))
	assert.False(t, d.IsDuplicate("other"))

	time.Sleep(120 * time.Millisecond)
	assert.False(t, d.IsDuplicate("k"))
}

func TestDedupEvictsOldKeys(t *testing.T) {
	d := NewDedup(2, time.Minute)

	d.IsDuplicate("a")
	d.IsDuplicate("b")
	d.IsDuplicate("c") // evicts a

	assert.False(t, d.IsDuplicate("a"))
}

func TestPublisherNilConnIsNoop(t *testing.T) {
	var p *Publisher
	p.PublishStreamEvent(context.Background(), uuid.New(), uuid.New(), "stream.live", nil)

	p = NewPublisher(nil, "mediagw", 3)
	p.PublishExtractEvent(context.Background(), uuid.New(), uuid.New(), EventSnapshotReady, nil)
}

func TestDedupKeyBucketsToSeconds(t *testing.T) {
	env := Envelope{Event: "stream.live", StreamID: uuid.New()}
	env.OccurredAt = time.Unix(1700000000, 400_000_000)
	a := dedupKey(env)
	env.OccurredAt = time.Unix(1700000000, 900_000_000)
	b := dedupKey(env)
	env.OccurredAt = time.Unix(1700000001, 0)
	c := dedupKey(env)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
