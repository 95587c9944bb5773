package clips

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-mediagw/internal/data"
)

func validBookmarkRequest() BookmarkRequest {
	return BookmarkRequest{
		StreamID:      uuid.New(),
		Center:        time.Now().Add(-time.Minute),
		BeforeSeconds: 10,
		AfterSeconds:  10,
		Label:         "person at door",
	}
}

func TestBookmarkRequestValidate(t *testing.T) {
	require.NoError(t, validBookmarkRequest().validate())

	r := validBookmarkRequest()
	r.BeforeSeconds = -1
	assert.True(t, errors.Is(r.validate(), ErrValidation))

	r = validBookmarkRequest()
	r.BeforeSeconds = 0
	r.AfterSeconds = 0
	assert.True(t, errors.Is(r.validate(), ErrValidation))

	r = validBookmarkRequest()
	r.BeforeSeconds = 200
	r.AfterSeconds = 200
	assert.True(t, errors.Is(r.validate(), ErrValidation))

	r = validBookmarkRequest()
	r.Center = time.Time{}
	assert.True(t, errors.Is(r.validate(), ErrValidation))

	r = validBookmarkRequest()
	bad := 1.5
	r.Confidence = &bad
	assert.True(t, errors.Is(r.validate(), ErrValidation))

	r = validBookmarkRequest()
	ok := 0.92
	r.Confidence = &ok
	assert.NoError(t, r.validate())

	r = validBookmarkRequest()
	r.Source = "weekly"
	assert.True(t, errors.Is(r.validate(), ErrValidation))

	// Live bookmarks anchor on now; no center needed.
	r = validBookmarkRequest()
	r.Source = data.SourceLive
	r.Center = time.Time{}
	assert.NoError(t, r.validate())

	r = validBookmarkRequest()
	r.Source = data.SourceHistorical
	r.Center = time.Time{}
	assert.True(t, errors.Is(r.validate(), ErrValidation))
}

func TestBookmarkWindowEdges(t *testing.T) {
	// A window ending in the past stays historical; one reaching past
	// now must wait for the recording.
	now := time.Now()

	past := validBookmarkRequest()
	past.Center = now.Add(-time.Hour)
	require.NoError(t, past.validate())
	end := past.Center.Add(time.Duration(past.AfterSeconds * float64(time.Second)))
	assert.True(t, end.Before(now))

	live := validBookmarkRequest()
	live.Center = now
	live.AfterSeconds = 30
	require.NoError(t, live.validate())
	end = live.Center.Add(time.Duration(live.AfterSeconds * float64(time.Second)))
	assert.True(t, end.After(now))
}
