package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-mediagw/internal/clips"
	"github.com/technosupport/ts-mediagw/internal/data"
)

func TestWriteErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v2/streams/x", nil)

	WriteError(rec, req, http.StatusConflict, CodeStreamNotLive, "stream is not serving media",
		map[string]any{"current_state": "READY"})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, CodeStreamNotLive, env.Error)
	assert.Equal(t, http.StatusConflict, env.StatusCode)
	assert.Equal(t, "READY", env.Details["current_state"])
	assert.NotEmpty(t, env.Timestamp)
}

func TestReadJSONRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","bogus":1}`))
	assert.Error(t, readJSON(rec, req, &dst))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a"}{"name":"b"}`))
	assert.Error(t, readJSON(rec, req, &dst))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a"}`))
	require.NoError(t, readJSON(rec, req, &dst))
	assert.Equal(t, "a", dst.Name)
}

func TestPagination(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=10&offset=30", nil)
	limit, offset := pagination(req)
	assert.Equal(t, 10, limit)
	assert.Equal(t, 30, offset)

	req = httptest.NewRequest(http.MethodGet, "/?limit=5000", nil)
	limit, offset = pagination(req)
	assert.Equal(t, 100, limit)
	assert.Equal(t, 0, offset)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	limit, offset = pagination(req)
	assert.Equal(t, 50, limit)
	assert.Equal(t, 0, offset)
}

func TestParseExtractSource(t *testing.T) {
	for in, want := range map[string]string{
		"":           "",
		"live":       "LIVE",
		"LIVE":       "LIVE",
		"historical": "HISTORICAL",
		"HISTORICAL": "HISTORICAL",
	} {
		got, ok := parseExtractSource(in)
		assert.True(t, ok, "source %q", in)
		assert.Equal(t, want, got)
	}

	_, ok := parseExtractSource("weekly")
	assert.False(t, ok)
}

func TestValidRtspURL(t *testing.T) {
	assert.True(t, validRtspURL("rtsp://cam.local:554/stream1"))
	assert.True(t, validRtspURL("rtsps://10.0.0.4/ch0"))
	assert.False(t, validRtspURL("http://cam.local/stream1"))
	assert.False(t, validRtspURL("rtsp://"))
	assert.False(t, validRtspURL("not a url"))
}

func snapshotImageRequest(t *testing.T, h *SnapshotHandler, id uuid.UUID) *httptest.ResponseRecorder {
	t.Helper()

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id.String())

	req := httptest.NewRequest(http.MethodGet, "/v2/snapshots/"+id.String()+"/image", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	h.Image(rec, req)
	return rec
}

func snapshotRow(id uuid.UUID, status string, errMsg any) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "stream_id", "ts", "source", "status", "image_path", "error", "metadata", "deleted", "created_at",
	}).AddRow(id, uuid.New(), now, data.SourceLive, status, nil, errMsg, []byte(`{}`), false, now)
}

func TestSnapshotImageReportsProcessingAndFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := NewSnapshotHandler(clips.NewService(data.NewModels(db), nil, nil, 6), t.TempDir())

	// Mid-extraction the image endpoint says "come back later" rather
	// than treating the poll as a conflict.
	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM snapshots").
		WithArgs(id).
		WillReturnRows(snapshotRow(id, data.ExtractProcessing, nil))

	rec := snapshotImageRequest(t, h, id)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, data.ExtractProcessing, body["status"])

	// A failed extraction stays a conflict, surfacing the reason.
	mock.ExpectQuery("SELECT (.+) FROM snapshots").
		WithArgs(id).
		WillReturnRows(snapshotRow(id, data.ExtractFailed, "NO_RECORDING_DATA"))

	rec = snapshotImageRequest(t, h, id)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, data.ExtractFailed, env.Details["status"])
	assert.Equal(t, "NO_RECORDING_DATA", env.Details["error"])

	require.NoError(t, mock.ExpectationsWereMet())
}

func playbackRequest(t *testing.T, h *PlaybackHandler, streamID, file string) *httptest.ResponseRecorder {
	t.Helper()

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", streamID)
	rctx.URLParams.Add("file", file)

	req := httptest.NewRequest(http.MethodGet, "/v2/streams/"+streamID+"/hls/"+file, nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	h.Serve(rec, req)
	return rec
}

func TestPlaybackServesSegmentsAndPlaylist(t *testing.T) {
	root := t.TempDir()
	streamID := uuid.New()

	dir := filepath.Join(root, streamID.String())
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "playlist.m3u8"), []byte("#EXTM3U\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment-1700000000.ts"), []byte("ts"), 0o644))

	h := NewPlaybackHandler(root)

	rec := playbackRequest(t, h, streamID.String(), "playlist.m3u8")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	rec = playbackRequest(t, h, streamID.String(), "segment-1700000000.ts")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
}

func TestPlaybackRejectsTraversalAndUnknownFiles(t *testing.T) {
	root := t.TempDir()
	streamID := uuid.New()
	require.NoError(t, os.MkdirAll(filepath.Join(root, streamID.String()), 0o755))

	h := NewPlaybackHandler(root)

	for _, name := range []string{
		"../../etc/passwd",
		"segment-1.mp4",
		"playlist.m3u8.bak",
		"notes.txt",
	} {
		rec := playbackRequest(t, h, streamID.String(), name)
		assert.Equal(t, http.StatusNotFound, rec.Code, "file %q", name)
	}

	rec := playbackRequest(t, h, "not-a-uuid", "playlist.m3u8")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Valid name for a stream with no recording yet.
	rec = playbackRequest(t, h, uuid.NewString(), "playlist.m3u8")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
