package data

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sqlmock.Sqlmock, Models) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	models := NewModels(db)
	return &mock, models
}

func streamColumns() []string {
	return []string{
		"id", "camera_id", "state", "codec_config", "producer_ref", "assigned_port",
		"captured_ssrc", "last_error", "restart_count", "started_at", "created_at", "updated_at",
	}
}

func TestStreamCreateScansReturning(t *testing.T) {
	mock, models := newMock(t)

	id := uuid.New()
	cameraID := uuid.New()
	now := time.Now()

	(*mock).ExpectQuery("INSERT INTO streams").
		WithArgs(cameraID, StreamInitializing, "").
		WillReturnRows(sqlmock.NewRows([]string{"id", "restart_count", "created_at", "updated_at"}).
			AddRow(id, 0, now, now))

	s := &Stream{CameraID: cameraID, State: StreamInitializing}
	require.NoError(t, models.Streams.Create(context.Background(), s))
	assert.Equal(t, id, s.ID)
	assert.Equal(t, 0, s.RestartCount)
	require.NoError(t, (*mock).ExpectationsWereMet())
}

func TestStreamGetByIDNotFound(t *testing.T) {
	mock, models := newMock(t)

	id := uuid.New()
	(*mock).ExpectQuery("SELECT (.+) FROM streams").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(streamColumns()))

	_, err := models.Streams.GetByID(context.Background(), id)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestStreamSetStateUnknownRow(t *testing.T) {
	mock, models := newMock(t)

	id := uuid.New()
	(*mock).ExpectExec("UPDATE streams").
		WithArgs(StreamStopped, nil, id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := models.Streams.SetState(context.Background(), id, StreamStopped, nil)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestStreamSetStateRestampsLiveStart(t *testing.T) {
	mock, models := newMock(t)

	// Every entry into LIVE restamps started_at; a stream that came
	// back from ERROR reports uptime since the recovery, not the first
	// start.
	id := uuid.New()
	(*mock).ExpectExec(`started_at = CASE WHEN \$1 = 'LIVE' THEN NOW\(\)`).
		WithArgs(StreamLive, nil, id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, models.Streams.SetState(context.Background(), id, StreamLive, nil))
	require.NoError(t, (*mock).ExpectationsWereMet())
}

func TestStreamIncrementRestarts(t *testing.T) {
	mock, models := newMock(t)

	id := uuid.New()
	(*mock).ExpectQuery("UPDATE streams").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"restart_count"}).AddRow(2))

	n, err := models.Streams.IncrementRestarts(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSnapshotMarkReadyConflict(t *testing.T) {
	mock, models := newMock(t)

	id := uuid.New()
	// Row exists but is no longer PROCESSING: the guard refuses.
	(*mock).ExpectExec("UPDATE snapshots").
		WithArgs("/tmp/x.jpg", id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := models.Snapshots.MarkReady(context.Background(), id, "/tmp/x.jpg")
	assert.ErrorIs(t, err, ErrEditConflict)
}

func TestConsumerMarkConnectedConflict(t *testing.T) {
	mock, models := newMock(t)

	id := uuid.New()
	(*mock).ExpectExec("UPDATE consumers").
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	// The guard rejected; MarkConnected re-reads the row to tell a
	// missing consumer apart from a state conflict.
	now := time.Now()
	(*mock).ExpectQuery("SELECT (.+) FROM consumers").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "stream_id", "client_id", "state", "sfu_consumer_id", "transport_ref",
			"close_reason", "created_at", "last_seen_at", "closed_at",
		}).AddRow(id, uuid.New(), "viewer", ConsumerClosed, "c1", "t1", "stream stopped", now, now, now))

	err := models.Consumers.MarkConnected(context.Background(), id)
	assert.ErrorIs(t, err, ErrEditConflict)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, IsUniqueViolation(context.Canceled))
	assert.False(t, IsUniqueViolation(nil))
}
