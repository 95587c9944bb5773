package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-mediagw/internal/data"
	"github.com/technosupport/ts-mediagw/internal/sfu"
)

// coordinatorFixture wires a coordinator against sqlmock and a control
// client that was never connected, so every SFU call fails fast with
// ErrSfuUnavailable the way teardown tolerates.
func coordinatorFixture(t *testing.T) (sqlmock.Sqlmock, Deps) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	models := data.NewModels(db)
	deps := Deps{
		Streams:   models.Streams,
		Producers: models.Producers,
		Consumers: models.Consumers,
		SFU:       sfu.NewClient(sfu.Config{URL: "ws://127.0.0.1:9", CallTimeout: 200 * time.Millisecond}),
		Ports:     NewPortBroker(42100, 42120),
		Capture:   NewSsrcCapturer(5 * time.Second),
	}
	return mock, deps
}

func TestCoordinatorClosesAfterExhaustedRestarts(t *testing.T) {
	mock, deps := coordinatorFixture(t)

	streamID := uuid.New()
	lastErr := "HEALTH_STALE: router counters flat"

	// Failure teardown: producers and consumers are closed in the DB,
	// the consumer rows carrying the failure reason.
	mock.ExpectQuery("UPDATE producers").
		WithArgs(streamID).
		WillReturnRows(sqlmock.NewRows([]string{"sfu_id"}))
	mock.ExpectQuery("UPDATE consumers").
		WithArgs("stream failure: HEALTH_STALE", streamID).
		WillReturnRows(sqlmock.NewRows([]string{"transport_ref"}).AddRow("t-1"))

	mock.ExpectExec("UPDATE streams").
		WithArgs(data.StreamError, lastErr, streamID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Restart budget already spent: the bump pushes past MaxRestarts
	// and the stream must land in CLOSED, not linger in ERROR.
	mock.ExpectQuery("UPDATE streams").
		WithArgs(streamID).
		WillReturnRows(sqlmock.NewRows([]string{"restart_count"}).AddRow(4))
	mock.ExpectExec("UPDATE streams").
		WithArgs(data.StreamClosed, lastErr, streamID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE streams").
		WithArgs(streamID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	coord := NewCoordinator(streamID, uuid.New(), "rtsp://cam.local/ch0", data.StreamLive,
		deps, Settings{MaxRestarts: 3, StopGrace: 50 * time.Millisecond})

	coord.MarkUnhealthy("router counters flat")

	require.Eventually(t, func() bool {
		return coord.State() == data.StreamClosed
	}, 2*time.Second, 10*time.Millisecond)

	// The run loop shuts down after the terminal close; later commands
	// report the stream gone instead of touching the DB.
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		return errors.Is(coord.Start(ctx, false), ErrStreamNotFound)
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCoordinatorStopCancelsStartup(t *testing.T) {
	mock, deps := coordinatorFixture(t)

	streamID := uuid.New()

	mock.ExpectQuery("UPDATE producers").
		WithArgs(streamID).
		WillReturnRows(sqlmock.NewRows([]string{"sfu_id"}))
	mock.ExpectQuery("UPDATE consumers").
		WithArgs("stream stopped", streamID).
		WillReturnRows(sqlmock.NewRows([]string{"transport_ref"}))
	mock.ExpectExec("UPDATE streams").
		WithArgs(data.StreamStopped, nil, streamID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE streams").
		WithArgs(streamID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// /bin/sleep stands in for ffmpeg: it launches fine and exits at
	// once, so startup stays parked waiting for RTP that never comes.
	coord := NewCoordinator(streamID, uuid.New(), "rtsp://cam.local/ch0", data.StreamInitializing,
		deps, Settings{
			FFmpegPath:    "/bin/sleep",
			MaxRestarts:   3,
			StartDeadline: 5 * time.Second,
			SSRCTimeout:   5 * time.Second,
			StopGrace:     50 * time.Millisecond,
		})

	ctx := context.Background()
	require.NoError(t, coord.Start(ctx, false))

	// Stop while the startup handshake is still in flight.
	require.NoError(t, coord.Stop(ctx))
	assert.Equal(t, data.StreamStopped, coord.State())

	_, held := deps.Ports.Held(streamID)
	assert.False(t, held)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadyStreamHoldsUntilRouterSeesMedia(t *testing.T) {
	_, deps := coordinatorFixture(t)

	c := &Coordinator{
		streamID:   uuid.New(),
		cameraID:   uuid.New(),
		deps:       deps,
		set:        Settings{ReadyWindow: 400 * time.Millisecond},
		cmds:       make(chan command, 8),
		done:       make(chan struct{}),
		state:      data.StreamReady,
		producerID: "prod-1",
	}

	c.onTranscoderConnected()
	require.NotNil(t, c.liveCheck)

	// A repeated connected signal must not spawn a second check.
	first := c.liveCheck
	c.onTranscoderConnected()
	assert.Equal(t, first, c.liveCheck)

	// No producer counters ever move, so the check fails the window
	// and the stream never claims LIVE off the stderr handshake alone.
	select {
	case err := <-first:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("readiness check never reported")
	}
	assert.Equal(t, data.StreamReady, c.State())
}
