package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stream states. Non-terminal: INITIALIZING, READY, LIVE, ERROR.
const (
	StreamInitializing = "INITIALIZING"
	StreamReady        = "READY"
	StreamLive         = "LIVE"
	StreamError        = "ERROR"
	StreamStopped      = "STOPPED"
	StreamClosed       = "CLOSED"
)

// NonTerminalStates used in "at most one active stream per device" queries.
var NonTerminalStates = []string{StreamInitializing, StreamReady, StreamLive, StreamError}

// Stream is one activation of a device.
type Stream struct {
	ID           uuid.UUID  `json:"id"`
	CameraID     uuid.UUID  `json:"camera_id"`
	State        string     `json:"state"`
	CodecConfig  string     `json:"codec_config,omitempty"`
	ProducerRef  *string    `json:"producer_ref,omitempty"`
	AssignedPort *int       `json:"assigned_port,omitempty"`
	CapturedSSRC *int64     `json:"captured_ssrc,omitempty"` // u32, stored wide
	LastError    *string    `json:"last_error,omitempty"`
	RestartCount int        `json:"restart_count"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Uptime reports seconds since StartedAt for LIVE streams, 0 otherwise.
func (s *Stream) Uptime() float64 {
	if s.State != StreamLive || s.StartedAt == nil {
		return 0
	}
	return time.Since(*s.StartedAt).Seconds()
}

type StreamModel struct {
	DB DBTX
}

func (m StreamModel) Create(ctx context.Context, s *Stream) error {
	query := `
		INSERT INTO streams (camera_id, state, codec_config)
		VALUES ($1, $2, $3)
		RETURNING id, restart_count, created_at, updated_at`

	return m.DB.QueryRowContext(ctx, query, s.CameraID, s.State, s.CodecConfig).
		Scan(&s.ID, &s.RestartCount, &s.CreatedAt, &s.UpdatedAt)
}

func (m StreamModel) GetByID(ctx context.Context, id uuid.UUID) (*Stream, error) {
	query := `
		SELECT id, camera_id, state, codec_config, producer_ref, assigned_port,
		       captured_ssrc, last_error, restart_count, started_at, created_at, updated_at
		FROM streams
		WHERE id = $1`

	return m.scanOne(m.DB.QueryRowContext(ctx, query, id))
}

// GetActiveByCamera returns the device's non-terminal stream, if any.
// At most one exists (enforced by a partial unique index).
func (m StreamModel) GetActiveByCamera(ctx context.Context, cameraID uuid.UUID) (*Stream, error) {
	query := `
		SELECT id, camera_id, state, codec_config, producer_ref, assigned_port,
		       captured_ssrc, last_error, restart_count, started_at, created_at, updated_at
		FROM streams
		WHERE camera_id = $1 AND state NOT IN ('STOPPED', 'CLOSED')
		ORDER BY created_at DESC
		LIMIT 1`

	return m.scanOne(m.DB.QueryRowContext(ctx, query, cameraID))
}

// SetState updates the state column. Every entry into LIVE restamps
// started_at so uptime counts from the latest (re)start, not the first.
// last_error is cleared on transitions into LIVE and set on ERROR.
func (m StreamModel) SetState(ctx context.Context, id uuid.UUID, state string, lastError *string) error {
	query := `
		UPDATE streams
		SET state = $1,
		    last_error = $2,
		    started_at = CASE WHEN $1 = 'LIVE' THEN NOW() ELSE started_at END,
		    updated_at = NOW()
		WHERE id = $3`

	res, err := m.DB.ExecContext(ctx, query, state, lastError, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// SetIngress records the resources captured during startup.
func (m StreamModel) SetIngress(ctx context.Context, id uuid.UUID, port int, ssrc int64, producerRef string) error {
	query := `
		UPDATE streams
		SET assigned_port = $1, captured_ssrc = $2, producer_ref = $3, updated_at = NOW()
		WHERE id = $4`

	res, err := m.DB.ExecContext(ctx, query, port, ssrc, producerRef, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ClearIngress drops port/ssrc/producer on stop or error teardown.
func (m StreamModel) ClearIngress(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE streams
		SET assigned_port = NULL, captured_ssrc = NULL, producer_ref = NULL, updated_at = NOW()
		WHERE id = $1`
	_, err := m.DB.ExecContext(ctx, query, id)
	return err
}

func (m StreamModel) IncrementRestarts(ctx context.Context, id uuid.UUID) (int, error) {
	query := `
		UPDATE streams
		SET restart_count = restart_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING restart_count`

	var count int
	err := m.DB.QueryRowContext(ctx, query, id).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrRecordNotFound
	}
	return count, err
}

func (m StreamModel) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM streams WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// StreamFilter parameters
type StreamFilter struct {
	State    string
	CameraID *uuid.UUID
}

func (m StreamModel) List(ctx context.Context, filter StreamFilter, limit, offset int) ([]*Stream, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	nextArg := 1

	if filter.State != "" {
		where += fmt.Sprintf(" AND state = $%d", nextArg)
		args = append(args, filter.State)
		nextArg++
	}
	if filter.CameraID != nil {
		where += fmt.Sprintf(" AND camera_id = $%d", nextArg)
		args = append(args, *filter.CameraID)
		nextArg++
	}

	countQuery := "SELECT count(*) FROM streams " + where
	var total int
	if err := m.DB.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT id, camera_id, state, codec_config, producer_ref, assigned_port,
		       captured_ssrc, last_error, restart_count, started_at, created_at, updated_at
		FROM streams
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, nextArg, nextArg+1)

	args = append(args, limit, offset)

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var streams []*Stream
	for rows.Next() {
		s, err := m.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		streams = append(streams, s)
	}
	return streams, total, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (m StreamModel) scanOne(row *sql.Row) (*Stream, error) {
	s, err := m.scanRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return s, err
}

func (m StreamModel) scanRow(row rowScanner) (*Stream, error) {
	var s Stream
	var codec, producerRef, lastError sql.NullString
	var port sql.NullInt64
	var ssrc sql.NullInt64
	var startedAt sql.NullTime

	err := row.Scan(
		&s.ID, &s.CameraID, &s.State, &codec, &producerRef, &port,
		&ssrc, &lastError, &s.RestartCount, &startedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if codec.Valid {
		s.CodecConfig = codec.String
	}
	if producerRef.Valid {
		s.ProducerRef = &producerRef.String
	}
	if port.Valid {
		p := int(port.Int64)
		s.AssignedPort = &p
	}
	if ssrc.Valid {
		s.CapturedSSRC = &ssrc.Int64
	}
	if lastError.Valid {
		s.LastError = &lastError.String
	}
	if startedAt.Valid {
		s.StartedAt = &startedAt.Time
	}
	return &s, nil
}
