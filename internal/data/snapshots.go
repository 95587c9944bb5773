package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Extraction record statuses. Transitions are monotone:
// PROCESSING -> READY | FAILED, never backwards.
const (
	ExtractProcessing = "PROCESSING"
	ExtractReady      = "READY"
	ExtractFailed     = "FAILED"
)

// Extraction sources.
const (
	SourceLive       = "LIVE"
	SourceHistorical = "HISTORICAL"
)

// Snapshot is an extracted still image.
type Snapshot struct {
	ID        uuid.UUID       `json:"id"`
	StreamID  uuid.UUID       `json:"stream_id"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Status    string          `json:"status"`
	ImagePath *string         `json:"image_path,omitempty"`
	Error     *string         `json:"error,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Deleted   bool            `json:"-"`
	CreatedAt time.Time       `json:"created_at"`
}

type SnapshotModel struct {
	DB DBTX
}

func (m SnapshotModel) Create(ctx context.Context, s *Snapshot) error {
	query := `
		INSERT INTO snapshots (stream_id, ts, source, status, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	meta := s.Metadata
	if meta == nil {
		meta = json.RawMessage(`{}`)
	}
	return m.DB.QueryRowContext(ctx, query,
		s.StreamID, s.Timestamp.UTC(), s.Source, s.Status, []byte(meta),
	).Scan(&s.ID, &s.CreatedAt)
}

func (m SnapshotModel) GetByID(ctx context.Context, id uuid.UUID) (*Snapshot, error) {
	query := `
		SELECT id, stream_id, ts, source, status, image_path, error, metadata, deleted, created_at
		FROM snapshots
		WHERE id = $1`

	var s Snapshot
	var imagePath, errMsg sql.NullString
	var meta []byte

	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&s.ID, &s.StreamID, &s.Timestamp, &s.Source, &s.Status,
		&imagePath, &errMsg, &meta, &s.Deleted, &s.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if imagePath.Valid {
		s.ImagePath = &imagePath.String
	}
	if errMsg.Valid {
		s.Error = &errMsg.String
	}
	s.Metadata = meta
	return &s, nil
}

// MarkReady completes a PROCESSING snapshot. The state guard in the WHERE
// clause keeps the status transition monotone.
func (m SnapshotModel) MarkReady(ctx context.Context, id uuid.UUID, imagePath string) error {
	query := `
		UPDATE snapshots
		SET status = 'READY', image_path = $1
		WHERE id = $2 AND status = 'PROCESSING'`

	res, err := m.DB.ExecContext(ctx, query, imagePath, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrEditConflict
	}
	return nil
}

func (m SnapshotModel) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE snapshots
		SET status = 'FAILED', error = $1
		WHERE id = $2 AND status = 'PROCESSING'`

	res, err := m.DB.ExecContext(ctx, query, reason, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrEditConflict
	}
	return nil
}

// MarkDeleted sets the tombstone an in-flight extraction worker checks at
// completion. Returns the snapshot's pre-delete status.
func (m SnapshotModel) MarkDeleted(ctx context.Context, id uuid.UUID) (string, error) {
	query := `
		UPDATE snapshots
		SET deleted = TRUE
		WHERE id = $1
		RETURNING status`

	var status string
	err := m.DB.QueryRowContext(ctx, query, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrRecordNotFound
	}
	return status, err
}

func (m SnapshotModel) Purge(ctx context.Context, id uuid.UUID) error {
	_, err := m.DB.ExecContext(ctx, `DELETE FROM snapshots WHERE id = $1`, id)
	return err
}

// SnapshotFilter parameters
type SnapshotFilter struct {
	StreamID *uuid.UUID
	Status   string
	Source   string
}

func (m SnapshotModel) List(ctx context.Context, filter SnapshotFilter, limit, offset int) ([]*Snapshot, int, error) {
	where := "WHERE deleted = FALSE"
	args := []any{}
	nextArg := 1

	if filter.StreamID != nil {
		where += fmt.Sprintf(" AND stream_id = $%d", nextArg)
		args = append(args, *filter.StreamID)
		nextArg++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", nextArg)
		args = append(args, filter.Status)
		nextArg++
	}
	if filter.Source != "" {
		where += fmt.Sprintf(" AND source = $%d", nextArg)
		args = append(args, filter.Source)
		nextArg++
	}

	var total int
	if err := m.DB.QueryRowContext(ctx, "SELECT count(*) FROM snapshots "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT id, stream_id, ts, source, status, image_path, error, metadata, deleted, created_at
		FROM snapshots
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, nextArg, nextArg+1)

	args = append(args, limit, offset)

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		var s Snapshot
		var imagePath, errMsg sql.NullString
		var meta []byte
		if err := rows.Scan(
			&s.ID, &s.StreamID, &s.Timestamp, &s.Source, &s.Status,
			&imagePath, &errMsg, &meta, &s.Deleted, &s.CreatedAt,
		); err != nil {
			return nil, 0, err
		}
		if imagePath.Valid {
			s.ImagePath = &imagePath.String
		}
		if errMsg.Valid {
			s.Error = &errMsg.String
		}
		s.Metadata = meta
		snaps = append(snaps, &s)
	}
	return snaps, total, rows.Err()
}
