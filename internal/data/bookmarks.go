package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Bookmark is an extracted video clip centered on a moment of interest.
type Bookmark struct {
	ID              uuid.UUID       `json:"id"`
	StreamID        uuid.UUID       `json:"stream_id"`
	CenterTimestamp time.Time       `json:"center_timestamp"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         time.Time       `json:"end_time"`
	DurationSeconds float64         `json:"duration_seconds"`
	Source          string          `json:"source"`
	Label           string          `json:"label,omitempty"`
	EventType       string          `json:"event_type,omitempty"`
	Confidence      *float64        `json:"confidence,omitempty"`
	Tags            []string        `json:"tags"`
	Status          string          `json:"status"`
	VideoPath       *string         `json:"video_path,omitempty"`
	ThumbnailPath   *string         `json:"thumbnail_path,omitempty"`
	Error           *string         `json:"error,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	Deleted         bool            `json:"-"`
	CreatedAt       time.Time       `json:"created_at"`
}

type BookmarkModel struct {
	DB DBTX
}

func (m BookmarkModel) Create(ctx context.Context, b *Bookmark) error {
	query := `
		INSERT INTO bookmarks (
			stream_id, center_ts, start_ts, end_ts, duration_seconds, source,
			label, event_type, confidence, tags, status, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at`

	meta := b.Metadata
	if meta == nil {
		meta = json.RawMessage(`{}`)
	}
	tags := b.Tags
	if tags == nil {
		tags = []string{}
	}

	return m.DB.QueryRowContext(ctx, query,
		b.StreamID, b.CenterTimestamp.UTC(), b.StartTime.UTC(), b.EndTime.UTC(),
		b.DurationSeconds, b.Source, b.Label, b.EventType, b.Confidence,
		pq.Array(tags), b.Status, []byte(meta),
	).Scan(&b.ID, &b.CreatedAt)
}

func (m BookmarkModel) GetByID(ctx context.Context, id uuid.UUID) (*Bookmark, error) {
	query := `
		SELECT id, stream_id, center_ts, start_ts, end_ts, duration_seconds, source,
		       label, event_type, confidence, tags, status, video_path, thumbnail_path,
		       error, metadata, deleted, created_at
		FROM bookmarks
		WHERE id = $1`

	b, err := scanBookmark(m.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return b, err
}

// UpdateLabels updates the caller-editable fields only.
func (m BookmarkModel) UpdateLabels(ctx context.Context, id uuid.UUID, label, eventType string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	query := `
		UPDATE bookmarks
		SET label = $1, event_type = $2, tags = $3
		WHERE id = $4 AND deleted = FALSE`

	res, err := m.DB.ExecContext(ctx, query, label, eventType, pq.Array(tags), id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m BookmarkModel) MarkReady(ctx context.Context, id uuid.UUID, videoPath, thumbnailPath string) error {
	query := `
		UPDATE bookmarks
		SET status = 'READY', video_path = $1, thumbnail_path = $2
		WHERE id = $3 AND status = 'PROCESSING'`

	res, err := m.DB.ExecContext(ctx, query, videoPath, thumbnailPath, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrEditConflict
	}
	return nil
}

func (m BookmarkModel) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE bookmarks
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

// MarkDeleted sets the tombstone; in-flight jobs observe it at completion.
func (m BookmarkModel) MarkDeleted(ctx context.Context, id uuid.UUID) (string, error) {
	query := `
		UPDATE bookmarks
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

func (m BookmarkModel) Purge(ctx context.Context, id uuid.UUID) error {
	_, err := m.DB.ExecContext(ctx, `DELETE FROM bookmarks WHERE id = $1`, id)
	return err
}

// BookmarkFilter parameters
type BookmarkFilter struct {
	StreamID  *uuid.UUID
	Status    string
	EventType string
	From      *time.Time
	To        *time.Time
}

func (m BookmarkModel) List(ctx context.Context, filter BookmarkFilter, limit, offset int) ([]*Bookmark, int, error) {
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
	if filter.EventType != "" {
		where += fmt.Sprintf(" AND event_type = $%d", nextArg)
		args = append(args, filter.EventType)
		nextArg++
	}
	if filter.From != nil {
		where += fmt.Sprintf(" AND center_ts >= $%d", nextArg)
		args = append(args, filter.From.UTC())
		nextArg++
	}
	if filter.To != nil {
		where += fmt.Sprintf(" AND center_ts <= $%d", nextArg)
		args = append(args, filter.To.UTC())
		nextArg++
	}

	var total int
	if err := m.DB.QueryRowContext(ctx, "SELECT count(*) FROM bookmarks "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT id, stream_id, center_ts, start_ts, end_ts, duration_seconds, source,
		       label, event_type, confidence, tags, status, video_path, thumbnail_path,
		       error, metadata, deleted, created_at
		FROM bookmarks
		%s
		ORDER BY center_ts DESC
		LIMIT $%d OFFSET $%d`, where, nextArg, nextArg+1)

	args = append(args, limit, offset)

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var bookmarks []*Bookmark
	for rows.Next() {
		b, err := scanBookmark(rows)
		if err != nil {
			return nil, 0, err
		}
		bookmarks = append(bookmarks, b)
	}
	return bookmarks, total, rows.Err()
}

func scanBookmark(row rowScanner) (*Bookmark, error) {
	var b Bookmark
	var label, eventType, videoPath, thumbPath, errMsg sql.NullString
	var confidence sql.NullFloat64
	var tags []string
	var meta []byte

	err := row.Scan(
		&b.ID, &b.StreamID, &b.CenterTimestamp, &b.StartTime, &b.EndTime,
		&b.DurationSeconds, &b.Source, &label, &eventType, &confidence,
		pq.Array(&tags), &b.Status, &videoPath, &thumbPath, &errMsg,
		&meta, &b.Deleted, &b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if label.Valid {
		b.Label = label.String
	}
	if eventType.Valid {
		b.EventType = eventType.String
	}
	if confidence.Valid {
		b.Confidence = &confidence.Float64
	}
	if videoPath.Valid {
		b.VideoPath = &videoPath.String
	}
	if thumbPath.Valid {
		b.ThumbnailPath = &thumbPath.String
	}
	if errMsg.Valid {
		b.Error = &errMsg.String
	}
	b.Tags = tags
	b.Metadata = meta
	return &b, nil
}
