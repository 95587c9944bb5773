package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const (
	ProducerActive = "ACTIVE"
	ProducerClosed = "CLOSED"
)

// Producer is the SFU-side handle for a stream's ingress RTP flow.
type Producer struct {
	ID        uuid.UUID `json:"id"`
	StreamID  uuid.UUID `json:"stream_id"`
	SfuID     string    `json:"sfu_id"` // opaque id assigned by the SFU worker
	SSRC      int64     `json:"ssrc"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

type ProducerModel struct {
	DB DBTX
}

func (m ProducerModel) Create(ctx context.Context, p *Producer) error {
	query := `
		INSERT INTO producers (stream_id, sfu_id, ssrc, state)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	return m.DB.QueryRowContext(ctx, query, p.StreamID, p.SfuID, p.SSRC, p.State).
		Scan(&p.ID, &p.CreatedAt)
}

func (m ProducerModel) GetActiveByStream(ctx context.Context, streamID uuid.UUID) (*Producer, error) {
	query := `
		SELECT id, stream_id, sfu_id, ssrc, state, created_at
		FROM producers
		WHERE stream_id = $1 AND state = 'ACTIVE'
		ORDER BY created_at DESC
		LIMIT 1`

	var p Producer
	err := m.DB.QueryRowContext(ctx, query, streamID).Scan(
		&p.ID, &p.StreamID, &p.SfuID, &p.SSRC, &p.State, &p.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CloseAllForStream marks every producer of a stream CLOSED. Returns the
// sfu ids that were still active so the caller can close them on the SFU.
func (m ProducerModel) CloseAllForStream(ctx context.Context, streamID uuid.UUID) ([]string, error) {
	query := `
		UPDATE producers
		SET state = 'CLOSED'
		WHERE stream_id = $1 AND state = 'ACTIVE'
		RETURNING sfu_id`

	rows, err := m.DB.QueryContext(ctx, query, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sfuIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		sfuIDs = append(sfuIDs, id)
	}
	return sfuIDs, rows.Err()
}
