package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const (
	ConsumerPending   = "PENDING"
	ConsumerConnected = "CONNECTED"
	ConsumerClosed    = "CLOSED"
)

// Consumer is one WebRTC downstream attached to a stream's producer.
type Consumer struct {
	ID            uuid.UUID  `json:"id"`
	StreamID      uuid.UUID  `json:"stream_id"`
	ClientID      string     `json:"client_id"`
	State         string     `json:"state"`
	SfuConsumerID string     `json:"sfu_consumer_id,omitempty"`
	TransportRef  string     `json:"transport_ref,omitempty"`
	CloseReason   *string    `json:"close_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastSeenAt    *time.Time `json:"last_seen_at,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

type ConsumerModel struct {
	DB DBTX
}

func (m ConsumerModel) Create(ctx context.Context, c *Consumer) error {
	query := `
		INSERT INTO consumers (stream_id, client_id, state, sfu_consumer_id, transport_ref)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	return m.DB.QueryRowContext(ctx, query,
		c.StreamID, c.ClientID, c.State, c.SfuConsumerID, c.TransportRef,
	).Scan(&c.ID, &c.CreatedAt)
}

func (m ConsumerModel) GetByID(ctx context.Context, id uuid.UUID) (*Consumer, error) {
	query := `
		SELECT id, stream_id, client_id, state, sfu_consumer_id, transport_ref,
		       close_reason, created_at, last_seen_at, closed_at
		FROM consumers
		WHERE id = $1`

	var c Consumer
	var sfuID, transportRef, closeReason sql.NullString
	var lastSeen, closedAt sql.NullTime

	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.StreamID, &c.ClientID, &c.State, &sfuID, &transportRef,
		&closeReason, &c.CreatedAt, &lastSeen, &closedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	if sfuID.Valid {
		c.SfuConsumerID = sfuID.String
	}
	if transportRef.Valid {
		c.TransportRef = transportRef.String
	}
	if closeReason.Valid {
		c.CloseReason = &closeReason.String
	}
	if lastSeen.Valid {
		c.LastSeenAt = &lastSeen.Time
	}
	if closedAt.Valid {
		c.ClosedAt = &closedAt.Time
	}
	return &c, nil
}

// MarkConnected transitions PENDING -> CONNECTED. Returns ErrEditConflict
// when the consumer is in any other state.
func (m ConsumerModel) MarkConnected(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE consumers
		SET state = 'CONNECTED', last_seen_at = NOW()
		WHERE id = $1 AND state = 'PENDING'`

	res, err := m.DB.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		if _, err := m.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrEditConflict
	}
	return nil
}

func (m ConsumerModel) Touch(ctx context.Context, id uuid.UUID) error {
	_, err := m.DB.ExecContext(ctx,
		`UPDATE consumers SET last_seen_at = NOW() WHERE id = $1`, id)
	return err
}

// Close marks a consumer CLOSED with a reason. Idempotent.
func (m ConsumerModel) Close(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE consumers
		SET state = 'CLOSED', close_reason = $1, closed_at = NOW()
		WHERE id = $2 AND state != 'CLOSED'`

	_, err := m.DB.ExecContext(ctx, query, reason, id)
	return err
}

// CloseAllForStream closes every open consumer of a stream, returning the
// transport refs that still need closing on the SFU.
func (m ConsumerModel) CloseAllForStream(ctx context.Context, streamID uuid.UUID, reason string) ([]string, error) {
	query := `
		UPDATE consumers
		SET state = 'CLOSED', close_reason = $1, closed_at = NOW()
		WHERE stream_id = $2 AND state != 'CLOSED'
		RETURNING transport_ref`

	rows, err := m.DB.QueryContext(ctx, query, reason, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref sql.NullString
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		if ref.Valid && ref.String != "" {
			refs = append(refs, ref.String)
		}
	}
	return refs, rows.Err()
}

// ListForStream returns all consumers plus the count of non-closed ones.
func (m ConsumerModel) ListForStream(ctx context.Context, streamID uuid.UUID) ([]*Consumer, int, error) {
	query := `
		SELECT id, stream_id, client_id, state, sfu_consumer_id, transport_ref,
		       close_reason, created_at, last_seen_at, closed_at
		FROM consumers
		WHERE stream_id = $1
		ORDER BY created_at DESC`

	rows, err := m.DB.QueryContext(ctx, query, streamID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var consumers []*Consumer
	active := 0
	for rows.Next() {
		var c Consumer
		var sfuID, transportRef, closeReason sql.NullString
		var lastSeen, closedAt sql.NullTime
		if err := rows.Scan(
			&c.ID, &c.StreamID, &c.ClientID, &c.State, &sfuID, &transportRef,
			&closeReason, &c.CreatedAt, &lastSeen, &closedAt,
		); err != nil {
			return nil, 0, err
		}
		if sfuID.Valid {
			c.SfuConsumerID = sfuID.String
		}
		if transportRef.Valid {
			c.TransportRef = transportRef.String
		}
		if closeReason.Valid {
			c.CloseReason = &closeReason.String
		}
		if lastSeen.Valid {
			c.LastSeenAt = &lastSeen.Time
		}
		if closedAt.Valid {
			c.ClosedAt = &closedAt.Time
		}
		if c.State != ConsumerClosed {
			active++
		}
		consumers = append(consumers, &c)
	}
	return consumers, active, rows.Err()
}

// CountActiveForStream counts non-closed consumers.
func (m ConsumerModel) CountActiveForStream(ctx context.Context, streamID uuid.UUID) (int, error) {
	var count int
	err := m.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM consumers WHERE stream_id = $1 AND state != 'CLOSED'`,
		streamID).Scan(&count)
	return count, err
}

// ListStalePending returns PENDING consumers older than the TTL, for the
// registry's reaper.
func (m ConsumerModel) ListStalePending(ctx context.Context, ttl time.Duration) ([]*Consumer, error) {
	query := `
		SELECT id, stream_id, client_id, state, sfu_consumer_id, transport_ref,
		       close_reason, created_at, last_seen_at, closed_at
		FROM consumers
		WHERE state = 'PENDING' AND created_at < $1`

	rows, err := m.DB.QueryContext(ctx, query, time.Now().Add(-ttl).UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Consumer
	for rows.Next() {
		var c Consumer
		var sfuID, transportRef, closeReason sql.NullString
		var lastSeen, closedAt sql.NullTime
		if err := rows.Scan(
			&c.ID, &c.StreamID, &c.ClientID, &c.State, &sfuID, &transportRef,
			&closeReason, &c.CreatedAt, &lastSeen, &closedAt,
		); err != nil {
			return nil, err
		}
		if sfuID.Valid {
			c.SfuConsumerID = sfuID.String
		}
		if transportRef.Valid {
			c.TransportRef = transportRef.String
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
