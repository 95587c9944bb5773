package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Device is a configured RTSP source.
type Device struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	RtspURL   string    `json:"rtsp_url"`
	Location  string    `json:"location,omitempty"`
	IsActive  bool      `json:"is_active"` // derived: any non-terminal stream exists
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type DeviceModel struct {
	DB DBTX
}

func (m DeviceModel) Create(ctx context.Context, d *Device) error {
	query := `
		INSERT INTO devices (name, rtsp_url, location)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`

	return m.DB.QueryRowContext(ctx, query, d.Name, d.RtspURL, d.Location).
		Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
}

// GetByID returns the device with is_active derived from its streams.
func (m DeviceModel) GetByID(ctx context.Context, id uuid.UUID) (*Device, error) {
	query := `
		SELECT d.id, d.name, d.rtsp_url, d.location, d.created_at, d.updated_at,
		       EXISTS (
		           SELECT 1 FROM streams s
		           WHERE s.camera_id = d.id AND s.state NOT IN ('STOPPED', 'CLOSED')
		       ) AS is_active
		FROM devices d
		WHERE d.id = $1`

	var d Device
	var location sql.NullString

	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&d.ID, &d.Name, &d.RtspURL, &location, &d.CreatedAt, &d.UpdatedAt, &d.IsActive,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	if location.Valid {
		d.Location = location.String
	}
	return &d, nil
}

func (m DeviceModel) Update(ctx context.Context, d *Device) error {
	query := `
		UPDATE devices
		SET name = $1, rtsp_url = $2, location = $3, updated_at = NOW()
		WHERE id = $4
		RETURNING updated_at`

	err := m.DB.QueryRowContext(ctx, query, d.Name, d.RtspURL, d.Location, d.ID).
		Scan(&d.UpdatedAt)
	if err == sql.ErrNoRows {
		return ErrRecordNotFound
	}
	return err
}

// Delete removes a device. Refuses while any stream still references it.
func (m DeviceModel) Delete(ctx context.Context, id uuid.UUID) error {
	var count int
	check := `SELECT count(*) FROM streams WHERE camera_id = $1 AND state NOT IN ('STOPPED', 'CLOSED')`
	if err := m.DB.QueryRowContext(ctx, check, id).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("device has %d active stream(s): %w", count, ErrEditConflict)
	}

	res, err := m.DB.ExecContext(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m DeviceModel) List(ctx context.Context, limit, offset int) ([]*Device, int, error) {
	var total int
	if err := m.DB.QueryRowContext(ctx, `SELECT count(*) FROM devices`).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT d.id, d.name, d.rtsp_url, d.location, d.created_at, d.updated_at,
		       EXISTS (
		           SELECT 1 FROM streams s
		           WHERE s.camera_id = d.id AND s.state NOT IN ('STOPPED', 'CLOSED')
		       ) AS is_active
		FROM devices d
		ORDER BY d.created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := m.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		var d Device
		var location sql.NullString
		if err := rows.Scan(&d.ID, &d.Name, &d.RtspURL, &location, &d.CreatedAt, &d.UpdatedAt, &d.IsActive); err != nil {
			return nil, 0, err
		}
		if location.Valid {
			d.Location = location.String
		}
		devices = append(devices, &d)
	}
	return devices, total, rows.Err()
}
