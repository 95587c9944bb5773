package data

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Scopes a client may hold.
const (
	ScopeStreamsRead    = "streams:read"
	ScopeStreamsWrite   = "streams:write"
	ScopeStreamsConsume = "streams:consume"
	ScopeSnapshotsRead  = "snapshots:read"
	ScopeSnapshotsWrite = "snapshots:write"
	ScopeBookmarksRead  = "bookmarks:read"
	ScopeBookmarksWrite = "bookmarks:write"
)

// AllScopes is the fixed scope set; anything else is rejected at
// client creation.
var AllScopes = []string{
	ScopeStreamsRead, ScopeStreamsWrite, ScopeStreamsConsume,
	ScopeSnapshotsRead, ScopeSnapshotsWrite,
	ScopeBookmarksRead, ScopeBookmarksWrite,
}

// Client is an API principal identified by client_id + secret.
type Client struct {
	ClientID   string     `json:"client_id"`
	SecretHash string     `json:"-"`
	Scopes     []string   `json:"scopes"`
	IsActive   bool       `json:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type ClientModel struct {
	DB DBTX
}

func (m ClientModel) Create(ctx context.Context, c *Client) error {
	query := `
		INSERT INTO clients (client_id, secret_hash, scopes, is_active, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	return m.DB.QueryRowContext(ctx, query,
		c.ClientID, c.SecretHash, pq.Array(c.Scopes), c.IsActive, c.ExpiresAt,
	).Scan(&c.CreatedAt)
}

func (m ClientModel) GetByClientID(ctx context.Context, clientID string) (*Client, error) {
	query := `
		SELECT client_id, secret_hash, scopes, is_active, expires_at, last_used_at, created_at
		FROM clients
		WHERE client_id = $1`

	var c Client
	var scopes []string
	var expiresAt, lastUsedAt sql.NullTime

	err := m.DB.QueryRowContext(ctx, query, clientID).Scan(
		&c.ClientID, &c.SecretHash, pq.Array(&scopes), &c.IsActive,
		&expiresAt, &lastUsedAt, &c.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	c.Scopes = scopes
	if expiresAt.Valid {
		c.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		c.LastUsedAt = &lastUsedAt.Time
	}
	return &c, nil
}

func (m ClientModel) TouchLastUsed(ctx context.Context, clientID string) error {
	_, err := m.DB.ExecContext(ctx,
		`UPDATE clients SET last_used_at = NOW() WHERE client_id = $1`, clientID)
	return err
}

func (m ClientModel) Deactivate(ctx context.Context, clientID string) error {
	res, err := m.DB.ExecContext(ctx,
		`UPDATE clients SET is_active = FALSE WHERE client_id = $1`, clientID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// RefreshToken is the stored (hashed) form of an opaque refresh token.
type RefreshToken struct {
	ID        uuid.UUID
	ClientID  string
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

type RefreshTokenModel struct {
	DB DBTX
}

// New stores a hash of the plaintext and returns the record id. The
// plaintext itself never touches the database.
func (m RefreshTokenModel) New(ctx context.Context, clientID, tokenPlain string, ttl time.Duration) (uuid.UUID, error) {
	hash := sha256.Sum256([]byte(tokenPlain))
	hashString := hex.EncodeToString(hash[:])

	expiresAt := time.Now().Add(ttl).UTC()

	query := `
		INSERT INTO refresh_tokens (client_id, token_hash, expires_at)
		VALUES ($1, $2, $3)
		RETURNING id`

	var id uuid.UUID
	err := m.DB.QueryRowContext(ctx, query, clientID, hashString, expiresAt).Scan(&id)
	return id, err
}

func (m RefreshTokenModel) GetByPlaintext(ctx context.Context, tokenPlain string) (*RefreshToken, error) {
	hash := sha256.Sum256([]byte(tokenPlain))
	hashString := hex.EncodeToString(hash[:])

	query := `
		SELECT id, client_id, token_hash, expires_at, revoked_at, created_at
		FROM refresh_tokens
		WHERE token_hash = $1`

	var t RefreshToken
	var revokedAt sql.NullTime

	err := m.DB.QueryRowContext(ctx, query, hashString).Scan(
		&t.ID, &t.ClientID, &t.TokenHash, &t.ExpiresAt, &revokedAt, &t.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t.RevokedAt = &revokedAt.Time
	}
	return &t, nil
}

func (m RefreshTokenModel) Revoke(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = (NOW() AT TIME ZONE 'UTC')
		WHERE id = $1 AND revoked_at IS NULL`
	_, err := m.DB.ExecContext(ctx, query, id)
	return err
}

func (m RefreshTokenModel) RevokeAllForClient(ctx context.Context, clientID string) error {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = (NOW() AT TIME ZONE 'UTC')
		WHERE client_id = $1 AND revoked_at IS NULL`
	_, err := m.DB.ExecContext(ctx, query, clientID)
	return err
}

// DeleteExpired clears tokens past expiry, for a maintenance sweep.
func (m RefreshTokenModel) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := m.DB.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at < (NOW() AT TIME ZONE 'UTC')`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
