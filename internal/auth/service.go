package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-mediagw/internal/data"
	"github.com/technosupport/ts-mediagw/internal/tokens"
)

var (
	ErrInvalidCredentials  = errors.New("invalid client_id or client_secret")
	ErrClientInactive      = errors.New("client is inactive")
	ErrClientExpired       = errors.New("client credentials have expired")
	ErrClientExists        = errors.New("client already exists")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrUnknownScope        = errors.New("unknown scope")
)

// ClientStore is the data-layer surface the service needs.
type ClientStore interface {
	Create(ctx context.Context, c *data.Client) error
	GetByClientID(ctx context.Context, clientID string) (*data.Client, error)
	TouchLastUsed(ctx context.Context, clientID string) error
	Deactivate(ctx context.Context, clientID string) error
}

type RefreshTokenStore interface {
	New(ctx context.Context, clientID, tokenPlain string, ttl time.Duration) (uuid.UUID, error)
	GetByPlaintext(ctx context.Context, tokenPlain string) (*data.RefreshToken, error)
	Revoke(ctx context.Context, id uuid.UUID) error
	RevokeAllForClient(ctx context.Context, clientID string) error
}

// Service issues and validates API credentials and tokens.
type Service struct {
	clients       ClientStore
	refreshTokens RefreshTokenStore
	jwt           *tokens.Manager
	refreshTTL    time.Duration
}

func NewService(clients ClientStore, refreshTokens RefreshTokenStore, jwt *tokens.Manager, refreshTTL time.Duration) *Service {
	if refreshTTL == 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &Service{
		clients:       clients,
		refreshTokens: refreshTokens,
		jwt:           jwt,
		refreshTTL:    refreshTTL,
	}
}

// CreatedClient carries the plaintext secret, returned exactly once.
type CreatedClient struct {
	ClientID     string     `json:"client_id"`
	ClientSecret string     `json:"client_secret"`
	Scopes       []string   `json:"scopes"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (s *Service) CreateClient(ctx context.Context, clientID string, scopes []string, expiresAt *time.Time) (*CreatedClient, error) {
	for _, scope := range scopes {
		if !validScope(scope) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownScope, scope)
		}
	}

	if _, err := s.clients.GetByClientID(ctx, clientID); err == nil {
		return nil, ErrClientExists
	} else if !errors.Is(err, data.ErrRecordNotFound) {
		return nil, err
	}

	secret, err := randomToken()
	if err != nil {
		return nil, err
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return nil, err
	}

	client := &data.Client{
		ClientID:   clientID,
		SecretHash: hash,
		Scopes:     scopes,
		IsActive:   true,
		ExpiresAt:  expiresAt,
	}
	if err := s.clients.Create(ctx, client); err != nil {
		return nil, err
	}

	return &CreatedClient{
		ClientID:     clientID,
		ClientSecret: secret,
		Scopes:       scopes,
		ExpiresAt:    expiresAt,
		CreatedAt:    client.CreatedAt,
	}, nil
}

// TokenPair is the response of a successful credential grant.
type TokenPair struct {
	AccessToken  string   `json:"access_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int      `json:"expires_in"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	Scopes       []string `json:"scopes"`
}

// IssueTokens validates client credentials and returns a fresh
// access + refresh token pair.
func (s *Service) IssueTokens(ctx context.Context, clientID, clientSecret string) (*TokenPair, error) {
	client, err := s.clients.GetByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	ok, err := CheckSecret(clientSecret, client.SecretHash)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}
	if !client.IsActive {
		return nil, ErrClientInactive
	}
	if client.ExpiresAt != nil && client.ExpiresAt.Before(time.Now()) {
		return nil, ErrClientExpired
	}

	accessToken, err := s.jwt.GenerateAccessToken(client.ClientID, client.Scopes)
	if err != nil {
		return nil, err
	}

	refreshPlain, err := randomToken()
	if err != nil {
		return nil, err
	}
	if _, err := s.refreshTokens.New(ctx, client.ClientID, refreshPlain, s.refreshTTL); err != nil {
		return nil, err
	}

	_ = s.clients.TouchLastUsed(ctx, client.ClientID)

	return &TokenPair{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.jwt.AccessTTL().Seconds()),
		RefreshToken: refreshPlain,
		Scopes:       client.Scopes,
	}, nil
}

// Refresh exchanges a refresh token for a new access token. The refresh
// token itself is not rotated; it stays valid until its own expiry or
// revocation. Scopes are re-read from the client at refresh time.
func (s *Service) Refresh(ctx context.Context, refreshPlain string) (*TokenPair, error) {
	record, err := s.refreshTokens.GetByPlaintext(ctx, refreshPlain)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	if record.RevokedAt != nil {
		return nil, ErrInvalidRefreshToken
	}
	if record.ExpiresAt.Before(time.Now()) {
		return nil, ErrInvalidRefreshToken
	}

	client, err := s.clients.GetByClientID(ctx, record.ClientID)
	if err != nil || !client.IsActive {
		return nil, ErrClientInactive
	}

	accessToken, err := s.jwt.GenerateAccessToken(client.ClientID, client.Scopes)
	if err != nil {
		return nil, err
	}

	_ = s.clients.TouchLastUsed(ctx, client.ClientID)

	return &TokenPair{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.jwt.AccessTTL().Seconds()),
		Scopes:      client.Scopes,
	}, nil
}

// RevokeRefreshToken invalidates a refresh token. Unknown tokens are a
// silent success so revocation does not leak token existence.
func (s *Service) RevokeRefreshToken(ctx context.Context, refreshPlain string) error {
	record, err := s.refreshTokens.GetByPlaintext(ctx, refreshPlain)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	return s.refreshTokens.Revoke(ctx, record.ID)
}

// DeactivateClient disables a client and revokes all of its refresh tokens.
func (s *Service) DeactivateClient(ctx context.Context, clientID string) error {
	if err := s.clients.Deactivate(ctx, clientID); err != nil {
		return err
	}
	return s.refreshTokens.RevokeAllForClient(ctx, clientID)
}

func validScope(scope string) bool {
	for _, s := range data.AllScopes {
		if s == scope {
			return true
		}
	}
	return false
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
