package tokens_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-mediagw/internal/tokens"
)

const testKey = "test-signing-key-at-least-32-bytes!"

func TestAccessTokenRoundTrip(t *testing.T) {
	mgr := tokens.NewManager(testKey, time.Hour)

	token, err := mgr.GenerateAccessToken("camera-wall", []string{"streams:read", "streams:consume"})
	require.NoError(t, err)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "camera-wall", claims.ClientID)
	assert.Equal(t, "access", claims.TokenType)
	assert.NotEmpty(t, claims.ID)
	assert.True(t, claims.HasScope("streams:read"))
	assert.False(t, claims.HasScope("bookmarks:write"))
}

func TestValidateRejectsWrongKey(t *testing.T) {
	mgr := tokens.NewManager(testKey, time.Hour)
	token, err := mgr.GenerateAccessToken("client-a", nil)
	require.NoError(t, err)

	other := tokens.NewManager("another-signing-key-also-32-bytes!!", time.Hour)
	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	mgr := tokens.NewManager(testKey, time.Nanosecond)
	token, err := mgr.GenerateAccessToken("client-a", nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = mgr.ValidateToken(token)
	require.Error(t, err)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestValidateRejectsGarbage(t *testing.T) {
	mgr := tokens.NewManager(testKey, time.Hour)
	_, err := mgr.ValidateToken("not.a.jwt")
	assert.Error(t, err)
}
