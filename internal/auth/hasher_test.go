package auth_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-mediagw/internal/auth"
)

func TestHashSecret(t *testing.T) {
	secret := "correct-horse-battery-staple"

	hash, err := auth.HashSecret(secret)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"), "got %s", hash)

	// Salted: two hashes of the same secret differ.
	other, err := auth.HashSecret(secret)
	require.NoError(t, err)
	assert.NotEqual(t, hash, other)
}

func TestCheckSecret(t *testing.T) {
	hash, err := auth.HashSecret("s3cret")
	require.NoError(t, err)

	ok, err := auth.CheckSecret("s3cret", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = auth.CheckSecret("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckSecretMalformedHash(t *testing.T) {
	_, err := auth.CheckSecret("s3cret", "not-a-hash")
	assert.Error(t, err)

	_, err = auth.CheckSecret("s3cret", "$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA")
	assert.Error(t, err)
}
