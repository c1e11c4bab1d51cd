package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileRoundTrip(t *testing.T) {
	reg, kp, err := NewRegistration("alice", "alice@example.com", "hunter22hunter")
	require.NoError(t, err)
	res := &AuthResponse{
		User:                User{ID: "u1", Username: "alice", Email: "alice@example.com", PublicKey: reg.PublicKey},
		EncryptedPrivateKey: reg.EncryptedPrivateKey,
		Token:               "tok-1",
		ExpiresAt:           time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	path := filepath.Join(t.TempDir(), "profile", "profile.json")

	_, err = LoadProfile(path)
	assert.ErrorIs(t, err, ErrNoProfile)

	require.NoError(t, ProfileFromAuth("http://localhost:8080", res).Save(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, "tok-1", p.Token)
	assert.True(t, res.ExpiresAt.Equal(p.ExpiresAt))
	assert.False(t, p.Expired(time.Now()))
	assert.True(t, p.Expired(time.Now().Add(2*time.Hour)))

	priv, err := p.Unlock("hunter22hunter")
	require.NoError(t, err)
	assert.Equal(t, kp.Private, priv)
	_, err = p.Unlock("nope")
	assert.ErrorIs(t, err, keys.ErrWrongPassword)
}

func TestLoadProfileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	_, err := LoadProfile(path)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoProfile)
}
