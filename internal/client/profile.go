package client

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/keys"
)

// ErrNoProfile is returned by LoadProfile when nobody is logged in.
var ErrNoProfile = errors.New("client: not logged in")

// Profile is the login kept between CLI invocations. The private key stays
// sealed under the password; the password itself is never stored.
type Profile struct {
	Server              string    `json:"server"`
	UserID              string    `json:"userId"`
	Username            string    `json:"username"`
	Email               string    `json:"email"`
	Token               string    `json:"token"`
	ExpiresAt           time.Time `json:"expiresAt"`
	PublicKey           []byte    `json:"publicKey"`
	EncryptedPrivateKey []byte    `json:"encryptedPrivateKey"`
}

// ProfileFromAuth captures a register or login response.
func ProfileFromAuth(server string, r *AuthResponse) *Profile {
	return &Profile{
		Server:              server,
		UserID:              r.ID,
		Username:            r.Username,
		Email:               r.Email,
		Token:               r.Token,
		ExpiresAt:           r.ExpiresAt,
		PublicKey:           r.PublicKey,
		EncryptedPrivateKey: r.EncryptedPrivateKey,
	}
}

// Expired reports whether the token is past its expiry.
func (p *Profile) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// Unlock recovers the private key with password.
func (p *Profile) Unlock(password string) (keys.PrivateKey, error) {
	return unlockFor(p.EncryptedPrivateKey, p.PublicKey, password)
}

// LoadProfile reads path.
func LoadProfile(path string) (*Profile, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoProfile
	}
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Save writes the profile readable by the owner only.
func (p *Profile) Save(path string) error {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(path, b, 0o600)
}

// unlockFor opens blob and checks the key belongs to pub.
func unlockFor(blob, pub []byte, password string) (keys.PrivateKey, error) {
	priv, err := keys.UnlockPrivateKey(blob, password)
	if err != nil {
		return priv, err
	}
	derived, err := keys.PublicFromPrivate(priv)
	if err != nil {
		return priv, err
	}
	if subtle.ConstantTimeCompare(derived[:], pub) != 1 {
		return keys.PrivateKey{}, &keys.CryptoError{Op: "unlock private key", Err: keys.ErrMalformedKey}
	}
	return priv, nil
}
