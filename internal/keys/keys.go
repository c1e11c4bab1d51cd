// Package keys implements the client-side key management used for end-to-end
// encryption.
//
// Each user owns an X25519 key pair. The public half is uploaded at
// registration; the private half only leaves the client sealed under a key
// derived from the user's password. Every message is encrypted twice, once
// to the sender's public key and once to the receiver's, so that each party
// can decrypt its own copy without the server ever holding plaintext.
//
// Example:
//
//	kp, err := keys.GenerateKeyPair()
//	if err != nil {
//	    return err
//	}
//	blob, err := keys.ProtectPrivateKey(kp.Private, password)
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the size of public, private and symmetric keys.
	KeySize = 32

	// PBKDF2Iterations is the iteration count for password key derivation.
	PBKDF2Iterations = 100000

	// MaxPlaintextSize bounds a single message payload.
	MaxPlaintextSize = 64 * 1024

	// SealOverhead is the number of bytes EncryptFor adds to a plaintext.
	SealOverhead = box.AnonymousOverhead
)

// FixedSalt is the application-wide salt for DeriveSymmetricKey. The same
// password must always yield the same key so it can be re-derived at every
// login without storing it.
var FixedSalt = []byte("securechat/private-key-protection/v1")

// PublicKey is a raw X25519 public key.
type PublicKey [KeySize]byte

// PrivateKey is a raw X25519 private key.
type PrivateKey [KeySize]byte

// KeyPair holds both halves of a user's identity key.
type KeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, &CryptoError{Op: "generate key pair", Err: err}
	}
	return &KeyPair{Public: *pub, Private: *priv}, nil
}

// PublicFromPrivate recomputes the public key for priv.
func PublicFromPrivate(priv PrivateKey) (PublicKey, error) {
	var pub PublicKey
	out, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, &CryptoError{Op: "derive public key", Err: err}
	}
	copy(pub[:], out)
	return pub, nil
}

// ParsePublicKey converts raw bytes received from the server.
func ParsePublicKey(b []byte) (PublicKey, error) {
	var pub PublicKey
	if len(b) != KeySize {
		return pub, &CryptoError{Op: "parse public key", Err: ErrMalformedKey}
	}
	copy(pub[:], b)
	return pub, nil
}

// DeriveSymmetricKey derives a 256-bit AES key from password using
// PBKDF2-HMAC-SHA256. It is deterministic for a given password and salt.
func DeriveSymmetricKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, PBKDF2Iterations, KeySize, sha256.New)
}

// ProtectPrivateKey seals priv under a key derived from password. The
// returned blob is nonce || ciphertext and is what the server stores as the
// user's encrypted private key.
func ProtectPrivateKey(priv PrivateKey, password string) ([]byte, error) {
	key := DeriveSymmetricKey(password, FixedSalt)
	defer Wipe(key)

	blob, err := Seal(key, priv[:])
	if err != nil {
		return nil, &CryptoError{Op: "protect private key", Err: err}
	}
	return blob, nil
}

// UnlockPrivateKey reverses ProtectPrivateKey. A wrong password or a
// tampered blob yields a *CryptoError wrapping ErrWrongPassword; a corrupted
// key is never returned.
func UnlockPrivateKey(blob []byte, password string) (PrivateKey, error) {
	var priv PrivateKey

	key := DeriveSymmetricKey(password, FixedSalt)
	defer Wipe(key)

	raw, err := Open(key, blob)
	if err != nil {
		return priv, &CryptoError{Op: "unlock private key", Err: ErrWrongPassword}
	}
	defer Wipe(raw)

	if len(raw) != KeySize {
		return priv, &CryptoError{Op: "unlock private key", Err: ErrMalformedKey}
	}
	copy(priv[:], raw)
	return priv, nil
}

// EncryptFor seals plaintext so that only the holder of the private key
// matching pub can read it. The sender stays anonymous at this layer; the
// relay authenticates who submitted the message.
func EncryptFor(plaintext []byte, pub PublicKey) ([]byte, error) {
	if len(plaintext) > MaxPlaintextSize {
		return nil, &CryptoError{Op: "encrypt", Err: ErrPlaintextTooLarge}
	}
	p := [KeySize]byte(pub)
	out, err := box.SealAnonymous(nil, plaintext, &p, rand.Reader)
	if err != nil {
		return nil, &CryptoError{Op: "encrypt", Err: err}
	}
	return out, nil
}

// DecryptWith opens a ciphertext produced by EncryptFor. Any failure is a
// *DecryptionError.
func DecryptWith(ciphertext []byte, priv PrivateKey) ([]byte, error) {
	if len(ciphertext) < SealOverhead {
		return nil, &DecryptionError{Err: fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))}
	}
	pub, err := PublicFromPrivate(priv)
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}
	p, k := [KeySize]byte(pub), [KeySize]byte(priv)
	defer Wipe(k[:])

	out, ok := box.OpenAnonymous(nil, ciphertext, &p, &k)
	if !ok {
		return nil, &DecryptionError{Err: ErrAuthFailed}
	}
	return out, nil
}

// EncryptMessage produces the two independent ciphertexts carried by every
// message: one for the sender's own history and one for the receiver.
func EncryptMessage(text string, senderPub, receiverPub PublicKey) (encSender, encReceiver []byte, err error) {
	if encSender, err = EncryptFor([]byte(text), senderPub); err != nil {
		return nil, nil, err
	}
	if encReceiver, err = EncryptFor([]byte(text), receiverPub); err != nil {
		return nil, nil, err
	}
	return encSender, encReceiver, nil
}

// Seal encrypts plaintext with AES-256-GCM under key using a fresh random
// nonce. Output layout: nonce || ciphertext+tag.
func Seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize(), gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func Open(key, blob []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	ns := gcm.NonceSize()
	if len(blob) < ns+gcm.Overhead() {
		return nil, fmt.Errorf("sealed blob too short: %d bytes", len(blob))
	}
	return gcm.Open(nil, blob[:ns], blob[ns:], nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrMalformedKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// Wipe zeroes b. Best effort only.
//
//go:noinline
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(&b)
}
