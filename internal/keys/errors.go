package keys

import "errors"

// Sentinel errors wrapped by CryptoError and DecryptionError. Use errors.Is
// to classify and errors.As to recover the typed error.
var (
	// ErrWrongPassword indicates the AEAD tag did not verify when unlocking a
	// protected private key: the password is wrong or the blob was modified.
	ErrWrongPassword = errors.New("wrong password or corrupted key blob")

	// ErrMalformedKey indicates key material of the wrong length.
	ErrMalformedKey = errors.New("malformed key material")

	// ErrPlaintextTooLarge indicates a payload above MaxPlaintextSize.
	ErrPlaintextTooLarge = errors.New("plaintext exceeds maximum size")

	// ErrAuthFailed indicates a sealed message could not be opened.
	ErrAuthFailed = errors.New("message authentication failed")
)

// CryptoError is returned by key protection and key generation. Unlock
// failures block session start and are shown to the user.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string { return "crypto: " + e.Op + ": " + e.Err.Error() }

func (e *CryptoError) Unwrap() error { return e.Err }

// DecryptionError is returned when a single message cannot be decrypted. It
// is local to that message; callers render DecryptionPlaceholder instead.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string { return "decrypt message: " + e.Err.Error() }

func (e *DecryptionError) Unwrap() error { return e.Err }

// DecryptionPlaceholder is the text shown in place of a message that failed
// to decrypt.
const DecryptionPlaceholder = "[Decryption Error]"
