// Package envelope provides authenticated encryption for sensitive
// blobs held by the broker: persisted token material and cached secret
// values. Ciphertexts are tamper-evident; a failed authentication tag
// surfaces as ErrDecryptFailed and the record must be discarded.
package envelope

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	apperrors "github.com/imsimpla2209/bear/internal/errors"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Envelope seals and opens blobs with a process-wide key. The key is
// read-only after construction and safe for concurrent use. It must
// never appear in logs or error messages.
type Envelope struct {
	aead cipher.AEAD
}

// New derives the sealing key from the supplied key material via
// HKDF-SHA256 and prepares an XChaCha20-Poly1305 AEAD.
func New(key []byte) (*Envelope, error) {
	if len(key) < 16 {
		return nil, errors.New("[envelope.New] key material too short")
	}

	derived := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, key, nil, []byte("bear/envelope/v1"))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, errors.Wrap(err, "[envelope.New] hkdf")
	}

	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, errors.Wrap(err, "[envelope.New] aead")
	}
	return &Envelope{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random nonce. The nonce is
// prepended to the returned ciphertext. Nonces are never reused: they
// come from the system CSPRNG on every call, not from a counter.
func (e *Envelope) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "[envelope.Seal] nonce")
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed blob. Any malformed or tampered input fails
// with ErrDecryptFailed; no further detail is attached so that nothing
// about the key or ciphertext structure leaks into error chains.
func (e *Envelope) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < chacha20poly1305.NonceSizeX {
		return nil, apperrors.ErrDecryptFailed
	}
	nonce, box := ciphertext[:chacha20poly1305.NonceSizeX], ciphertext[chacha20poly1305.NonceSizeX:]
	plaintext, err := e.aead.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, apperrors.ErrDecryptFailed
	}
	return plaintext, nil
}
