package utils

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/pkg/errors"
)

// RandomToken returns n bytes of cryptographic randomness encoded as
// unpadded base64url. Used for session ids, nonces and verifiers.
func RandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "[utils.RandomToken] rand.Read")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ShortID returns a loggable prefix of an opaque identifier. Full
// session ids are capabilities and must not appear in logs.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
