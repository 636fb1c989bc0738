package envelope_test

import (
	"bytes"
	"testing"

	"github.com/imsimpla2209/bear/envelope"
	apperrors "github.com/imsimpla2209/bear/internal/errors"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestSealOpenRoundTrip(t *testing.T) {
	env, err := envelope.New(testKey)
	require.NoError(t, err)

	plaintexts := [][]byte{
		[]byte(""),
		[]byte("x"),
		[]byte("an access token of moderate length with some entropy 123456"),
		bytes.Repeat([]byte{0xff}, 4096),
	}

	for _, pt := range plaintexts {
		sealed, err := env.Seal(pt)
		require.NoError(t, err)
		require.NotEqual(t, pt, sealed)

		opened, err := env.Open(sealed)
		require.NoError(t, err)
		require.Equal(t, pt, opened)
	}
}

func TestSealUsesFreshNonces(t *testing.T) {
	env, err := envelope.New(testKey)
	require.NoError(t, err)

	a, err := env.Seal([]byte("same plaintext"))
	require.NoError(t, err)
	b, err := env.Seal([]byte("same plaintext"))
	require.NoError(t, err)

	require.NotEqual(t, a, b, "two seals of the same plaintext must differ")
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	env, err := envelope.New(testKey)
	require.NoError(t, err)

	sealed, err := env.Seal([]byte("refresh-token-material"))
	require.NoError(t, err)

	// Flip one bit in every position; every mutation must fail closed.
	for i := range sealed {
		tampered := append([]byte(nil), sealed...)
		tampered[i] ^= 0x01
		_, err := env.Open(tampered)
		require.ErrorIs(t, err, apperrors.ErrDecryptFailed, "byte %d", i)
	}
}

func TestOpenRejectsTruncatedAndGarbageInput(t *testing.T) {
	env, err := envelope.New(testKey)
	require.NoError(t, err)

	for _, input := range [][]byte{nil, {}, []byte("short"), bytes.Repeat([]byte{0x42}, 23)} {
		_, err := env.Open(input)
		require.ErrorIs(t, err, apperrors.ErrDecryptFailed)
	}
}

func TestDifferentKeysDoNotInteroperate(t *testing.T) {
	envA, err := envelope.New(testKey)
	require.NoError(t, err)
	envB, err := envelope.New([]byte("fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)

	sealed, err := envA.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = envB.Open(sealed)
	require.ErrorIs(t, err, apperrors.ErrDecryptFailed)
}

func TestNewRejectsShortKey(t *testing.T) {
	_, err := envelope.New([]byte("too-short"))
	require.Error(t, err)
}
