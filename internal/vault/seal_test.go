package vault

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = b
	}
	return k
}

func TestSealRoundTrip(t *testing.T) {
	s, err := newSealer(testKey(1))
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("tok_access_abc123"))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(sealed, []byte("tok_access")))

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "tok_access_abc123", string(plain))
}

func TestSealNonDeterministic(t *testing.T) {
	s, err := newSealer(testKey(1))
	require.NoError(t, err)

	a, err := s.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := s.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

// During rotation, values sealed under the previous key must still open.
func TestSealKeyRotation(t *testing.T) {
	old, err := newSealer(testKey(1))
	require.NoError(t, err)
	sealed, err := old.Seal([]byte("refresh_token"))
	require.NoError(t, err)

	rotated, err := newSealer(testKey(2), testKey(1))
	require.NoError(t, err)

	plain, err := rotated.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "refresh_token", string(plain))

	// New seals use the new primary and the old sealer cannot open them.
	resealed, err := rotated.Seal(plain)
	require.NoError(t, err)
	_, err = old.Open(resealed)
	assert.ErrorIs(t, err, ErrSealOpen)
}

func TestSealTamperDetected(t *testing.T) {
	s, err := newSealer(testKey(1))
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("secret"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = s.Open(sealed)
	assert.ErrorIs(t, err, ErrSealOpen)
}

func TestSealerRejectsBadKeys(t *testing.T) {
	_, err := newSealer()
	assert.Error(t, err)
	_, err = newSealer([]byte("short"))
	assert.Error(t, err)
}
