package vault

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealOpen is returned when no configured key can open a ciphertext.
var ErrSealOpen = errors.New("vault: cannot open sealed value")

// sealer encrypts token material at rest with XChaCha20-Poly1305. It holds
// the primary key plus optional previous keys so a key rotation can cut over
// without re-encrypting every row first: seal always uses the primary, open
// tries each key in order.
type sealer struct {
	keys [][]byte // keys[0] is the primary
}

func newSealer(keys ...[]byte) (*sealer, error) {
	if len(keys) == 0 {
		return nil, errors.New("vault: at least one key required")
	}
	for i, k := range keys {
		if len(k) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("vault: key %d must be %d bytes, got %d", i, chacha20poly1305.KeySize, len(k))
		}
	}
	return &sealer{keys: keys}, nil
}

// Seal encrypts plaintext with the primary key. Output layout: nonce || box.
func (s *sealer) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.keys[0])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce generation failed: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed value, trying the primary key then rotation keys.
func (s *sealer) Open(sealed []byte) ([]byte, error) {
	for _, key := range s.keys {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			continue
		}
		if len(sealed) < aead.NonceSize() {
			return nil, ErrSealOpen
		}
		nonce, box := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
		if plaintext, err := aead.Open(nil, nonce, box, nil); err == nil {
			return plaintext, nil
		}
	}
	return nil, ErrSealOpen
}
