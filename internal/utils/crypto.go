package utils

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const KeyLength = chacha20poly1305.KeySize

// Seal encrypts a session snapshot for transport inside a handoff token.
// The token nonce is bound in as additional data so a sealed payload cannot
// be replayed under a different token.
func Seal(key, plaintext []byte, tokenNonce string) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("seal key must be %d bytes, got %d", KeyLength, len(key))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Ciphertext is nonce || sealed payload.
	return aead.Seal(nonce, nonce, plaintext, []byte(tokenNonce)), nil
}

// Open decrypts a payload sealed by Seal under the same key and token nonce.
func Open(key, ciphertext []byte, tokenNonce string) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("open key must be %d bytes, got %d", KeyLength, len(key))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(tokenNonce))
	if err != nil {
		return nil, fmt.Errorf("failed to open payload: %w", err)
	}
	return plaintext, nil
}
