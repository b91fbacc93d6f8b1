package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// TokenKeyLength is the required length in bytes of the symmetric token
// encryption key (AES-256).
const TokenKeyLength = 32

// EncryptedToken is the at-rest envelope for a single token: AES-256-GCM
// ciphertext plus the initialization vector used to produce it, both base64
// encoded. Decryption requires both.
type EncryptedToken struct {
	Ciphertext string `json:"encryptedToken"`
	IV         string `json:"iv"`
}

// ParseTokenKey decodes and checks a base64-encoded 256-bit key. Engine
// constructors call this once at startup, so a bad key is a configuration
// error rather than a per-request one.
func ParseTokenKey(key string) ([]byte, error) {
	const op = "security.ParseTokenKey"
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("%s: key is not valid base64: %w", op, ErrInvalidKey)
	}
	if len(raw) != TokenKeyLength {
		return nil, fmt.Errorf("%s: key must be %d bytes, got %d: %w", op, TokenKeyLength, len(raw), ErrInvalidKey)
	}
	return raw, nil
}

// EncryptToken encrypts a token string with AES-256-GCM under the given
// base64-encoded 256-bit key, using a fresh random 96-bit IV per call.
func EncryptToken(token string, key string) (*EncryptedToken, error) {
	const op = "security.EncryptToken"
	if token == "" {
		return nil, fmt.Errorf("%s: token is empty: %w", op, ErrInvalidParameter)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("%s: unable to generate iv: %w", op, err)
	}
	ciphertext := gcm.Seal(nil, iv, []byte(token), nil)
	return &EncryptedToken{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(iv),
	}, nil
}

// DecryptToken reverses EncryptToken. It fails closed: a wrong key, a wrong
// IV or tampered ciphertext returns an error, never partial output.
func DecryptToken(envelope *EncryptedToken, key string) (string, error) {
	const op = "security.DecryptToken"
	if envelope == nil {
		return "", fmt.Errorf("%s: envelope is nil: %w", op, ErrInvalidParameter)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%s: ciphertext is not valid base64: %w", op, ErrDecryptionFailed)
	}
	iv, err := base64.StdEncoding.DecodeString(envelope.IV)
	if err != nil {
		return "", fmt.Errorf("%s: iv is not valid base64: %w", op, ErrDecryptionFailed)
	}
	if len(iv) != gcm.NonceSize() {
		return "", fmt.Errorf("%s: iv must be %d bytes: %w", op, gcm.NonceSize(), ErrDecryptionFailed)
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, ErrDecryptionFailed)
	}
	return string(plaintext), nil
}

func newGCM(key string) (cipher.AEAD, error) {
	raw, err := ParseTokenKey(key)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("unable to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("unable to create gcm: %w", err)
	}
	return gcm, nil
}
