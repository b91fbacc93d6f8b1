package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// DefaultRandomLength is the length of the opaque tokens used for oidc state
// and nonce values.
const DefaultRandomLength = 48

// RandomURLSafeString returns a cryptographically random, URL-safe base64
// string of exactly length characters. It is suitable for oidc state and
// nonce values.
func RandomURLSafeString(length int) (string, error) {
	const op = "security.RandomURLSafeString"
	if length <= 0 {
		return "", fmt.Errorf("%s: length not greater than zero: %w", op, ErrInvalidParameter)
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%s: unable to read random bytes: %w", op, ErrRandomFailed)
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:length], nil
}

// NewID generates a random id with an optional prefix, separated by an
// underscore. The ID generated is suitable for a flow state id or nonce.
func NewID(optionalPrefix string) (string, error) {
	const op = "security.NewID"
	id, err := RandomURLSafeString(DefaultRandomLength)
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate id: %w", op, err)
	}
	if optionalPrefix != "" {
		return fmt.Sprintf("%s_%s", optionalPrefix, id), nil
	}
	return id, nil
}
