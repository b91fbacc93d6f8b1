package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// unreservedCharacters is the RFC 7636 code verifier alphabet.
const unreservedCharacters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-._~"

const (
	// MinPKCEVerifierLength and MaxPKCEVerifierLength bound a code verifier
	// per RFC 7636 section 4.1.
	MinPKCEVerifierLength = 43
	MaxPKCEVerifierLength = 128

	// DefaultPKCEVerifierLength is used when a caller has no reason to pick.
	DefaultPKCEVerifierLength = 64

	// PKCEChallengeMethod is the only challenge method the engine emits.
	PKCEChallengeMethod = "S256"
)

// GeneratePKCEVerifier generates a cryptographically random code verifier of
// the given length over the RFC 7636 unreserved character set. Lengths
// outside [43,128] are a caller error.
func GeneratePKCEVerifier(length int) (string, error) {
	const op = "security.GeneratePKCEVerifier"
	if length < MinPKCEVerifierLength || length > MaxPKCEVerifierLength {
		return "", fmt.Errorf("%s: length must be between %d and %d: %w", op, MinPKCEVerifierLength, MaxPKCEVerifierLength, ErrInvalidParameter)
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%s: unable to read random bytes: %w", op, err)
	}
	verifier := make([]byte, length)
	for i, b := range buf {
		verifier[i] = unreservedCharacters[int(b)%len(unreservedCharacters)]
	}
	return string(verifier), nil
}

// PKCECodeChallenge derives the S256 code challenge for a verifier: the
// URL-safe, unpadded base64 encoding of its SHA-256 digest.
func PKCECodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
