package security

import "errors"

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrInvalidKey       = errors.New("invalid encryption key")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrMalformedToken   = errors.New("malformed token")
	ErrRandomFailed     = errors.New("random generation failed")
)
