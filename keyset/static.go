package keyset

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/square/go-jose.v2/jwt"
)

// StaticKeySet verifies JWT signatures using local PEM-encoded public keys.
type StaticKeySet struct {
	publicKeys []interface{}
}

// NewStaticKeySet returns a KeySet that verifies JWT signatures using
// PEM-encoded public keys. The given publicKeys must be of PEM-encoded x509
// certificate or PKIX public key forms.
func NewStaticKeySet(publicKeys []string) (*StaticKeySet, error) {
	const op = "keyset.NewStaticKeySet"
	if len(publicKeys) == 0 {
		return nil, fmt.Errorf("%s: no public keys provided: %w", op, ErrInvalidParameter)
	}
	parsed := make([]interface{}, 0, len(publicKeys))
	for _, k := range publicKeys {
		key, err := parsePublicKeyPEM([]byte(k))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		parsed = append(parsed, key)
	}
	return &StaticKeySet{publicKeys: parsed}, nil
}

// VerifySignature parses the given JWT, verifies its signature using the
// local keys, and returns the claims in its payload.
func (ks *StaticKeySet) VerifySignature(_ context.Context, token string) (map[string]interface{}, error) {
	const op = "keyset.StaticKeySet.VerifySignature"
	parsedJWT, err := jwt.ParseSigned(token)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to parse token: %w", op, err)
	}

	var valid bool
	allClaims := map[string]interface{}{}
	for _, key := range ks.publicKeys {
		if err := parsedJWT.Claims(key, &allClaims); err == nil {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("%s: %w", op, errors.Join(ErrInvalidSignature, errors.New("no known key successfully validated the token signature")))
	}

	return allClaims, nil
}
