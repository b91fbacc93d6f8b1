package keyset

import (
	"context"
	"fmt"
	"time"

	"github.com/authrelay/oidc/internal/strutils"
	"github.com/authrelay/oidc/security"
)

// Expected describes the claim values token validation accepts. Both lists
// carry any-of semantics: some providers publish several valid issuer
// strings, and a token's audience may be either the configured audience or
// the client id.
type Expected struct {
	// Issuers is the accepted issuer set. Empty skips the issuer check.
	Issuers []string

	// Audiences is the accepted audience set. Empty skips the audience
	// check.
	Audiences []string

	// ExpirySkew is subtracted from now when checking "exp". Zero means no
	// skew.
	ExpirySkew time.Duration
}

// Validator cryptographically validates tokens: signature against a
// KeySet, then issuer, audience and expiry against Expected.
type Validator struct {
	keySet KeySet
}

// NewValidator composes a Validator over the given KeySet.
func NewValidator(keySet KeySet) (*Validator, error) {
	const op = "keyset.NewValidator"
	if keySet == nil {
		return nil, fmt.Errorf("%s: key set is nil: %w", op, ErrInvalidParameter)
	}
	return &Validator{keySet: keySet}, nil
}

// Validate verifies the token's signature and claims and returns the
// claims on success.
func (v *Validator) Validate(ctx context.Context, token string, expected Expected) (security.Claims, error) {
	const op = "keyset.Validator.Validate"
	raw, err := v.keySet.VerifySignature(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	claims := security.Claims(raw)

	if len(expected.Issuers) > 0 {
		if !strutils.StrListContains(expected.Issuers, claims.Issuer()) {
			return nil, fmt.Errorf("%s: issuer %q not in accepted set: %w", op, claims.Issuer(), ErrInvalidIssuer)
		}
	}
	if len(expected.Audiences) > 0 {
		if !claims.HasAudience(expected.Audiences...) {
			return nil, fmt.Errorf("%s: audience %v not in accepted set: %w", op, claims.Audience(), ErrInvalidAudience)
		}
	}
	if exp := claims.Expiration(); exp > 0 {
		if time.Unix(exp, 0).Before(time.Now().Add(-expected.ExpirySkew)) {
			return nil, fmt.Errorf("%s: %w", op, ErrTokenExpired)
		}
	}
	return claims, nil
}
