package security

import (
	"fmt"
	"strings"

	"gopkg.in/square/go-jose.v2/jwt"
)

// Claims is the decoded payload of a JWT. Values keep their JSON types:
// numbers are float64, the "aud" claim may be a string or a list.
type Claims map[string]interface{}

// DecodeToken decodes the payload of a compact-serialized JWT without
// verifying its signature. The token must consist of exactly three
// well-formed segments; anything else is a decoding error rather than
// partial data. Use a keyset.Validator when cryptographic verification is
// required.
func DecodeToken(token string) (Claims, error) {
	const op = "security.DecodeToken"
	if parts := strings.Split(token, "."); len(parts) != 3 {
		return nil, fmt.Errorf("%s: token must have 3 segments, got %d: %w", op, len(parts), ErrMalformedToken)
	}
	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to parse token: %w", op, ErrMalformedToken)
	}
	var claims Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil, fmt.Errorf("%s: unable to decode claims: %w", op, ErrMalformedToken)
	}
	return claims, nil
}

// Expiration returns the "exp" claim as epoch seconds, or zero when absent.
func (c Claims) Expiration() int64 {
	return c.numberClaim("exp")
}

// IssuedAt returns the "iat" claim as epoch seconds, or zero when absent.
func (c Claims) IssuedAt() int64 {
	return c.numberClaim("iat")
}

// Nonce returns the "nonce" claim, or the empty string when absent.
func (c Claims) Nonce() string {
	return c.StringClaim("nonce")
}

// Issuer returns the "iss" claim, or the empty string when absent.
func (c Claims) Issuer() string {
	return c.StringClaim("iss")
}

// StringClaim returns the named claim when it is a string, else "".
func (c Claims) StringClaim(name string) string {
	if v, ok := c[name].(string); ok {
		return v
	}
	return ""
}

// Audience returns the "aud" claim normalized to a list. The claim may be
// encoded as a single string or a list of strings.
func (c Claims) Audience() []string {
	switch aud := c["aud"].(type) {
	case string:
		return []string{aud}
	case []interface{}:
		out := make([]string, 0, len(aud))
		for _, v := range aud {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// HasAudience reports whether any of the given values appears in the
// token's "aud" claim. Empty values are ignored.
func (c Claims) HasAudience(values ...string) bool {
	aud := c.Audience()
	for _, v := range values {
		if v == "" {
			continue
		}
		for _, a := range aud {
			if a == v {
				return true
			}
		}
	}
	return false
}

func (c Claims) numberClaim(name string) int64 {
	switch v := c[name].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}
