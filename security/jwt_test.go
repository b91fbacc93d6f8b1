package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	jose "gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

func signTestToken(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: key}, nil)
	require.NoError(t, err)
	raw, err := jwt.Signed(signer).Claims(claims).CompactSerialize()
	require.NoError(t, err)
	return raw
}

func TestDecodeToken(t *testing.T) {
	want := map[string]interface{}{
		"iss":   "https://issuer.example.com",
		"sub":   "user-1",
		"aud":   "client-id",
		"nonce": "n_abc",
		"exp":   float64(1700000000),
	}
	raw := signTestToken(t, want)

	claims, err := DecodeToken(raw)
	require.NoError(t, err)
	assert.Equal(t, "https://issuer.example.com", claims.Issuer())
	assert.Equal(t, "n_abc", claims.Nonce())
	assert.Equal(t, int64(1700000000), claims.Expiration())
	assert.Equal(t, "user-1", claims.StringClaim("sub"))
}

func TestDecodeToken_Malformed(t *testing.T) {
	valid := signTestToken(t, map[string]interface{}{"sub": "x"})
	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "two-segments", token: "aaaa.bbbb"},
		{name: "four-segments", token: valid + ".extra"},
		{name: "garbage", token: "not-a-token"},
		{name: "bad-payload", token: "aaaa.!!!.cccc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeToken(tt.token)
			assert.ErrorIs(t, err, ErrMalformedToken)
		})
	}
}

func TestClaims_Audience(t *testing.T) {
	single := Claims{"aud": "client-1"}
	assert.Equal(t, []string{"client-1"}, single.Audience())
	assert.True(t, single.HasAudience("client-1"))
	assert.False(t, single.HasAudience("client-2"))
	assert.False(t, single.HasAudience(""))

	multi := Claims{"aud": []interface{}{"a", "b"}}
	assert.Equal(t, []string{"a", "b"}, multi.Audience())
	assert.True(t, multi.HasAudience("nope", "b"))

	none := Claims{}
	assert.Nil(t, none.Audience())
	assert.False(t, none.HasAudience("a"))
}
