// Package keyset verifies JWT signatures and claims against a provider's
// published keys. A KeySet is expected to be backed by a set of local or
// remote keys; the Validator layers issuer, audience and expiry checks on
// top of signature verification.
package keyset

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidIssuer    = errors.New("invalid issuer")
	ErrInvalidAudience  = errors.New("invalid audience")
	ErrTokenExpired     = errors.New("token is expired")
)

// KeySet represents a set of keys that can be used to verify the signatures
// of JWTs.
type KeySet interface {
	// VerifySignature parses the given JWT, verifies its signature, and
	// returns the claims in its payload.
	VerifySignature(ctx context.Context, token string) (claims map[string]interface{}, err error)
}

// RemoteKeySet verifies JWT signatures using keys obtained from a JWKS URL.
// Keys are fetched lazily and cached between verifications.
type RemoteKeySet struct {
	remote *oidc.RemoteKeySet
}

// NewRemoteKeySet returns a KeySet backed by the JSON Web Key Set at
// jwksURL. The optional client is used for key fetches.
func NewRemoteKeySet(ctx context.Context, jwksURL string, client *http.Client) (*RemoteKeySet, error) {
	const op = "keyset.NewRemoteKeySet"
	if jwksURL == "" {
		return nil, fmt.Errorf("%s: jwks URL is empty: %w", op, ErrInvalidParameter)
	}
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	return &RemoteKeySet{remote: oidc.NewRemoteKeySet(ctx, jwksURL)}, nil
}

// VerifySignature parses the given JWT, verifies its signature using the
// remote JWKS keys, and returns the claims in its payload.
func (ks *RemoteKeySet) VerifySignature(ctx context.Context, token string) (map[string]interface{}, error) {
	const op = "keyset.RemoteKeySet.VerifySignature"
	payload, err := ks.remote.VerifySignature(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, err, ErrInvalidSignature)
	}
	claims := map[string]interface{}{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%s: unable to unmarshal claims: %w", op, err)
	}
	return claims, nil
}

// Cache hands out one KeySet per JWKS URL, constructing it on first use.
// It is safe for concurrent use, so flow handlers share a single Cache.
type Cache struct {
	client *http.Client

	mu   sync.Mutex
	sets map[string]KeySet
}

// NewCache creates a Cache. The optional client is used for all key
// fetches.
func NewCache(client *http.Client) *Cache {
	return &Cache{
		client: client,
		sets:   map[string]KeySet{},
	}
}

// Get returns the cached KeySet for jwksURL, creating it when absent.
func (c *Cache) Get(ctx context.Context, jwksURL string) (KeySet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ks, ok := c.sets[jwksURL]; ok {
		return ks, nil
	}
	// detach from the request context: the remote set outlives the request
	ks, err := NewRemoteKeySet(context.WithoutCancel(ctx), jwksURL, c.client)
	if err != nil {
		return nil, err
	}
	c.sets[jwksURL] = ks
	return ks, nil
}

// parsePublicKeyPEM is used to parse RSA and ECDSA public keys from PEMs.
// It returns a *rsa.PublicKey or *ecdsa.PublicKey.
func parsePublicKeyPEM(data []byte) (interface{}, error) {
	block, _ := pem.Decode(data)
	if block != nil {
		var rawKey interface{}
		var err error
		if rawKey, err = x509.ParsePKIXPublicKey(block.Bytes); err != nil {
			if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
				rawKey = cert.PublicKey
			} else {
				return nil, err
			}
		}

		if rsaPublicKey, ok := rawKey.(*rsa.PublicKey); ok {
			return rsaPublicKey, nil
		}
		if ecPublicKey, ok := rawKey.(*ecdsa.PublicKey); ok {
			return ecPublicKey, nil
		}
	}

	return nil, errors.New("data does not contain any valid RSA or ECDSA public keys")
}
