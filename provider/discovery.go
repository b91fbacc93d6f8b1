package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// DiscoveryDocument is the subset of a provider's well-known OpenID
// configuration the engine consumes. Issuers holds every issuer string the
// provider is known to assert; some providers publish more than one valid
// issuer, so verification accepts any of them.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
	JWKSURI               string `json:"jwks_uri"`

	// Issuers is the full accepted issuer set. It always contains Issuer
	// and may be extended by a resolver (multi-tenant providers).
	Issuers []string `json:"-"`
}

// AcceptedIssuers returns the issuer strings token verification should
// accept.
func (d *DiscoveryDocument) AcceptedIssuers() []string {
	if len(d.Issuers) > 0 {
		return d.Issuers
	}
	if d.Issuer != "" {
		return []string{d.Issuer}
	}
	return nil
}

// DiscoveryResolver computes a provider's discovery document from its
// resolved config, for providers whose well-known location depends on
// config values (tenant ids, base URLs).
type DiscoveryResolver func(ctx context.Context, client *http.Client, cfg Config) (*DiscoveryDocument, error)

// DiscoverySource supplies OpenID discovery metadata one of three ways:
// a static document, a well-known URL to fetch, or a resolver function.
// Exactly one field should be set.
type DiscoverySource struct {
	Document *DiscoveryDocument
	URL      string
	Resolver DiscoveryResolver
}

// Resolve produces the discovery document from whichever source is
// configured.
func (s *DiscoverySource) Resolve(ctx context.Context, client *http.Client, cfg Config) (*DiscoveryDocument, error) {
	const op = "provider.DiscoverySource.Resolve"
	switch {
	case s == nil:
		return nil, fmt.Errorf("%s: no discovery source configured: %w", op, ErrDiscoveryFailed)
	case s.Document != nil:
		return s.Document, nil
	case s.URL != "":
		return FetchDiscovery(ctx, client, s.URL)
	case s.Resolver != nil:
		return s.Resolver(ctx, client, cfg)
	default:
		return nil, fmt.Errorf("%s: no discovery source configured: %w", op, ErrDiscoveryFailed)
	}
}

// FetchDiscovery fetches and decodes a well-known OpenID configuration
// document.
func FetchDiscovery(ctx context.Context, client *http.Client, rawURL string) (*DiscoveryDocument, error) {
	const op = "provider.FetchDiscovery"
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create request: %w", op, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", op, ErrDiscoveryFailed)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d from %s: %w", op, resp.StatusCode, rawURL, ErrDiscoveryFailed)
	}
	var doc DiscoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: unable to decode document: %w", op, ErrDiscoveryFailed)
	}
	return &doc, nil
}

// WellKnownURL returns the conventional discovery location under a base
// URL.
func WellKnownURL(baseURL string) string {
	return JoinProviderURL(baseURL, "/.well-known/openid-configuration")
}
