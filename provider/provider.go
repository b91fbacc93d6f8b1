// Package provider resolves per-provider oidc configuration. A provider's
// effective config is produced by merging three layers with fixed
// precedence: environment-sourced secret overrides over explicit caller
// overrides over the builtin preset. The merge is a pure transformation and
// is redone per flow invocation, since overrides may vary by environment.
package provider

import (
	"encoding/json"
	"errors"
)

var (
	ErrInvalidParameter     = errors.New("invalid parameter")
	ErrUnknownProvider      = errors.New("unknown provider")
	ErrMissingConfiguration = errors.New("missing configuration properties")
	ErrUnresolvedField      = errors.New("unresolved placeholder")
	ErrDiscoveryFailed      = errors.New("discovery failed")
)

// AuthenticationScheme selects how the relying party authenticates to the
// token endpoint.
type AuthenticationScheme string

const (
	// AuthSchemeHeader sends the client id and secret via Basic auth.
	AuthSchemeHeader AuthenticationScheme = "header"
	// AuthSchemeBody sends the client secret in the request body.
	AuthSchemeBody AuthenticationScheme = "body"
	// AuthSchemeNone omits the client secret (public clients with PKCE).
	AuthSchemeNone AuthenticationScheme = "none"
)

// TokenRequestType selects the token endpoint request encoding.
type TokenRequestType string

const (
	// TokenRequestForm encodes the request as multipart form data.
	TokenRequestForm TokenRequestType = "form"
	// TokenRequestFormURLEncoded encodes the request as
	// application/x-www-form-urlencoded.
	TokenRequestFormURLEncoded TokenRequestType = "form-urlencoded"
	// TokenRequestJSON encodes the request as a JSON object.
	TokenRequestJSON TokenRequestType = "json"
)

// ClientSecret is a relying party secret that redacts itself when printed
// or marshaled.
type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client secret.
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret.
func (t ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret.
func (t ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// SessionConfig is a provider's session policy. Nil pointer fields fall
// back to the engine-wide session defaults when the policy is resolved.
type SessionConfig struct {
	// ExpirationCheck enables comparing the stored token expiry against now
	// on every session read.
	ExpirationCheck *bool

	// AutomaticRefresh triggers a token refresh when an expired session is
	// read, instead of failing with Unauthorized.
	AutomaticRefresh *bool

	// ExpirationThreshold widens the expiry comparison by the given number
	// of seconds, so sessions refresh before they actually lapse.
	ExpirationThreshold int64
}

// Config is the complete static configuration for one provider. A Config is
// immutable once resolved; flow operations receive it by value.
type Config struct {
	// ClientID is the relying party id at the provider.
	ClientID string

	// ClientSecret is the relying party secret.
	ClientSecret ClientSecret

	// RedirectURI is the callback URL registered with the provider.
	RedirectURI string

	// BaseURL is an optional provider base; relative endpoint URLs below
	// are joined onto it when the config is resolved.
	BaseURL string

	// AuthorizationURL, TokenURL, UserInfoURL and LogoutURL are the
	// provider endpoints, absolute or relative to BaseURL.
	AuthorizationURL string
	TokenURL         string
	UserInfoURL      string
	LogoutURL        string

	// ResponseType is the authorization request response type, typically
	// "code".
	ResponseType string

	// ResponseMode optionally forces a response mode on the authorization
	// request ("query", "form_post").
	ResponseMode string

	// GrantType is the token request grant type, typically
	// "authorization_code".
	GrantType string

	// AuthenticationScheme selects the token endpoint client
	// authentication: header, body or none.
	AuthenticationScheme AuthenticationScheme

	// TokenRequestType selects the token request encoding.
	TokenRequestType TokenRequestType

	// Scope is the list of scopes to request, space-joined on the wire.
	Scope []string

	// Prompt is the optional list of prompt values, space-joined.
	Prompt []string

	// Audience optionally names an expected token audience beyond the
	// client id.
	Audience string

	// RequiredProperties lists config fields that must be present and
	// non-empty before any flow step executes.
	RequiredProperties []string

	// PKCE enables the code challenge on the authorization request and the
	// verifier on the token request.
	PKCE bool

	// State enables the anti-CSRF state round-trip.
	State bool

	// Nonce enables the anti-replay nonce bound into the id_token.
	Nonce bool

	// ScopeInTokenRequest repeats the scope on token and refresh requests.
	ScopeInTokenRequest bool

	// ExcludeOfflineScopeFromTokenRequest drops "offline_access" from the
	// scope sent on token requests.
	ExcludeOfflineScopeFromTokenRequest bool

	// SkipAccessTokenParsing treats the access token as opaque instead of
	// decoding it as a JWT.
	SkipAccessTokenParsing bool

	// ValidateAccessToken and ValidateIDToken request cryptographic
	// verification of the respective token against the discovered JWKS.
	ValidateAccessToken bool
	ValidateIDToken     bool

	// ExposeAccessToken and ExposeIDToken attach the decrypted raw token
	// to the public user session.
	ExposeAccessToken bool
	ExposeIDToken     bool

	// EncodeRedirectURI URI-encodes the redirect_uri query value for
	// providers that require it.
	EncodeRedirectURI bool

	// UserNameClaim names the access token claim used for the session's
	// user name.
	UserNameClaim string

	// OptionalClaims lists id_token claims copied into the session.
	OptionalClaims []string

	// FilterUserInfo restricts the userinfo result to the listed keys.
	FilterUserInfo []string

	// AllowedClientAuthParameters allow-lists caller query parameters that
	// are copied onto the authorization request.
	AllowedClientAuthParameters []string

	// AdditionalAuthParameters, AdditionalTokenParameters and
	// AdditionalLogoutParameters are static extra parameters for each
	// request phase. Values may contain {field} placeholders resolved from
	// the merged config.
	AdditionalAuthParameters   map[string]string
	AdditionalTokenParameters  map[string]string
	AdditionalLogoutParameters map[string]string

	// LogoutRedirectParameterName is the provider's post-logout redirect
	// query parameter name.
	LogoutRedirectParameterName string

	// LogoutRedirectURI is the default post-logout redirect target.
	LogoutRedirectURI string

	// CallbackRedirectURL is where the browser lands after a successful
	// callback.
	CallbackRedirectURL string

	// OpenIDConfiguration supplies the provider's discovery metadata:
	// a static document, a well-known URL, or a resolver function.
	OpenIDConfiguration *DiscoverySource

	// SessionConfiguration is the provider's session policy.
	SessionConfiguration *SessionConfig
}

// DefaultRequiredProperties is the default required-field list shared by
// most presets.
func DefaultRequiredProperties() []string {
	return []string{"clientId", "clientSecret", "authorizationUrl", "tokenUrl", "redirectUri"}
}

// Defaults returns the baseline provider descriptor: a standards-conformant
// authorization code flow with state, header client authentication and form
// encoded token requests. Presets and the generic "oidc" provider start
// from it.
func Defaults() Config {
	return Config{
		ResponseType:         "code",
		GrantType:            "authorization_code",
		AuthenticationScheme: AuthSchemeHeader,
		TokenRequestType:     TokenRequestForm,
		Scope:                []string{"openid"},
		State:                true,
		ValidateAccessToken:  true,
		ValidateIDToken:      true,
		CallbackRedirectURL:  "/",
		RequiredProperties:   DefaultRequiredProperties(),
	}
}
