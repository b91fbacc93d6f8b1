package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Presets returns the builtin provider descriptors, keyed by provider name.
// The set is closed: every descriptor is validated against the shared
// Config schema at engine construction, and unknown keys are configuration
// errors. The returned map is a fresh copy per call.
func Presets() map[string]Config {
	presets := map[string]Config{
		"oidc":      Defaults(),
		"github":    githubPreset(),
		"apple":     applePreset(),
		"auth0":     auth0Preset(),
		"cognito":   cognitoPreset(),
		"entra":     entraPreset(),
		"keycloak":  keycloakPreset(),
		"microsoft": microsoftPreset(),
		"paypal":    paypalPreset(),
		"zitadel":   zitadelPreset(),
	}
	return presets
}

// Preset returns the named builtin descriptor.
func Preset(name string) (Config, error) {
	const op = "provider.Preset"
	preset, ok := Presets()[name]
	if !ok {
		return Config{}, fmt.Errorf("%s: %q: %w", op, name, ErrUnknownProvider)
	}
	return preset, nil
}

func githubPreset() Config {
	c := Defaults()
	c.AuthorizationURL = "https://github.com/login/oauth/authorize"
	c.TokenURL = "https://github.com/login/oauth/access_token"
	c.UserInfoURL = "https://api.github.com/user"
	c.TokenRequestType = TokenRequestJSON
	c.AuthenticationScheme = AuthSchemeBody
	c.Scope = []string{"user:email"}
	// github access tokens are opaque, not JWTs
	c.SkipAccessTokenParsing = true
	c.ValidateAccessToken = false
	c.ValidateIDToken = false
	return c
}

func applePreset() Config {
	c := Defaults()
	c.AuthorizationURL = "https://appleid.apple.com/auth/oauth2/v2/authorize"
	c.TokenURL = "https://appleid.apple.com/auth/oauth2/v2/token"
	c.TokenRequestType = TokenRequestJSON
	c.AuthenticationScheme = AuthSchemeBody
	c.Scope = []string{"user:email"}
	c.SkipAccessTokenParsing = true
	c.ValidateAccessToken = false
	c.ValidateIDToken = false
	return c
}

func auth0Preset() Config {
	c := Defaults()
	c.AuthorizationURL = "authorize"
	c.TokenURL = "oauth/token"
	c.UserInfoURL = "userinfo"
	c.TokenRequestType = TokenRequestJSON
	c.AuthenticationScheme = AuthSchemeBody
	c.PKCE = true
	c.RequiredProperties = []string{"baseUrl", "clientId", "clientSecret", "authorizationUrl", "tokenUrl"}
	c.ValidateAccessToken = true
	c.ValidateIDToken = false
	c.OpenIDConfiguration = &DiscoverySource{Resolver: wellKnownFromBaseURL}
	return c
}

func cognitoPreset() Config {
	c := Defaults()
	c.AuthorizationURL = "oauth2/authorize"
	c.TokenURL = "oauth2/token"
	c.UserInfoURL = "oauth2/userInfo"
	c.LogoutURL = "logout"
	c.TokenRequestType = TokenRequestFormURLEncoded
	c.UserNameClaim = "username"
	c.PKCE = true
	c.Nonce = true
	c.RequiredProperties = []string{"baseUrl", "clientId", "clientSecret", "authorizationUrl", "tokenUrl", "logoutRedirectUri"}
	c.ValidateAccessToken = false
	c.ValidateIDToken = false
	c.ExposeIDToken = true
	c.AdditionalLogoutParameters = map[string]string{"clientId": "{clientId}"}
	c.LogoutRedirectParameterName = "logout_uri"
	c.SessionConfiguration = &SessionConfig{
		ExpirationCheck:     Bool(true),
		AutomaticRefresh:    Bool(true),
		ExpirationThreshold: 240,
	}
	return c
}

func entraPreset() Config {
	c := Defaults()
	c.TokenRequestType = TokenRequestFormURLEncoded
	c.LogoutRedirectParameterName = "post_logout_redirect_uri"
	c.PKCE = true
	c.Nonce = true
	c.ValidateAccessToken = false
	c.ValidateIDToken = true
	c.OpenIDConfiguration = &DiscoverySource{Resolver: entraDiscovery}
	c.SessionConfiguration = &SessionConfig{
		ExpirationCheck:     Bool(true),
		AutomaticRefresh:    Bool(true),
		ExpirationThreshold: 1800,
	}
	return c
}

func keycloakPreset() Config {
	c := Defaults()
	c.AuthorizationURL = "protocol/openid-connect/auth"
	c.TokenURL = "protocol/openid-connect/token"
	c.UserInfoURL = "protocol/openid-connect/userinfo"
	c.LogoutURL = "protocol/openid-connect/logout"
	c.TokenRequestType = TokenRequestFormURLEncoded
	c.PKCE = true
	c.State = false
	c.Nonce = true
	c.ValidateAccessToken = true
	c.ValidateIDToken = false
	c.ExposeIDToken = true
	c.AdditionalLogoutParameters = map[string]string{"idTokenHint": ""}
	c.LogoutRedirectParameterName = "post_logout_redirect_uri"
	c.OpenIDConfiguration = &DiscoverySource{Resolver: wellKnownFromBaseURL}
	c.SessionConfiguration = &SessionConfig{
		ExpirationCheck:     Bool(true),
		AutomaticRefresh:    Bool(true),
		ExpirationThreshold: 240,
	}
	return c
}

func microsoftPreset() Config {
	c := Defaults()
	c.BaseURL = "https://login.microsoftonline.com/common"
	c.AuthorizationURL = "/oauth2/v2.0/authorize"
	c.TokenURL = "/oauth2/v2.0/token"
	c.UserInfoURL = "https://graph.microsoft.com/v1.0/me"
	c.TokenRequestType = TokenRequestFormURLEncoded
	c.LogoutRedirectParameterName = "post_logout_redirect_uri"
	c.Scope = []string{"openid", "User.Read"}
	c.ResponseType = "code id_token"
	c.PKCE = true
	c.Nonce = true
	c.SkipAccessTokenParsing = true
	c.ValidateAccessToken = false
	c.ValidateIDToken = true
	c.AdditionalAuthParameters = map[string]string{"prompt": "select_account"}
	c.OptionalClaims = []string{"name", "preferred_username"}
	c.OpenIDConfiguration = &DiscoverySource{Resolver: entraDiscovery}
	c.SessionConfiguration = &SessionConfig{
		ExpirationCheck:     Bool(true),
		AutomaticRefresh:    Bool(true),
		ExpirationThreshold: 1800,
	}
	return c
}

func paypalPreset() Config {
	c := Defaults()
	c.TokenRequestType = TokenRequestFormURLEncoded
	c.Nonce = true
	c.SkipAccessTokenParsing = true
	c.ValidateAccessToken = false
	c.ValidateIDToken = false
	return c
}

func zitadelPreset() Config {
	c := Defaults()
	c.AuthorizationURL = "oauth/v2/authorize"
	c.TokenURL = "oauth/v2/token"
	c.UserInfoURL = "oidc/v1/userinfo"
	c.LogoutURL = "oidc/v1/end_session"
	c.TokenRequestType = TokenRequestFormURLEncoded
	c.AuthenticationScheme = AuthSchemeNone
	c.Scope = []string{"openid", "offline_access"}
	c.ScopeInTokenRequest = true
	c.ExcludeOfflineScopeFromTokenRequest = true
	c.PKCE = true
	c.Nonce = true
	c.RequiredProperties = []string{"baseUrl", "clientId", "clientSecret", "authorizationUrl", "tokenUrl"}
	c.SkipAccessTokenParsing = true
	c.ValidateAccessToken = false
	c.ValidateIDToken = true
	c.AdditionalLogoutParameters = map[string]string{"clientId": "{clientId}"}
	c.LogoutRedirectParameterName = "post_logout_redirect_uri"
	c.OpenIDConfiguration = &DiscoverySource{Resolver: wellKnownFromBaseURL}
	c.SessionConfiguration = &SessionConfig{
		ExpirationCheck:     Bool(true),
		AutomaticRefresh:    Bool(true),
		ExpirationThreshold: 1800,
	}
	return c
}

// wellKnownFromBaseURL fetches the conventional discovery document under
// the provider's base URL.
func wellKnownFromBaseURL(ctx context.Context, client *http.Client, cfg Config) (*DiscoveryDocument, error) {
	const op = "provider.wellKnownFromBaseURL"
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s: base url is empty: %w", op, ErrDiscoveryFailed)
	}
	return FetchDiscovery(ctx, client, WellKnownURL(cfg.BaseURL))
}

// entraDiscovery derives the tenant from the authorization URL path and
// fetches that tenant's discovery document. Entra asserts the v2.0 issuer
// in tokens while publishing a templated issuer in the document, so both
// are accepted.
func entraDiscovery(ctx context.Context, client *http.Client, cfg Config) (*DiscoveryDocument, error) {
	const op = "provider.entraDiscovery"
	parsed, err := url.Parse(cfg.AuthorizationURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("%s: authorization url %q is not absolute: %w", op, cfg.AuthorizationURL, ErrDiscoveryFailed)
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	tenant := "common"
	if len(segments) > 0 && segments[0] != "" {
		tenant = segments[0]
	}
	wellKnown := fmt.Sprintf("https://%s/%s/.well-known/openid-configuration", parsed.Host, tenant)
	if cfg.Audience != "" {
		wellKnown += "?appid=" + url.QueryEscape(cfg.Audience)
	}
	doc, err := FetchDiscovery(ctx, client, wellKnown)
	if err != nil {
		return nil, err
	}
	doc.Issuers = []string{fmt.Sprintf("https://%s/%s/v2.0", parsed.Host, tenant)}
	if doc.Issuer != "" {
		doc.Issuers = append(doc.Issuers, doc.Issuer)
	}
	return doc, nil
}

// EntraAdminConsentURL is the consent page a callback redirects to when the
// provider reports that admin consent is required.
func EntraAdminConsentURL(cfg Config) string {
	parsed, err := url.Parse(cfg.AuthorizationURL)
	if err != nil || parsed.Host == "" {
		return ""
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	tenant := "common"
	if len(segments) > 0 && segments[0] != "" {
		tenant = segments[0]
	}
	return fmt.Sprintf("https://%s/%s/adminconsent?client_id=%s", parsed.Host, tenant, url.QueryEscape(cfg.ClientID))
}
