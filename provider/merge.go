package provider

import (
	"github.com/authrelay/oidc/internal/strutils"
)

// Overrides is one merge layer over a preset Config. String, slice and map
// fields are applied when non-zero; optional booleans are pointers so an
// explicit false can override a preset's true. RequiredProperties is the
// one list that merges by set union instead of replacement.
type Overrides struct {
	ClientID         string
	ClientSecret     string
	RedirectURI      string
	BaseURL          string
	AuthorizationURL string
	TokenURL         string
	UserInfoURL      string
	LogoutURL        string

	ResponseType         string
	ResponseMode         string
	GrantType            string
	AuthenticationScheme AuthenticationScheme
	TokenRequestType     TokenRequestType

	Scope    []string
	Prompt   []string
	Audience string

	RequiredProperties []string

	PKCE                                *bool
	State                               *bool
	Nonce                               *bool
	ScopeInTokenRequest                 *bool
	ExcludeOfflineScopeFromTokenRequest *bool
	SkipAccessTokenParsing              *bool
	ValidateAccessToken                 *bool
	ValidateIDToken                     *bool
	ExposeAccessToken                   *bool
	ExposeIDToken                       *bool
	EncodeRedirectURI                   *bool

	UserNameClaim               string
	OptionalClaims              []string
	FilterUserInfo              []string
	AllowedClientAuthParameters []string

	AdditionalAuthParameters   map[string]string
	AdditionalTokenParameters  map[string]string
	AdditionalLogoutParameters map[string]string

	LogoutRedirectParameterName string
	LogoutRedirectURI           string
	CallbackRedirectURL         string

	OpenIDConfiguration  *DiscoverySource
	SessionConfiguration *SessionConfig
}

// Merge produces one effective Config from a preset and ordered override
// layers. Later layers win, so callers pass user overrides before
// environment-sourced secret overrides. Arrays merge by replacement except
// RequiredProperties, which merges by set union across all layers; maps
// merge key-wise with the later layer winning. Merge is pure: the preset is
// copied, never mutated.
func Merge(preset Config, layers ...*Overrides) Config {
	merged := preset
	merged.RequiredProperties = append([]string(nil), preset.RequiredProperties...)

	for _, layer := range layers {
		if layer == nil {
			continue
		}
		applyLayer(&merged, layer)
	}
	merged.RequiredProperties = strutils.RemoveDuplicates(merged.RequiredProperties)
	return merged
}

func applyLayer(c *Config, o *Overrides) {
	applyString(&c.ClientID, o.ClientID)
	if o.ClientSecret != "" {
		c.ClientSecret = ClientSecret(o.ClientSecret)
	}
	applyString(&c.RedirectURI, o.RedirectURI)
	applyString(&c.BaseURL, o.BaseURL)
	applyString(&c.AuthorizationURL, o.AuthorizationURL)
	applyString(&c.TokenURL, o.TokenURL)
	applyString(&c.UserInfoURL, o.UserInfoURL)
	applyString(&c.LogoutURL, o.LogoutURL)
	applyString(&c.ResponseType, o.ResponseType)
	applyString(&c.ResponseMode, o.ResponseMode)
	applyString(&c.GrantType, o.GrantType)
	if o.AuthenticationScheme != "" {
		c.AuthenticationScheme = o.AuthenticationScheme
	}
	if o.TokenRequestType != "" {
		c.TokenRequestType = o.TokenRequestType
	}
	if o.Scope != nil {
		c.Scope = append([]string(nil), o.Scope...)
	}
	if o.Prompt != nil {
		c.Prompt = append([]string(nil), o.Prompt...)
	}
	applyString(&c.Audience, o.Audience)

	// set union, unlike every other list
	c.RequiredProperties = append(c.RequiredProperties, o.RequiredProperties...)

	applyBool(&c.PKCE, o.PKCE)
	applyBool(&c.State, o.State)
	applyBool(&c.Nonce, o.Nonce)
	applyBool(&c.ScopeInTokenRequest, o.ScopeInTokenRequest)
	applyBool(&c.ExcludeOfflineScopeFromTokenRequest, o.ExcludeOfflineScopeFromTokenRequest)
	applyBool(&c.SkipAccessTokenParsing, o.SkipAccessTokenParsing)
	applyBool(&c.ValidateAccessToken, o.ValidateAccessToken)
	applyBool(&c.ValidateIDToken, o.ValidateIDToken)
	applyBool(&c.ExposeAccessToken, o.ExposeAccessToken)
	applyBool(&c.ExposeIDToken, o.ExposeIDToken)
	applyBool(&c.EncodeRedirectURI, o.EncodeRedirectURI)

	applyString(&c.UserNameClaim, o.UserNameClaim)
	if o.OptionalClaims != nil {
		c.OptionalClaims = append([]string(nil), o.OptionalClaims...)
	}
	if o.FilterUserInfo != nil {
		c.FilterUserInfo = append([]string(nil), o.FilterUserInfo...)
	}
	if o.AllowedClientAuthParameters != nil {
		c.AllowedClientAuthParameters = append([]string(nil), o.AllowedClientAuthParameters...)
	}
	if o.AdditionalAuthParameters != nil {
		c.AdditionalAuthParameters = mergeMap(c.AdditionalAuthParameters, o.AdditionalAuthParameters)
	}
	if o.AdditionalTokenParameters != nil {
		c.AdditionalTokenParameters = mergeMap(c.AdditionalTokenParameters, o.AdditionalTokenParameters)
	}
	if o.AdditionalLogoutParameters != nil {
		c.AdditionalLogoutParameters = mergeMap(c.AdditionalLogoutParameters, o.AdditionalLogoutParameters)
	}
	applyString(&c.LogoutRedirectParameterName, o.LogoutRedirectParameterName)
	applyString(&c.LogoutRedirectURI, o.LogoutRedirectURI)
	applyString(&c.CallbackRedirectURL, o.CallbackRedirectURL)
	if o.OpenIDConfiguration != nil {
		c.OpenIDConfiguration = o.OpenIDConfiguration
	}
	if o.SessionConfiguration != nil {
		merged := *o.SessionConfiguration
		if c.SessionConfiguration != nil {
			if merged.ExpirationCheck == nil {
				merged.ExpirationCheck = c.SessionConfiguration.ExpirationCheck
			}
			if merged.AutomaticRefresh == nil {
				merged.AutomaticRefresh = c.SessionConfiguration.AutomaticRefresh
			}
			if merged.ExpirationThreshold == 0 {
				merged.ExpirationThreshold = c.SessionConfiguration.ExpirationThreshold
			}
		}
		c.SessionConfiguration = &merged
	}
}

func applyString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func applyBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// mergeMap merges layer over base key-wise, layer's entries winning.
// Neither input is mutated.
func mergeMap(base, layer map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(layer))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range layer {
		out[k] = v
	}
	return out
}

// Bool returns a pointer to v, for building Overrides literals.
func Bool(v bool) *bool { return &v }
