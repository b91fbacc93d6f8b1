package provider

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ValidationResult reports whether a merged config carries every required
// field. MissingProperties enumerates all absent fields, not just the
// first, since operators diagnose several at once.
type ValidationResult struct {
	Valid             bool
	MissingProperties []string
}

// Err returns nil for a valid result, otherwise one aggregate error naming
// every missing field.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	var result *multierror.Error
	for _, field := range r.MissingProperties {
		result = multierror.Append(result, fmt.Errorf("required property %q is missing or empty", field))
	}
	result = multierror.Append(result, ErrMissingConfiguration)
	return result.ErrorOrNil()
}

// Validate checks the config against a required-field list. It is a pure
// check with no side effects; flows call it before any network work.
func Validate(c Config, requiredProperties []string) ValidationResult {
	result := ValidationResult{Valid: true}
	for _, field := range requiredProperties {
		value, ok := c.fieldValue(field)
		if !ok || value == "" {
			result.Valid = false
			result.MissingProperties = append(result.MissingProperties, field)
		}
	}
	return result
}

// fieldValue maps a required-property key to its config value. Keys use
// the camelCase names shared by presets and overrides.
func (c Config) fieldValue(name string) (string, bool) {
	switch name {
	case "clientId":
		return c.ClientID, true
	case "clientSecret":
		return string(c.ClientSecret), true
	case "redirectUri":
		return c.RedirectURI, true
	case "baseUrl":
		return c.BaseURL, true
	case "authorizationUrl":
		return c.AuthorizationURL, true
	case "tokenUrl":
		return c.TokenURL, true
	case "userInfoUrl":
		return c.UserInfoURL, true
	case "logoutUrl":
		return c.LogoutURL, true
	case "logoutRedirectUri":
		return c.LogoutRedirectURI, true
	case "audience":
		return c.Audience, true
	case "responseType":
		return c.ResponseType, true
	case "grantType":
		return c.GrantType, true
	default:
		return "", false
	}
}
