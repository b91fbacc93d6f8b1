package provider

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z]+)\}`)

// JoinProviderURL joins a relative endpoint path onto a provider base URL,
// defaulting to https when the base carries no scheme, and strips any
// trailing slash.
func JoinProviderURL(baseURL, relative string) string {
	if baseURL == "" {
		return strings.TrimSuffix(relative, "/")
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "https://" + baseURL
	}
	joined, err := url.JoinPath(baseURL, relative)
	if err != nil {
		joined = strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(relative, "/")
	}
	return strings.TrimSuffix(joined, "/")
}

// Resolve produces the effective endpoint configuration: relative endpoint
// URLs are joined onto BaseURL and {field} placeholders in URLs and
// additional parameter maps are substituted from the merged config. A
// placeholder that cannot be resolved in a required URL is a configuration
// error; flows abort before any network call.
func (c Config) Resolve() (Config, error) {
	const op = "provider.Resolve"
	resolved := c

	resolved.AuthorizationURL = c.absoluteURL(c.AuthorizationURL)
	resolved.TokenURL = c.absoluteURL(c.TokenURL)
	resolved.UserInfoURL = c.absoluteURL(c.UserInfoURL)
	resolved.LogoutURL = c.absoluteURL(c.LogoutURL)

	resolved.AuthorizationURL = resolved.substitute(resolved.AuthorizationURL)
	resolved.TokenURL = resolved.substitute(resolved.TokenURL)
	resolved.UserInfoURL = resolved.substitute(resolved.UserInfoURL)
	resolved.LogoutURL = resolved.substitute(resolved.LogoutURL)

	resolved.AdditionalAuthParameters = resolved.substituteMap(c.AdditionalAuthParameters)
	resolved.AdditionalTokenParameters = resolved.substituteMap(c.AdditionalTokenParameters)
	resolved.AdditionalLogoutParameters = resolved.substituteMap(c.AdditionalLogoutParameters)

	for _, field := range resolved.RequiredProperties {
		value, ok := resolved.fieldValue(field)
		if !ok {
			continue
		}
		if leftover := placeholderPattern.FindString(value); leftover != "" {
			return Config{}, fmt.Errorf("%s: %q in required field %s: %w", op, leftover, field, ErrUnresolvedField)
		}
	}
	return resolved, nil
}

// absoluteURL joins v onto BaseURL unless it is already absolute or empty.
func (c Config) absoluteURL(v string) string {
	if v == "" || strings.Contains(v, "://") {
		return v
	}
	if c.BaseURL == "" {
		return v
	}
	return JoinProviderURL(c.BaseURL, v)
}

// substitute replaces {field} placeholders with resolved config values.
// Unknown or empty fields leave the placeholder in place so Resolve can
// report it.
func (c Config) substitute(v string) string {
	if !strings.Contains(v, "{") {
		return v
	}
	return placeholderPattern.ReplaceAllStringFunc(v, func(match string) string {
		field := placeholderPattern.FindStringSubmatch(match)[1]
		if value, ok := c.fieldValue(field); ok && value != "" {
			return value
		}
		return match
	})
}

func (c Config) substituteMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = c.substitute(v)
	}
	return out
}
