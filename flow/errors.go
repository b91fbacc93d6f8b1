package flow

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParameter is returned for invalid constructor arguments.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrConfiguration marks a provider configuration failure, fatal before
	// any network call.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrAntiForgery marks a state or nonce mismatch at callback.
	ErrAntiForgery = errors.New("anti-forgery check failed")

	// ErrTokenExchange marks a transport failure or a provider-rejected
	// code exchange. Provider detail is logged server side only.
	ErrTokenExchange = errors.New("token request failed")

	// ErrTokenValidation marks a decoding or signature, issuer or audience
	// failure.
	ErrTokenValidation = errors.New("token validation failed")

	// ErrUserInfoFetch marks a userinfo endpoint failure. It is non-fatal:
	// login proceeds without the enriched profile.
	ErrUserInfoFetch = errors.New("userinfo fetch failed")

	// ErrRefresh marks a refresh-grant failure, which forces logout rather
	// than a silent retry.
	ErrRefresh = errors.New("token refresh failed")
)

// ProviderError carries the parsed error payload of a provider's token
// endpoint response. It is logged server side and never shown to users.
type ProviderError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
	Suberror    string `json:"suberror"`

	StatusCode int `json:"-"`
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("provider returned status %d", e.StatusCode)
}
