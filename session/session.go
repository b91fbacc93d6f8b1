// Package session owns the engine's three session artifacts and their
// lifecycles: the ephemeral authorization flow state that only lives
// between login and callback, the public user session in the cookie-backed
// store, and the encrypted persistent token record in a durable key-value
// store. The three are independent concerns and are never conflated.
package session

import (
	"errors"

	"github.com/authrelay/oidc/security"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNoSession        = errors.New("no session")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrSessionExpired   = errors.New("session expired")
	ErrNotFound         = errors.New("not found")
)

// FlowState is the ephemeral state of one in-progress login attempt,
// created at login and consumed at callback. Its lifetime is bounded in
// minutes, independent of the eventual user session.
type FlowState struct {
	// State is the anti-CSRF token round-tripped through the provider.
	State string `json:"state"`

	// Nonce is the anti-replay token, present only when the flow needs it.
	Nonce string `json:"nonce,omitempty"`

	// CodeVerifier is the PKCE secret held until the code exchange.
	CodeVerifier string `json:"codeVerifier,omitempty"`

	// Redirect is the post-login return target.
	Redirect string `json:"redirect,omitempty"`
}

// UserSession is the public-facing session. It never contains the refresh
// token; raw access/id tokens appear only when a provider's config
// explicitly exposes them.
type UserSession struct {
	Provider   string `json:"provider"`
	CanRefresh bool   `json:"canRefresh"`
	LoggedInAt int64  `json:"loggedInAt"`
	UpdatedAt  int64  `json:"updatedAt"`
	ExpireAt   int64  `json:"expireAt"`

	UserName string                 `json:"userName,omitempty"`
	UserInfo map[string]interface{} `json:"userInfo,omitempty"`
	Claims   map[string]interface{} `json:"claims,omitempty"`

	AccessToken string `json:"accessToken,omitempty"`
	IDToken     string `json:"idToken,omitempty"`
}

// TokenRecord is the persistent, encrypted representation of a session's
// tokens, keyed by session id in the durable store. Raw token material is
// never persisted unencrypted.
type TokenRecord struct {
	Exp int64 `json:"exp"`
	Iat int64 `json:"iat"`

	AccessToken  *security.EncryptedToken `json:"accessToken"`
	RefreshToken *security.EncryptedToken `json:"refreshToken,omitempty"`
	IDToken      *security.EncryptedToken `json:"idToken,omitempty"`
}

// Policy is the resolved per-provider session policy applied on every
// session read.
type Policy struct {
	ExpirationCheck     bool
	AutomaticRefresh    bool
	ExpirationThreshold int64
}

// Exposure marks which raw tokens a provider's config attaches to the
// public session.
type Exposure struct {
	AccessToken bool
	IDToken     bool
}
