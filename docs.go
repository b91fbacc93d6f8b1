// Package oidc is the root of an OpenID Connect relying-party
// authentication engine: provider configuration resolution, the
// login/callback/logout flow, token validation against provider key sets,
// encrypted at-rest token storage and session lifecycle management.
//
// See the provider, security, keyset, session and flow packages.
package oidc
