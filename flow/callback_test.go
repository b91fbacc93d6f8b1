package flow

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrelay/oidc/provider"
	"github.com/authrelay/oidc/session"
)

// githubTokenServer fakes github's token endpoint: json-encoded requests
// with the client secret in the body.
func githubTokenServer(t *testing.T, hits *int, response map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++
		require.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "client-id", body["client_id"])
		assert.Equal(t, "client-secret", body["client_secret"])
		assert.Equal(t, "authorization_code", body["grant_type"])
		assert.NotEmpty(t, body["code"])
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(response))
	}))
}

func githubEngine(t *testing.T, tokenURL string, kv session.KeyValueStore) (*Engine, *errCapture) {
	t.Helper()
	return newTestEngine(t, map[string]*provider.Overrides{
		"github": {
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			RedirectURI:  "https://app.example.com/auth/github/callback",
			TokenURL:     tokenURL,
		},
	}, kv)
}

func TestLoginCallback_GitHub(t *testing.T) {
	hits := 0
	srv := githubTokenServer(t, &hits, map[string]interface{}{
		"access_token": "x",
		"token_type":   "bearer",
	})
	defer srv.Close()

	kv := &countingKV{MemoryKV: session.NewMemoryKV()}
	e, capture := githubEngine(t, srv.URL, kv)
	router := e.Routes()

	// login produces the authorization redirect
	loginRec := httptest.NewRecorder()
	loginReq := httptest.NewRequest(http.MethodGet, "/auth/github/login", nil)
	router.ServeHTTP(loginRec, loginReq)
	require.Equal(t, http.StatusFound, loginRec.Code)

	location, err := url.Parse(loginRec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "github.com", location.Host)
	query := location.Query()
	assert.Equal(t, "client-id", query.Get("client_id"))
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, "user:email", query.Get("scope"))
	state := query.Get("state")
	assert.GreaterOrEqual(t, len(state), 32)
	assert.Empty(t, query.Get("code_challenge"), "github preset has pkce disabled")

	// callback with the round-tripped state exchanges the code once
	cbRec := httptest.NewRecorder()
	cbReq := httptest.NewRequest(http.MethodGet, "/auth/github/callback?code=abc&state="+url.QueryEscape(state), nil)
	forwardCookies(loginRec, cbReq)
	router.ServeHTTP(cbRec, cbReq)

	require.NoError(t, capture.err)
	require.Equal(t, http.StatusFound, cbRec.Code)
	assert.Equal(t, "/", cbRec.Header().Get("Location"))
	assert.Equal(t, 1, hits, "exactly one token request")
	assert.Equal(t, 0, kv.sets, "no refresh token and no exposure: no token record")

	// session endpoint sees the established session
	sessRec := httptest.NewRecorder()
	sessReq := httptest.NewRequest(http.MethodGet, "/api/_auth/session", nil)
	forwardCookies(cbRec, sessReq)
	router.ServeHTTP(sessRec, sessReq)
	require.Equal(t, http.StatusOK, sessRec.Code)

	var sess session.UserSession
	require.NoError(t, json.Unmarshal(sessRec.Body.Bytes(), &sess))
	assert.Equal(t, "github", sess.Provider)
	assert.False(t, sess.CanRefresh)
	assert.NotZero(t, sess.LoggedInAt)
	assert.Empty(t, sess.AccessToken, "github preset does not expose tokens")
}

func TestCallback_StateMismatch(t *testing.T) {
	hits := 0
	srv := githubTokenServer(t, &hits, map[string]interface{}{"access_token": "x"})
	defer srv.Close()

	e, capture := githubEngine(t, srv.URL, nil)
	router := e.Routes()

	loginRec := httptest.NewRecorder()
	router.ServeHTTP(loginRec, httptest.NewRequest(http.MethodGet, "/auth/github/login", nil))

	cbRec := httptest.NewRecorder()
	cbReq := httptest.NewRequest(http.MethodGet, "/auth/github/callback?code=abc&state=forged", nil)
	forwardCookies(loginRec, cbReq)
	router.ServeHTTP(cbRec, cbReq)

	assert.ErrorIs(t, capture.err, ErrAntiForgery)
	assert.Equal(t, 0, hits, "token endpoint must not be called")
	assert.Equal(t, "/error", cbRec.Header().Get("Location"))
}

func TestCallback_WithoutFlowState(t *testing.T) {
	hits := 0
	srv := githubTokenServer(t, &hits, map[string]interface{}{"access_token": "x"})
	defer srv.Close()

	e, capture := githubEngine(t, srv.URL, nil)

	cbRec := httptest.NewRecorder()
	cbReq := httptest.NewRequest(http.MethodGet, "/auth/github/callback?code=abc&state=anything", nil)
	e.Routes().ServeHTTP(cbRec, cbReq)

	assert.ErrorIs(t, capture.err, ErrAntiForgery)
	assert.Equal(t, 0, hits)
}

func TestCallback_ProviderError(t *testing.T) {
	hits := 0
	srv := githubTokenServer(t, &hits, nil)
	defer srv.Close()

	e, capture := githubEngine(t, srv.URL, nil)
	router := e.Routes()

	loginRec := httptest.NewRecorder()
	router.ServeHTTP(loginRec, httptest.NewRequest(http.MethodGet, "/auth/github/login", nil))
	state := extractState(t, loginRec)

	cbRec := httptest.NewRecorder()
	cbReq := httptest.NewRequest(http.MethodGet,
		"/auth/github/callback?error=access_denied&error_description=user+cancelled&state="+url.QueryEscape(state), nil)
	forwardCookies(loginRec, cbReq)
	router.ServeHTTP(cbRec, cbReq)

	assert.ErrorIs(t, capture.err, ErrTokenExchange)
	assert.Equal(t, 0, hits)
}

func TestCallback_MissingAccessToken(t *testing.T) {
	hits := 0
	srv := githubTokenServer(t, &hits, map[string]interface{}{"token_type": "bearer"})
	defer srv.Close()

	e, capture := githubEngine(t, srv.URL, nil)
	router := e.Routes()

	loginRec := httptest.NewRecorder()
	router.ServeHTTP(loginRec, httptest.NewRequest(http.MethodGet, "/auth/github/login", nil))
	state := extractState(t, loginRec)

	cbRec := httptest.NewRecorder()
	cbReq := httptest.NewRequest(http.MethodGet, "/auth/github/callback?code=abc&state="+url.QueryEscape(state), nil)
	forwardCookies(loginRec, cbReq)
	router.ServeHTTP(cbRec, cbReq)

	assert.ErrorIs(t, capture.err, ErrTokenExchange)
	assert.Equal(t, 1, hits)
}

func TestCallback_PersistsTokenRecordWithRefreshToken(t *testing.T) {
	// token response carries a refresh token: the record must be written
	// and the session must be refreshable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "opaque-access",
			"refresh_token": "initial-refresh",
			"token_type":    "bearer",
		})
	}))
	defer srv.Close()

	kv := &countingKV{MemoryKV: session.NewMemoryKV()}
	e, capture := githubEngine(t, srv.URL, kv)
	router := e.Routes()

	loginRec := httptest.NewRecorder()
	router.ServeHTTP(loginRec, httptest.NewRequest(http.MethodGet, "/auth/github/login", nil))
	state := extractState(t, loginRec)

	cbRec := httptest.NewRecorder()
	cbReq := httptest.NewRequest(http.MethodGet, "/auth/github/callback?code=abc&state="+url.QueryEscape(state), nil)
	forwardCookies(loginRec, cbReq)
	router.ServeHTTP(cbRec, cbReq)

	require.NoError(t, capture.err)
	assert.Equal(t, 1, kv.sets, "token record written")

	sessRec := httptest.NewRecorder()
	sessReq := httptest.NewRequest(http.MethodGet, "/api/_auth/session", nil)
	forwardCookies(cbRec, sessReq)
	router.ServeHTTP(sessRec, sessReq)

	var sess session.UserSession
	require.NoError(t, json.Unmarshal(sessRec.Body.Bytes(), &sess))
	assert.True(t, sess.CanRefresh)
}

func TestCallback_NonceMismatch(t *testing.T) {
	e, capture := githubEngine(t, "https://github.example.com/token", nil)
	router := e.Routes()

	loginRec := httptest.NewRecorder()
	router.ServeHTTP(loginRec, httptest.NewRequest(http.MethodGet, "/auth/github/login", nil))
	state := extractState(t, loginRec)

	inline := signTestToken(t, map[string]interface{}{"nonce": "stale-nonce"})
	cbRec := httptest.NewRecorder()
	cbReq := httptest.NewRequest(http.MethodGet,
		"/auth/github/callback?code=abc&id_token="+url.QueryEscape(inline)+"&state="+url.QueryEscape(state), nil)
	forwardCookies(loginRec, cbReq)
	router.ServeHTTP(cbRec, cbReq)

	assert.ErrorIs(t, capture.err, ErrAntiForgery)
}

func entraOverrides(tokenURL string) map[string]*provider.Overrides {
	return map[string]*provider.Overrides{
		"entra": {
			ClientID:         "client-id",
			ClientSecret:     "client-secret",
			RedirectURI:      "https://app.example.com/auth/entra/callback",
			AuthorizationURL: "https://login.microsoftonline.com/tenant-123/oauth2/v2.0/authorize",
			TokenURL:         tokenURL,
		},
	}
}

func TestCallback_AdminConsentReturnsToLogin(t *testing.T) {
	// the admin consent round trip lands on the callback with no code or
	// state; it must restart the login, not fail anti-forgery
	e, capture := newTestEngine(t, entraOverrides("https://login.microsoftonline.com/tenant-123/oauth2/v2.0/token"), nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/entra/callback?admin_consent=True&tenant=tenant-123", nil)
	req.Host = "app.example.com"
	e.Routes().ServeHTTP(rec, req)

	require.NoError(t, capture.err)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "http://app.example.com/auth/entra/login", rec.Header().Get("Location"))
}

func TestCallback_ConsentRequiredRedirectsToAdminConsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "AADSTS65001: consent required",
			"suberror":          "consent_required",
		})
	}))
	defer srv.Close()

	e, capture := newTestEngine(t, entraOverrides(srv.URL), nil)
	router := e.Routes()

	loginRec := httptest.NewRecorder()
	router.ServeHTTP(loginRec, httptest.NewRequest(http.MethodGet, "/auth/entra/login", nil))
	state := extractState(t, loginRec)

	cbRec := httptest.NewRecorder()
	cbReq := httptest.NewRequest(http.MethodGet, "/auth/entra/callback?code=abc&state="+url.QueryEscape(state), nil)
	forwardCookies(loginRec, cbReq)
	router.ServeHTTP(cbRec, cbReq)

	require.NoError(t, capture.err, "consent_required is a redirect, not a failure")
	require.Equal(t, http.StatusFound, cbRec.Code)
	assert.Equal(t,
		"https://login.microsoftonline.com/tenant-123/adminconsent?client_id=client-id",
		cbRec.Header().Get("Location"))
}

func extractState(t *testing.T, loginRec *httptest.ResponseRecorder) string {
	t.Helper()
	location, err := url.Parse(loginRec.Header().Get("Location"))
	require.NoError(t, err)
	state := location.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestLogin_NonceForcesFormPost(t *testing.T) {
	e, _ := newTestEngine(t, map[string]*provider.Overrides{
		"oidc": {
			ClientID:         "client-id",
			ClientSecret:     "client-secret",
			RedirectURI:      "https://app.example.com/cb",
			AuthorizationURL: "https://idp.example.com/authorize",
			TokenURL:         "https://idp.example.com/token",
			Nonce:            provider.Bool(true),
			Scope:            []string{"profile"},
		},
	}, nil)

	rec := httptest.NewRecorder()
	e.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/oidc/login", nil))
	require.Equal(t, http.StatusFound, rec.Code)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	query := location.Query()
	assert.Equal(t, "form_post", query.Get("response_mode"))
	assert.NotEmpty(t, query.Get("nonce"))
	assert.True(t, strings.HasPrefix(query.Get("scope"), "openid "),
		"openid prepended to scope, got %q", query.Get("scope"))
}

func TestLogin_AllowedClientAuthParameters(t *testing.T) {
	e, _ := newTestEngine(t, map[string]*provider.Overrides{
		"oidc": {
			ClientID:                    "client-id",
			ClientSecret:                "client-secret",
			RedirectURI:                 "https://app.example.com/cb",
			AuthorizationURL:            "https://idp.example.com/authorize",
			TokenURL:                    "https://idp.example.com/token",
			AllowedClientAuthParameters: []string{"loginHint"},
		},
	}, nil)

	rec := httptest.NewRecorder()
	e.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/auth/oidc/login?loginHint=user%40example.com&evil=1", nil))

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	query := location.Query()
	assert.Equal(t, "user@example.com", query.Get("login_hint"), "allow-listed parameter passes snake-cased")
	assert.Empty(t, query.Get("evil"), "unlisted parameters are dropped")
}
