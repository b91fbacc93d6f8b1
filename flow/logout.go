package flow

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/authrelay/oidc/internal/strutils"
)

// Logout terminates the session. Providers with a logout endpoint get a
// front-channel logout redirect carrying the post-logout redirect target
// and any configured hints (id_token_hint and logout_hint fill from the
// current session); otherwise the session is simply cleared and the
// browser returns to the application origin.
func (e *Engine) Logout(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	cfg, ok := e.providers[name]
	if !ok {
		e.manager.ClearUserSession(w, r, false)
		http.Redirect(w, r, requestOrigin(r), http.StatusFound)
		return
	}

	if cfg.LogoutURL == "" {
		e.manager.ClearUserSession(w, r, false)
		http.Redirect(w, r, requestOrigin(r), http.StatusFound)
		return
	}

	logoutRedirectURI := r.URL.Query().Get("logoutRedirectUri")
	if logoutRedirectURI == "" {
		logoutRedirectURI = cfg.LogoutRedirectURI
	}

	params := map[string]string{}
	for key, value := range cfg.AdditionalLogoutParameters {
		params[key] = value
	}
	if len(cfg.AdditionalLogoutParameters) > 0 {
		if sess, sid, err := e.manager.CurrentUserSession(r); err == nil {
			if _, ok := params["idTokenHint"]; ok {
				if idToken := e.storedIDToken(r, sid); idToken != "" {
					params["idTokenHint"] = idToken
				}
			}
			if _, ok := params["logoutHint"]; ok {
				if hint, _ := sess.Claims["login_hint"].(string); hint != "" {
					params["logoutHint"] = hint
				}
			}
		}
	}

	query := url.Values{}
	if cfg.LogoutRedirectParameterName != "" && logoutRedirectURI != "" {
		query.Set(cfg.LogoutRedirectParameterName, logoutRedirectURI)
	}
	for key, value := range strutils.SnakeCaseKeys(params) {
		query.Set(key, value)
	}

	location := cfg.LogoutURL
	if encoded := query.Encode(); encoded != "" {
		separator := "?"
		if u, err := url.Parse(cfg.LogoutURL); err == nil && u.RawQuery != "" {
			separator = "&"
		}
		location += separator + encoded
	}

	e.manager.ClearUserSession(w, r, false)
	http.Redirect(w, r, location, http.StatusFound)
}

// storedIDToken decrypts the persisted id token for the session, if any.
func (e *Engine) storedIDToken(r *http.Request, sid string) string {
	record, err := e.manager.ReadTokenRecord(r.Context(), sid)
	if err != nil || record.IDToken == nil {
		return ""
	}
	token, err := e.manager.DecryptToken(record.IDToken)
	if err != nil {
		return ""
	}
	return token
}
