package flow

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"github.com/authrelay/oidc/internal/strutils"
	"github.com/authrelay/oidc/security"
	"github.com/authrelay/oidc/session"
)

// Login starts the authorization code flow for the provider in the route:
// it validates the provider config, persists fresh anti-forgery state and
// redirects the browser to the provider's authorization endpoint. No token
// material exists after this step.
func (e *Engine) Login(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	cfg, err := e.providerConfig(name)
	if err != nil {
		e.fail(w, r, name, err)
		return
	}

	state, err := security.RandomURLSafeString(security.DefaultRandomLength)
	if err != nil {
		e.fail(w, r, name, err)
		return
	}
	verifier, err := security.GeneratePKCEVerifier(security.DefaultPKCEVerifierLength)
	if err != nil {
		e.fail(w, r, name, err)
		return
	}
	flowState := &session.FlowState{
		State:        state,
		CodeVerifier: verifier,
		Redirect:     r.Referer(),
	}

	params := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("response_type", cfg.ResponseType),
	}
	if cfg.ResponseMode != "" {
		params = append(params, oauth2.SetAuthURLParam("response_mode", cfg.ResponseMode))
	}
	if len(cfg.Prompt) > 0 {
		params = append(params, oauth2.SetAuthURLParam("prompt", strings.Join(cfg.Prompt, " ")))
	}
	if cfg.PKCE {
		params = append(params,
			oauth2.SetAuthURLParam("code_challenge", security.PKCECodeChallenge(verifier)),
			oauth2.SetAuthURLParam("code_challenge_method", security.PKCEChallengeMethod),
		)
	}
	for key, value := range strutils.SnakeCaseKeys(cfg.AdditionalAuthParameters) {
		params = append(params, oauth2.SetAuthURLParam(key, value))
	}
	// allow-listed caller parameters pass through snake-cased
	for _, param := range cfg.AllowedClientAuthParameters {
		if value := r.URL.Query().Get(param); value != "" {
			params = append(params, oauth2.SetAuthURLParam(strutils.SnakeCase(param), value))
		}
	}

	scope := append([]string(nil), cfg.Scope...)
	// implicit token response types and nonce-enabled providers get a
	// nonce bound into the id_token and a form_post response
	if strings.Contains(cfg.ResponseType, "token") || cfg.Nonce {
		nonce, err := security.RandomURLSafeString(security.DefaultRandomLength)
		if err != nil {
			e.fail(w, r, name, err)
			return
		}
		flowState.Nonce = nonce
		params = append(params,
			oauth2.SetAuthURLParam("response_mode", "form_post"),
			oauth2.SetAuthURLParam("nonce", nonce),
		)
		if !strutils.StrListContains(scope, "openid") {
			scope = append([]string{"openid"}, scope...)
		}
	}

	if err := e.manager.SaveFlowState(w, r, flowState); err != nil {
		e.fail(w, r, name, err)
		return
	}

	oc := oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: cfg.RedirectURI,
		Scopes:      scope,
		Endpoint:    oauth2.Endpoint{AuthURL: cfg.AuthorizationURL},
	}
	stateParam := ""
	if cfg.State {
		stateParam = state
	}
	authURL := oc.AuthCodeURL(stateParam, params...)
	if cfg.EncodeRedirectURI && cfg.RedirectURI != "" {
		authURL = strings.Replace(authURL,
			url.QueryEscape(cfg.RedirectURI), encodeURI(cfg.RedirectURI), 1)
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// encodeURIKeep lists the bytes a loosely encoded redirect_uri keeps
// literal. Some providers reject a fully percent-encoded value.
const encodeURIKeep = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789;,/?:@&=+$-_.!~*'()#"

func encodeURI(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(encodeURIKeep, c) >= 0 {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
