package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/authrelay/oidc/keyset"
	"github.com/authrelay/oidc/provider"
	"github.com/authrelay/oidc/security"
	"github.com/authrelay/oidc/session"
)

// Callback completes the authorization code flow: it verifies the
// anti-forgery state and nonce, exchanges the code for tokens, validates
// them when the provider asserts this relying party's audience, derives
// the user session and persists the encrypted token record. Every failure
// branch clears the flow state and renders through the error continuation
// without leaking provider detail.
func (e *Engine) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "provider")
	cfg, err := e.providerConfig(name)
	if err != nil {
		e.fail(w, r, name, err)
		return
	}

	values := callbackValues(r)

	// entra lands here again after the admin consent round trip
	if values.Get("admin_consent") != "" {
		http.Redirect(w, r, requestOrigin(r)+"/auth/"+url.PathEscape(name)+"/login", http.StatusFound)
		return
	}

	flowState, err := e.manager.GetFlowState(r)
	if err != nil {
		e.fail(w, r, name, fmt.Errorf("no pending login attempt: %w", ErrAntiForgery))
		return
	}

	// an inline id_token must carry the nonce of this login attempt
	if inline := values.Get("id_token"); inline != "" {
		claims, err := security.DecodeToken(inline)
		if err != nil || claims.Nonce() != flowState.Nonce {
			e.fail(w, r, name, fmt.Errorf("nonce mismatch: %w", ErrAntiForgery))
			return
		}
	}

	if errCode := values.Get("error"); errCode != "" {
		e.logger.Error("provider returned an error", "provider", name,
			"error", errCode, "description", values.Get("error_description"))
		e.fail(w, r, name, ErrTokenExchange)
		return
	}
	code := values.Get("code")
	if code == "" {
		e.fail(w, r, name, fmt.Errorf("missing code: %w", ErrTokenExchange))
		return
	}
	if cfg.State && values.Get("state") != flowState.State {
		e.fail(w, r, name, fmt.Errorf("state mismatch: %w", ErrAntiForgery))
		return
	}

	tokenResp, err := e.requestToken(ctx, cfg, codeExchangeValues(cfg, code, flowState.CodeVerifier))
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) && perr.Suberror == "consent_required" {
			if consentURL := provider.EntraAdminConsentURL(cfg); consentURL != "" {
				e.manager.ClearFlowState(w, r)
				http.Redirect(w, r, consentURL, http.StatusFound)
				return
			}
		}
		e.fail(w, r, name, err)
		return
	}
	if tokenResp.AccessToken == "" {
		e.fail(w, r, name, fmt.Errorf("no access token in response: %w", ErrTokenExchange))
		return
	}

	accessClaims := security.Claims{}
	if !cfg.SkipAccessTokenParsing {
		if accessClaims, err = security.DecodeToken(tokenResp.AccessToken); err != nil {
			e.fail(w, r, name, fmt.Errorf("%v: %w", err, ErrTokenValidation))
			return
		}
	}
	var idClaims security.Claims
	if tokenResp.IDToken != "" {
		if idClaims, err = security.DecodeToken(tokenResp.IDToken); err != nil {
			e.fail(w, r, name, fmt.Errorf("%v: %w", err, ErrTokenValidation))
			return
		}
	}

	if e.shouldValidate(cfg, accessClaims, idClaims) {
		accessClaims, idClaims, err = e.validateTokens(ctx, cfg, tokenResp, accessClaims, idClaims)
		if err != nil {
			e.fail(w, r, name, fmt.Errorf("%v: %w", err, ErrTokenValidation))
			return
		}
	} else {
		// deliberately permissive fallback for non-conformant providers
		e.logger.Info("skipped token validation", "provider", name)
	}

	now := e.now().Unix()
	user := &session.UserSession{
		Provider:   name,
		CanRefresh: tokenResp.RefreshToken != "",
		LoggedInAt: now,
		UpdatedAt:  now,
		ExpireAt:   now + e.maxAge,
	}
	if exp := accessClaims.Expiration(); exp != 0 {
		user.ExpireAt = exp
	}

	if cfg.UserInfoURL != "" {
		userInfo, err := e.fetchUserInfo(ctx, cfg, tokenResp.TokenType, tokenResp.AccessToken)
		if err != nil {
			// non-fatal: login proceeds without the enriched profile
			e.logger.Warn("unable to fetch userinfo", "provider", name, "error", err)
		} else {
			user.UserInfo = userInfo
		}
	}
	if cfg.UserNameClaim != "" {
		user.UserName = accessClaims.StringClaim(cfg.UserNameClaim)
	}
	if len(cfg.OptionalClaims) > 0 && idClaims != nil {
		user.Claims = pickClaims(idClaims, cfg.OptionalClaims)
	}

	sess, sid, err := e.manager.SetUserSession(w, r, user)
	if err != nil {
		e.fail(w, r, name, err)
		return
	}

	if tokenResp.RefreshToken != "" || cfg.ExposeAccessToken || cfg.ExposeIDToken {
		record, err := e.buildTokenRecord(tokenResp, accessClaims, now, user.ExpireAt)
		if err != nil {
			e.fail(w, r, name, err)
			return
		}
		if err := e.manager.WriteTokenRecord(ctx, sid, record); err != nil {
			e.fail(w, r, name, err)
			return
		}
	}

	e.manager.ClearFlowState(w, r)
	e.onSuccess(w, r, &CallbackResult{
		Provider:    name,
		UserSession: sess,
		RedirectURL: cfg.CallbackRedirectURL,
	})
}

// shouldValidate reports whether cryptographic validation applies: the
// relying party's audience or client id must be asserted in either token
// and at least one validation flag must be set.
func (e *Engine) shouldValidate(cfg provider.Config, accessClaims, idClaims security.Claims) bool {
	if !cfg.ValidateAccessToken && !cfg.ValidateIDToken {
		return false
	}
	for _, candidate := range []string{cfg.Audience, cfg.ClientID} {
		if candidate == "" {
			continue
		}
		if accessClaims.HasAudience(candidate) {
			return true
		}
		if idClaims != nil && idClaims.HasAudience(candidate) {
			return true
		}
	}
	return false
}

// validateTokens verifies the requested tokens against the provider's
// discovered JWKS and issuer set, returning verified claims.
func (e *Engine) validateTokens(ctx context.Context, cfg provider.Config, tokenResp *tokenResponse, accessClaims, idClaims security.Claims) (security.Claims, security.Claims, error) {
	doc, err := cfg.OpenIDConfiguration.Resolve(ctx, e.client, cfg)
	if err != nil {
		return nil, nil, err
	}
	ks, err := e.keysets.Get(ctx, doc.JWKSURI)
	if err != nil {
		return nil, nil, err
	}
	validator, err := keyset.NewValidator(ks)
	if err != nil {
		return nil, nil, err
	}
	expected := keyset.Expected{Issuers: doc.AcceptedIssuers()}
	if cfg.Audience != "" {
		expected.Audiences = []string{cfg.Audience, cfg.ClientID}
	}
	if cfg.ValidateAccessToken {
		if accessClaims, err = validator.Validate(ctx, tokenResp.AccessToken, expected); err != nil {
			return nil, nil, err
		}
	}
	if cfg.ValidateIDToken && tokenResp.IDToken != "" {
		if idClaims, err = validator.Validate(ctx, tokenResp.IDToken, expected); err != nil {
			return nil, nil, err
		}
	}
	return accessClaims, idClaims, nil
}

// fetchUserInfo calls the provider's userinfo endpoint with the fresh
// access token, applying the provider's userinfo key filter.
func (e *Engine) fetchUserInfo(ctx context.Context, cfg provider.Config, tokenType, accessToken string) (map[string]interface{}, error) {
	const op = "flow.Engine.fetchUserInfo"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if tokenType == "" {
		tokenType = "Bearer"
	}
	req.Header.Set("Authorization", tokenType+" "+accessToken)
	req.Header.Set("Accept", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrUserInfoFetch, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrUserInfoFetch, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s: status %d: %w", op, resp.StatusCode, ErrUserInfoFetch)
	}
	var userInfo map[string]interface{}
	if err := json.Unmarshal(raw, &userInfo); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrUserInfoFetch, err)
	}
	if len(cfg.FilterUserInfo) == 0 {
		return userInfo, nil
	}
	filtered := make(map[string]interface{}, len(cfg.FilterUserInfo))
	for _, key := range cfg.FilterUserInfo {
		if value, ok := userInfo[key]; ok {
			filtered[key] = value
		}
	}
	return filtered, nil
}

// buildTokenRecord encrypts the fresh tokens into a persistent record.
func (e *Engine) buildTokenRecord(tokenResp *tokenResponse, accessClaims security.Claims, now, expireAt int64) (*session.TokenRecord, error) {
	record := &session.TokenRecord{Exp: expireAt, Iat: now}
	if exp := accessClaims.Expiration(); exp != 0 {
		record.Exp = exp
	}
	if iat := accessClaims.IssuedAt(); iat != 0 {
		record.Iat = iat
	}
	var err error
	if record.AccessToken, err = e.manager.EncryptToken(tokenResp.AccessToken); err != nil {
		return nil, err
	}
	if tokenResp.RefreshToken != "" {
		if record.RefreshToken, err = e.manager.EncryptToken(tokenResp.RefreshToken); err != nil {
			return nil, err
		}
	}
	if tokenResp.IDToken != "" {
		if record.IDToken, err = e.manager.EncryptToken(tokenResp.IDToken); err != nil {
			return nil, err
		}
	}
	return record, nil
}

func pickClaims(claims security.Claims, names []string) map[string]interface{} {
	picked := map[string]interface{}{}
	for _, name := range names {
		if value, ok := claims[name]; ok && value != nil {
			picked[name] = value
		}
	}
	return picked
}

// callbackValues reads the callback parameters from the query on GET and
// the form body on form_post responses.
func callbackValues(r *http.Request) url.Values {
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			return r.PostForm
		}
	}
	return r.URL.Query()
}

func requestOrigin(r *http.Request) string {
	// behind a TLS-terminating proxy only the forwarded header knows the
	// external scheme
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}
	return scheme + "://" + r.Host
}
