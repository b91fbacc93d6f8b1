package flow

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/authrelay/oidc/security"
	"github.com/authrelay/oidc/session"
)

// RefreshSession renews the current session's tokens with the stored
// refresh token. A session that cannot refresh is a logged no-op, not an
// error; the renewed result is false so callers can tell the difference.
// A rejected refresh grant forces logout: stale credentials mean
// re-authentication, never a silent retry. On success the persistent token
// record is atomically replaced, keeping the prior refresh token unless
// the provider rotated it.
//
// RefreshSession implements session.Refresher.
func (e *Engine) RefreshSession(w http.ResponseWriter, r *http.Request) (*session.UserSession, bool, error) {
	const op = "flow.Engine.RefreshSession"
	ctx := r.Context()

	sess, sid, err := e.manager.CurrentUserSession(r)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	record, err := e.manager.ReadTokenRecord(ctx, sid)
	if err != nil || !sess.CanRefresh || record.RefreshToken == nil {
		e.logger.Warn("no refresh token", "provider", sess.Provider)
		return sess, false, nil
	}
	refreshToken, err := e.manager.DecryptToken(record.RefreshToken)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}

	cfg, err := e.providerConfig(sess.Provider)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}

	tokenResp, err := e.requestToken(ctx, cfg, refreshGrantValues(cfg, refreshToken))
	if err != nil {
		e.logger.Error("refresh grant failed", "provider", sess.Provider, "error", err)
		http.Redirect(w, r, "/auth/"+url.PathEscape(sess.Provider)+"/logout", http.StatusFound)
		return nil, false, fmt.Errorf("%s: %w", op, ErrRefresh)
	}

	newRefreshToken := tokenResp.RefreshToken
	if newRefreshToken == "" {
		newRefreshToken = refreshToken
	}
	accessClaims := security.Claims{}
	if !cfg.SkipAccessTokenParsing {
		if accessClaims, err = security.DecodeToken(tokenResp.AccessToken); err != nil {
			return nil, false, fmt.Errorf("%s: %v: %w", op, err, ErrTokenValidation)
		}
	}

	now := e.now().Unix()
	exp := accessClaims.Expiration()
	if exp == 0 {
		if expiresIn := tokenResp.expiresInSeconds(); expiresIn > 0 {
			exp = now + expiresIn
		} else {
			exp = now + 3600
		}
	}
	iat := accessClaims.IssuedAt()
	if iat == 0 {
		iat = now
	}

	updated := &session.TokenRecord{Exp: exp, Iat: iat}
	if updated.AccessToken, err = e.manager.EncryptToken(tokenResp.AccessToken); err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	if updated.RefreshToken, err = e.manager.EncryptToken(newRefreshToken); err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	if tokenResp.IDToken != "" {
		if updated.IDToken, err = e.manager.EncryptToken(tokenResp.IDToken); err != nil {
			return nil, false, fmt.Errorf("%s: %w", op, err)
		}
	}
	if err := e.manager.WriteTokenRecord(ctx, sid, updated); err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}

	update := &session.UserSession{
		Provider:   sess.Provider,
		CanRefresh: true,
		UpdatedAt:  now,
		ExpireAt:   exp,
	}
	if len(cfg.OptionalClaims) > 0 && tokenResp.IDToken != "" {
		if idClaims, err := security.DecodeToken(tokenResp.IDToken); err == nil {
			update.Claims = pickClaims(idClaims, cfg.OptionalClaims)
		}
	}
	merged, _, err := e.manager.SetUserSession(w, r, update)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	e.logger.Info("successfully refreshed token", "provider", sess.Provider)

	// returned copy carries exposed raw tokens; the stored session never
	// does
	result := *merged
	if cfg.ExposeAccessToken {
		result.AccessToken = tokenResp.AccessToken
	}
	if cfg.ExposeIDToken && tokenResp.IDToken != "" {
		result.IDToken = tokenResp.IDToken
	}
	return &result, true, nil
}
