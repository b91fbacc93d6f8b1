package flow

import (
	"context"
	"net/http"

	"github.com/go-chi/render"

	"github.com/authrelay/oidc/session"
)

type apiError struct {
	Error string `json:"error"`
}

// SessionRead returns the current user session, applying the provider's
// expiration policy, and fires the fetch hook. Without a valid session it
// answers a structured 401 instead of a redirect.
func (e *Engine) SessionRead(w http.ResponseWriter, r *http.Request) {
	sess, err := e.manager.GetUserSession(w, r)
	if err != nil {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, apiError{Error: "unauthorized"})
		return
	}
	e.manager.Hooks().Dispatch(r.Context(), session.EventFetch, sess, e.logger)
	render.JSON(w, r, sess)
}

// SessionDelete terminates the current session.
func (e *Engine) SessionDelete(w http.ResponseWriter, r *http.Request) {
	e.manager.ClearUserSession(w, r, false)
	render.NoContent(w, r)
}

// Refresh renews the current session's tokens on demand. The refresh hook
// fires only when tokens were actually renewed, never for a no-op.
func (e *Engine) Refresh(w http.ResponseWriter, r *http.Request) {
	if _, err := e.manager.GetUserSession(w, r); err != nil {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, apiError{Error: "unauthorized"})
		return
	}
	sess, renewed, err := e.RefreshSession(w, r)
	if err != nil {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, apiError{Error: "refresh failed"})
		return
	}
	if renewed {
		e.manager.Hooks().Dispatch(r.Context(), session.EventRefresh, sess, e.logger)
	}
	render.JSON(w, r, sess)
}

type contextKey struct{}

var sessionContextKey contextKey

// RequireSession is middleware for API routes: requests without a valid
// user session answer 401, valid ones proceed with the session attached to
// the request context.
func (e *Engine) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := e.manager.GetUserSession(w, r)
		if err != nil {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, apiError{Error: "unauthorized"})
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SessionFromContext returns the user session attached by RequireSession.
func SessionFromContext(ctx context.Context) (*session.UserSession, bool) {
	sess, ok := ctx.Value(sessionContextKey).(*session.UserSession)
	return sess, ok
}
