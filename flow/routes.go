package flow

import (
	"github.com/go-chi/chi/v5"
)

// Routes mounts the engine's HTTP surface on a fresh router:
//
//	GET        /auth/{provider}/login
//	GET|POST   /auth/{provider}/callback
//	GET        /auth/{provider}/logout
//	GET|DELETE /api/_auth/session
//	POST       /api/_auth/refresh
//
// Handlers are also exported individually for hosts that wire their own
// routing.
func (e *Engine) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/auth/{provider}", func(r chi.Router) {
		r.Get("/login", e.Login)
		r.Get("/callback", e.Callback)
		r.Post("/callback", e.Callback)
		r.Get("/logout", e.Logout)
	})
	r.Route("/api/_auth", func(r chi.Router) {
		r.Get("/session", e.SessionRead)
		r.Delete("/session", e.SessionDelete)
		r.Post("/refresh", e.Refresh)
	})
	return r
}
