package session

import (
	"fmt"
	"net/http"

	"github.com/gorilla/sessions"
	"github.com/hashicorp/go-uuid"
)

const (
	payloadKey = "payload"
	idKey      = "id"
)

// CookieStore is a Store backed by signed (and optionally encrypted)
// cookies via gorilla/sessions. Each named session carries its payload and
// a generated session id inside the cookie; no server-side state is kept.
type CookieStore struct {
	store *sessions.CookieStore
}

// NewCookieStore creates a CookieStore. The signing secret must not be
// empty; an optional second secret enables cookie-value encryption.
func NewCookieStore(signingSecret string, encryptionKey []byte) (*CookieStore, error) {
	const op = "session.NewCookieStore"
	if signingSecret == "" {
		return nil, fmt.Errorf("%s: signing secret is empty: %w", op, ErrInvalidParameter)
	}
	var store *sessions.CookieStore
	if len(encryptionKey) > 0 {
		store = sessions.NewCookieStore([]byte(signingSecret), encryptionKey)
	} else {
		store = sessions.NewCookieStore([]byte(signingSecret))
	}
	store.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
	return &CookieStore{store: store}, nil
}

// Get implements Store.
func (c *CookieStore) Get(r *http.Request, name string) ([]byte, string, error) {
	const op = "session.CookieStore.Get"
	sess, err := c.store.Get(r, name)
	if err != nil {
		// an undecodable cookie is treated the same as none
		return nil, "", fmt.Errorf("%s: %w", op, ErrNoSession)
	}
	if sess.IsNew {
		return nil, "", fmt.Errorf("%s: %w", op, ErrNoSession)
	}
	payload, _ := sess.Values[payloadKey].([]byte)
	id, _ := sess.Values[idKey].(string)
	if len(payload) == 0 || id == "" {
		return nil, "", fmt.Errorf("%s: %w", op, ErrNoSession)
	}
	return payload, id, nil
}

// Set implements Store.
func (c *CookieStore) Set(w http.ResponseWriter, r *http.Request, name string, payload []byte, opt ...Option) (string, error) {
	const op = "session.CookieStore.Set"
	opts := getOpts(opt...)
	sess, err := c.store.Get(r, name)
	if err != nil {
		// overwrite an undecodable session rather than failing the flow
		sess = sessions.NewSession(c.store, name)
		sess.Options = c.store.Options
	}
	id, _ := sess.Values[idKey].(string)
	if id == "" {
		id, err = uuid.GenerateUUID()
		if err != nil {
			return "", fmt.Errorf("%s: unable to generate session id: %w", op, err)
		}
	}
	sess.Values[payloadKey] = payload
	sess.Values[idKey] = id
	if opts.withMaxAge > 0 {
		copied := *sess.Options
		copied.MaxAge = opts.withMaxAge
		sess.Options = &copied
	}
	if err := sess.Save(r, w); err != nil {
		return "", fmt.Errorf("%s: unable to save session: %w", op, err)
	}
	return id, nil
}

// Delete implements Store. Deleting a session expires its cookie.
func (c *CookieStore) Delete(w http.ResponseWriter, r *http.Request, name string) error {
	const op = "session.CookieStore.Delete"
	sess, err := c.store.Get(r, name)
	if err != nil {
		sess = sessions.NewSession(c.store, name)
	}
	copied := *c.store.Options
	copied.MaxAge = -1
	sess.Options = &copied
	sess.Values = map[interface{}]interface{}{}
	if err := sess.Save(r, w); err != nil {
		return fmt.Errorf("%s: unable to expire session: %w", op, err)
	}
	return nil
}
