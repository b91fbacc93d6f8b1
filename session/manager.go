package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/authrelay/oidc/security"
)

const (
	// DefaultSessionCookieName is the public user session cookie.
	DefaultSessionCookieName = "oidc-auth"
	// DefaultFlowCookieName is the transient login flow cookie.
	DefaultFlowCookieName = "oidc"
	// DefaultFlowTTL bounds a login attempt: the flow state only needs to
	// survive the round trip to the provider.
	DefaultFlowTTL = 300
	// DefaultMaxAge is the fallback session lifetime when a token carries
	// no expiry.
	DefaultMaxAge = 3600

	kvNamespace = "oidc"
)

// Refresher renews the current session's tokens. The flow package's engine
// implements it; the indirection keeps the session manager free of any
// provider wire knowledge. renewed reports whether a token grant actually
// happened, so callers can tell a refresh from a no-op.
type Refresher interface {
	RefreshSession(w http.ResponseWriter, r *http.Request) (sess *UserSession, renewed bool, err error)
}

// ManagerConfig assembles a Manager. Store, KV and TokenKey are required.
type ManagerConfig struct {
	Store  Store
	KV     KeyValueStore
	Hooks  *Hooks
	Logger hclog.Logger

	// FlowStore holds the transient login flow state, signed with its own
	// secret. Defaults to Store.
	FlowStore Store

	// TokenKey is the base64-encoded 256-bit token encryption key.
	TokenKey string

	// SessionCookieName and FlowCookieName override the default cookie
	// names.
	SessionCookieName string
	FlowCookieName    string

	// FlowTTL bounds the login flow cookie in seconds.
	FlowTTL int

	// MaxAge is the fallback session lifetime in seconds.
	MaxAge int64

	// Policies and Exposure are the per-provider resolved session policy
	// and token exposure flags, computed once at engine construction.
	Policies map[string]Policy
	Exposure map[string]Exposure
}

// Manager owns the session artifacts' lifecycles: flow state creation and
// destruction, user session reads with expiration policy and automatic
// refresh, and the encrypted persistent token records.
type Manager struct {
	store     Store
	flowStore Store
	kv        KeyValueStore
	hooks     *Hooks
	logger    hclog.Logger
	tokenKey  string
	policies  map[string]Policy
	exposure  map[string]Exposure
	refresher Refresher

	sessionCookie string
	flowCookie    string
	flowTTL       int
	maxAge        int64

	now func() time.Time
}

// NewManager validates the config and creates a Manager. The token key is
// parsed here, so a malformed key fails at startup.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	const op = "session.NewManager"
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: store is nil: %w", op, ErrInvalidParameter)
	}
	if cfg.KV == nil {
		return nil, fmt.Errorf("%s: key-value store is nil: %w", op, ErrInvalidParameter)
	}
	if _, err := security.ParseTokenKey(cfg.TokenKey); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	m := &Manager{
		store:         cfg.Store,
		flowStore:     cfg.FlowStore,
		kv:            cfg.KV,
		hooks:         cfg.Hooks,
		logger:        cfg.Logger,
		tokenKey:      cfg.TokenKey,
		policies:      cfg.Policies,
		exposure:      cfg.Exposure,
		sessionCookie: cfg.SessionCookieName,
		flowCookie:    cfg.FlowCookieName,
		flowTTL:       cfg.FlowTTL,
		maxAge:        cfg.MaxAge,
		now:           time.Now,
	}
	if m.hooks == nil {
		m.hooks = NewHooks()
	}
	if m.logger == nil {
		m.logger = hclog.NewNullLogger()
	}
	if m.sessionCookie == "" {
		m.sessionCookie = DefaultSessionCookieName
	}
	if m.flowCookie == "" {
		m.flowCookie = DefaultFlowCookieName
	}
	if m.flowTTL <= 0 {
		m.flowTTL = DefaultFlowTTL
	}
	if m.maxAge <= 0 {
		m.maxAge = DefaultMaxAge
	}
	if m.flowStore == nil {
		m.flowStore = m.store
	}
	return m, nil
}

// SetRefresher wires the token refresh engine in after construction; the
// flow engine owns the manager, so the two cannot be built in one step.
func (m *Manager) SetRefresher(r Refresher) { m.refresher = r }

// Hooks returns the manager's hook registry for subscription and dispatch.
func (m *Manager) Hooks() *Hooks { return m.hooks }

// MaxAge returns the fallback session lifetime in seconds.
func (m *Manager) MaxAge() int64 { return m.maxAge }

// Policy returns the resolved session policy for a provider.
func (m *Manager) Policy(provider string) Policy { return m.policies[provider] }

// TokenExposure returns the token exposure flags for a provider.
func (m *Manager) TokenExposure(provider string) Exposure { return m.exposure[provider] }

// SaveFlowState persists the ephemeral login flow state under the short
// flow TTL.
func (m *Manager) SaveFlowState(w http.ResponseWriter, r *http.Request, state *FlowState) error {
	const op = "session.Manager.SaveFlowState"
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%s: unable to marshal flow state: %w", op, err)
	}
	if _, err := m.flowStore.Set(w, r, m.flowCookie, payload, WithMaxAge(m.flowTTL)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetFlowState reads the pending login flow state, or ErrNoSession.
func (m *Manager) GetFlowState(r *http.Request) (*FlowState, error) {
	const op = "session.Manager.GetFlowState"
	payload, _, err := m.flowStore.Get(r, m.flowCookie)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNoSession)
	}
	var state FlowState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("%s: unable to unmarshal flow state: %w", op, err)
	}
	return &state, nil
}

// ClearFlowState destroys the flow state and its cookie. Called on both
// callback success and every callback failure branch.
func (m *Manager) ClearFlowState(w http.ResponseWriter, r *http.Request) {
	if err := m.flowStore.Delete(w, r, m.flowCookie); err != nil {
		m.logger.Debug("unable to clear flow state", "error", err)
	}
}

// SessionID returns the current user session's id, or ErrNoSession.
func (m *Manager) SessionID(r *http.Request) (string, error) {
	const op = "session.Manager.SessionID"
	_, id, err := m.store.Get(r, m.sessionCookie)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, ErrNoSession)
	}
	return id, nil
}

// GetUserSession returns the current user session or fails with
// ErrUnauthorized when none exists. When the provider's session policy
// enables expiration checking, the persistent record's exp (preferred, the
// public session's expireAt as fallback) is compared against now plus the
// policy threshold; an expired session is refreshed when automatic refresh
// is enabled, otherwise cleared. Exposed tokens are decrypted and attached
// before returning.
func (m *Manager) GetUserSession(w http.ResponseWriter, r *http.Request) (*UserSession, error) {
	const op = "session.Manager.GetUserSession"
	ctx := r.Context()

	sess, sid, err := m.readUserSession(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrUnauthorized)
	}

	policy := m.policies[sess.Provider]
	if policy.ExpirationCheck {
		record, err := m.ReadTokenRecord(ctx, sid)
		if err != nil {
			m.logger.Warn("persistent user session not found", "provider", sess.Provider)
		}
		deadline := m.now().Unix() + policy.ExpirationThreshold
		var expired bool
		if record != nil {
			expired = record.Exp <= deadline
		} else {
			expired = sess.ExpireAt <= deadline
		}
		if expired {
			m.logger.Info("session expired", "provider", sess.Provider)
			if policy.AutomaticRefresh && m.refresher != nil {
				refreshed, renewed, err := m.refresher.RefreshSession(w, r)
				if err != nil || !renewed {
					m.ClearUserSession(w, r, false)
					return nil, fmt.Errorf("%s: refresh failed: %w", op, ErrSessionExpired)
				}
				return refreshed, nil
			}
			m.ClearUserSession(w, r, false)
			return nil, fmt.Errorf("%s: %w", op, ErrSessionExpired)
		}
	}

	m.attachExposedTokens(ctx, sess, sid)
	return sess, nil
}

// CurrentUserSession reads the current user session and its id without
// applying any expiration policy. The refresh engine and the logout
// handler use it; API reads go through GetUserSession.
func (m *Manager) CurrentUserSession(r *http.Request) (*UserSession, string, error) {
	const op = "session.Manager.CurrentUserSession"
	sess, sid, err := m.readUserSession(r)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, ErrNoSession)
	}
	return sess, sid, nil
}

// SetUserSession deep-merges the update over any existing session data
// (new values win) and persists the result. It returns the stored session
// and its id.
func (m *Manager) SetUserSession(w http.ResponseWriter, r *http.Request, update *UserSession) (*UserSession, string, error) {
	const op = "session.Manager.SetUserSession"
	if update == nil {
		return nil, "", fmt.Errorf("%s: session is nil: %w", op, ErrInvalidParameter)
	}
	merged := update
	if existing, _, err := m.readUserSession(r); err == nil {
		merged = mergeUserSession(existing, update)
	}
	sid, err := m.writeUserSession(w, r, merged)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	return merged, sid, nil
}

// ClearUserSession removes the persistent token record, fires the clear
// hook (unless skipped by an error path that reports its own failure),
// clears the session store entry and deletes the session cookie.
func (m *Manager) ClearUserSession(w http.ResponseWriter, r *http.Request, skipHook bool) {
	ctx := r.Context()
	sess, sid, err := m.readUserSession(r)
	if err == nil {
		if err := m.RemoveTokenRecord(ctx, sid); err != nil {
			m.logger.Warn("unable to remove token record", "error", err)
		}
		if !skipHook {
			m.hooks.Dispatch(ctx, EventClear, sess, m.logger)
		}
	}
	if err := m.store.Delete(w, r, m.sessionCookie); err != nil {
		m.logger.Debug("unable to delete session", "error", err)
	}
}

// ReadTokenRecord loads and decodes the persistent token record for a
// session id.
func (m *Manager) ReadTokenRecord(ctx context.Context, sessionID string) (*TokenRecord, error) {
	const op = "session.Manager.ReadTokenRecord"
	value, err := m.kv.Get(ctx, kvKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var record TokenRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, fmt.Errorf("%s: unable to unmarshal token record: %w", op, err)
	}
	return &record, nil
}

// WriteTokenRecord stores the record, atomically replacing any previous
// one for the session id.
func (m *Manager) WriteTokenRecord(ctx context.Context, sessionID string, record *TokenRecord) error {
	const op = "session.Manager.WriteTokenRecord"
	if record == nil {
		return fmt.Errorf("%s: record is nil: %w", op, ErrInvalidParameter)
	}
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%s: unable to marshal token record: %w", op, err)
	}
	if err := m.kv.Set(ctx, kvKey(sessionID), value); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RemoveTokenRecord deletes the record for a session id.
func (m *Manager) RemoveTokenRecord(ctx context.Context, sessionID string) error {
	return m.kv.Remove(ctx, kvKey(sessionID))
}

// EncryptToken encrypts a raw token for storage in a TokenRecord.
func (m *Manager) EncryptToken(token string) (*security.EncryptedToken, error) {
	return security.EncryptToken(token, m.tokenKey)
}

// DecryptToken decrypts a TokenRecord envelope.
func (m *Manager) DecryptToken(envelope *security.EncryptedToken) (string, error) {
	return security.DecryptToken(envelope, m.tokenKey)
}

func (m *Manager) readUserSession(r *http.Request) (*UserSession, string, error) {
	payload, sid, err := m.store.Get(r, m.sessionCookie)
	if err != nil {
		return nil, "", err
	}
	var sess UserSession
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, "", err
	}
	if sess.Provider == "" {
		return nil, "", ErrNoSession
	}
	return &sess, sid, nil
}

func (m *Manager) writeUserSession(w http.ResponseWriter, r *http.Request, sess *UserSession) (string, error) {
	// the raw tokens live encrypted in the token record, never in the
	// session cookie
	stored := *sess
	stored.AccessToken = ""
	stored.IDToken = ""
	payload, err := json.Marshal(&stored)
	if err != nil {
		return "", fmt.Errorf("unable to marshal session: %w", err)
	}
	return m.store.Set(w, r, m.sessionCookie, payload, WithMaxAge(int(m.maxAge)))
}

// attachExposedTokens decrypts and attaches raw tokens for providers that
// explicitly expose them. Absence of the record is not an error here.
func (m *Manager) attachExposedTokens(ctx context.Context, sess *UserSession, sid string) {
	exposure := m.exposure[sess.Provider]
	if !exposure.AccessToken && !exposure.IDToken {
		return
	}
	record, err := m.ReadTokenRecord(ctx, sid)
	if err != nil {
		return
	}
	if exposure.AccessToken && record.AccessToken != nil {
		if token, err := m.DecryptToken(record.AccessToken); err == nil {
			sess.AccessToken = token
		} else {
			m.logger.Warn("unable to decrypt access token", "error", err)
		}
	}
	if exposure.IDToken && record.IDToken != nil {
		if token, err := m.DecryptToken(record.IDToken); err == nil {
			sess.IDToken = token
		} else {
			m.logger.Warn("unable to decrypt id token", "error", err)
		}
	}
}

// mergeUserSession deep-merges update over existing: set fields of update
// win, maps merge key-wise with update's entries winning. CanRefresh is
// derived data and always follows the update.
func mergeUserSession(existing, update *UserSession) *UserSession {
	merged := *existing
	merged.CanRefresh = update.CanRefresh
	if update.Provider != "" {
		merged.Provider = update.Provider
	}
	if update.LoggedInAt != 0 {
		merged.LoggedInAt = update.LoggedInAt
	}
	if update.UpdatedAt != 0 {
		merged.UpdatedAt = update.UpdatedAt
	}
	if update.ExpireAt != 0 {
		merged.ExpireAt = update.ExpireAt
	}
	if update.UserName != "" {
		merged.UserName = update.UserName
	}
	merged.UserInfo = mergeClaimMap(existing.UserInfo, update.UserInfo)
	merged.Claims = mergeClaimMap(existing.Claims, update.Claims)
	return &merged
}

func mergeClaimMap(existing, update map[string]interface{}) map[string]interface{} {
	if update == nil {
		return existing
	}
	if existing == nil {
		return update
	}
	merged := make(map[string]interface{}, len(existing)+len(update))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range update {
		merged[k] = v
	}
	return merged
}

func kvKey(sessionID string) string {
	return kvNamespace + ":" + sessionID
}
