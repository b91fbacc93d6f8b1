package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrelay/oidc/security"
)

func testTokenKey() string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x2a}, 32))
}

// fakeStore keeps session payloads in memory keyed by cookie name so
// manager tests need no real cookie plumbing.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string][]byte
	ids     map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries: map[string][]byte{},
		ids:     map[string]string{},
	}
}

func (s *fakeStore) Get(_ *http.Request, name string) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.entries[name]
	if !ok {
		return nil, "", ErrNoSession
	}
	return payload, s.ids[name], nil
}

func (s *fakeStore) Set(_ http.ResponseWriter, _ *http.Request, name string, payload []byte, _ ...Option) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[name]; !ok {
		s.ids[name] = "sid_" + name
	}
	s.entries[name] = append([]byte(nil), payload...)
	return s.ids[name], nil
}

func (s *fakeStore) Delete(_ http.ResponseWriter, _ *http.Request, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, name)
	delete(s.ids, name)
	return nil
}

type fakeRefresher struct {
	called  int
	session *UserSession
	renewed bool
	err     error
}

func (f *fakeRefresher) RefreshSession(_ http.ResponseWriter, _ *http.Request) (*UserSession, bool, error) {
	f.called++
	return f.session, f.renewed, f.err
}

func testManager(t *testing.T, cfg ManagerConfig) (*Manager, *fakeStore, *MemoryKV) {
	t.Helper()
	store := newFakeStore()
	kv := NewMemoryKV()
	cfg.Store = store
	cfg.KV = kv
	if cfg.TokenKey == "" {
		cfg.TokenKey = testTokenKey()
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m, store, kv
}

func TestNewManager(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ManagerConfig
		wantErr error
	}{
		{
			name:    "missing-store",
			cfg:     ManagerConfig{KV: NewMemoryKV(), TokenKey: testTokenKey()},
			wantErr: ErrInvalidParameter,
		},
		{
			name:    "missing-kv",
			cfg:     ManagerConfig{Store: newFakeStore(), TokenKey: testTokenKey()},
			wantErr: ErrInvalidParameter,
		},
		{
			name:    "bad-token-key",
			cfg:     ManagerConfig{Store: newFakeStore(), KV: NewMemoryKV(), TokenKey: "not-base64!"},
			wantErr: security.ErrInvalidKey,
		},
		{
			name: "short-token-key",
			cfg: ManagerConfig{
				Store:    newFakeStore(),
				KV:       NewMemoryKV(),
				TokenKey: base64.StdEncoding.EncodeToString([]byte("short")),
			},
			wantErr: security.ErrInvalidKey,
		},
		{
			name: "valid",
			cfg:  ManagerConfig{Store: newFakeStore(), KV: NewMemoryKV(), TokenKey: testTokenKey()},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager(tt.cfg)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, m)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, m)
			assert.Equal(t, DefaultSessionCookieName, m.sessionCookie)
			assert.Equal(t, DefaultFlowCookieName, m.flowCookie)
			assert.Equal(t, DefaultFlowTTL, m.flowTTL)
			assert.Equal(t, int64(DefaultMaxAge), m.MaxAge())
		})
	}
}

func TestManager_FlowState(t *testing.T) {
	m, _, _ := testManager(t, ManagerConfig{})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/auth/github/login", nil)

	_, err := m.GetFlowState(r)
	require.ErrorIs(t, err, ErrNoSession)

	state := &FlowState{
		State:        "st_abc",
		Nonce:        "n_abc",
		CodeVerifier: "v_abc",
		Redirect:     "/dashboard",
	}
	require.NoError(t, m.SaveFlowState(w, r, state))

	got, err := m.GetFlowState(r)
	require.NoError(t, err)
	assert.Equal(t, state, got)

	m.ClearFlowState(w, r)
	_, err = m.GetFlowState(r)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestManager_SetUserSession_Merges(t *testing.T) {
	m, _, _ := testManager(t, ManagerConfig{})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	first := &UserSession{
		Provider:   "github",
		CanRefresh: true,
		LoggedInAt: 100,
		UpdatedAt:  100,
		ExpireAt:   3700,
		UserName:   "octocat",
		UserInfo:   map[string]interface{}{"company": "GitHub", "plan": "free"},
	}
	_, _, err := m.SetUserSession(w, r, first)
	require.NoError(t, err)

	update := &UserSession{
		Provider:  "github",
		UpdatedAt: 200,
		UserInfo:  map[string]interface{}{"plan": "pro"},
	}
	merged, _, err := m.SetUserSession(w, r, update)
	require.NoError(t, err)

	assert.Equal(t, "github", merged.Provider)
	assert.Equal(t, int64(100), merged.LoggedInAt, "existing value survives")
	assert.Equal(t, int64(200), merged.UpdatedAt, "update wins")
	assert.Equal(t, "octocat", merged.UserName)
	assert.Equal(t, "GitHub", merged.UserInfo["company"])
	assert.Equal(t, "pro", merged.UserInfo["plan"], "update wins key-wise")
	assert.False(t, merged.CanRefresh, "canRefresh always follows the update")
}

func TestManager_GetUserSession(t *testing.T) {
	now := time.Unix(10_000, 0)

	t.Run("no-session", func(t *testing.T) {
		m, _, _ := testManager(t, ManagerConfig{})
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		_, err := m.GetUserSession(w, r)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("valid-no-policy", func(t *testing.T) {
		m, _, _ := testManager(t, ManagerConfig{})
		m.now = func() time.Time { return now }
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		_, _, err := m.SetUserSession(w, r, &UserSession{Provider: "github", ExpireAt: 1})
		require.NoError(t, err)

		got, err := m.GetUserSession(w, r)
		require.NoError(t, err)
		assert.Equal(t, "github", got.Provider)
	})

	t.Run("expired-clears-session", func(t *testing.T) {
		m, store, _ := testManager(t, ManagerConfig{
			Policies: map[string]Policy{
				"keycloak": {ExpirationCheck: true},
			},
		})
		m.now = func() time.Time { return now }
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		_, _, err := m.SetUserSession(w, r, &UserSession{Provider: "keycloak", ExpireAt: now.Unix() - 1})
		require.NoError(t, err)
		sid := store.ids[DefaultSessionCookieName]
		require.NoError(t, m.WriteTokenRecord(r.Context(), sid, &TokenRecord{Exp: now.Unix() - 1}))

		_, err = m.GetUserSession(w, r)
		require.ErrorIs(t, err, ErrSessionExpired)

		_, _, err = store.Get(r, DefaultSessionCookieName)
		assert.ErrorIs(t, err, ErrNoSession, "session cleared")
		_, err = m.ReadTokenRecord(r.Context(), sid)
		assert.Error(t, err, "token record removed")
	})

	t.Run("expired-within-threshold", func(t *testing.T) {
		m, store, _ := testManager(t, ManagerConfig{
			Policies: map[string]Policy{
				"keycloak": {ExpirationCheck: true, ExpirationThreshold: 300},
			},
		})
		m.now = func() time.Time { return now }
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		_, _, err := m.SetUserSession(w, r, &UserSession{Provider: "keycloak", ExpireAt: now.Unix() + 600})
		require.NoError(t, err)
		sid := store.ids[DefaultSessionCookieName]

		// expires in 100s, threshold 300s: treated as expired
		require.NoError(t, m.WriteTokenRecord(r.Context(), sid, &TokenRecord{Exp: now.Unix() + 100}))
		_, err = m.GetUserSession(w, r)
		assert.ErrorIs(t, err, ErrSessionExpired)
	})

	t.Run("automatic-refresh", func(t *testing.T) {
		m, store, _ := testManager(t, ManagerConfig{
			Policies: map[string]Policy{
				"keycloak": {ExpirationCheck: true, AutomaticRefresh: true},
			},
		})
		m.now = func() time.Time { return now }
		refreshed := &UserSession{Provider: "keycloak", CanRefresh: true, ExpireAt: now.Unix() + 3600}
		refresher := &fakeRefresher{session: refreshed, renewed: true}
		m.SetRefresher(refresher)

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		_, _, err := m.SetUserSession(w, r, &UserSession{Provider: "keycloak", ExpireAt: now.Unix() - 1})
		require.NoError(t, err)
		sid := store.ids[DefaultSessionCookieName]
		require.NoError(t, m.WriteTokenRecord(r.Context(), sid, &TokenRecord{Exp: now.Unix() - 1}))

		got, err := m.GetUserSession(w, r)
		require.NoError(t, err)
		assert.Equal(t, 1, refresher.called)
		assert.Equal(t, refreshed, got)
	})

	t.Run("automatic-refresh-failure-clears", func(t *testing.T) {
		m, store, _ := testManager(t, ManagerConfig{
			Policies: map[string]Policy{
				"keycloak": {ExpirationCheck: true, AutomaticRefresh: true},
			},
		})
		m.now = func() time.Time { return now }
		m.SetRefresher(&fakeRefresher{err: ErrSessionExpired})

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		_, _, err := m.SetUserSession(w, r, &UserSession{Provider: "keycloak", ExpireAt: now.Unix() - 1})
		require.NoError(t, err)

		_, err = m.GetUserSession(w, r)
		require.ErrorIs(t, err, ErrSessionExpired)
		_, _, err = store.Get(r, DefaultSessionCookieName)
		assert.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("automatic-refresh-noop-clears", func(t *testing.T) {
		m, store, _ := testManager(t, ManagerConfig{
			Policies: map[string]Policy{
				"keycloak": {ExpirationCheck: true, AutomaticRefresh: true},
			},
		})
		m.now = func() time.Time { return now }
		stale := &UserSession{Provider: "keycloak", ExpireAt: now.Unix() - 1}
		// a refresher without a refresh token returns the session unchanged
		m.SetRefresher(&fakeRefresher{session: stale})

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		_, _, err := m.SetUserSession(w, r, stale)
		require.NoError(t, err)

		_, err = m.GetUserSession(w, r)
		require.ErrorIs(t, err, ErrSessionExpired)
		_, _, err = store.Get(r, DefaultSessionCookieName)
		assert.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("missing-record-falls-back-to-expireAt", func(t *testing.T) {
		m, _, _ := testManager(t, ManagerConfig{
			Policies: map[string]Policy{
				"keycloak": {ExpirationCheck: true},
			},
		})
		m.now = func() time.Time { return now }
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		_, _, err := m.SetUserSession(w, r, &UserSession{Provider: "keycloak", ExpireAt: now.Unix() + 3600})
		require.NoError(t, err)

		got, err := m.GetUserSession(w, r)
		require.NoError(t, err)
		assert.Equal(t, "keycloak", got.Provider)
	})
}

func TestManager_TokenExposure(t *testing.T) {
	m, store, _ := testManager(t, ManagerConfig{
		Exposure: map[string]Exposure{
			"zitadel": {AccessToken: true},
		},
	})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, _, err := m.SetUserSession(w, r, &UserSession{Provider: "zitadel", ExpireAt: time.Now().Unix() + 3600})
	require.NoError(t, err)
	sid := store.ids[DefaultSessionCookieName]

	access, err := m.EncryptToken("raw-access-token")
	require.NoError(t, err)
	id, err := m.EncryptToken("raw-id-token")
	require.NoError(t, err)
	require.NoError(t, m.WriteTokenRecord(r.Context(), sid, &TokenRecord{
		Exp:         time.Now().Unix() + 3600,
		AccessToken: access,
		IDToken:     id,
	}))

	got, err := m.GetUserSession(w, r)
	require.NoError(t, err)
	assert.Equal(t, "raw-access-token", got.AccessToken)
	assert.Empty(t, got.IDToken, "id token not exposed for this provider")
}

func TestManager_SessionCookieNeverHoldsRawTokens(t *testing.T) {
	m, store, _ := testManager(t, ManagerConfig{})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	_, _, err := m.SetUserSession(w, r, &UserSession{
		Provider:    "github",
		AccessToken: "raw-access-token",
		IDToken:     "raw-id-token",
	})
	require.NoError(t, err)

	payload := store.entries[DefaultSessionCookieName]
	assert.NotContains(t, string(payload), "raw-access-token")
	assert.NotContains(t, string(payload), "raw-id-token")
}

func TestManager_ClearUserSession_Hooks(t *testing.T) {
	hooks := NewHooks()
	var cleared *UserSession
	hooks.OnClear(func(_ context.Context, s *UserSession) error {
		cleared = s
		return nil
	})
	m, store, _ := testManager(t, ManagerConfig{Hooks: hooks})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, _, err := m.SetUserSession(w, r, &UserSession{Provider: "github"})
	require.NoError(t, err)

	m.ClearUserSession(w, r, false)
	require.NotNil(t, cleared)
	assert.Equal(t, "github", cleared.Provider)
	_, _, err = store.Get(r, DefaultSessionCookieName)
	assert.ErrorIs(t, err, ErrNoSession)

	// skipHook path
	cleared = nil
	_, _, err = m.SetUserSession(w, r, &UserSession{Provider: "github"})
	require.NoError(t, err)
	m.ClearUserSession(w, r, true)
	assert.Nil(t, cleared)
}

func TestManager_TokenRecordRoundTrip(t *testing.T) {
	m, _, _ := testManager(t, ManagerConfig{})
	ctx := context.Background()

	refresh, err := m.EncryptToken("raw-refresh-token")
	require.NoError(t, err)
	record := &TokenRecord{Exp: 1000, Iat: 900, RefreshToken: refresh}
	require.NoError(t, m.WriteTokenRecord(ctx, "sid_1", record))

	got, err := m.ReadTokenRecord(ctx, "sid_1")
	require.NoError(t, err)
	assert.Equal(t, record.Exp, got.Exp)

	plain, err := m.DecryptToken(got.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "raw-refresh-token", plain)

	require.NoError(t, m.RemoveTokenRecord(ctx, "sid_1"))
	_, err = m.ReadTokenRecord(ctx, "sid_1")
	assert.Error(t, err)
}

func TestMemoryKV(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	_, err := kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Set(ctx, "k", []byte("v1")))
	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	// mutations of the returned slice must not leak into the store
	got[0] = 'x'
	again, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), again)

	require.NoError(t, kv.Remove(ctx, "k"))
	_, err = kv.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, kv.Remove(ctx, "k"), "removing a missing key is not an error")
}
