// Package flow implements the authentication flow state machine: login,
// callback, logout and token refresh for every configured provider, plus
// the session API surface. One immutable Engine is built at startup from
// explicit configuration; per-provider merged configs and session policies
// are computed once in the constructor.
package flow

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/authrelay/oidc/keyset"
	"github.com/authrelay/oidc/provider"
	"github.com/authrelay/oidc/session"
)

// SuccessFn is the continuation invoked after a successful callback. The
// user session has already been established; the default implementation
// redirects to the provider's callback redirect URL.
type SuccessFn func(w http.ResponseWriter, r *http.Request, res *CallbackResult)

// ErrorFn is the continuation invoked on any fatal flow failure, after
// partial flow and session state has been cleared. The default redirects
// to the application root; err is for the host's own logging only and must
// never be rendered to the user.
type ErrorFn func(w http.ResponseWriter, r *http.Request, err error)

// CallbackResult is handed to the success continuation.
type CallbackResult struct {
	Provider    string
	UserSession *session.UserSession
	RedirectURL string
}

// SessionDefaults are the engine-wide session settings a provider's
// SessionConfiguration falls back to.
type SessionDefaults struct {
	// MaxAge is the session cookie lifetime and the expiry fallback for
	// tokens without an exp claim, in seconds.
	MaxAge int64

	ExpirationCheck     bool
	AutomaticRefresh    bool
	ExpirationThreshold int64
}

// Config assembles an Engine.
type Config struct {
	// Providers maps a provider key to its overrides. The key must name a
	// builtin preset; see provider.Presets.
	Providers map[string]*provider.Overrides

	// Secrets maps a provider key to its environment-sourced secret
	// overrides. Secrets merge after Providers, so they win.
	Secrets map[string]*provider.Overrides

	// TokenKey is the base64-encoded 256-bit token encryption key.
	TokenKey string

	// SessionSecret signs the user session cookie; AuthStateSecret signs
	// the transient flow-state cookie. Both are startup-required.
	SessionSecret   string
	AuthStateSecret string

	Session SessionDefaults

	// KV is the durable store for encrypted token records. Defaults to an
	// in-memory store.
	KV session.KeyValueStore

	// Hooks receives session lifecycle events.
	Hooks *session.Hooks

	Logger hclog.Logger

	// HTTPClient performs all outbound calls. Defaults to a pooled clean
	// client.
	HTTPClient *http.Client

	// OnSuccess and OnError replace the default flow continuations.
	OnSuccess SuccessFn
	OnError   ErrorFn
}

// Engine drives the authentication flows. It is immutable after New and
// safe for concurrent use.
type Engine struct {
	providers map[string]provider.Config
	manager   *session.Manager
	keysets   *keyset.Cache
	client    *http.Client
	logger    hclog.Logger
	maxAge    int64

	onSuccess SuccessFn
	onError   ErrorFn

	now func() time.Time
}

// New validates the configuration and builds the Engine. Missing secrets,
// a malformed token key, an unknown provider key or a preset-invalid
// provider config are all startup errors, never per-request ones.
func New(cfg Config) (*Engine, error) {
	const op = "flow.New"
	if cfg.SessionSecret == "" {
		return nil, fmt.Errorf("%s: session secret is empty: %w", op, ErrConfiguration)
	}
	if cfg.AuthStateSecret == "" {
		return nil, fmt.Errorf("%s: auth state secret is empty: %w", op, ErrConfiguration)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	kv := cfg.KV
	if kv == nil {
		kv = session.NewMemoryKV()
	}
	if cfg.Session.MaxAge <= 0 {
		cfg.Session.MaxAge = session.DefaultMaxAge
	}

	providers := make(map[string]provider.Config, len(cfg.Providers))
	policies := make(map[string]session.Policy, len(cfg.Providers))
	exposure := make(map[string]session.Exposure, len(cfg.Providers))
	var merr *multierror.Error
	for name, overrides := range cfg.Providers {
		preset, err := provider.Preset(name)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: provider %q: %w", op, name, err))
			continue
		}
		merged := provider.Merge(preset, overrides, cfg.Secrets[name])
		resolved, err := merged.Resolve()
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: provider %q: %w", op, name, err))
			continue
		}
		providers[name] = resolved
		policies[name] = resolvePolicy(resolved, cfg.Session)
		exposure[name] = session.Exposure{
			AccessToken: resolved.ExposeAccessToken,
			IDToken:     resolved.ExposeIDToken,
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return nil, err
	}

	store, err := session.NewCookieStore(cfg.SessionSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	flowStore, err := session.NewCookieStore(cfg.AuthStateSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	manager, err := session.NewManager(session.ManagerConfig{
		Store:     store,
		FlowStore: flowStore,
		KV:        kv,
		Hooks:     cfg.Hooks,
		Logger:    logger.Named("session"),
		TokenKey:  cfg.TokenKey,
		MaxAge:    cfg.Session.MaxAge,
		Policies:  policies,
		Exposure:  exposure,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	e := &Engine{
		providers: providers,
		manager:   manager,
		keysets:   keyset.NewCache(client),
		client:    client,
		logger:    logger,
		maxAge:    cfg.Session.MaxAge,
		onSuccess: cfg.OnSuccess,
		onError:   cfg.OnError,
		now:       time.Now,
	}
	if e.onSuccess == nil {
		e.onSuccess = defaultSuccess
	}
	if e.onError == nil {
		e.onError = defaultError
	}
	manager.SetRefresher(e)
	return e, nil
}

// Sessions exposes the engine's session manager so hosts can read sessions
// and subscribe hooks outside the HTTP surface.
func (e *Engine) Sessions() *session.Manager { return e.manager }

// Providers lists the configured provider keys.
func (e *Engine) Providers() []string {
	keys := make([]string, 0, len(e.providers))
	for name := range e.providers {
		keys = append(keys, name)
	}
	return keys
}

// providerConfig returns the merged config for a provider and enforces its
// required-property invariant before any flow step executes. The full
// missing-field list is logged for operators.
func (e *Engine) providerConfig(name string) (provider.Config, error) {
	cfg, ok := e.providers[name]
	if !ok {
		return provider.Config{}, fmt.Errorf("unknown provider %q: %w", name, ErrConfiguration)
	}
	result := provider.Validate(cfg, cfg.RequiredProperties)
	if !result.Valid {
		e.logger.Error("missing configuration properties",
			"provider", name, "missing", result.MissingProperties)
		return provider.Config{}, fmt.Errorf("provider %q: %w", name, ErrConfiguration)
	}
	return cfg, nil
}

// fail is the shared fatal-error path for browser-facing flow steps: the
// flow state and any partial session are cleared, detail is logged, and
// the error continuation renders a safe response.
func (e *Engine) fail(w http.ResponseWriter, r *http.Request, providerName string, err error) {
	e.logger.Error("authentication flow failed", "provider", providerName, "error", err)
	e.manager.ClearFlowState(w, r)
	e.manager.ClearUserSession(w, r, true)
	e.onError(w, r, err)
}

func resolvePolicy(cfg provider.Config, defaults SessionDefaults) session.Policy {
	policy := session.Policy{
		ExpirationCheck:     defaults.ExpirationCheck,
		AutomaticRefresh:    defaults.AutomaticRefresh,
		ExpirationThreshold: defaults.ExpirationThreshold,
	}
	sc := cfg.SessionConfiguration
	if sc == nil {
		return policy
	}
	if sc.ExpirationCheck != nil {
		policy.ExpirationCheck = *sc.ExpirationCheck
	}
	if sc.AutomaticRefresh != nil {
		policy.AutomaticRefresh = *sc.AutomaticRefresh
	}
	if sc.ExpirationThreshold != 0 {
		policy.ExpirationThreshold = sc.ExpirationThreshold
	}
	return policy
}

func defaultSuccess(w http.ResponseWriter, r *http.Request, res *CallbackResult) {
	target := res.RedirectURL
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func defaultError(w http.ResponseWriter, r *http.Request, _ error) {
	http.Redirect(w, r, "/", http.StatusFound)
}
