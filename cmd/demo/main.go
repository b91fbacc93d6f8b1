// Command demo runs a minimal relying-party server: it wires one github
// provider from environment variables, mounts the authentication routes
// and exposes a protected endpoint that echoes the current session.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/hashicorp/go-hclog"
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/authrelay/oidc/flow"
	"github.com/authrelay/oidc/provider"
)

type serverConfig struct {
	Addr string `env:"DEMO_ADDR" env-default:":8080"`

	TokenKey        string `env:"OIDC_TOKEN_KEY" env-required:"true"`
	SessionSecret   string `env:"OIDC_SESSION_SECRET" env-required:"true"`
	AuthStateSecret string `env:"OIDC_AUTH_SESSION_SECRET" env-required:"true"`

	GitHubClientID     string `env:"GITHUB_CLIENT_ID" env-required:"true"`
	GitHubClientSecret string `env:"GITHUB_CLIENT_SECRET" env-required:"true"`
	GitHubRedirectURI  string `env:"GITHUB_REDIRECT_URI" env-required:"true"`
}

func main() {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "oidc-demo",
		Level: hclog.Info,
	})

	var cfg serverConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		logger.Error("unable to read configuration", "error", err)
		os.Exit(1)
	}

	engine, err := flow.New(flow.Config{
		Providers: map[string]*provider.Overrides{
			"github": {
				ClientID:     cfg.GitHubClientID,
				ClientSecret: cfg.GitHubClientSecret,
				RedirectURI:  cfg.GitHubRedirectURI,
			},
		},
		TokenKey:        cfg.TokenKey,
		SessionSecret:   cfg.SessionSecret,
		AuthStateSecret: cfg.AuthStateSecret,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("unable to build engine", "error", err)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Mount("/", engine.Routes())
	r.With(engine.RequireSession).Get("/me", func(w http.ResponseWriter, r *http.Request) {
		sess, _ := flow.SessionFromContext(r.Context())
		render.JSON(w, r, sess)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}
