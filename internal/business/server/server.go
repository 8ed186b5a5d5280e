package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	slogctx "github.com/veqryn/slog-context"

	"github.com/nutrilog/nutrilog/internal/channel"
	"github.com/nutrilog/nutrilog/internal/config"
	"github.com/nutrilog/nutrilog/internal/identity"
	"github.com/nutrilog/nutrilog/internal/middleware/origin"
	"github.com/nutrilog/nutrilog/internal/session"
	"github.com/nutrilog/nutrilog/pkg/signedcookie"
)

// Authenticator is the part of *session.Authenticator the handlers use.
type Authenticator interface {
	BeginLogin(ch channel.Channel) session.LoginRequest
	FinishLogin(ctx context.Context, p session.CallbackParams) (session.Tokens, error)
	Verify(ctx context.Context, raw string) (identity.Identity, error)
	Refresh(ctx context.Context, refreshToken string) (session.Tokens, error)
	LogoutURL(postLogoutURI string) (string, error)
}

type Server struct {
	cfg     *config.Config
	auth    Authenticator
	cookies cookieJar
	meters  *meters

	now func() time.Time
}

// New builds the HTTP layer. auth may be nil only when the authentication
// bypass is enabled, which is refused in production.
func New(ctx context.Context, cfg *config.Config, auth Authenticator, signer *signedcookie.Signer) (*Server, error) {
	if cfg.Auth.SkipAuth && cfg.Auth.Production {
		return nil, config.ErrAuthBypassInProduction
	}
	if auth == nil && !cfg.Auth.SkipAuth {
		return nil, config.ErrMissingAuthenticator
	}

	m, err := initMeters(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Auth.SkipAuth {
		slogctx.Warn(ctx, "Authentication is bypassed; every request runs as the development identity",
			"email", cfg.Auth.DevIdentityEmail)
	}

	return &Server{
		cfg:     cfg,
		auth:    auth,
		cookies: newCookieJar(cfg.Auth, signer),
		meters:  m,
		now:     time.Now,
	}, nil
}

func (s *Server) bypass() bool {
	return s.cfg.Auth.SkipAuth
}

// Handler returns the router of the application.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.meters.traceMiddleware)
	r.Use(origin.Middleware(s.cfg.HTTP.TrustProxy))

	r.Get("/healthz", s.healthz)
	r.Get(loggedOutPath, s.loggedOut)
	r.Get("/login-done-ext", s.loginDoneExt)

	if s.bypass() {
		r.Get("/login", s.bypassLogin)
		r.Get("/logout", s.bypassLogout)
	} else {
		r.Group(func(r chi.Router) {
			if limiter := s.rateLimiter(); limiter != nil {
				r.Use(limiter)
			}
			r.Get("/login", s.login)
			r.Get("/callback", s.callback)
		})
		r.Get("/logout", s.logout)
	}

	r.Group(func(r chi.Router) {
		if s.bypass() {
			r.Use(s.devBypass)
		} else {
			r.Use(s.requireAuth)
		}

		r.Get("/me", s.me)
		r.Get("/ping", s.ping)
		r.Get("/", s.home)
		r.Handle("/*", http.FileServer(http.Dir(s.cfg.HTTP.StaticDir)))
	})

	return r
}

// rateLimiter bounds /login and /callback per client IP.
func (s *Server) rateLimiter() func(http.Handler) http.Handler {
	rl := s.cfg.HTTP.RateLimit
	if rl.Requests <= 0 || rl.Window <= 0 {
		return nil
	}

	keyFunc := httprate.KeyByIP
	if s.cfg.HTTP.TrustProxy {
		keyFunc = httprate.KeyByRealIP
	}

	return httprate.Limit(
		rl.Requests,
		rl.Window,
		httprate.WithKeyFuncs(keyFunc),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			slogctx.Warn(r.Context(), "Rate limit exceeded", "path", r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.Window.Seconds())))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slogctx.Error(ctx, "Failed to write response", "error", err)
	}
}
