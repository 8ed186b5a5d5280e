package server

import (
	"errors"
	"net/http"

	slogctx "github.com/veqryn/slog-context"

	"github.com/nutrilog/nutrilog/internal/channel"
	"github.com/nutrilog/nutrilog/internal/identity"
	"github.com/nutrilog/nutrilog/internal/serviceerr"
)

// requireAuth lets a request through only with a verified identity attached
// to its context. Any failure ends in a redirect to /login; the handlers
// behind it never see an unauthenticated request.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.authenticate(w, r)
		if !ok {
			return
		}

		ctx := identity.NewContext(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate runs the decision procedure of requireAuth. When ok is false
// the response has already been written.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (id identity.Identity, ok bool) {
	ctx := r.Context()

	defer func() {
		if rec := recover(); rec != nil {
			slogctx.Error(ctx, "Recovered while authenticating a request", "panic", rec)
			s.rejectSession(w, r)
			id, ok = identity.Identity{}, false
		}
	}()

	if raw, present := s.cookies.read(r, idTokenCookie); present {
		id, err := s.auth.Verify(ctx, raw)
		if err == nil {
			return id, true
		}

		if !errors.Is(err, serviceerr.ErrTokenExpired) {
			s.meters.recordAuthEvent(ctx, eventVerifyRejected, channel.Web)
			slogctx.Warn(ctx, "ID token rejected", "code", string(serviceerr.CodeOf(err)), "error", err)
			s.rejectSession(w, r)
			return identity.Identity{}, false
		}

		slogctx.Debug(ctx, "ID token expired, refreshing")
	}

	refreshToken, present := s.cookies.read(r, refreshTokenCookie)
	if !present {
		slogctx.Debug(ctx, "No refresh token, redirecting to login")
		http.Redirect(w, r, loginPath, http.StatusFound)
		return identity.Identity{}, false
	}

	tokens, err := s.auth.Refresh(ctx, refreshToken)
	if err != nil {
		s.meters.recordAuthEvent(ctx, eventRefreshFailed, channel.Web)
		slogctx.Warn(ctx, "Token refresh failed", "code", string(serviceerr.CodeOf(err)), "error", err)
		s.rejectSession(w, r)
		return identity.Identity{}, false
	}

	s.cookies.setRefreshedSession(w, tokens, s.now())
	s.meters.recordAuthEvent(ctx, eventRefreshSucceeded, channel.Web)
	slogctx.Info(ctx, "Refreshed tokens", "principal", tokens.Identity.Principal(), "rotated", tokens.RefreshRotated)

	return tokens.Identity, true
}

// rejectSession clears all session cookies and sends the user agent to /login.
func (s *Server) rejectSession(w http.ResponseWriter, r *http.Request) {
	s.cookies.clearSession(w)
	http.Redirect(w, r, loginPath, http.StatusFound)
}

// devBypass attaches a fixed identity to every request.
func (s *Server) devBypass(next http.Handler) http.Handler {
	dev := identity.Identity{
		Subject:  s.cfg.Auth.DevIdentityEmail,
		Email:    s.cfg.Auth.DevIdentityEmail,
		TokenUse: "id",
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(identity.NewContext(r.Context(), dev)))
	})
}
