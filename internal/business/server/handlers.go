package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	slogctx "github.com/veqryn/slog-context"

	"github.com/nutrilog/nutrilog/internal/channel"
	"github.com/nutrilog/nutrilog/internal/identity"
	"github.com/nutrilog/nutrilog/internal/middleware/origin"
	"github.com/nutrilog/nutrilog/internal/serviceerr"
	"github.com/nutrilog/nutrilog/internal/session"
)

const (
	loginPath         = "/login"
	loggedOutPath     = "/logged-out"
	landingPage       = "/day.html"
	extensionDonePage = "/open_extension.html"

	loggedOutPage = `<!doctype html><p>Signed out. <a href="/login">Sign in</a></p>`
)

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]bool{"ok": true})
}

// login starts a flow for the channel selected by ?from=ext, web otherwise.
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	ch := channel.FromQuery(r.URL.Query().Get("from"))
	ctx := slogctx.With(r.Context(), "channel", ch.String())

	req := s.auth.BeginLogin(ch)
	s.cookies.setFlow(w, req)
	s.meters.recordAuthEvent(ctx, eventLoginStarted, ch)

	slogctx.Info(ctx, "Redirecting to the authorization endpoint", "redirect_uri", s.cfg.Auth.RedirectURI())

	http.Redirect(w, r, req.URL, http.StatusFound)
}

// callback completes a flow. Session cookies are written only after the
// code exchange and the ID token verification both succeeded.
func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := slogctx.With(r.Context(), "correlation_id", uuid.NewString())
	query := r.URL.Query()

	slogctx.Debug(ctx, "Callback received",
		"host", r.Host,
		"x_forwarded_proto", r.Header.Get("X-Forwarded-Proto"),
		"x_forwarded_host", r.Header.Get("X-Forwarded-Host"),
		"x_forwarded_for", r.Header.Get("X-Forwarded-For"))

	expectedRedirect := s.cfg.Auth.RedirectURI()
	redirectURI, err := origin.RequestURL(ctx, r)
	if err != nil {
		slogctx.Warn(ctx, "Could not reconstruct the callback URL, using the configured one", "error", err)
		redirectURI = expectedRedirect
	}
	slogctx.Info(ctx, "Checked redirect_uri consistency",
		"expected", expectedRedirect,
		"got", redirectURI,
		"match", redirectURI == expectedRedirect)

	state, err := session.ParseState(query.Get("state"))
	if err != nil {
		s.callbackFailed(ctx, w, channel.Web, err)
		return
	}
	ctx = slogctx.With(ctx, "channel", state.Channel.String())

	expectedState, verifier := s.cookies.readFlow(r, state.Channel)
	slogctx.Debug(ctx, "Read flow cookies",
		"state_cookie", state.Channel.StateCookie(),
		"have_state", expectedState != "",
		"pkce_cookie", state.Channel.PKCECookie(),
		"have_pkce", verifier != "")

	tokens, err := s.auth.FinishLogin(ctx, session.CallbackParams{
		State:            query.Get("state"),
		Code:             query.Get("code"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
		ExpectedState:    expectedState,
		Verifier:         verifier,
		RedirectURI:      redirectURI,
	})
	if err != nil {
		s.callbackFailed(ctx, w, state.Channel, err)
		return
	}

	s.cookies.clearFlow(w, state.Channel)
	s.cookies.setLoginSession(w, tokens, s.now())
	s.meters.recordAuthEvent(ctx, eventCallbackSucceeded, state.Channel)

	setCookies := w.Header().Values("Set-Cookie")
	slogctx.Info(ctx, "Login completed",
		"principal", tokens.Identity.Principal(),
		"id_token_len", len(tokens.IDToken),
		"refresh_token_issued", tokens.RefreshToken != "",
		"set_cookie_count", len(setCookies),
		"set_cookie_bytes", len(strings.Join(setCookies, "\n")),
		"redirect", state.Channel.LandingPath(),
		"duration_ms", time.Since(started).Milliseconds())

	http.Redirect(w, r, state.Channel.LandingPath(), http.StatusFound)
}

func (s *Server) callbackFailed(ctx context.Context, w http.ResponseWriter, ch channel.Channel, err error) {
	code := serviceerr.CodeOf(err)
	s.meters.recordAuthEvent(ctx, eventCallbackFailed, ch)
	slogctx.Error(ctx, "Callback failed", "code", string(code), "error", err)

	status := http.StatusInternalServerError
	var se *serviceerr.Error
	if errors.As(err, &se) {
		status = se.HTTPStatus()
	}

	http.Error(w, "sign-in failed: "+string(code), status)
}

// logout drops every cookie this application set and sends the user agent
// to the provider's end-session endpoint.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	s.cookies.clearSession(w)
	s.cookies.clearAllFlows(w)
	s.meters.recordAuthEvent(ctx, eventLogout, channel.Web)

	target, err := s.auth.LogoutURL(s.cfg.Auth.LogoutRedirectURI())
	if err != nil {
		slogctx.Error(ctx, "Failed to build the end-session URL", "error", err)
		target = loggedOutPath
	}

	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) loggedOut(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write([]byte(loggedOutPage)); err != nil {
		slogctx.Error(r.Context(), "Failed to write response", "error", err)
	}
}

func (s *Server) loginDoneExt(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, extensionDonePage, http.StatusFound)
}

func (s *Server) bypassLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusFound)
}

// bypassLogout drops whatever cookies an earlier authenticated run left behind.
func (s *Server) bypassLogout(w http.ResponseWriter, r *http.Request) {
	s.cookies.clearSession(w)
	s.cookies.clearAllFlows(w)
	http.Redirect(w, r, loggedOutPath, http.StatusFound)
}

// me returns the verified identity claims of the caller.
func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		writeJSON(r.Context(), w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(r.Context(), w, http.StatusOK, id)
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"value": "ok"})
}

func (s *Server) home(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, landingPage, http.StatusFound)
}
