package server

import (
	"net/http"
	"time"

	"github.com/nutrilog/nutrilog/internal/channel"
	"github.com/nutrilog/nutrilog/internal/config"
	"github.com/nutrilog/nutrilog/internal/session"
	"github.com/nutrilog/nutrilog/pkg/signedcookie"
)

const (
	idTokenCookie      = "id_token"
	accessTokenCookie  = "access_token"
	refreshTokenCookie = "refresh_token"
)

var (
	sessionCookieNames = []string{idTokenCookie, accessTokenCookie, refreshTokenCookie}
	channels           = []channel.Channel{channel.Web, channel.Ext}
)

// cookieJar writes and reads the signed cookies of the login flow and the
// session. Every cookie is httpOnly and scoped to the whole site.
type cookieJar struct {
	signer *signedcookie.Signer

	flowSecure      bool
	flowTTL         time.Duration
	refreshTokenTTL time.Duration
	rotateRefresh   bool
}

func newCookieJar(conf config.Auth, signer *signedcookie.Signer) cookieJar {
	return cookieJar{
		signer:          signer,
		flowSecure:      conf.IsHTTPS(),
		flowTTL:         conf.FlowTTL,
		refreshTokenTTL: conf.RefreshTokenTTL,
		rotateRefresh:   conf.RotateRefreshToken,
	}
}

func (j cookieJar) template(name string) config.CookieTemplate {
	t := config.CookieTemplate{Name: name, Path: "/", HTTPOnly: true, Secure: true}

	switch name {
	case idTokenCookie, refreshTokenCookie:
		// Sent on cross-site requests made by the browser extension.
		t.SameSite = config.CookieSameSiteNone
	case accessTokenCookie:
		t.SameSite = config.CookieSameSiteLax
	default:
		t.SameSite = config.CookieSameSiteLax
		t.Secure = j.flowSecure
	}

	return t
}

func (j cookieJar) set(w http.ResponseWriter, name, value string, ttl time.Duration) {
	t := j.template(name)
	http.SetCookie(w, t.ToCookieWithTTL(j.signer.Sign(name, value), ttl))
}

func (j cookieJar) clear(w http.ResponseWriter, name string) {
	t := j.template(name)
	http.SetCookie(w, t.ToExpiredCookie())
}

func (j cookieJar) read(r *http.Request, name string) (string, bool) {
	return j.signer.Read(r, name)
}

// setFlow stores the state and PKCE verifier of a login in the channel's
// own cookies, replacing any pending flow of the same channel.
func (j cookieJar) setFlow(w http.ResponseWriter, req session.LoginRequest) {
	j.set(w, req.Channel.StateCookie(), req.State, j.flowTTL)
	j.set(w, req.Channel.PKCECookie(), req.Verifier, j.flowTTL)
}

func (j cookieJar) readFlow(r *http.Request, ch channel.Channel) (state, verifier string) {
	state, _ = j.read(r, ch.StateCookie())
	verifier, _ = j.read(r, ch.PKCECookie())

	return state, verifier
}

func (j cookieJar) clearFlow(w http.ResponseWriter, ch channel.Channel) {
	j.clear(w, ch.StateCookie())
	j.clear(w, ch.PKCECookie())
}

// setLoginSession writes the cookies of a fresh login. The refresh token has
// its own lifetime, independent of expires_in.
func (j cookieJar) setLoginSession(w http.ResponseWriter, t session.Tokens, now time.Time) {
	ttl := t.ExpiresIn(now)
	j.set(w, idTokenCookie, t.IDToken, ttl)
	j.set(w, accessTokenCookie, t.AccessToken, ttl)

	if t.RefreshToken != "" {
		j.set(w, refreshTokenCookie, t.RefreshToken, j.refreshTokenTTL)
	}
}

// setRefreshedSession overwrites the ID and access token cookies. The refresh
// token cookie is only replaced when the provider rotated it.
func (j cookieJar) setRefreshedSession(w http.ResponseWriter, t session.Tokens, now time.Time) {
	ttl := t.ExpiresIn(now)
	j.set(w, idTokenCookie, t.IDToken, ttl)
	j.set(w, accessTokenCookie, t.AccessToken, ttl)

	if t.RefreshRotated && j.rotateRefresh {
		j.set(w, refreshTokenCookie, t.RefreshToken, j.refreshTokenTTL)
	}
}

func (j cookieJar) clearSession(w http.ResponseWriter) {
	for _, name := range sessionCookieNames {
		j.clear(w, name)
	}
}

func (j cookieJar) clearAllFlows(w http.ResponseWriter) {
	for _, ch := range channels {
		j.clearFlow(w, ch)
	}
}
