// Package oidctest runs an in-process OpenID Connect provider for tests. It
// implements discovery, JWKS, the authorization code grant with PKCE and the
// refresh token grant, and signs RS256 ID tokens.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/nutrilog/nutrilog/internal/oidc"
	"github.com/nutrilog/nutrilog/internal/pkce"
)

const (
	ClientID     = "test-client"
	ClientSecret = "test-secret" // NOSONAR
	KeyID        = "test-key"
	Email        = "user@example.com"
	Subject      = "0f6c2f5e-user"

	AuthorizePath = "/oauth2/authorize"
	TokenPath     = "/oauth2/token"
	JWKSPath      = "/.well-known/jwks.json"
	LogoutPath    = "/logout"
)

type Server struct {
	*httptest.Server

	key *rsa.PrivateKey

	mu                 sync.Mutex
	clientSecret       string
	expiresIn          int
	issueRefreshToken  bool
	rotateRefreshToken bool
	refreshStatus      int
	omitEndSession     bool
	codes              map[string]grant
	refreshTokens      map[string]bool
	seq                int
	codeCalls          int
	refreshCalls       int
}

type grant struct {
	challenge   string
	redirectURI string
}

type Option func(*Server)

// WithPublicClient makes the provider expect client_id in the request body
// instead of HTTP Basic credentials.
func WithPublicClient() Option {
	return func(s *Server) { s.clientSecret = "" }
}

// WithExpiresIn sets expires_in of issued tokens, in seconds.
func WithExpiresIn(seconds int) Option {
	return func(s *Server) { s.expiresIn = seconds }
}

// WithoutRefreshToken stops the code grant from returning a refresh token.
func WithoutRefreshToken() Option {
	return func(s *Server) { s.issueRefreshToken = false }
}

// WithRefreshTokenRotation makes the refresh grant return a new refresh token.
func WithRefreshTokenRotation() Option {
	return func(s *Server) { s.rotateRefreshToken = true }
}

// WithoutEndSession omits end_session_endpoint from the discovery document.
func WithoutEndSession() Option {
	return func(s *Server) { s.omitEndSession = true }
}

func New(tb testing.TB, opts ...Option) *Server {
	tb.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		tb.Fatalf("generating rsa key: %v", err)
	}

	s := &Server{
		key:               key,
		clientSecret:      ClientSecret,
		expiresIn:         3600,
		issueRefreshToken: true,
		codes:             map[string]grant{},
		refreshTokens:     map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("GET "+JWKSPath, s.handleJWKS)
	mux.HandleFunc("POST "+TokenPath, s.handleToken)

	s.Server = httptest.NewServer(mux)
	tb.Cleanup(s.Close)

	return s
}

// Provider discovers the server the same way the application does at startup.
func (s *Server) Provider(tb testing.TB) *oidc.Provider {
	tb.Helper()

	p, err := oidc.Discover(tb.Context(), s.Client(), s.URL)
	if err != nil {
		tb.Fatalf("discovering test provider: %v", err)
	}

	return p
}

// SetRefreshStatus makes every refresh grant fail with status. Zero restores success.
func (s *Server) SetRefreshStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshStatus = status
}

// CodeExchanges is the number of authorization code grants served.
func (s *Server) CodeExchanges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codeCalls
}

// RefreshCalls is the number of refresh token grants served.
func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

// AddRefreshToken registers a refresh token as if it had been issued earlier.
func (s *Server) AddRefreshToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[token] = true
}

// Authorize plays the user's part at the authorization endpoint: it accepts
// the authorization URL built by the application and returns the callback
// URL the provider would redirect to.
func (s *Server) Authorize(tb testing.TB, authURL string) *url.URL {
	tb.Helper()

	u, err := url.Parse(authURL)
	if err != nil {
		tb.Fatalf("parsing authorization url: %v", err)
	}
	if u.Path != AuthorizePath {
		tb.Fatalf("unexpected authorization path %q", u.Path)
	}

	q := u.Query()
	if q.Get("client_id") != ClientID || q.Get("response_type") != "code" || q.Get("code_challenge_method") != pkce.MethodS256 {
		tb.Fatalf("unexpected authorization request %v", q)
	}

	s.mu.Lock()
	s.seq++
	code := fmt.Sprintf("code-%d", s.seq)
	s.codes[code] = grant{challenge: q.Get("code_challenge"), redirectURI: q.Get("redirect_uri")}
	s.mu.Unlock()

	cb, err := url.Parse(q.Get("redirect_uri"))
	if err != nil {
		tb.Fatalf("parsing redirect_uri: %v", err)
	}
	cq := cb.Query()
	cq.Set("code", code)
	cq.Set("state", q.Get("state"))
	cb.RawQuery = cq.Encode()

	return cb
}

// IDToken mints an ID token for the test user expiring at exp.
func (s *Server) IDToken(tb testing.TB, exp time.Time) string {
	tb.Helper()

	raw, err := s.mintIDToken(exp)
	if err != nil {
		tb.Fatalf("minting id token: %v", err)
	}

	return raw
}

// Sign serialises claims as a JWT signed with the provider key.
func (s *Server) Sign(tb testing.TB, claims ...any) string {
	tb.Helper()
	return SignWith(tb, s.key, KeyID, claims...)
}

// SignWith serialises claims as a JWT signed with an arbitrary key.
func SignWith(tb testing.TB, key *rsa.PrivateKey, kid string, claims ...any) string {
	tb.Helper()

	raw, err := sign(key, kid, claims...)
	if err != nil {
		tb.Fatalf("signing token: %v", err)
	}

	return raw
}

func (s *Server) mintIDToken(exp time.Time) (string, error) {
	now := time.Now()

	return sign(s.key, KeyID, jwt.Claims{
		Issuer:    s.URL,
		Subject:   Subject,
		Audience:  jwt.Audience{ClientID},
		Expiry:    jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
	}, map[string]any{"email": Email, "token_use": "id", "cognito:username": "user"})
}

func sign(key *rsa.PrivateKey, kid string, claims ...any) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: key, KeyID: kid}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	builder := jwt.Signed(signer)
	for _, c := range claims {
		builder = builder.Claims(c)
	}

	return builder.Serialize()
}

func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	omitEndSession := s.omitEndSession
	s.mu.Unlock()

	conf := oidc.Configuration{
		Issuer:                           s.URL,
		AuthorizationEndpoint:            s.URL + AuthorizePath,
		TokenEndpoint:                    s.URL + TokenPath,
		JwksURI:                          s.URL + JWKSPath,
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
		ScopesSupported:                  []string{"openid", "email", "profile"},
		CodeChallengeMethodsSupported:    []string{pkce.MethodS256},
	}
	if !omitEndSession {
		conf.EndSessionEndpoint = s.URL + LogoutPath
	}

	writeJSON(w, http.StatusOK, conf)
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.key.PublicKey,
		KeyID:     KeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if !s.authenticateClient(r) {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.handleCodeGrant(w, r)
	case "refresh_token":
		s.handleRefreshGrant(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
	}
}

func (s *Server) authenticateClient(r *http.Request) bool {
	s.mu.Lock()
	secret := s.clientSecret
	s.mu.Unlock()

	if secret == "" {
		return r.PostForm.Get("client_id") == ClientID
	}

	user, pass, ok := r.BasicAuth()
	user, _ = url.QueryUnescape(user)
	pass, _ = url.QueryUnescape(pass)

	return ok && user == ClientID && pass == secret
}

func (s *Server) handleCodeGrant(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.codeCalls++
	g, ok := s.codes[r.PostForm.Get("code")]
	delete(s.codes, r.PostForm.Get("code"))
	s.mu.Unlock()

	switch {
	case !ok:
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
		return
	case pkce.Challenge(r.PostForm.Get("code_verifier")) != g.challenge:
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
		return
	case r.PostForm.Get("redirect_uri") != g.redirectURI:
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}

	s.mu.Lock()
	issueRefresh := s.issueRefreshToken
	s.mu.Unlock()

	s.writeTokens(w, issueRefresh)
}

func (s *Server) handleRefreshGrant(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.refreshCalls++
	status := s.refreshStatus
	known := s.refreshTokens[r.PostForm.Get("refresh_token")]
	rotate := s.rotateRefreshToken
	s.mu.Unlock()

	if status != 0 {
		writeOAuthError(w, status, "invalid_grant")
		return
	}
	if !known {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}

	s.writeTokens(w, rotate)
}

func (s *Server) writeTokens(w http.ResponseWriter, withRefresh bool) {
	s.mu.Lock()
	s.seq++
	n := s.seq
	expiresIn := s.expiresIn
	resp := map[string]any{
		"access_token": fmt.Sprintf("access-%d", n),
		"token_type":   "Bearer",
		"expires_in":   expiresIn,
	}
	if withRefresh {
		rt := fmt.Sprintf("refresh-%d", n)
		s.refreshTokens[rt] = true
		resp["refresh_token"] = rt
	}
	s.mu.Unlock()

	idToken, err := s.mintIDToken(time.Now().Add(time.Duration(expiresIn) * time.Second))
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp["id_token"] = idToken

	writeJSON(w, http.StatusOK, resp)
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
