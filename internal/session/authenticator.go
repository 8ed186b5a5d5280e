// Package session runs the OpenID Connect authorization code flow with PKCE
// against the discovered provider, verifies ID tokens and refreshes them.
// It holds no per-user state: everything a flow needs travels in cookies
// owned by the HTTP layer.
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	slogctx "github.com/veqryn/slog-context"

	"github.com/nutrilog/nutrilog/internal/channel"
	"github.com/nutrilog/nutrilog/internal/config"
	"github.com/nutrilog/nutrilog/internal/oidc"
	"github.com/nutrilog/nutrilog/internal/pkce"
	"github.com/nutrilog/nutrilog/internal/serviceerr"
)

var defaultScopes = []string{"openid", "email"}

var ErrNoLogoutEndpoint = errors.New("provider has no end_session_endpoint and no domain is configured")

type Authenticator struct {
	provider   *oidc.Provider
	oauth      oauth2.Config
	httpClient *http.Client
	pkce       pkce.Source

	clientID         string
	domain           string
	defaultExpiresIn time.Duration

	refreshGroup singleflight.Group
	refreshed    *cache.Cache

	now func() time.Time
}

func NewAuthenticator(provider *oidc.Provider, conf config.Auth, secrets config.Secrets, httpClient *http.Client) *Authenticator {
	scopes := conf.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}

	// A confidential client authenticates with HTTP Basic, a public one sends
	// its client_id in the body.
	authStyle := oauth2.AuthStyleInParams
	if secrets.ClientSecret != "" {
		authStyle = oauth2.AuthStyleInHeader
	}

	a := &Authenticator{
		provider: provider,
		oauth: oauth2.Config{
			ClientID:     secrets.ClientID,
			ClientSecret: secrets.ClientSecret,
			RedirectURL:  conf.RedirectURI(),
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   provider.AuthorizationEndpoint(),
				TokenURL:  provider.TokenEndpoint(),
				AuthStyle: authStyle,
			},
		},
		httpClient:       httpClient,
		clientID:         secrets.ClientID,
		domain:           conf.Domain,
		defaultExpiresIn: conf.DefaultExpiresIn,
		now:              time.Now,
	}

	// go-cache treats a zero default expiration as "never expire".
	if conf.RefreshCoalesceTTL > 0 {
		a.refreshed = cache.New(conf.RefreshCoalesceTTL, 2*conf.RefreshCoalesceTTL)
	}

	return a
}

// BeginLogin creates the state and PKCE verifier of a new flow for ch and
// the authorization URL the user agent is sent to.
func (a *Authenticator) BeginLogin(ch channel.Channel) LoginRequest {
	state := channel.State{Channel: ch, Nonce: a.pkce.State()}.Encode()
	verifier := a.pkce.PKCE().Verifier

	return LoginRequest{
		Channel:  ch,
		State:    state,
		Verifier: verifier,
		URL:      a.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
	}
}

// ParseState decodes the state query parameter of a callback.
func ParseState(raw string) (channel.State, error) {
	if raw == "" {
		return channel.State{}, serviceerr.ErrMissingState
	}

	state, err := channel.DecodeState(raw)
	if err != nil {
		return channel.State{}, serviceerr.New(serviceerr.CodeFlowIntegrity, "undecodable state", err)
	}

	return state, nil
}

// FinishLogin checks the callback against the flow cookies, exchanges the
// code and verifies the returned ID token. Nothing is returned unless every
// step succeeded.
func (a *Authenticator) FinishLogin(ctx context.Context, p CallbackParams) (Tokens, error) {
	if p.Error != "" {
		return Tokens{}, serviceerr.New(serviceerr.CodeProviderRejected, p.Error+": "+p.ErrorDescription, nil)
	}
	if p.State == "" {
		return Tokens{}, serviceerr.ErrMissingState
	}
	if p.ExpectedState == "" || p.Verifier == "" {
		return Tokens{}, serviceerr.ErrMissingFlowCookie
	}
	if subtle.ConstantTimeCompare([]byte(p.State), []byte(p.ExpectedState)) != 1 {
		return Tokens{}, serviceerr.ErrStateMismatch
	}
	if p.Code == "" {
		return Tokens{}, serviceerr.ErrMissingCode
	}

	opts := []oauth2.AuthCodeOption{oauth2.VerifierOption(p.Verifier)}
	if p.RedirectURI != "" {
		opts = append(opts, oauth2.SetAuthURLParam("redirect_uri", p.RedirectURI))
	}

	tok, err := a.oauth.Exchange(a.clientContext(ctx), p.Code, opts...)
	if err != nil {
		return Tokens{}, classifyExchangeError(err)
	}

	slogctx.Debug(ctx, "Exchanged the auth code for tokens",
		"access_token_len", len(tok.AccessToken),
		"refresh_token_len", len(tok.RefreshToken))

	return a.tokens(ctx, tok, "")
}

// LogoutURL is the provider's end-session URL, falling back to the hosted UI
// logout page of the configured domain.
func (a *Authenticator) LogoutURL(postLogoutURI string) (string, error) {
	endpoint := a.provider.EndSessionEndpoint()
	if endpoint == "" {
		if a.domain == "" {
			return "", ErrNoLogoutEndpoint
		}
		endpoint = "https://" + a.domain + "/logout"
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing end session endpoint: %w", err)
	}

	u.RawQuery = url.Values{
		"client_id":  {a.clientID},
		"logout_uri": {postLogoutURI},
	}.Encode()

	return u.String(), nil
}

func (a *Authenticator) clientContext(ctx context.Context) context.Context {
	if a.httpClient == nil {
		return ctx
	}

	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

// tokens verifies the ID token of a token response and converts it.
func (a *Authenticator) tokens(ctx context.Context, tok *oauth2.Token, presentedRefresh string) (Tokens, error) {
	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return Tokens{}, serviceerr.New(serviceerr.CodeProviderRejected, "token response lacks id_token", nil)
	}

	id, err := a.Verify(ctx, idToken)
	if err != nil {
		return Tokens{}, err
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = a.now().Add(a.defaultExpiresIn)
	}

	return Tokens{
		IDToken:        idToken,
		AccessToken:    tok.AccessToken,
		RefreshToken:   tok.RefreshToken,
		Expiry:         expiry,
		RefreshRotated: presentedRefresh != "" && tok.RefreshToken != "" && tok.RefreshToken != presentedRefresh,
		Identity:       id,
	}, nil
}
