package session_test

import (
	"crypto/rand"
	"crypto/rsa"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nutrilog/nutrilog/internal/channel"
	"github.com/nutrilog/nutrilog/internal/config"
	"github.com/nutrilog/nutrilog/internal/identity"
	"github.com/nutrilog/nutrilog/internal/oidc/oidctest"
	"github.com/nutrilog/nutrilog/internal/pkce"
	"github.com/nutrilog/nutrilog/internal/serviceerr"
	"github.com/nutrilog/nutrilog/internal/session"
)

const baseURL = "https://nutrilog.example.com"

type authOptions struct {
	coalesceTTL time.Duration
	domain      string
	public      bool
}

func newAuthenticator(t *testing.T, srv *oidctest.Server, o authOptions) *session.Authenticator {
	t.Helper()

	secrets := config.Secrets{
		ClientID:     oidctest.ClientID,
		ClientSecret: oidctest.ClientSecret,
		CookieSecret: []byte("0123456789abcdef0123456789abcdef"),
	}
	if o.public {
		secrets.ClientSecret = ""
	}

	conf := config.Auth{
		IssuerURL:          srv.URL,
		Domain:             o.domain,
		BaseURL:            baseURL,
		DefaultExpiresIn:   time.Hour,
		RefreshCoalesceTTL: o.coalesceTTL,
	}

	return session.NewAuthenticator(srv.Provider(t), conf, secrets, srv.Client())
}

// login runs /login and the provider's authorization step, returning the
// callback parameters the HTTP layer would assemble.
func login(t *testing.T, srv *oidctest.Server, a *session.Authenticator, ch channel.Channel) session.CallbackParams {
	t.Helper()

	req := a.BeginLogin(ch)
	cb := srv.Authorize(t, req.URL)

	return session.CallbackParams{
		State:         cb.Query().Get("state"),
		Code:          cb.Query().Get("code"),
		ExpectedState: req.State,
		Verifier:      req.Verifier,
		RedirectURI:   baseURL + "/callback",
	}
}

func TestBeginLogin(t *testing.T) {
	srv := oidctest.New(t)
	a := newAuthenticator(t, srv, authOptions{})

	tests := []struct {
		name    string
		channel channel.Channel
	}{
		{name: "Web channel", channel: channel.Web},
		{name: "Ext channel", channel: channel.Ext},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Act
			req := a.BeginLogin(tt.channel)

			// Assert
			u, err := url.Parse(req.URL)
			require.NoError(t, err)
			q := u.Query()

			assert.Equal(t, srv.URL+oidctest.AuthorizePath, u.Scheme+"://"+u.Host+u.Path)
			assert.Equal(t, oidctest.ClientID, q.Get("client_id"))
			assert.Equal(t, "code", q.Get("response_type"))
			assert.Equal(t, "openid email", q.Get("scope"))
			assert.Equal(t, baseURL+"/callback", q.Get("redirect_uri"))
			assert.Equal(t, pkce.MethodS256, q.Get("code_challenge_method"))
			assert.Equal(t, pkce.Challenge(req.Verifier), q.Get("code_challenge"))
			assert.Equal(t, req.State, q.Get("state"))

			state, err := session.ParseState(q.Get("state"))
			require.NoError(t, err)
			assert.Equal(t, tt.channel, state.Channel)
		})
	}
}

func TestBeginLoginIsFresh(t *testing.T) {
	srv := oidctest.New(t)
	a := newAuthenticator(t, srv, authOptions{})

	first := a.BeginLogin(channel.Web)
	second := a.BeginLogin(channel.Web)

	assert.NotEqual(t, first.State, second.State)
	assert.NotEqual(t, first.Verifier, second.Verifier)
}

func TestParseState(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    channel.Channel
		wantErr error
	}{
		{name: "Web", raw: "web.abc", want: channel.Web},
		{name: "Ext", raw: "ext.abc", want: channel.Ext},
		{name: "Empty", raw: "", wantErr: serviceerr.ErrMissingState},
		{name: "Legacy prefix", raw: "ext:abc", wantErr: serviceerr.ErrFlowIntegrity},
		{name: "Unknown tag", raw: "app.abc", wantErr: serviceerr.ErrFlowIntegrity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := session.ParseState(tt.raw)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Channel)
		})
	}
}

func TestFinishLogin(t *testing.T) {
	tests := []struct {
		name     string
		public   bool
		mutate   func(p *session.CallbackParams)
		wantCode serviceerr.Code
		wantErr  error
	}{
		{
			name:   "Confidential client",
			mutate: func(*session.CallbackParams) {},
		}, {
			name:   "Public client",
			public: true,
			mutate: func(*session.CallbackParams) {},
		}, {
			name: "Provider reported an error",
			mutate: func(p *session.CallbackParams) {
				p.Error = "access_denied"
				p.ErrorDescription = "user cancelled"
			},
			wantCode: serviceerr.CodeProviderRejected,
		}, {
			name:     "Missing state",
			mutate:   func(p *session.CallbackParams) { p.State = "" },
			wantCode: serviceerr.CodeFlowIntegrity,
			wantErr:  serviceerr.ErrMissingState,
		}, {
			name:     "Missing state cookie",
			mutate:   func(p *session.CallbackParams) { p.ExpectedState = "" },
			wantCode: serviceerr.CodeFlowIntegrity,
			wantErr:  serviceerr.ErrMissingFlowCookie,
		}, {
			name:     "Missing PKCE cookie",
			mutate:   func(p *session.CallbackParams) { p.Verifier = "" },
			wantCode: serviceerr.CodeFlowIntegrity,
			wantErr:  serviceerr.ErrMissingFlowCookie,
		}, {
			name:     "State mismatch",
			mutate:   func(p *session.CallbackParams) { p.ExpectedState = "web.somethingelse" },
			wantCode: serviceerr.CodeFlowIntegrity,
			wantErr:  serviceerr.ErrStateMismatch,
		}, {
			name:     "Missing code",
			mutate:   func(p *session.CallbackParams) { p.Code = "" },
			wantCode: serviceerr.CodeFlowIntegrity,
			wantErr:  serviceerr.ErrMissingCode,
		}, {
			name:     "Wrong verifier",
			mutate:   func(p *session.CallbackParams) { p.Verifier = pkce.Source{}.PKCE().Verifier },
			wantCode: serviceerr.CodeFlowIntegrity,
		}, {
			name:     "Redirect URI differs from the authorization request",
			mutate:   func(p *session.CallbackParams) { p.RedirectURI = "http://internal:3001/callback" },
			wantCode: serviceerr.CodeFlowIntegrity,
		}, {
			name:     "Unknown code",
			mutate:   func(p *session.CallbackParams) { p.Code = "forged" },
			wantCode: serviceerr.CodeFlowIntegrity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			var opts []oidctest.Option
			if tt.public {
				opts = append(opts, oidctest.WithPublicClient())
			}
			srv := oidctest.New(t, opts...)
			a := newAuthenticator(t, srv, authOptions{public: tt.public})
			params := login(t, srv, a, channel.Web)
			tt.mutate(&params)

			// Act
			tokens, err := a.FinishLogin(t.Context(), params)

			// Assert
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, serviceerr.CodeOf(err))
				if tt.wantErr != nil {
					assert.ErrorIs(t, err, tt.wantErr)
				}
				assert.Empty(t, tokens.IDToken)
				return
			}

			require.NoError(t, err)
			assert.NotEmpty(t, tokens.IDToken)
			assert.NotEmpty(t, tokens.AccessToken)
			assert.NotEmpty(t, tokens.RefreshToken)
			assert.WithinDuration(t, time.Now().Add(time.Hour), tokens.Expiry, time.Minute)
			assert.Equal(t, oidctest.Email, tokens.Identity.Email)
			assert.Equal(t, oidctest.Subject, tokens.Identity.Subject)
			assert.Equal(t, 1, srv.CodeExchanges())
		})
	}
}

func TestFinishLoginWithoutRefreshToken(t *testing.T) {
	srv := oidctest.New(t, oidctest.WithoutRefreshToken(), oidctest.WithExpiresIn(300))
	a := newAuthenticator(t, srv, authOptions{})

	tokens, err := a.FinishLogin(t.Context(), login(t, srv, a, channel.Ext))

	require.NoError(t, err)
	assert.Empty(t, tokens.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), tokens.Expiry, time.Minute)
}

func TestVerify(t *testing.T) {
	srv := oidctest.New(t)
	a := newAuthenticator(t, srv, authOptions{})

	foreignKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	claims := func(mutate func(c *jwt.Claims)) jwt.Claims {
		c := jwt.Claims{
			Issuer:   srv.URL,
			Subject:  oidctest.Subject,
			Audience: jwt.Audience{oidctest.ClientID},
			Expiry:   jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}
		mutate(&c)
		return c
	}

	tests := []struct {
		name     string
		raw      string
		wantCode serviceerr.Code
	}{
		{
			name: "Valid token",
			raw:  srv.IDToken(t, time.Now().Add(time.Hour)),
		}, {
			name:     "Expired token",
			raw:      srv.IDToken(t, time.Now().Add(-10*time.Minute)),
			wantCode: serviceerr.CodeTokenExpired,
		}, {
			name:     "Wrong audience",
			raw:      srv.Sign(t, claims(func(c *jwt.Claims) { c.Audience = jwt.Audience{"someone-else"} })),
			wantCode: serviceerr.CodeProviderRejected,
		}, {
			name:     "Wrong issuer",
			raw:      srv.Sign(t, claims(func(c *jwt.Claims) { c.Issuer = "https://evil.example.com" })),
			wantCode: serviceerr.CodeProviderRejected,
		}, {
			name:     "Expired token with wrong audience is not refreshable",
			raw:      srv.Sign(t, claims(func(c *jwt.Claims) { c.Audience = jwt.Audience{"x"}; c.Expiry = jwt.NewNumericDate(time.Now().Add(-time.Hour)) })),
			wantCode: serviceerr.CodeProviderRejected,
		}, {
			name:     "Signed by an unknown key",
			raw:      oidctest.SignWith(t, foreignKey, oidctest.KeyID, claims(func(*jwt.Claims) {})),
			wantCode: serviceerr.CodeProviderRejected,
		}, {
			name:     "Access token presented as ID token",
			raw:      srv.Sign(t, claims(func(*jwt.Claims) {}), map[string]any{"token_use": "access"}),
			wantCode: serviceerr.CodeProviderRejected,
		}, {
			name:     "Garbage",
			raw:      "not-a-jwt",
			wantCode: serviceerr.CodeProviderRejected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := a.Verify(t.Context(), tt.raw)

			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, serviceerr.CodeOf(err))
				return
			}
			require.NoError(t, err)
			want := identity.Identity{
				Subject:  oidctest.Subject,
				Email:    oidctest.Email,
				Username: "user",
				TokenUse: "id",
				Issuer:   srv.URL,
			}
			if diff := cmp.Diff(want, id, cmpopts.IgnoreFields(identity.Identity{}, "Expiry")); diff != "" {
				t.Errorf("identity mismatch (-want +got):\n%s", diff)
			}
			assert.False(t, id.Expiry.IsZero())
		})
	}
}

func TestRefresh(t *testing.T) {
	tests := []struct {
		name        string
		opts        []oidctest.Option
		status      int
		token       string
		wantCode    serviceerr.Code
		wantRotated bool
	}{
		{
			name:  "Refresh without rotation",
			token: "known",
		}, {
			name:        "Refresh with rotation",
			opts:        []oidctest.Option{oidctest.WithRefreshTokenRotation()},
			token:       "known",
			wantRotated: true,
		}, {
			name:     "Provider answers 400",
			status:   400,
			token:    "known",
			wantCode: serviceerr.CodeProviderRejected,
		}, {
			name:     "Provider answers 503",
			status:   503,
			token:    "known",
			wantCode: serviceerr.CodeProviderRejected,
		}, {
			name:     "Unknown refresh token",
			token:    "revoked",
			wantCode: serviceerr.CodeProviderRejected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			srv := oidctest.New(t, tt.opts...)
			srv.AddRefreshToken("known")
			srv.SetRefreshStatus(tt.status)
			a := newAuthenticator(t, srv, authOptions{})

			// Act
			tokens, err := a.Refresh(t.Context(), tt.token)

			// Assert
			assert.Equal(t, 1, srv.RefreshCalls())
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, serviceerr.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, tokens.IDToken)
			assert.NotEmpty(t, tokens.AccessToken)
			assert.Equal(t, tt.wantRotated, tokens.RefreshRotated)
			if !tt.wantRotated {
				assert.Equal(t, tt.token, tokens.RefreshToken)
			}
		})
	}
}

func TestRefreshNetworkFailure(t *testing.T) {
	srv := oidctest.New(t)
	a := newAuthenticator(t, srv, authOptions{})
	srv.Close()

	_, err := a.Refresh(t.Context(), "known")

	require.Error(t, err)
	assert.Equal(t, serviceerr.CodeNetwork, serviceerr.CodeOf(err))
}

func TestRefreshCoalescing(t *testing.T) {
	t.Run("Concurrent refreshes share one call", func(t *testing.T) {
		srv := oidctest.New(t)
		srv.AddRefreshToken("known")
		a := newAuthenticator(t, srv, authOptions{coalesceTTL: time.Minute})

		const n = 8
		var wg sync.WaitGroup
		results := make([]session.Tokens, n)
		errs := make([]error, n)
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], errs[i] = a.Refresh(t.Context(), "known")
			}()
		}
		wg.Wait()

		for i := range n {
			require.NoError(t, errs[i])
			assert.Equal(t, results[0].IDToken, results[i].IDToken)
		}
		assert.Equal(t, 1, srv.RefreshCalls())
	})

	t.Run("Results are reused within the TTL", func(t *testing.T) {
		srv := oidctest.New(t)
		srv.AddRefreshToken("known")
		a := newAuthenticator(t, srv, authOptions{coalesceTTL: time.Minute})

		_, err := a.Refresh(t.Context(), "known")
		require.NoError(t, err)
		_, err = a.Refresh(t.Context(), "known")
		require.NoError(t, err)

		assert.Equal(t, 1, srv.RefreshCalls())
	})

	t.Run("Failures are not cached", func(t *testing.T) {
		srv := oidctest.New(t)
		srv.AddRefreshToken("known")
		srv.SetRefreshStatus(400)
		a := newAuthenticator(t, srv, authOptions{coalesceTTL: time.Minute})

		_, err := a.Refresh(t.Context(), "known")
		require.Error(t, err)

		srv.SetRefreshStatus(0)
		_, err = a.Refresh(t.Context(), "known")
		require.NoError(t, err)

		assert.Equal(t, 2, srv.RefreshCalls())
	})

	t.Run("Zero TTL disables reuse", func(t *testing.T) {
		srv := oidctest.New(t)
		srv.AddRefreshToken("known")
		a := newAuthenticator(t, srv, authOptions{})

		_, err := a.Refresh(t.Context(), "known")
		require.NoError(t, err)
		_, err = a.Refresh(t.Context(), "known")
		require.NoError(t, err)

		assert.Equal(t, 2, srv.RefreshCalls())
	})
}

func TestLogoutURL(t *testing.T) {
	const postLogout = baseURL + "/logged-out"

	tests := []struct {
		name     string
		opts     []oidctest.Option
		domain   string
		wantBase func(srv *oidctest.Server) string
		wantErr  bool
	}{
		{
			name:     "End session endpoint from metadata",
			wantBase: func(srv *oidctest.Server) string { return srv.URL + oidctest.LogoutPath },
		}, {
			name:     "Fallback to the hosted UI domain",
			opts:     []oidctest.Option{oidctest.WithoutEndSession()},
			domain:   "auth.nutrilog.example.com",
			wantBase: func(*oidctest.Server) string { return "https://auth.nutrilog.example.com/logout" },
		}, {
			name:    "Neither endpoint nor domain",
			opts:    []oidctest.Option{oidctest.WithoutEndSession()},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := oidctest.New(t, tt.opts...)
			a := newAuthenticator(t, srv, authOptions{domain: tt.domain})

			got, err := a.LogoutURL(postLogout)

			if tt.wantErr {
				assert.ErrorIs(t, err, session.ErrNoLogoutEndpoint)
				return
			}
			require.NoError(t, err)

			u, err := url.Parse(got)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBase(srv), u.Scheme+"://"+u.Host+u.Path)
			assert.Equal(t, oidctest.ClientID, u.Query().Get("client_id"))
			assert.Equal(t, postLogout, u.Query().Get("logout_uri"))
		})
	}
}
