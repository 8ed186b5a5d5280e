package session

import (
	"time"

	"github.com/nutrilog/nutrilog/internal/channel"
	"github.com/nutrilog/nutrilog/internal/identity"
)

// LoginRequest is everything /login needs to persist and redirect.
type LoginRequest struct {
	Channel  channel.Channel
	State    string
	Verifier string
	URL      string
}

// CallbackParams gathers the inputs of a callback: the query parameters sent
// by the provider and the values recovered from the channel's cookies.
type CallbackParams struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string

	ExpectedState string
	Verifier      string

	// RedirectURI must equal the redirect_uri sent to the authorization endpoint.
	RedirectURI string
}

// Tokens is the outcome of a code exchange or a refresh.
type Tokens struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time

	// RefreshRotated is set when a refresh returned a refresh token different
	// from the one presented.
	RefreshRotated bool

	Identity identity.Identity
}

// ExpiresIn is the remaining lifetime of the ID and access tokens.
func (t Tokens) ExpiresIn(now time.Time) time.Duration {
	return t.Expiry.Sub(now)
}
