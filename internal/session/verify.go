package session

import (
	"context"
	"errors"

	"github.com/go-jose/go-jose/v4/jwt"

	slogctx "github.com/veqryn/slog-context"

	"github.com/nutrilog/nutrilog/internal/identity"
	"github.com/nutrilog/nutrilog/internal/serviceerr"
)

type idTokenClaims struct {
	Email    string `json:"email"`
	Username string `json:"cognito:username"`
	TokenUse string `json:"token_use"`
}

// Verify checks the signature of an ID token against the discovered key set
// and its issuer, audience and lifetime. An expired but otherwise valid token
// yields serviceerr.ErrTokenExpired; every other failure is provider_rejected.
func (a *Authenticator) Verify(ctx context.Context, raw string) (identity.Identity, error) {
	token, err := jwt.ParseSigned(raw, a.provider.SignatureAlgorithms())
	if err != nil {
		return identity.Identity{}, serviceerr.New(serviceerr.CodeProviderRejected, "parsing id token", err)
	}

	var standardClaims jwt.Claims
	var claims idTokenClaims
	if err := token.Claims(a.provider.KeySet(), &standardClaims, &claims); err != nil {
		return identity.Identity{}, serviceerr.New(serviceerr.CodeProviderRejected, "verifying id token signature", err)
	}

	err = standardClaims.ValidateWithLeeway(jwt.Expected{
		Issuer:      a.provider.Issuer(),
		AnyAudience: jwt.Audience{a.clientID},
		Time:        a.now(),
	}, jwt.DefaultLeeway)
	switch {
	case errors.Is(err, jwt.ErrExpired):
		return identity.Identity{}, serviceerr.New(serviceerr.CodeTokenExpired, "id token expired", err)
	case err != nil:
		slogctx.Debug(ctx, "ID token claims rejected", "error", err)
		return identity.Identity{}, serviceerr.New(serviceerr.CodeProviderRejected, "validating id token claims", err)
	}

	if claims.TokenUse != "" && claims.TokenUse != "id" {
		return identity.Identity{}, serviceerr.New(serviceerr.CodeProviderRejected, "token_use is "+claims.TokenUse, nil)
	}

	id := identity.Identity{
		Subject:  standardClaims.Subject,
		Email:    claims.Email,
		Username: claims.Username,
		TokenUse: claims.TokenUse,
		Issuer:   standardClaims.Issuer,
	}
	if standardClaims.Expiry != nil {
		id.Expiry = standardClaims.Expiry.Time()
	}

	return id, nil
}
