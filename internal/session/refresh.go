package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/oauth2"

	slogctx "github.com/veqryn/slog-context"
)

// Refresh redeems a refresh token at the token endpoint. Concurrent calls
// with the same refresh token share one request, and a successful result is
// reused for a short while so that a burst of requests carrying the same
// expired cookies costs the provider a single call.
func (a *Authenticator) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	key := refreshKey(refreshToken)

	if tokens, ok := a.cachedRefresh(key); ok {
		return tokens, nil
	}

	v, err, shared := a.refreshGroup.Do(key, func() (any, error) {
		if tokens, ok := a.cachedRefresh(key); ok {
			return tokens, nil
		}

		// The result is handed to every waiter, so one caller going away must
		// not cancel it.
		tokens, err := a.refresh(context.WithoutCancel(ctx), refreshToken)
		if err != nil {
			return Tokens{}, err
		}

		if a.refreshed != nil {
			a.refreshed.SetDefault(key, tokens)
		}

		return tokens, nil
	})
	if err != nil {
		return Tokens{}, err
	}

	if shared {
		slogctx.Debug(ctx, "Joined an in-flight token refresh")
	}

	//nolint:forcetypeassert
	return v.(Tokens), nil
}

func (a *Authenticator) refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	slogctx.Debug(ctx, "Refreshing tokens", "refresh_token_len", len(refreshToken))

	src := a.oauth.TokenSource(a.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return Tokens{}, classifyRefreshError(err)
	}

	return a.tokens(ctx, tok, refreshToken)
}

func (a *Authenticator) cachedRefresh(key string) (Tokens, bool) {
	if a.refreshed == nil {
		return Tokens{}, false
	}

	v, ok := a.refreshed.Get(key)
	if !ok {
		return Tokens{}, false
	}

	//nolint:forcetypeassert
	return v.(Tokens), true
}

// refreshKey keeps raw refresh tokens out of the cache keys.
func refreshKey(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:])
}
