// Package origin provides utilities to inject and retrieve the externally
// visible origin (scheme and host) of the original request in and from the
// context. Behind a reverse proxy the origin is taken from the
// X-Forwarded-Proto and X-Forwarded-Host headers.
package origin

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Using an unexported type prevents key collisions from other packages.
type contextKey string

// OriginKey is the context key used to store the origin of the original request.
const OriginKey contextKey = "origin"

var ErrNoOrigin = errors.New("origin not found in context")

// Middleware injects the origin of the original *http.Request into the
// context for later handlers to access. Forwarded headers are honoured only
// when trustProxy is set.
func Middleware(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), OriginKey, FromRequest(r, trustProxy))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext retrieves the origin from the context.
func FromContext(ctx context.Context) (string, error) {
	o, ok := ctx.Value(OriginKey).(string)
	if !ok {
		return "", ErrNoOrigin
	}
	return o, nil
}

// FromRequest constructs the origin string of r by combining its scheme and
// host and omitting any other parts like path, query parameters, or fragments.
func FromRequest(r *http.Request, trustProxy bool) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host

	if trustProxy {
		if proto := firstValue(r.Header.Get("X-Forwarded-Proto")); proto != "" {
			scheme = strings.ToLower(proto)
		}
		if fwdHost := firstValue(r.Header.Get("X-Forwarded-Host")); fwdHost != "" {
			host = fwdHost
		}
	}

	return scheme + "://" + host
}

// RequestURL is the origin of r joined with its path, without the query.
func RequestURL(ctx context.Context, r *http.Request) (string, error) {
	o, err := FromContext(ctx)
	if err != nil {
		return "", err
	}
	return o + r.URL.Path, nil
}

// firstValue returns the left-most entry of a comma separated header, the one
// added by the proxy closest to the client.
func firstValue(h string) string {
	v, _, _ := strings.Cut(h, ",")
	return strings.TrimSpace(v)
}
