package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-jose/go-jose/v4"

	slogctx "github.com/veqryn/slog-context"
)

const wellKnownOpenIDConfigPath = "/.well-known/openid-configuration"

var (
	ErrIssuerMismatch = errors.New("discovered issuer does not match the configured issuer")
	ErrMissingJWKSURI = errors.New("OIDC metadata lacks jwks_uri")
	ErrEmptyKeySet    = errors.New("JWKS contains no keys")
)

// Provider is the discovered, immutable view of the identity provider. It is
// built once at startup and shared read-only by every request.
type Provider struct {
	config Configuration
	keys   jose.JSONWebKeySet
	algs   []jose.SignatureAlgorithm
}

// NewProvider assembles a Provider from already fetched metadata and keys.
func NewProvider(conf Configuration, keys jose.JSONWebKeySet) *Provider {
	algs := make([]jose.SignatureAlgorithm, 0, len(conf.IDTokenSigningAlgValuesSupported))
	for _, alg := range conf.IDTokenSigningAlgValuesSupported {
		algs = append(algs, jose.SignatureAlgorithm(alg))
	}
	if len(algs) == 0 {
		algs = []jose.SignatureAlgorithm{jose.RS256}
	}

	return &Provider{config: conf, keys: keys, algs: algs}
}

// Discover fetches the provider metadata of issuerURL and its signing keys.
// There is no retry: a failure here must abort startup.
func Discover(ctx context.Context, client *http.Client, issuerURL string) (*Provider, error) {
	conf, err := getOpenIDConfig(ctx, client, issuerURL)
	if err != nil {
		return nil, err
	}

	slogctx.Info(ctx, "Discovered OIDC provider", "issuer", conf.Issuer, "scopes_supported", conf.ScopesSupported)

	if conf.JwksURI == "" {
		return nil, ErrMissingJWKSURI
	}

	keys, err := getKeySet(ctx, client, conf.JwksURI)
	if err != nil {
		return nil, fmt.Errorf("getting jwks for the provider: %w", err)
	}

	slogctx.Info(ctx, "OIDC ready", "issuer", conf.Issuer, "keys", len(keys.Keys))

	return NewProvider(conf, keys), nil
}

func (p *Provider) Issuer() string                { return p.config.Issuer }
func (p *Provider) AuthorizationEndpoint() string { return p.config.AuthorizationEndpoint }
func (p *Provider) TokenEndpoint() string         { return p.config.TokenEndpoint }
func (p *Provider) EndSessionEndpoint() string    { return p.config.EndSessionEndpoint }

// Configuration returns a copy of the discovered metadata.
func (p *Provider) Configuration() Configuration {
	return p.config
}

// KeySet returns the signing keys fetched at discovery time.
func (p *Provider) KeySet() *jose.JSONWebKeySet {
	keys := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, len(p.keys.Keys))}
	copy(keys.Keys, p.keys.Keys)

	return &keys
}

// SignatureAlgorithms lists the algorithms accepted for ID tokens.
func (p *Provider) SignatureAlgorithms() []jose.SignatureAlgorithm {
	return append([]jose.SignatureAlgorithm(nil), p.algs...)
}

func getOpenIDConfig(ctx context.Context, client *http.Client, issuerURL string) (Configuration, error) {
	u, err := url.JoinPath(issuerURL, wellKnownOpenIDConfigPath)
	if err != nil {
		return Configuration{}, fmt.Errorf("building path to the well-known openid-config endpoint: %w", err)
	}

	var conf Configuration
	if err := getJSON(ctx, client, u, &conf); err != nil {
		return Configuration{}, fmt.Errorf("getting a well-known openid config: %w", err)
	}

	if strings.TrimSuffix(conf.Issuer, "/") != strings.TrimSuffix(issuerURL, "/") {
		return Configuration{}, fmt.Errorf("%w: got %q, want %q", ErrIssuerMismatch, conf.Issuer, issuerURL)
	}

	return conf, nil
}

func getKeySet(ctx context.Context, client *http.Client, uri string) (jose.JSONWebKeySet, error) {
	var keySet jose.JSONWebKeySet
	if err := getJSON(ctx, client, uri, &keySet); err != nil {
		return jose.JSONWebKeySet{}, err
	}

	if len(keySet.Keys) == 0 {
		return jose.JSONWebKeySet{}, ErrEmptyKeySet
	}

	return keySet, nil
}

func getJSON(ctx context.Context, client *http.Client, uri string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("creating an HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("doing an HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, uri, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}
