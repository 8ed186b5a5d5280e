package business

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/openkcm/common-sdk/pkg/commoncfg"

	slogctx "github.com/veqryn/slog-context"

	"github.com/nutrilog/nutrilog/internal/business/server"
	"github.com/nutrilog/nutrilog/internal/config"
	"github.com/nutrilog/nutrilog/internal/oidc"
	"github.com/nutrilog/nutrilog/internal/session"
	"github.com/nutrilog/nutrilog/pkg/signedcookie"
)

// Main discovers the identity provider and serves the application until ctx
// is cancelled. A failed discovery aborts startup.
func Main(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating configuration: %w", err)
	}

	srv, err := initServer(ctx, cfg)
	if err != nil {
		return err
	}

	return server.StartHTTPServer(ctx, cfg, srv)
}

// DiscoverMain performs the provider discovery of Main and prints the result.
func DiscoverMain(ctx context.Context, cfg *config.Config) error {
	return discover(ctx, cfg, os.Stdout)
}

func discover(ctx context.Context, cfg *config.Config, out io.Writer) error {
	httpClient, err := loadHTTPClient(cfg)
	if err != nil {
		return fmt.Errorf("loading http client: %w", err)
	}

	provider, err := oidc.Discover(ctx, httpClient, cfg.Auth.IssuerURL)
	if err != nil {
		return fmt.Errorf("discovering the OIDC provider: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(provider.Configuration()); err != nil {
		return fmt.Errorf("printing provider metadata: %w", err)
	}

	return nil
}

func initServer(ctx context.Context, cfg *config.Config) (*server.Server, error) {
	if cfg.Auth.SkipAuth {
		return server.New(ctx, cfg, nil, nil)
	}

	secrets, err := config.LoadSecrets(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("loading auth secrets: %w", err)
	}

	httpClient, err := loadHTTPClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("loading http client: %w", err)
	}

	provider, err := oidc.Discover(ctx, httpClient, cfg.Auth.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("discovering the OIDC provider: %w", err)
	}

	if secrets.ClientSecret == "" {
		slogctx.Info(ctx, "No client secret configured, authenticating as a public client")
	}

	auth := session.NewAuthenticator(provider, cfg.Auth, secrets, httpClient)

	return server.New(ctx, cfg, auth, signedcookie.New(secrets.CookieSecret))
}

// loadHTTPClient builds the client used for discovery, JWKS and token calls.
func loadHTTPClient(cfg *config.Config) (*http.Client, error) {
	client := &http.Client{Timeout: cfg.Auth.HTTPTimeout}

	if cfg.Auth.MTLS == nil {
		return client, nil
	}

	tlsConfig, err := commoncfg.LoadMTLSConfig(cfg.Auth.MTLS)
	if err != nil {
		return nil, fmt.Errorf("loading mTLS config: %w", err)
	}

	client.Transport = &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: tlsConfig,
	}

	return client, nil
}
