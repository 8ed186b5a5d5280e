// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

var (
	ErrAuthBypassInProduction = errors.New("refusing to start with auth bypass in production")
	ErrMissingAuthenticator   = errors.New("an authenticator is required unless auth is bypassed")
	ErrMissingIssuerURL       = errors.New("auth.issuerURL is not set")
	ErrInvalidBaseURL         = errors.New("auth.baseURL must be an absolute http or https URL")
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	HTTP HTTPServer `yaml:"http"`
	Auth Auth       `yaml:"auth"`
}

type HTTPServer struct {
	Address         string        `yaml:"address" default:":3001"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
	StaticDir       string        `yaml:"staticDir" default:"public"`
	RateLimit       RateLimit     `yaml:"rateLimit"`
	// TrustProxy honours X-Forwarded-Proto and X-Forwarded-Host when the
	// callback URL is reconstructed, and keys the rate limiter on the
	// forwarded client IP. Enable it only behind a proxy that overwrites
	// those headers.
	TrustProxy bool `yaml:"trustProxy"`
}

// RateLimit bounds the number of login and callback requests per client IP.
type RateLimit struct {
	Requests int           `yaml:"requests" default:"30"`
	Window   time.Duration `yaml:"window" default:"1m"`
}

type Auth struct {
	IssuerURL    string              `yaml:"issuerURL"`
	Domain       string              `yaml:"domain"`
	ClientID     commoncfg.SourceRef `yaml:"clientID"`
	ClientSecret commoncfg.SourceRef `yaml:"clientSecret"`
	CookieSecret commoncfg.SourceRef `yaml:"cookieSecret"`
	BaseURL      string              `yaml:"baseURL" default:"http://localhost:3001"`
	Scopes       []string            `yaml:"scopes"`

	// MTLS optionally presents a client certificate to the provider.
	MTLS *commoncfg.MTLS `yaml:"mtls"`

	HTTPTimeout        time.Duration `yaml:"httpTimeout" default:"10s"`
	FlowTTL            time.Duration `yaml:"flowTTL" default:"10m"`
	RefreshTokenTTL    time.Duration `yaml:"refreshTokenTTL" default:"720h"`
	DefaultExpiresIn   time.Duration `yaml:"defaultExpiresIn" default:"1h"`
	RefreshCoalesceTTL time.Duration `yaml:"refreshCoalesceTTL" default:"10s"`
	RotateRefreshToken bool          `yaml:"rotateRefreshToken" default:"true"`

	// SkipAuth attaches a fixed identity to every request. Local development only.
	SkipAuth         bool   `yaml:"skipAuth"`
	Production       bool   `yaml:"production"`
	DevIdentityEmail string `yaml:"devIdentityEmail" default:"dev@example.com"`
}

// Validate checks the configuration before any server is started.
func (c *Config) Validate() error {
	if c.Auth.SkipAuth && c.Auth.Production {
		return ErrAuthBypassInProduction
	}

	// The bypass does not talk to a provider, so nothing else is required.
	if c.Auth.SkipAuth {
		return nil
	}

	if c.Auth.IssuerURL == "" {
		return ErrMissingIssuerURL
	}

	u, err := url.Parse(c.Auth.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %q", ErrInvalidBaseURL, c.Auth.BaseURL)
	}

	return nil
}

// IsHTTPS reports whether the application is served over https. It decides
// the Secure flag of the transient login cookies.
func (a *Auth) IsHTTPS() bool {
	u, err := url.Parse(a.BaseURL)
	return err == nil && u.Scheme == "https"
}

// RedirectURI is the callback registered with the provider.
func (a *Auth) RedirectURI() string {
	return strings.TrimSuffix(a.BaseURL, "/") + "/callback"
}

// LogoutRedirectURI is where the provider sends the user after end-session.
func (a *Auth) LogoutRedirectURI() string {
	return strings.TrimSuffix(a.BaseURL, "/") + "/logged-out"
}
