package config

import (
	"errors"
	"fmt"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

const minCookieSecretLen = 32

// Secrets holds the resolved values of the secret references in Auth.
type Secrets struct {
	ClientID     string
	ClientSecret string
	CookieSecret []byte
}

// LoadSecrets resolves the client credentials and the cookie signing secret.
// The client secret is optional; an empty reference yields a public client.
func LoadSecrets(conf Auth) (Secrets, error) {
	clientID, err := commoncfg.LoadValueFromSourceRef(conf.ClientID)
	if err != nil {
		return Secrets{}, fmt.Errorf("loading client id: %w", err)
	}
	if len(clientID) == 0 {
		return Secrets{}, errors.New("client id is empty")
	}

	var clientSecret []byte
	if conf.ClientSecret.Source != "" {
		clientSecret, err = commoncfg.LoadValueFromSourceRef(conf.ClientSecret)
		if err != nil {
			return Secrets{}, fmt.Errorf("loading client secret: %w", err)
		}
	}

	cookieSecret, err := commoncfg.LoadValueFromSourceRef(conf.CookieSecret)
	if err != nil {
		return Secrets{}, fmt.Errorf("loading cookie secret: %w", err)
	}
	if len(cookieSecret) < minCookieSecretLen {
		return Secrets{}, fmt.Errorf("cookie secret must be at least %d bytes", minCookieSecretLen)
	}

	return Secrets{
		ClientID:     string(clientID),
		ClientSecret: string(clientSecret),
		CookieSecret: cookieSecret,
	}, nil
}
