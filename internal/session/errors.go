package session

import (
	"errors"

	"golang.org/x/oauth2"

	"github.com/nutrilog/nutrilog/internal/serviceerr"
)

// classifyExchangeError maps a failed code exchange onto the error taxonomy.
// invalid_grant means the code, verifier or redirect_uri did not match what
// the provider recorded, which is a broken flow rather than a refusal.
func classifyExchangeError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
		return serviceerr.New(serviceerr.CodeFlowIntegrity, "code exchange rejected", err)
	}

	return classifyTokenError("code exchange", err)
}

func classifyRefreshError(err error) error {
	return classifyTokenError("refresh", err)
}

// classifyTokenError turns token endpoint failures into provider_rejected
// when the provider answered with an error response, and network otherwise
// (transport failure, timeout, unparsable body).
func classifyTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		desc := op + " rejected"
		if re.ErrorCode != "" {
			desc += ": " + re.ErrorCode
		}

		return serviceerr.New(serviceerr.CodeProviderRejected, desc, err)
	}

	return serviceerr.New(serviceerr.CodeNetwork, op+" failed", err)
}
