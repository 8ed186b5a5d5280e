// Package identity carries the verified caller of a protected request.
package identity

import (
	"context"
	"errors"
	"time"
)

// Identity holds the issuer-asserted claims of a verified ID token.
type Identity struct {
	Subject  string    `json:"sub,omitempty"`
	Email    string    `json:"email,omitempty"`
	Username string    `json:"cognito:username,omitempty"`
	TokenUse string    `json:"token_use,omitempty"`
	Issuer   string    `json:"iss,omitempty"`
	Expiry   time.Time `json:"exp,omitzero"`
}

// Principal is the email-like name downstream handlers key their data on.
func (i Identity) Principal() string {
	if i.Email != "" {
		return i.Email
	}

	return i.Subject
}

// Using an unexported type prevents key collisions from other packages.
type contextKey string

const identityKey contextKey = "identity"

var ErrNoIdentity = errors.New("identity not found in context")

func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func FromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(identityKey).(Identity)
	if !ok {
		return Identity{}, ErrNoIdentity
	}

	return id, nil
}
