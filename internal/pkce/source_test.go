package pkce

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSource_PKCE(t *testing.T) {
	p := Source{}
	pkce := p.PKCE()
	assert.NotEmpty(t, pkce.Verifier, "Empty pkce verifier")
	assert.Len(t, pkce.Verifier, 43, "Verifier must be 43 characters of base64url")
	assert.Equal(t, Challenge(pkce.Verifier), pkce.Challenge, "Challenge does not match verifier")
	assert.Equal(t, MethodS256, pkce.Method, "Unexpected PKCE method")

	assert.NotEqual(t, pkce.Verifier, p.PKCE().Verifier, "Verifiers must not repeat")
}

func TestChallenge(t *testing.T) {
	// RFC 7636, Appendix B.
	assert.Equal(t,
		"E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		Challenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"),
	)
}

func TestSource_State(t *testing.T) {
	p := Source{}
	state := p.State()
	assert.NotEmpty(t, state, "Empty state generated")
	assert.NotEqual(t, state, p.State(), "States must not repeat")
}
