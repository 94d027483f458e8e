package authserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPKCERoundTrip(t *testing.T) {
	t.Parallel()

	verifier := GeneratePKCEVerifier()
	assert.Len(t, verifier, 43)

	challenge := ComputePKCEChallenge(verifier)
	assert.NotEqual(t, verifier, challenge)
	assert.True(t, VerifyPKCEChallenge(verifier, challenge))
}

func TestVerifyPKCEChallengeRejectsMismatch(t *testing.T) {
	t.Parallel()

	challenge := ComputePKCEChallenge(GeneratePKCEVerifier())
	assert.False(t, VerifyPKCEChallenge(GeneratePKCEVerifier(), challenge))
	assert.False(t, VerifyPKCEChallenge("", challenge))
	assert.False(t, VerifyPKCEChallenge("verifier", ""))
}

func TestGeneratePKCEVerifierIsUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for range 32 {
		v := GeneratePKCEVerifier()
		assert.False(t, seen[v])
		seen[v] = true
	}
}
