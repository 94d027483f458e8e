package authserver

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// pkceChallengeMethodS256 is the only PKCE challenge method accepted (RFC 7636).
const pkceChallengeMethodS256 = "S256"

// GeneratePKCEVerifier generates a cryptographically random code_verifier per
// RFC 7636 Section 4.1. Delegates to oauth2.GenerateVerifier, which panics on
// crypto/rand failure.
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge computes the S256 code_challenge for a verifier per
// RFC 7636 Section 4.2: BASE64URL(SHA256(code_verifier)).
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCEChallenge reports whether the verifier matches the challenge
// recorded at authorization time. Constant-time comparison.
func VerifyPKCEChallenge(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	computed := ComputePKCEChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
