package provider

import "golang.org/x/oauth2"

// NewPKCE returns a fresh code verifier and its S256 challenge. The
// challenge goes into the authorize URL; the verifier is sealed server
// side until the callback redeems it.
func NewPKCE() (verifier, challenge string) {
	v := oauth2.GenerateVerifier()
	return v, oauth2.S256ChallengeFromVerifier(v)
}
