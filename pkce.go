package oauth

import (
	"github.com/haileyok/fapi-oauth-golang/internal/helpers"
)

const CodeChallengeMethodS256 = "S256"

type Pkce struct {
	Verifier  string
	Challenge string
	Method    string
}

// GeneratePkce returns a fresh verifier from 32 random bytes and its S256
// challenge. plain is never offered.
func GeneratePkce() (*Pkce, error) {
	verifier, err := helpers.GenerateUrlSafeToken(32)
	if err != nil {
		return nil, err
	}

	return &Pkce{
		Verifier:  verifier,
		Challenge: helpers.GenerateCodeChallenge(verifier),
		Method:    CodeChallengeMethodS256,
	}, nil
}
