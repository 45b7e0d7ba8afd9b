package authserver

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	oauth "github.com/haileyok/fapi-oauth-golang"
	"github.com/haileyok/fapi-oauth-golang/dpop"
)

// grant is what a code or refresh token stands for.
type grant struct {
	ClientId      string
	Subject       string
	Scope         string
	ConsentId     string
	DpopJkt       string
	RedirectUri   string
	CodeChallenge string
}

type tokenIssuer struct {
	key      *oauth.KeyPair
	issuer   string
	audience string
	lifetime time.Duration
	now      func() time.Time
}

// mint signs a DPoP bound access token for g.
func (ti *tokenIssuer) mint(g *grant) (string, error) {
	now := ti.now()

	claims := dpop.AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ti.issuer,
			Subject:   g.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.lifetime)),
			ID:        uuid.NewString(),
		},
		ClientId:  g.ClientId,
		Scope:     g.Scope,
		ConsentId: g.ConsentId,
		Cnf:       dpop.Confirmation{Jkt: g.DpopJkt},
	}

	if ti.audience != "" {
		claims.Audience = jwt.ClaimStrings{ti.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = ti.key.Kid
	token.Header["typ"] = "at+jwt"

	return token.SignedString(ti.key.PrivateKey)
}
