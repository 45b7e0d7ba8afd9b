package dpop

import (
	"time"

	"github.com/haileyok/fapi-oauth-golang/internal/helpers"
	gocache "github.com/patrickmn/go-cache"
)

const DefaultNonceLifetime = 5 * time.Minute

// NonceSource hands out server nonces and remembers them for their lifetime.
type NonceSource struct {
	issued *gocache.Cache
}

func NewNonceSource(lifetime time.Duration) *NonceSource {
	if lifetime <= 0 {
		lifetime = DefaultNonceLifetime
	}

	return &NonceSource{
		issued: gocache.New(lifetime, lifetime),
	}
}

func (n *NonceSource) Issue() (string, error) {
	nonce, err := helpers.GenerateUrlSafeToken(24)
	if err != nil {
		return "", err
	}

	n.issued.SetDefault(nonce, struct{}{})

	return nonce, nil
}

func (n *NonceSource) Valid(nonce string) bool {
	if nonce == "" {
		return false
	}

	_, ok := n.issued.Get(nonce)
	return ok
}
