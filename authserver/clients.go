package authserver

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/haileyok/fapi-oauth-golang/dpop"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Client is a registered confidential client authenticating with
// private_key_jwt. Keys come from Jwks or, when that is empty, JwksUri.
type Client struct {
	ID           string
	RedirectUris []string
	// Scopes the client may request. Empty allows every supported scope.
	Scopes  []string
	Jwks    jwk.Set
	JwksUri string
}

type registeredClient struct {
	Client
	keys dpop.KeySource
}

func (c *registeredClient) allowsRedirect(uri string) bool {
	return slices.Contains(c.RedirectUris, uri)
}

func (c *registeredClient) allowsScope(scope string) bool {
	if len(c.Scopes) == 0 {
		return true
	}

	for _, s := range strings.Fields(scope) {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}

	return true
}

type ClientRegistry struct {
	clients map[string]*registeredClient
}

func NewClientRegistry(jwksCacheTTL time.Duration, clients ...Client) (*ClientRegistry, error) {
	r := &ClientRegistry{clients: map[string]*registeredClient{}}

	for _, c := range clients {
		if c.ID == "" {
			return nil, fmt.Errorf("client without id")
		}

		if _, ok := r.clients[c.ID]; ok {
			return nil, fmt.Errorf("client %q registered twice", c.ID)
		}

		var keys dpop.KeySource
		switch {
		case c.Jwks != nil && c.Jwks.Len() > 0:
			keys = dpop.StaticKeys{Set: c.Jwks}
		case c.JwksUri != "":
			keys = dpop.NewRemoteKeys(c.JwksUri, jwksCacheTTL)
		default:
			return nil, fmt.Errorf("client %q has neither jwks nor jwks_uri", c.ID)
		}

		r.clients[c.ID] = &registeredClient{Client: c, keys: keys}
	}

	return r, nil
}

func (r *ClientRegistry) lookup(id string) (*registeredClient, bool) {
	c, ok := r.clients[id]
	return c, ok
}
