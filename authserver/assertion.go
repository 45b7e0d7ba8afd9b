package authserver

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	oauth "github.com/haileyok/fapi-oauth-golang"
	"github.com/haileyok/fapi-oauth-golang/dpop"
	gocache "github.com/patrickmn/go-cache"
)

const (
	maxAssertionLifetime = 5 * time.Minute
	clockSkew            = 30 * time.Second
)

var errInvalidClient = errors.New("invalid client authentication")

// assertionVerifier authenticates private_key_jwt client assertions and
// remembers their jti until they expire.
type assertionVerifier struct {
	issuer string
	seen   *gocache.Cache
	now    func() time.Time
}

func newAssertionVerifier(issuer string, now func() time.Time) *assertionVerifier {
	return &assertionVerifier{
		issuer: issuer,
		seen:   gocache.New(maxAssertionLifetime+clockSkew, time.Minute),
		now:    now,
	}
}

// audiences an assertion may name: the issuer itself or one of its endpoints.
func (av *assertionVerifier) audiences() []string {
	return []string{av.issuer, av.issuer + "/par", av.issuer + "/token"}
}

func (av *assertionVerifier) verify(ctx context.Context, client *registeredClient, assertionType, assertion string) error {
	if assertionType != oauth.ClientAssertionTypeJwtBearer {
		return fmt.Errorf("%w: unsupported client_assertion_type", errInvalidClient)
	}

	if assertion == "" {
		return fmt.Errorf("%w: missing client_assertion", errInvalidClient)
	}

	set, err := client.keys.Keys(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidClient, err)
	}

	claims := &jwt.RegisteredClaims{}

	_, err = jwt.ParseWithClaims(assertion, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)

		key, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}

		var pub ecdsa.PublicKey
		if err := key.Raw(&pub); err != nil {
			return nil, err
		}

		return &pub, nil
	},
		jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(client.ID),
		jwt.WithSubject(client.ID),
		jwt.WithTimeFunc(av.now),
	)
	if err != nil {
		if r, ok := client.keys.(*dpop.RemoteKeys); ok {
			r.Invalidate()
		}
		return fmt.Errorf("%w: %v", errInvalidClient, err)
	}

	if !slices.ContainsFunc(av.audiences(), func(aud string) bool { return slices.Contains(claims.Audience, aud) }) {
		return fmt.Errorf("%w: assertion audience does not name this server", errInvalidClient)
	}

	if claims.ID == "" {
		return fmt.Errorf("%w: assertion has no jti", errInvalidClient)
	}

	ttl := claims.ExpiresAt.Time.Sub(av.now())
	if ttl > maxAssertionLifetime+clockSkew {
		return fmt.Errorf("%w: assertion lifetime too long", errInvalidClient)
	}

	if err := av.seen.Add(client.ID+":"+claims.ID, struct{}{}, ttl); err != nil {
		return fmt.Errorf("%w: assertion has already been used", errInvalidClient)
	}

	return nil
}
