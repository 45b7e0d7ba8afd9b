package dpop

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	gocache "github.com/patrickmn/go-cache"
)

const AuthScheme = "DPoP"

type Confirmation struct {
	Jkt string `json:"jkt"`
}

// AccessTokenClaims are carried by access tokens bound to a DPoP key.
type AccessTokenClaims struct {
	jwt.RegisteredClaims
	ClientId  string       `json:"client_id"`
	Scope     string       `json:"scope,omitempty"`
	ConsentId string       `json:"consent_id,omitempty"`
	Cnf       Confirmation `json:"cnf"`
}

func (c *AccessTokenClaims) HasScope(scope string) bool {
	for _, s := range strings.Fields(c.Scope) {
		if s == scope {
			return true
		}
	}
	return false
}

// ParseAuthorization extracts the token of an `Authorization: DPoP <token>`
// header. Bearer tokens are refused.
func ParseAuthorization(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("%w: missing authorization header", ErrInvalidToken)
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, AuthScheme) || token == "" {
		return "", fmt.Errorf("%w: authorization scheme must be DPoP", ErrInvalidToken)
	}

	return token, nil
}

// KeySource yields the issuer's current verification keys.
type KeySource interface {
	Keys(ctx context.Context) (jwk.Set, error)
}

type StaticKeys struct {
	Set jwk.Set
}

func (s StaticKeys) Keys(context.Context) (jwk.Set, error) {
	return s.Set, nil
}

// RemoteKeys fetches a JWKS document and keeps it for ttl.
type RemoteKeys struct {
	url   string
	cache *gocache.Cache
	mu    sync.Mutex
}

func NewRemoteKeys(jwksUrl string, ttl time.Duration) *RemoteKeys {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &RemoteKeys{
		url:   jwksUrl,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (r *RemoteKeys) Keys(ctx context.Context) (jwk.Set, error) {
	if set, ok := r.cache.Get(r.url); ok {
		return set.(jwk.Set), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.cache.Get(r.url); ok {
		return set.(jwk.Set), nil
	}

	set, err := jwk.Fetch(ctx, r.url)
	if err != nil {
		return nil, fmt.Errorf("could not fetch jwks from %s: %w", r.url, err)
	}

	r.cache.SetDefault(r.url, set)

	return set, nil
}

// Invalidate forgets the cached set, so an unknown kid triggers a refetch.
func (r *RemoteKeys) Invalidate() {
	r.cache.Delete(r.url)
}

type TokenVerifierArgs struct {
	Keys     KeySource
	Issuer   string
	Audience string
	Now      func() time.Time
}

// TokenVerifier checks ES256 access tokens minted by one issuer.
type TokenVerifier struct {
	keys     KeySource
	issuer   string
	audience string
	now      func() time.Time
}

func NewTokenVerifier(args TokenVerifierArgs) (*TokenVerifier, error) {
	if args.Keys == nil {
		return nil, fmt.Errorf("no key source provided")
	}

	if args.Issuer == "" {
		return nil, fmt.Errorf("no issuer provided")
	}

	if args.Now == nil {
		args.Now = time.Now
	}

	return &TokenVerifier{
		keys:     args.Keys,
		issuer:   args.Issuer,
		audience: args.Audience,
		now:      args.Now,
	}, nil
}

func (tv *TokenVerifier) Verify(ctx context.Context, raw string) (*AccessTokenClaims, error) {
	claims, err := tv.verify(ctx, raw)
	if err == nil {
		return claims, nil
	}

	// the issuer may have rotated its key since we last looked
	if r, ok := tv.keys.(*RemoteKeys); ok && errors.Is(err, errUnknownKid) {
		r.Invalidate()
		return tv.verify(ctx, raw)
	}

	return nil, err
}

var errUnknownKid = errors.New("unknown kid")

func (tv *TokenVerifier) verify(ctx context.Context, raw string) (*AccessTokenClaims, error) {
	set, err := tv.keys.Keys(ctx)
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithIssuer(tv.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(tv.now),
	}

	if tv.audience != "" {
		opts = append(opts, jwt.WithAudience(tv.audience))
	}

	claims := &AccessTokenClaims{}

	_, err = jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)

		key, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("%w %q", errUnknownKid, kid)
		}

		var pub ecdsa.PublicKey
		if err := key.Raw(&pub); err != nil {
			return nil, err
		}

		return &pub, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, errUnknownKid) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Cnf.Jkt == "" {
		return nil, fmt.Errorf("%w: token is not dpop bound", ErrInvalidToken)
	}

	return claims, nil
}
