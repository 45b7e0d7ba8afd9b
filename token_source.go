package oauth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	// RefreshBuffer is how long before expiry a cached token stops being
	// handed out, so that it cannot lapse mid request.
	RefreshBuffer = 30 * time.Second

	// DefaultTokenLifetime applies when a token carries no expiry at all.
	DefaultTokenLifetime = 300 * time.Second
)

type Token struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	Expiry       time.Time
	Subject      string
}

func (t *Token) AuthorizationHeader() string {
	return TokenTypeDpop + " " + t.AccessToken
}

// TokenFetcher acquires a brand new token from the authorization server.
type TokenFetcher interface {
	FetchToken(ctx context.Context) (*TokenResponse, error)
}

// TokenSource caches a token and refreshes it through a TokenFetcher when it
// is within RefreshBuffer of expiring. Concurrent callers share one refresh.
type TokenSource struct {
	fetcher TokenFetcher
	now     func() time.Time

	mu      sync.Mutex
	current *Token

	group singleflight.Group
}

type TokenSourceOption func(*TokenSource)

func WithClock(now func() time.Time) TokenSourceOption {
	return func(ts *TokenSource) {
		ts.now = now
	}
}

// WithInitialToken seeds the cache, e.g. from a stored session.
func WithInitialToken(t *Token) TokenSourceOption {
	return func(ts *TokenSource) {
		ts.current = t
	}
}

func NewTokenSource(fetcher TokenFetcher, opts ...TokenSourceOption) *TokenSource {
	ts := &TokenSource{
		fetcher: fetcher,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(ts)
	}

	return ts
}

func (ts *TokenSource) cached() *Token {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.current == nil {
		return nil
	}

	if ts.current.Expiry.Sub(ts.now()) > RefreshBuffer {
		return ts.current
	}

	return nil
}

// Token returns the cached token, refreshing it first when needed.
func (ts *TokenSource) Token(ctx context.Context) (*Token, error) {
	if t := ts.cached(); t != nil {
		return t, nil
	}

	ch := ts.group.DoChan("token", func() (any, error) {
		if t := ts.cached(); t != nil {
			return t, nil
		}

		// the refresh outlives any single caller giving up on it
		resp, err := ts.fetcher.FetchToken(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		t := tokenFromResponse(resp, ts.now())

		ts.mu.Lock()
		ts.current = t
		ts.mu.Unlock()

		return t, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Token), nil
	}
}

// Invalidate drops the cached token, e.g. after the resource server rejected it.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.current = nil
	ts.mu.Unlock()
}

func tokenFromResponse(resp *TokenResponse, now time.Time) *Token {
	t := &Token{
		AccessToken:  resp.AccessToken,
		TokenType:    resp.TokenType,
		RefreshToken: resp.RefreshToken,
		Subject:      resp.Sub,
		Expiry:       now.Add(DefaultTokenLifetime),
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(resp.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			t.Expiry = exp.Time
		}
		if sub, err := claims.GetSubject(); err == nil && sub != "" && t.Subject == "" {
			t.Subject = sub
		}
		return t
	}

	// opaque token
	if resp.ExpiresIn > 0 {
		t.Expiry = now.Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	return t
}

// ClientCredentialsFetcher acquires client_credentials grants.
type ClientCredentialsFetcher struct {
	Client *Client
	Issuer string
	Scope  string
}

func (f *ClientCredentialsFetcher) FetchToken(ctx context.Context) (*TokenResponse, error) {
	return f.Client.ClientCredentialsTokenRequest(ctx, f.Issuer, f.Scope)
}

// RefreshFetcher redeems a refresh token and reports rotated tokens through
// OnRefresh, so the owner can persist them.
type RefreshFetcher struct {
	Client *Client
	Issuer string

	mu           sync.Mutex
	refreshToken string
	onRefresh    func(ctx context.Context, resp *TokenResponse) error
}

func NewRefreshFetcher(client *Client, issuer, refreshToken string, onRefresh func(ctx context.Context, resp *TokenResponse) error) *RefreshFetcher {
	return &RefreshFetcher{
		Client:       client,
		Issuer:       issuer,
		refreshToken: refreshToken,
		onRefresh:    onRefresh,
	}
}

func (f *RefreshFetcher) FetchToken(ctx context.Context) (*TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.refreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}

	resp, err := f.Client.RefreshTokenRequest(ctx, f.Issuer, f.refreshToken)
	if err != nil {
		return nil, err
	}

	if resp.RefreshToken != "" {
		f.refreshToken = resp.RefreshToken
	}

	if f.onRefresh != nil {
		if err := f.onRefresh(ctx, resp); err != nil {
			return nil, fmt.Errorf("could not persist refreshed token: %w", err)
		}
	}

	return resp, nil
}
