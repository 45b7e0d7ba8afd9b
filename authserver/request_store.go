package authserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	oauth "github.com/haileyok/fapi-oauth-golang"
	"github.com/haileyok/fapi-oauth-golang/internal/helpers"
	"github.com/haileyok/fapi-oauth-golang/internal/ttlstore"
	"github.com/redis/go-redis/v9"
)

const DefaultRequestLifetime = 60 * time.Second

var ErrRequestNotFound = errors.New("pushed authorization request not found or expired")

// PushedRequest is an authorization request held between PAR and /auth.
type PushedRequest struct {
	ClientId            string    `json:"client_id"`
	RedirectUri         string    `json:"redirect_uri"`
	Scope               string    `json:"scope"`
	State               string    `json:"state"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	LoginHint           string    `json:"login_hint,omitempty"`
	ConsentId           string    `json:"consent_id,omitempty"`
	DpopJkt             string    `json:"dpop_jkt,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// RequestStore holds pushed requests until they are redeemed once or expire.
type RequestStore interface {
	Put(ctx context.Context, req *PushedRequest, ttl time.Duration) (string, error)
	Take(ctx context.Context, requestUri string) (*PushedRequest, error)
}

func newRequestUri() (string, error) {
	tok, err := helpers.GenerateUrlSafeToken(32)
	if err != nil {
		return "", err
	}

	return oauth.RequestUriPrefix + tok, nil
}

type MemoryRequestStore struct {
	entries *ttlstore.Store[*PushedRequest]
}

func NewMemoryRequestStore(opts ...ttlstore.Option[*PushedRequest]) *MemoryRequestStore {
	return &MemoryRequestStore{
		entries: ttlstore.New(opts...),
	}
}

func (m *MemoryRequestStore) Put(_ context.Context, req *PushedRequest, ttl time.Duration) (string, error) {
	uri, err := newRequestUri()
	if err != nil {
		return "", err
	}

	m.entries.Put(uri, req, ttl)

	return uri, nil
}

func (m *MemoryRequestStore) Take(_ context.Context, requestUri string) (*PushedRequest, error) {
	req, ok := m.entries.Take(requestUri)
	if !ok {
		return nil, ErrRequestNotFound
	}

	return req, nil
}

// Run purges expired requests until ctx is cancelled.
func (m *MemoryRequestStore) Run(ctx context.Context, interval time.Duration) {
	m.entries.Run(ctx, interval)
}

func (m *MemoryRequestStore) Len() int { return m.entries.Len() }

// RedisRequestStore shares pushed requests between authorization server
// replicas. Redis expires the keys itself.
type RedisRequestStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisRequestStore(client redis.UniversalClient, keyPrefix string) *RedisRequestStore {
	if keyPrefix == "" {
		keyPrefix = "fapi:par:"
	}

	return &RedisRequestStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (r *RedisRequestStore) key(requestUri string) string {
	return r.keyPrefix + strings.TrimPrefix(requestUri, oauth.RequestUriPrefix)
}

func (r *RedisRequestStore) Put(ctx context.Context, req *PushedRequest, ttl time.Duration) (string, error) {
	uri, err := newRequestUri()
	if err != nil {
		return "", err
	}

	b, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("could not marshal pushed request: %w", err)
	}

	if err := r.client.Set(ctx, r.key(uri), b, ttl).Err(); err != nil {
		return "", fmt.Errorf("could not store pushed request: %w", err)
	}

	return uri, nil
}

func (r *RedisRequestStore) Take(ctx context.Context, requestUri string) (*PushedRequest, error) {
	if !strings.HasPrefix(requestUri, oauth.RequestUriPrefix) {
		return nil, ErrRequestNotFound
	}

	// GETDEL makes redemption atomic across replicas
	b, err := r.client.GetDel(ctx, r.key(requestUri)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("could not load pushed request: %w", err)
	}

	var req PushedRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return nil, fmt.Errorf("could not unmarshal pushed request: %w", err)
	}

	return &req, nil
}

var (
	_ RequestStore = (*MemoryRequestStore)(nil)
	_ RequestStore = (*RedisRequestStore)(nil)
)
