package authserver

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	oauth "github.com/haileyok/fapi-oauth-golang"
	"github.com/haileyok/fapi-oauth-golang/internal/ttlstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisRequestStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisRequestStore(client, "test:par:"), mr
}

func testRequest() *PushedRequest {
	return &PushedRequest{
		ClientId:            "tpp",
		RedirectUri:         testRedirect,
		Scope:               "openid payments",
		State:               "state-1",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: oauth.CodeChallengeMethodS256,
		ConsentId:           "pcon-001",
		DpopJkt:             "jkt",
		CreatedAt:           time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRequestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) RequestStore{
		"memory": func(t *testing.T) RequestStore { return NewMemoryRequestStore() },
		"redis": func(t *testing.T) RequestStore {
			s, _ := newRedisStore(t)
			return s
		},
	}

	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			store := mk(t)

			uri, err := store.Put(ctx, testRequest(), time.Minute)
			require.NoError(t, err)
			assert.True(strings.HasPrefix(uri, oauth.RequestUriPrefix))

			other, err := store.Put(ctx, testRequest(), time.Minute)
			require.NoError(t, err)
			assert.NotEqual(uri, other)

			got, err := store.Take(ctx, uri)
			require.NoError(t, err)
			assert.Equal(testRequest(), got)

			_, err = store.Take(ctx, uri)
			assert.ErrorIs(err, ErrRequestNotFound)

			_, err = store.Take(ctx, oauth.RequestUriPrefix+"unknown")
			assert.ErrorIs(err, ErrRequestNotFound)
		})
	}
}

func TestRequestStoresConcurrentTake(t *testing.T) {
	stores := map[string]func(t *testing.T) RequestStore{
		"memory": func(t *testing.T) RequestStore { return NewMemoryRequestStore() },
		"redis": func(t *testing.T) RequestStore {
			s, _ := newRedisStore(t)
			return s
		},
	}

	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			store := mk(t)

			uri, err := store.Put(ctx, testRequest(), time.Minute)
			require.NoError(t, err)

			var (
				wg   sync.WaitGroup
				wins atomic.Int32
			)

			for range 16 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := store.Take(ctx, uri); err == nil {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestMemoryRequestStoreExpiry(t *testing.T) {
	assert := assert.New(t)

	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	store := NewMemoryRequestStore(ttlstore.WithClock[*PushedRequest](clock))

	uri, err := store.Put(ctx, testRequest(), DefaultRequestLifetime)
	require.NoError(t, err)
	_, err = store.Put(ctx, testRequest(), DefaultRequestLifetime)
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(DefaultRequestLifetime)
	mu.Unlock()

	_, err = store.Take(ctx, uri)
	assert.ErrorIs(err, ErrRequestNotFound)

	// the other entry was never taken and is still swept
	assert.Equal(1, store.Len())
	assert.Equal(1, store.entries.Sweep())
	assert.Equal(0, store.Len())
}

func TestRedisRequestStoreExpiry(t *testing.T) {
	store, mr := newRedisStore(t)

	uri, err := store.Put(ctx, testRequest(), DefaultRequestLifetime)
	require.NoError(t, err)

	mr.FastForward(DefaultRequestLifetime)

	_, err = store.Take(ctx, uri)
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestRedisRequestStoreRejectsForeignUri(t *testing.T) {
	store, _ := newRedisStore(t)

	_, err := store.Take(ctx, "https://evil.example.com")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}
