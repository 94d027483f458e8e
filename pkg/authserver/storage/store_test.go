package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjifire/backoffice/pkg/auth"
)

// newTestStores returns one of each backend so every behavior is checked
// against both the in-memory and the Redis implementation.
func newTestStores(t *testing.T) map[string]Store {
	t.Helper()

	mem := NewMemoryStore(WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = mem.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rs := NewRedisStoreWithClient(client, "test:auth:")
	t.Cleanup(func() { _ = rs.Close() })

	return map[string]Store{
		"memory": mem,
		"redis":  rs,
	}
}

func testIdentity() *auth.Identity {
	return &auth.Identity{
		Email:  "alice@example.org",
		Name:   "Alice Smith",
		UserID: "oid-123",
		Groups: []string{"g-officers", "g-members"},
	}
}

func TestClientUpsertAndGet(t *testing.T) {
	t.Parallel()
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.GetClient(ctx, "missing")
			assert.True(t, IsNotFound(err))

			client := &Client{
				ID:            "client-1",
				RedirectURIs:  []string{"https://client.example/cb"},
				Name:          "Claude",
				GrantTypes:    []string{"authorization_code", "refresh_token"},
				ResponseTypes: []string{"code"},
				CreatedAt:     time.Now(),
			}
			require.NoError(t, store.UpsertClient(ctx, client))

			got, err := store.GetClient(ctx, "client-1")
			require.NoError(t, err)
			assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
			assert.Equal(t, "Claude", got.Name)

			// Re-registration with the same ID overwrites.
			client.RedirectURIs = []string{"https://client.example/cb2"}
			require.NoError(t, store.UpsertClient(ctx, client))
			got, err = store.GetClient(ctx, "client-1")
			require.NoError(t, err)
			assert.Equal(t, []string{"https://client.example/cb2"}, got.RedirectURIs)
		})
	}
}

func TestClientExpiryHonorsExplicitDeadline(t *testing.T) {
	t.Parallel()
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			client := &Client{
				ID:            "client-exp",
				RedirectURIs:  []string{"https://client.example/cb"},
				GrantTypes:    []string{"authorization_code"},
				ResponseTypes: []string{"code"},
				CreatedAt:     time.Now(),
				ExpiresAt:     time.Now().Add(-time.Minute),
			}

			// Redis refuses a record already past its deadline; the
			// in-memory store accepts it and reports it expired on read.
			if err := store.UpsertClient(ctx, client); err != nil {
				assert.ErrorIs(t, err, ErrExpired)
				return
			}
			_, err := store.GetClient(ctx, "client-exp")
			assert.ErrorIs(t, err, ErrExpired)
		})
	}
}

func TestConsumePendingAuthorizationIsSingleUse(t *testing.T) {
	t.Parallel()
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			pending := &PendingAuthorization{
				ClientID:             "client-1",
				RedirectURI:          "https://client.example/cb",
				State:                "abc123",
				CodeChallenge:        "challenge",
				CodeChallengeMethod:  "S256",
				Scopes:               []string{"mcp.access"},
				UpstreamState:        "upstream-state-1",
				UpstreamPKCEVerifier: "verifier",
				CreatedAt:            time.Now(),
				ExpiresAt:            time.Now().Add(DefaultPendingAuthorizationTTL),
			}
			require.NoError(t, store.StorePendingAuthorization(ctx, pending))

			got, err := store.ConsumePendingAuthorization(ctx, "upstream-state-1")
			require.NoError(t, err)
			assert.Equal(t, "abc123", got.State)
			assert.Equal(t, "verifier", got.UpstreamPKCEVerifier)
			assert.Equal(t, []string{"mcp.access"}, got.Scopes)

			// Second consume observes nothing.
			_, err = store.ConsumePendingAuthorization(ctx, "upstream-state-1")
			assert.True(t, IsNotFound(err))
		})
	}
}

func TestAuthorizationCodeLoadThenConsume(t *testing.T) {
	t.Parallel()
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			code := &AuthorizationCode{
				Code:                "code-1",
				ClientID:            "client-1",
				Scopes:              []string{"mcp.access"},
				CodeChallenge:       "challenge",
				CodeChallengeMethod: "S256",
				RedirectURI:         "https://client.example/cb",
				Identity:            testIdentity(),
				ExpiresAt:           time.Now().Add(DefaultAuthCodeTTL),
			}
			require.NoError(t, store.StoreAuthorizationCode(ctx, code))

			// Read-only lookup does not delete.
			got, err := store.GetAuthorizationCode(ctx, "code-1")
			require.NoError(t, err)
			assert.Equal(t, "challenge", got.CodeChallenge)
			got, err = store.GetAuthorizationCode(ctx, "code-1")
			require.NoError(t, err)
			require.NotNil(t, got.Identity)
			assert.Equal(t, "alice@example.org", got.Identity.Email)

			// Consume deletes; second consume fails.
			got, err = store.ConsumeAuthorizationCode(ctx, "code-1")
			require.NoError(t, err)
			assert.Equal(t, "client-1", got.ClientID)

			_, err = store.ConsumeAuthorizationCode(ctx, "code-1")
			assert.True(t, IsNotFound(err))
			_, err = store.GetAuthorizationCode(ctx, "code-1")
			assert.True(t, IsNotFound(err))
		})
	}
}

func TestAccessTokenLifecycle(t *testing.T) {
	t.Parallel()
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			token := &AccessToken{
				Token:     "at-1",
				ClientID:  "client-1",
				Scopes:    []string{"mcp.access"},
				Identity:  testIdentity(),
				ExpiresAt: time.Now().Add(DefaultAccessTokenTTL),
			}
			require.NoError(t, store.StoreAccessToken(ctx, token))

			got, err := store.GetAccessToken(ctx, "at-1")
			require.NoError(t, err)
			require.NotNil(t, got.Identity)
			assert.Equal(t, "oid-123", got.Identity.UserID)
			assert.ElementsMatch(t, []string{"g-officers", "g-members"}, got.Identity.Groups)

			require.NoError(t, store.DeleteAccessToken(ctx, "at-1"))
			_, err = store.GetAccessToken(ctx, "at-1")
			assert.True(t, IsNotFound(err))
			assert.True(t, IsNotFound(store.DeleteAccessToken(ctx, "at-1")))
		})
	}
}

func TestDeleteAccessTokensByClient(t *testing.T) {
	t.Parallel()
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for _, v := range []string{"at-1", "at-2"} {
				require.NoError(t, store.StoreAccessToken(ctx, &AccessToken{
					Token:     v,
					ClientID:  "client-1",
					Scopes:    []string{"mcp.access"},
					Identity:  testIdentity(),
					ExpiresAt: time.Now().Add(time.Hour),
				}))
			}
			require.NoError(t, store.StoreAccessToken(ctx, &AccessToken{
				Token:     "at-other",
				ClientID:  "client-2",
				ExpiresAt: time.Now().Add(time.Hour),
			}))

			previous, err := store.DeleteAccessTokensByClient(ctx, "client-1")
			require.NoError(t, err)
			require.NotNil(t, previous.Identity)
			assert.Equal(t, "alice@example.org", previous.Identity.Email)

			_, err = store.GetAccessToken(ctx, "at-1")
			assert.True(t, IsNotFound(err))
			_, err = store.GetAccessToken(ctx, "at-2")
			assert.True(t, IsNotFound(err))

			// Other clients' tokens are untouched.
			_, err = store.GetAccessToken(ctx, "at-other")
			require.NoError(t, err)

			_, err = store.DeleteAccessTokensByClient(ctx, "client-1")
			assert.True(t, IsNotFound(err))
		})
	}
}

func TestRefreshTokenLifecycle(t *testing.T) {
	t.Parallel()
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			token := &RefreshToken{
				Token:     "rt-1",
				ClientID:  "client-1",
				Scopes:    []string{"mcp.access"},
				Identity:  testIdentity(),
				ExpiresAt: time.Now().Add(DefaultRefreshTokenTTL),
			}
			require.NoError(t, store.StoreRefreshToken(ctx, token))

			got, err := store.GetRefreshToken(ctx, "rt-1")
			require.NoError(t, err)
			assert.Equal(t, "client-1", got.ClientID)
			require.NotNil(t, got.Identity)
			assert.Equal(t, "Alice Smith", got.Identity.Name)

			require.NoError(t, store.DeleteRefreshToken(ctx, "rt-1"))
			_, err = store.GetRefreshToken(ctx, "rt-1")
			assert.True(t, IsNotFound(err))
		})
	}
}

func TestExpiredRecordsAreInvisible(t *testing.T) {
	t.Parallel()
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Storing an already-expired record fails outright on backends
			// that compute a TTL, and reads must never return it either way.
			expired := &AccessToken{
				Token:     "at-expired",
				ClientID:  "client-1",
				ExpiresAt: time.Now().Add(-time.Minute),
			}
			if err := store.StoreAccessToken(ctx, expired); err == nil {
				_, err = store.GetAccessToken(ctx, "at-expired")
				assert.True(t, IsNotFound(err))
			}

			// A record that expires after being written is treated as absent
			// even if the backend has not evicted it yet.
			shortLived := &AuthorizationCode{
				Code:      "code-short",
				ClientID:  "client-1",
				ExpiresAt: time.Now().Add(20 * time.Millisecond),
			}
			require.NoError(t, store.StoreAuthorizationCode(ctx, shortLived))
			time.Sleep(50 * time.Millisecond)
			_, err := store.GetAuthorizationCode(ctx, "code-short")
			assert.True(t, IsNotFound(err))
		})
	}
}

func TestMemoryCleanupEvictsExpired(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore(WithCleanupInterval(10 * time.Millisecond))
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	require.NoError(t, store.StoreAccessToken(ctx, &AccessToken{
		Token:     "at-1",
		ClientID:  "client-1",
		ExpiresAt: time.Now().Add(20 * time.Millisecond),
	}))

	assert.Eventually(t, func() bool {
		store.mu.RLock()
		defer store.mu.RUnlock()
		_, ok := store.accessTokens["at-1"]
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestRedisConfigValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, err := NewRedisStore(ctx, RedisConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address")

	_, err = NewRedisStore(ctx, RedisConfig{Addr: "localhost:6379"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prefix")
}
