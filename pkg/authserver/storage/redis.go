package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/sjifire/backoffice/pkg/auth"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Key namespaces within the configured prefix.
const (
	keyTypeClient      = "client"
	keyTypePending     = "pending"
	keyTypeAuthCode    = "code"
	keyTypeAccess      = "access"
	keyTypeRefresh     = "refresh"
	keyTypeClientIndex = "client:access"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Username and Password authenticate against a Redis ACL user.
	Username string
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces all records, e.g. "sjifire:auth:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c *RedisConfig) validate() error {
	if c.Addr == "" {
		return errors.New("redis address is required")
	}
	if c.KeyPrefix == "" {
		return errors.New("key prefix is required")
	}
	return nil
}

// RedisStore implements Store against a shared Redis backend, enabling
// horizontal scaling: every replica sees the same registrations, pending
// authorizations, codes, and tokens. TTLs are enforced by Redis itself with
// defensive expiry checks on read.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies connectivity, retrying with
// exponential backoff so replicas can start while Redis is still coming up.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx).Err()
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// NewRedisStoreWithClient creates a RedisStore with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Ping checks Redis connectivity (health check).
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(keyType, id string) string {
	return s.keyPrefix + keyType + ":" + id
}

// ttlUntil converts an absolute expiry into a Redis TTL, never returning a
// non-positive duration (Redis treats 0 as "no expiry").
func ttlUntil(expiresAt time.Time) (time.Duration, error) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0, ErrExpired
	}
	return ttl, nil
}

// -----------------------
// Client registrations
// -----------------------

// storedClient is the serialized form of a Client.
type storedClient struct {
	ID                      string   `json:"id"`
	RedirectURIs            []string `json:"redirect_uris"`
	Name                    string   `json:"name,omitempty"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	CreatedAt               int64    `json:"created_at"`
	ExpiresAt               int64    `json:"expires_at"`
}

// UpsertClient stores or overwrites a client registration.
func (s *RedisStore) UpsertClient(ctx context.Context, client *Client) error {
	expiresAt := client.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(DefaultClientTTL)
	}
	ttl, err := ttlUntil(expiresAt)
	if err != nil {
		return err
	}

	stored := storedClient{
		ID:                      client.ID,
		RedirectURIs:            client.RedirectURIs,
		Name:                    client.Name,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		CreatedAt:               client.CreatedAt.Unix(),
		ExpiresAt:               expiresAt.Unix(),
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	return s.client.Set(ctx, s.key(keyTypeClient, client.ID), data, ttl).Err()
}

// GetClient looks up a registration by client ID.
func (s *RedisStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	data, err := s.client.Get(ctx, s.key(keyTypeClient, clientID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: client %q", ErrNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var stored storedClient
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}

	return &Client{
		ID:                      stored.ID,
		RedirectURIs:            stored.RedirectURIs,
		Name:                    stored.Name,
		GrantTypes:              stored.GrantTypes,
		ResponseTypes:           stored.ResponseTypes,
		TokenEndpointAuthMethod: stored.TokenEndpointAuthMethod,
		CreatedAt:               time.Unix(stored.CreatedAt, 0),
		ExpiresAt:               time.Unix(stored.ExpiresAt, 0),
	}, nil
}

// -----------------------
// Pending authorizations
// -----------------------

// storedPendingAuthorization is the serialized form of a PendingAuthorization.
type storedPendingAuthorization struct {
	ClientID             string   `json:"client_id"`
	RedirectURI          string   `json:"redirect_uri"`
	State                string   `json:"state"`
	CodeChallenge        string   `json:"code_challenge"`
	CodeChallengeMethod  string   `json:"code_challenge_method"`
	Scopes               []string `json:"scopes"`
	Resource             string   `json:"resource,omitempty"`
	UpstreamState        string   `json:"upstream_state"`
	UpstreamPKCEVerifier string   `json:"upstream_pkce_verifier"`
	CreatedAt            int64    `json:"created_at"`
	ExpiresAt            int64    `json:"expires_at"`
}

// StorePendingAuthorization stores a pending authorization keyed by its
// upstream state.
func (s *RedisStore) StorePendingAuthorization(ctx context.Context, pending *PendingAuthorization) error {
	ttl, err := ttlUntil(pending.ExpiresAt)
	if err != nil {
		return err
	}

	stored := storedPendingAuthorization{
		ClientID:             pending.ClientID,
		RedirectURI:          pending.RedirectURI,
		State:                pending.State,
		CodeChallenge:        pending.CodeChallenge,
		CodeChallengeMethod:  pending.CodeChallengeMethod,
		Scopes:               pending.Scopes,
		Resource:             pending.Resource,
		UpstreamState:        pending.UpstreamState,
		UpstreamPKCEVerifier: pending.UpstreamPKCEVerifier,
		CreatedAt:            pending.CreatedAt.Unix(),
		ExpiresAt:            pending.ExpiresAt.Unix(),
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal pending authorization: %w", err)
	}

	return s.client.Set(ctx, s.key(keyTypePending, pending.UpstreamState), data, ttl).Err()
}

// ConsumePendingAuthorization atomically retrieves and deletes a pending
// authorization using GETDEL, so a duplicated callback observes an absent
// record rather than replaying the flow.
func (s *RedisStore) ConsumePendingAuthorization(ctx context.Context, upstreamState string) (*PendingAuthorization, error) {
	data, err := s.client.GetDel(ctx, s.key(keyTypePending, upstreamState)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: pending authorization", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume pending authorization: %w", err)
	}

	var stored storedPendingAuthorization
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending authorization: %w", err)
	}

	expiresAt := time.Unix(stored.ExpiresAt, 0)
	if time.Now().After(expiresAt) {
		return nil, ErrExpired
	}

	return &PendingAuthorization{
		ClientID:             stored.ClientID,
		RedirectURI:          stored.RedirectURI,
		State:                stored.State,
		CodeChallenge:        stored.CodeChallenge,
		CodeChallengeMethod:  stored.CodeChallengeMethod,
		Scopes:               stored.Scopes,
		Resource:             stored.Resource,
		UpstreamState:        stored.UpstreamState,
		UpstreamPKCEVerifier: stored.UpstreamPKCEVerifier,
		CreatedAt:            time.Unix(stored.CreatedAt, 0),
		ExpiresAt:            expiresAt,
	}, nil
}

// -----------------------
// Authorization codes
// -----------------------

// storedAuthorizationCode is the serialized form of an AuthorizationCode.
type storedAuthorizationCode struct {
	Code                string         `json:"code"`
	ClientID            string         `json:"client_id"`
	Scopes              []string       `json:"scopes"`
	CodeChallenge       string         `json:"code_challenge"`
	CodeChallengeMethod string         `json:"code_challenge_method"`
	RedirectURI         string         `json:"redirect_uri"`
	Resource            string         `json:"resource,omitempty"`
	Identity            *auth.Identity `json:"identity,omitempty"`
	ExpiresAt           int64          `json:"expires_at"`
}

func (c storedAuthorizationCode) toRecord() *AuthorizationCode {
	return &AuthorizationCode{
		Code:                c.Code,
		ClientID:            c.ClientID,
		Scopes:              c.Scopes,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		RedirectURI:         c.RedirectURI,
		Resource:            c.Resource,
		Identity:            c.Identity,
		ExpiresAt:           time.Unix(c.ExpiresAt, 0),
	}
}

// StoreAuthorizationCode stores a freshly minted authorization code.
func (s *RedisStore) StoreAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	ttl, err := ttlUntil(code.ExpiresAt)
	if err != nil {
		return err
	}

	stored := storedAuthorizationCode{
		Code:                code.Code,
		ClientID:            code.ClientID,
		Scopes:              code.Scopes,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		RedirectURI:         code.RedirectURI,
		Resource:            code.Resource,
		Identity:            code.Identity,
		ExpiresAt:           code.ExpiresAt.Unix(),
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	return s.client.Set(ctx, s.key(keyTypeAuthCode, code.Code), data, ttl).Err()
}

// GetAuthorizationCode is a read-only lookup; it never deletes.
func (s *RedisStore) GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	data, err := s.client.Get(ctx, s.key(keyTypeAuthCode, code)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	return s.decodeAuthorizationCode(data)
}

// ConsumeAuthorizationCode atomically retrieves and deletes a code using
// GETDEL; concurrent exchange attempts past the first observe "already gone".
func (s *RedisStore) ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	data, err := s.client.GetDel(ctx, s.key(keyTypeAuthCode, code)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	return s.decodeAuthorizationCode(data)
}

func (*RedisStore) decodeAuthorizationCode(data []byte) (*AuthorizationCode, error) {
	var stored storedAuthorizationCode
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	if time.Now().After(time.Unix(stored.ExpiresAt, 0)) {
		return nil, ErrExpired
	}
	return stored.toRecord(), nil
}

// -----------------------
// Access tokens
// -----------------------

// storedAccessToken is the serialized form of an AccessToken.
type storedAccessToken struct {
	Token     string         `json:"token"`
	ClientID  string         `json:"client_id"`
	Scopes    []string       `json:"scopes"`
	Resource  string         `json:"resource,omitempty"`
	Identity  *auth.Identity `json:"identity,omitempty"`
	ExpiresAt int64          `json:"expires_at"`
}

func (t storedAccessToken) toRecord() *AccessToken {
	return &AccessToken{
		Token:     t.Token,
		ClientID:  t.ClientID,
		Scopes:    t.Scopes,
		Resource:  t.Resource,
		Identity:  t.Identity,
		ExpiresAt: time.Unix(t.ExpiresAt, 0),
	}
}

// StoreAccessToken stores an access-token record and indexes it by client ID
// so refresh rotation can revoke every outstanding token for the client.
func (s *RedisStore) StoreAccessToken(ctx context.Context, token *AccessToken) error {
	ttl, err := ttlUntil(token.ExpiresAt)
	if err != nil {
		return err
	}

	stored := storedAccessToken{
		Token:     token.Token,
		ClientID:  token.ClientID,
		Scopes:    token.Scopes,
		Resource:  token.Resource,
		Identity:  token.Identity,
		ExpiresAt: token.ExpiresAt.Unix(),
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	key := s.key(keyTypeAccess, token.Token)
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return err
	}

	// Secondary index for client_id -> token values. The index carries the
	// token TTL so orphaned entries age out with the tokens they reference.
	// If index operations fail, delete the token to prevent orphaned tokens.
	indexKey := s.key(keyTypeClientIndex, token.ClientID)
	if err := s.client.SAdd(ctx, indexKey, token.Token).Err(); err != nil {
		_ = s.client.Del(ctx, key).Err()
		return err
	}
	if err := s.client.Expire(ctx, indexKey, ttl).Err(); err != nil {
		_ = s.client.Del(ctx, key).Err()
		_ = s.client.SRem(ctx, indexKey, token.Token).Err()
		return err
	}

	return nil
}

// GetAccessToken looks up an access token by its opaque value.
func (s *RedisStore) GetAccessToken(ctx context.Context, token string) (*AccessToken, error) {
	data, err := s.client.Get(ctx, s.key(keyTypeAccess, token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: access token", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	var stored storedAccessToken
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access token: %w", err)
	}

	if time.Now().After(time.Unix(stored.ExpiresAt, 0)) {
		return nil, ErrExpired
	}
	return stored.toRecord(), nil
}

// DeleteAccessToken removes an access-token record and its index entry.
func (s *RedisStore) DeleteAccessToken(ctx context.Context, token string) error {
	data, err := s.client.GetDel(ctx, s.key(keyTypeAccess, token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: access token", ErrNotFound)
		}
		return fmt.Errorf("failed to delete access token: %w", err)
	}

	// Clean up the index entry, best effort.
	var stored storedAccessToken
	if err := json.Unmarshal(data, &stored); err == nil && stored.ClientID != "" {
		_ = s.client.SRem(ctx, s.key(keyTypeClientIndex, stored.ClientID), token).Err()
	}

	return nil
}

// DeleteAccessTokensByClient revokes every outstanding access token for the
// client and returns one of the deleted records.
func (s *RedisStore) DeleteAccessTokensByClient(ctx context.Context, clientID string) (*AccessToken, error) {
	indexKey := s.key(keyTypeClientIndex, clientID)

	tokens, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list access tokens for client: %w", err)
	}

	var previous *AccessToken
	now := time.Now()
	for _, token := range tokens {
		data, err := s.client.GetDel(ctx, s.key(keyTypeAccess, token)).Bytes()
		if err != nil {
			continue
		}

		var stored storedAccessToken
		if err := json.Unmarshal(data, &stored); err != nil {
			continue
		}
		if previous == nil && now.Before(time.Unix(stored.ExpiresAt, 0)) {
			previous = stored.toRecord()
		}
	}

	_ = s.client.Del(ctx, indexKey).Err()

	if previous == nil {
		return nil, fmt.Errorf("%w: no access tokens for client", ErrNotFound)
	}
	return previous, nil
}

// -----------------------
// Refresh tokens
// -----------------------

// storedRefreshToken is the serialized form of a RefreshToken.
type storedRefreshToken struct {
	Token     string         `json:"token"`
	ClientID  string         `json:"client_id"`
	Scopes    []string       `json:"scopes"`
	Identity  *auth.Identity `json:"identity,omitempty"`
	ExpiresAt int64          `json:"expires_at"`
}

// StoreRefreshToken stores a refresh-token record.
func (s *RedisStore) StoreRefreshToken(ctx context.Context, token *RefreshToken) error {
	ttl, err := ttlUntil(token.ExpiresAt)
	if err != nil {
		return err
	}

	stored := storedRefreshToken{
		Token:     token.Token,
		ClientID:  token.ClientID,
		Scopes:    token.Scopes,
		Identity:  token.Identity,
		ExpiresAt: token.ExpiresAt.Unix(),
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	return s.client.Set(ctx, s.key(keyTypeRefresh, token.Token), data, ttl).Err()
}

// GetRefreshToken looks up a refresh token by its opaque value.
func (s *RedisStore) GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	data, err := s.client.Get(ctx, s.key(keyTypeRefresh, token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	var stored storedRefreshToken
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}

	if time.Now().After(time.Unix(stored.ExpiresAt, 0)) {
		return nil, ErrExpired
	}

	return &RefreshToken{
		Token:     stored.Token,
		ClientID:  stored.ClientID,
		Scopes:    stored.Scopes,
		Identity:  stored.Identity,
		ExpiresAt: time.Unix(stored.ExpiresAt, 0),
	}, nil
}

// DeleteRefreshToken removes a refresh-token record.
func (s *RedisStore) DeleteRefreshToken(ctx context.Context, token string) error {
	result, err := s.client.Del(ctx, s.key(keyTypeRefresh, token)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	if result == 0 {
		return fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	return nil
}

// Compile-time interface compliance check.
var _ Store = (*RedisStore)(nil)
