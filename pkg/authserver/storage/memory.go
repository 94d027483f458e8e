package storage

import (
	"context"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often the background cleanup runs.
const DefaultCleanupInterval = 5 * time.Minute

// MemoryStore implements Store with in-memory maps. It is thread-safe and
// suitable for development and single-replica deployments; multi-replica
// deployments must use the Redis backend so state is visible everywhere.
type MemoryStore struct {
	mu sync.RWMutex

	clients       map[string]*Client
	clientExpiry  map[string]time.Time
	pending       map[string]*PendingAuthorization
	authCodes     map[string]*AuthorizationCode
	accessTokens  map[string]*AccessToken
	refreshTokens map[string]*RefreshToken

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryStoreOption configures a MemoryStore instance.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStore creates a MemoryStore and starts the background cleanup
// goroutine. Call Close to stop it.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		clients:         make(map[string]*Client),
		clientExpiry:    make(map[string]time.Time),
		pending:         make(map[string]*PendingAuthorization),
		authCodes:       make(map[string]*AuthorizationCode),
		accessTokens:    make(map[string]*AccessToken),
		refreshTokens:   make(map[string]*RefreshToken),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// UpsertClient stores or overwrites a client registration.
func (s *MemoryStore) UpsertClient(_ context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := client.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(DefaultClientTTL)
	}
	s.clients[client.ID] = client
	s.clientExpiry[client.ID] = expiresAt
	return nil
}

// GetClient looks up a registration by client ID.
func (s *MemoryStore) GetClient(_ context.Context, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	if exp, ok := s.clientExpiry[clientID]; ok && time.Now().After(exp) {
		return nil, ErrExpired
	}
	return client, nil
}

// StorePendingAuthorization stores a pending authorization keyed by its
// upstream state.
func (s *MemoryStore) StorePendingAuthorization(_ context.Context, pending *PendingAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[pending.UpstreamState] = pending
	return nil
}

// ConsumePendingAuthorization atomically retrieves and deletes a pending
// authorization. The mutex makes the get-and-delete a single step, so
// duplicate callbacks cannot both observe the record.
func (s *MemoryStore) ConsumePendingAuthorization(_ context.Context, upstreamState string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.pending[upstreamState]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.pending, upstreamState)

	if time.Now().After(pending.ExpiresAt) {
		return nil, ErrExpired
	}
	return pending, nil
}

// StoreAuthorizationCode stores a freshly minted authorization code.
func (s *MemoryStore) StoreAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.authCodes[code.Code] = code
	return nil
}

// GetAuthorizationCode is a read-only lookup; it never deletes.
func (s *MemoryStore) GetAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.authCodes[code]
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, ErrExpired
	}
	return record, nil
}

// ConsumeAuthorizationCode atomically retrieves and deletes a code.
func (s *MemoryStore) ConsumeAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.authCodes[code]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.authCodes, code)

	if time.Now().After(record.ExpiresAt) {
		return nil, ErrExpired
	}
	return record, nil
}

// StoreAccessToken stores an access-token record.
func (s *MemoryStore) StoreAccessToken(_ context.Context, token *AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessTokens[token.Token] = token
	return nil
}

// GetAccessToken looks up an access token by its opaque value.
func (s *MemoryStore) GetAccessToken(_ context.Context, token string) (*AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.accessTokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, ErrExpired
	}
	return record, nil
}

// DeleteAccessToken removes an access-token record.
func (s *MemoryStore) DeleteAccessToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accessTokens[token]; !ok {
		return ErrNotFound
	}
	delete(s.accessTokens, token)
	return nil
}

// DeleteAccessTokensByClient revokes every outstanding access token for the
// client and returns one of the deleted records.
func (s *MemoryStore) DeleteAccessTokensByClient(_ context.Context, clientID string) (*AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var previous *AccessToken
	now := time.Now()
	for value, record := range s.accessTokens {
		if record.ClientID != clientID {
			continue
		}
		if previous == nil && now.Before(record.ExpiresAt) {
			previous = record
		}
		delete(s.accessTokens, value)
	}

	if previous == nil {
		return nil, ErrNotFound
	}
	return previous, nil
}

// StoreRefreshToken stores a refresh-token record.
func (s *MemoryStore) StoreRefreshToken(_ context.Context, token *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshTokens[token.Token] = token
	return nil
}

// GetRefreshToken looks up a refresh token by its opaque value.
func (s *MemoryStore) GetRefreshToken(_ context.Context, token string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.refreshTokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, ErrExpired
	}
	return record, nil
}

// DeleteRefreshToken removes a refresh-token record.
func (s *MemoryStore) DeleteRefreshToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshTokens[token]; !ok {
		return ErrNotFound
	}
	delete(s.refreshTokens, token)
	return nil
}

// Ping always succeeds for the in-memory backend.
func (*MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

// cleanupLoop periodically evicts expired records so abandoned flows do not
// accumulate. Reads already treat expired records as absent; this only
// reclaims memory.
func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *MemoryStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, exp := range s.clientExpiry {
		if now.After(exp) {
			delete(s.clients, id)
			delete(s.clientExpiry, id)
		}
	}
	for key, record := range s.pending {
		if now.After(record.ExpiresAt) {
			delete(s.pending, key)
		}
	}
	for key, record := range s.authCodes {
		if now.After(record.ExpiresAt) {
			delete(s.authCodes, key)
		}
	}
	for key, record := range s.accessTokens {
		if now.After(record.ExpiresAt) {
			delete(s.accessTokens, key)
		}
	}
	for key, record := range s.refreshTokens {
		if now.After(record.ExpiresAt) {
			delete(s.refreshTokens, key)
		}
	}
}

// Compile-time interface compliance check.
var _ Store = (*MemoryStore)(nil)
