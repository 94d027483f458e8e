// Package storage provides the shared state store backing the OAuth
// authorization server: client registrations, pending authorizations,
// authorization codes, and access/refresh tokens. Every record carries an
// explicit expiry and no record is held in process memory as the source of
// truth, so any replica may service any request.
package storage

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/sjifire/backoffice/pkg/auth"
)

// Default record lifetimes.
const (
	// DefaultClientTTL bounds dynamically registered clients; re-registration
	// simply overwrites, so expiry only prunes abandoned registrations.
	DefaultClientTTL = 30 * 24 * time.Hour

	// DefaultPendingAuthorizationTTL must expire before a user could
	// plausibly abandon the upstream login page.
	DefaultPendingAuthorizationTTL = 10 * time.Minute

	// DefaultAuthCodeTTL is the lifetime of our own authorization codes.
	DefaultAuthCodeTTL = 5 * time.Minute

	// DefaultAccessTokenTTL is the lifetime of issued access tokens.
	DefaultAccessTokenTTL = 1 * time.Hour

	// DefaultRefreshTokenTTL is the lifetime of issued refresh tokens.
	DefaultRefreshTokenTTL = 24 * time.Hour
)

// Sentinel errors returned by store implementations. Expired records surface
// as ErrExpired internally, but callers are expected to treat ErrNotFound and
// ErrExpired identically at the protocol boundary.
var (
	ErrNotFound = errors.New("record not found")
	ErrExpired  = errors.New("record expired")
)

// IsNotFound reports whether err means the record is absent or expired.
// The two are indistinguishable to protocol callers by design.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired)
}

// Client is a dynamically registered OAuth client (RFC 7591 metadata shape).
type Client struct {
	// ID is the client identifier, client-supplied or server-generated.
	ID string

	// RedirectURIs are the registered callback URLs.
	RedirectURIs []string

	// Name is the human-readable client name.
	Name string

	// GrantTypes the client may use (authorization_code, refresh_token).
	GrantTypes []string

	// ResponseTypes the client may use (code).
	ResponseTypes []string

	// TokenEndpointAuthMethod is "none" for public clients.
	TokenEndpointAuthMethod string

	// CreatedAt is when the registration was stored.
	CreatedAt time.Time

	// ExpiresAt bounds the registration's lifetime. Zero means
	// DefaultClientTTL from the time of the upsert.
	ExpiresAt time.Time
}

// MatchesRedirectURI reports whether the given URI is registered for the
// client. Loopback redirect URIs match on any port per RFC 8252 Section 7.3;
// all other URIs require an exact match.
func (c *Client) MatchesRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri || matchesAsLoopback(uri, registered) {
			return true
		}
	}
	return false
}

// matchesAsLoopback applies RFC 8252 Section 7.3 loopback matching: the
// scheme must be http, both hosts must be the same loopback address, and the
// path must match exactly. The port is allowed to vary.
func matchesAsLoopback(requestedURI, registeredURI string) bool {
	requested, err := url.Parse(requestedURI)
	if err != nil {
		return false
	}
	registered, err := url.Parse(registeredURI)
	if err != nil {
		return false
	}
	if requested.Scheme != "http" || registered.Scheme != "http" {
		return false
	}
	if !isLoopbackHostname(requested.Hostname()) || requested.Hostname() != registered.Hostname() {
		return false
	}
	return requested.Path == registered.Path && requested.RawQuery == registered.RawQuery
}

func isLoopbackHostname(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// PendingAuthorization tracks a client's authorization request while the user
// authenticates with the upstream IdP. It is keyed by UpstreamState and
// consumed exactly once by the callback handler.
type PendingAuthorization struct {
	// ClientID is the OAuth client that initiated the authorization.
	ClientID string

	// RedirectURI is the client's callback URL.
	RedirectURI string

	// State is the client's original state parameter, echoed back on the
	// final redirect.
	State string

	// CodeChallenge is the client's PKCE code challenge.
	CodeChallenge string

	// CodeChallengeMethod is the client's PKCE method (S256).
	CodeChallengeMethod string

	// Scopes are the scopes the client requested.
	Scopes []string

	// Resource is the optional RFC 8707 resource indicator.
	Resource string

	// UpstreamState is our randomly generated state correlating the
	// upstream callback. Distinct from the client's State.
	UpstreamState string

	// UpstreamPKCEVerifier is the verifier for the PKCE challenge this
	// server sent to the upstream IdP.
	UpstreamPKCEVerifier string

	// CreatedAt is when the pending authorization was created.
	CreatedAt time.Time

	// ExpiresAt bounds how long the user may spend on the upstream login page.
	ExpiresAt time.Time
}

// AuthorizationCode is a single-use code minted after a successful upstream
// login, carrying everything needed to complete the token exchange.
type AuthorizationCode struct {
	// Code is the opaque code value (also the storage key).
	Code string

	// ClientID is the client the code was issued to.
	ClientID string

	// Scopes are the granted scopes.
	Scopes []string

	// CodeChallenge is the client's PKCE challenge, verified by the token
	// endpoint before the code is exchanged.
	CodeChallenge string

	// CodeChallengeMethod is the client's PKCE method.
	CodeChallengeMethod string

	// RedirectURI is the redirect URI the code was bound to.
	RedirectURI string

	// Resource is the optional resource indicator.
	Resource string

	// Identity is the user identity resolved from the upstream id_token.
	Identity *auth.Identity

	// ExpiresAt is the code's expiry.
	ExpiresAt time.Time
}

// AccessToken is an opaque bearer token; validity and claims exist only here.
type AccessToken struct {
	Token     string
	ClientID  string
	Scopes    []string
	Resource  string
	Identity  *auth.Identity
	ExpiresAt time.Time
}

// RefreshToken is the opaque token consumed (rotated) by the refresh grant.
type RefreshToken struct {
	Token     string
	ClientID  string
	Scopes    []string
	Identity  *auth.Identity
	ExpiresAt time.Time
}

// Store is the shared state store contract. All methods are safe for
// concurrent use from multiple replicas; coordination happens only through
// the store's own read/write/delete operations.
//
// Consume methods perform an atomic get-and-delete: at most one caller ever
// observes a given record, and "nothing was deleted" is the authoritative
// already-consumed signal.
type Store interface {
	// UpsertClient stores a client registration. Later registrations with
	// the same ID overwrite; no uniqueness conflicts are possible.
	UpsertClient(ctx context.Context, client *Client) error

	// GetClient looks up a registration by client ID.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// StorePendingAuthorization stores a pending authorization keyed by its
	// UpstreamState.
	StorePendingAuthorization(ctx context.Context, pending *PendingAuthorization) error

	// ConsumePendingAuthorization atomically retrieves and deletes the
	// pending authorization for the given upstream state.
	ConsumePendingAuthorization(ctx context.Context, upstreamState string) (*PendingAuthorization, error)

	// StoreAuthorizationCode stores a freshly minted authorization code.
	StoreAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode is a read-only lookup used to validate the code
	// (PKCE match) before exchange. It must not delete on read.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically retrieves and deletes the code.
	// This is the code's single consumption point.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// StoreAccessToken stores an access-token record.
	StoreAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken looks up an access token by its opaque value.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// DeleteAccessToken removes an access-token record.
	DeleteAccessToken(ctx context.Context, token string) error

	// DeleteAccessTokensByClient revokes every outstanding access token for
	// a client and returns one of the deleted records (or ErrNotFound if
	// there were none). Used during refresh rotation, including the
	// migration path that recovers an identity from a live access token.
	DeleteAccessTokensByClient(ctx context.Context, clientID string) (*AccessToken, error)

	// StoreRefreshToken stores a refresh-token record.
	StoreRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken looks up a refresh token by its opaque value.
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// DeleteRefreshToken removes a refresh-token record.
	DeleteRefreshToken(ctx context.Context, token string) error

	// Ping checks backend connectivity (health check).
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
