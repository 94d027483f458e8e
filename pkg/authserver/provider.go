package authserver

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sjifire/backoffice/pkg/auth"
	"github.com/sjifire/backoffice/pkg/authserver/storage"
	"github.com/sjifire/backoffice/pkg/authserver/upstream"
	"github.com/sjifire/backoffice/pkg/logger"
)

// TokenKind distinguishes the two opaque token types the server issues.
// Revocation and introspection branch on the kind instead of guessing from
// the token's shape.
type TokenKind string

const (
	// TokenKindAccess marks bearer tokens presented on MCP requests.
	TokenKindAccess TokenKind = "access_token"
	// TokenKindRefresh marks tokens consumed by the refresh grant.
	TokenKindRefresh TokenKind = "refresh_token"
)

// Provider errors surfaced to the transport layer, which maps them onto
// OAuth error codes.
var (
	ErrClientNotFound     = errors.New("client not found")
	ErrInvalidRedirectURI = errors.New("redirect_uri does not match registered URIs")
	ErrInvalidGrant       = errors.New("invalid grant")
	ErrPKCEMismatch       = errors.New("PKCE verification failed")
	ErrInvalidScope       = errors.New("requested scope exceeds the original grant")
	ErrInvalidAccessToken = errors.New("invalid or expired access token")
)

// IdentityValidator turns an upstream ID token into a user identity.
// Implemented by idp.Validator.
type IdentityValidator interface {
	ValidateIDToken(ctx context.Context, idToken string) (*auth.Identity, error)
}

// Provider implements the authorization server's operations on top of the
// shared store. Handlers translate HTTP to these calls; nothing here touches
// the transport.
type Provider struct {
	config   Config
	store    storage.Store
	upstream *upstream.Provider
	idp      IdentityValidator
}

// NewProvider creates a Provider. The config is copied; later mutation of
// the caller's value has no effect.
func NewProvider(config *Config, store storage.Store, up *upstream.Provider, validator IdentityValidator) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid authserver config: %w", err)
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if up == nil {
		return nil, errors.New("upstream provider is required")
	}
	if validator == nil {
		return nil, errors.New("identity validator is required")
	}

	return &Provider{
		config:   config.withDefaults(),
		store:    store,
		upstream: up,
		idp:      validator,
	}, nil
}

// Config returns a copy of the provider's effective configuration.
func (p *Provider) Config() Config {
	return p.config
}

// RegisterClient validates a registration request, assigns a client ID, and
// persists the registration. Every client is public; there is no client
// secret to return.
func (p *Provider) RegisterClient(ctx context.Context, req *DCRRequest) (*DCRResponse, *DCRError) {
	validated, dcrErr := ValidateDCRRequest(req)
	if dcrErr != nil {
		return nil, dcrErr
	}

	clientID := uuid.NewString()
	now := time.Now()
	client := &storage.Client{
		ID:                      clientID,
		RedirectURIs:            validated.RedirectURIs,
		Name:                    validated.ClientName,
		GrantTypes:              validated.GrantTypes,
		ResponseTypes:           validated.ResponseTypes,
		TokenEndpointAuthMethod: validated.TokenEndpointAuthMethod,
		CreatedAt:               now,
		ExpiresAt:               now.Add(p.config.ClientTTL),
	}
	if err := p.store.UpsertClient(ctx, client); err != nil {
		logger.Errorw("failed to store client registration",
			"client_id", clientID,
			"error", err.Error(),
		)
		return nil, &DCRError{
			Error:            DCRErrorInvalidClientMetadata,
			ErrorDescription: "failed to store registration",
		}
	}

	logger.Infow("registered new client",
		"client_id", clientID,
		"client_name", validated.ClientName,
	)

	return &DCRResponse{
		ClientID:                clientID,
		ClientIDIssuedAt:        now.Unix(),
		RedirectURIs:            validated.RedirectURIs,
		ClientName:              validated.ClientName,
		TokenEndpointAuthMethod: validated.TokenEndpointAuthMethod,
		GrantTypes:              validated.GrantTypes,
		ResponseTypes:           validated.ResponseTypes,
	}, nil
}

// GetClient looks up a registered client.
func (p *Provider) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := p.store.GetClient(ctx, clientID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrClientNotFound
		}
		return nil, err
	}
	return client, nil
}

// AuthorizeRequest carries the validated parameters of a client's
// authorization request.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scopes              []string
	Resource            string
}

// Authorize records the client's authorization request and returns the
// upstream URL to redirect the user agent to. Every call generates a fresh
// upstream state and PKCE pair, so concurrent authorizations never collide.
func (p *Provider) Authorize(ctx context.Context, req *AuthorizeRequest) (string, error) {
	client, err := p.GetClient(ctx, req.ClientID)
	if err != nil {
		return "", err
	}
	if !client.MatchesRedirectURI(req.RedirectURI) {
		return "", ErrInvalidRedirectURI
	}

	upstreamState, err := generateOpaqueToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate upstream state: %w", err)
	}
	upstreamVerifier := GeneratePKCEVerifier()

	now := time.Now()
	pending := &storage.PendingAuthorization{
		ClientID:             req.ClientID,
		RedirectURI:          req.RedirectURI,
		State:                req.State,
		CodeChallenge:        req.CodeChallenge,
		CodeChallengeMethod:  req.CodeChallengeMethod,
		Scopes:               req.Scopes,
		Resource:             req.Resource,
		UpstreamState:        upstreamState,
		UpstreamPKCEVerifier: upstreamVerifier,
		CreatedAt:            now,
		ExpiresAt:            now.Add(p.config.PendingAuthTTL),
	}
	if err := p.store.StorePendingAuthorization(ctx, pending); err != nil {
		return "", fmt.Errorf("failed to store pending authorization: %w", err)
	}

	upstreamURL, err := p.upstream.AuthorizationURL(upstreamState, ComputePKCEChallenge(upstreamVerifier))
	if err != nil {
		// Best effort cleanup; the record expires on its own otherwise.
		_, _ = p.store.ConsumePendingAuthorization(ctx, upstreamState)
		return "", fmt.Errorf("failed to build upstream authorization URL: %w", err)
	}

	logger.Infow("redirecting to upstream identity provider",
		"client_id", req.ClientID,
	)
	return upstreamURL, nil
}

// CallbackResult tells the handler where to send the user agent after the
// upstream leg completes.
type CallbackResult struct {
	// RedirectURI is the client's callback URL.
	RedirectURI string
	// State is the client's original state parameter.
	State string
	// Code is the authorization code minted for the client.
	Code string
}

// HandleCallback consumes the pending authorization for the given upstream
// state, exchanges the upstream code, validates the resulting ID token, and
// mints this server's own authorization code carrying the user's identity.
// The pending record is deleted before any network call, so a replayed
// callback fails without side effects.
func (p *Provider) HandleCallback(ctx context.Context, upstreamState, upstreamCode string) (*CallbackResult, error) {
	pending, err := p.store.ConsumePendingAuthorization(ctx, upstreamState)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("%w: authorization request not found or expired", ErrInvalidGrant)
		}
		return nil, err
	}

	tokens, err := p.upstream.ExchangeCode(ctx, upstreamCode, pending.UpstreamPKCEVerifier)
	if err != nil {
		return nil, fmt.Errorf("upstream code exchange failed: %w", err)
	}
	if tokens.IDToken == "" {
		return nil, errors.New("upstream token response carried no ID token")
	}

	identity, err := p.idp.ValidateIDToken(ctx, tokens.IDToken)
	if err != nil {
		return nil, fmt.Errorf("ID token validation failed: %w", err)
	}

	code, err := generateOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate authorization code: %w", err)
	}
	record := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            pending.ClientID,
		Scopes:              pending.Scopes,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		RedirectURI:         pending.RedirectURI,
		Resource:            pending.Resource,
		Identity:            identity,
		ExpiresAt:           time.Now().Add(p.config.AuthCodeTTL),
	}
	if err := p.store.StoreAuthorizationCode(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store authorization code: %w", err)
	}

	logger.Infow("authorization successful",
		"client_id", pending.ClientID,
		"user", identity.Email,
	)

	return &CallbackResult{
		RedirectURI: pending.RedirectURI,
		State:       pending.State,
		Code:        code,
	}, nil
}

// TokenResponse is the body of a successful token endpoint response per
// RFC 6749 Section 5.1.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ExchangeAuthorizationCode redeems an authorization code for an access and
// refresh token pair. The code is validated read-only first (client binding,
// redirect URI, PKCE) and only consumed once every check passes; a code that
// fails PKCE survives for the legitimate client to redeem.
func (p *Provider) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*TokenResponse, error) {
	record, err := p.store.GetAuthorizationCode(ctx, code)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("%w: authorization code not found or expired", ErrInvalidGrant)
		}
		return nil, err
	}

	if record.ClientID != clientID {
		return nil, fmt.Errorf("%w: authorization code was issued to another client", ErrInvalidGrant)
	}
	if record.RedirectURI != "" && record.RedirectURI != redirectURI {
		return nil, fmt.Errorf("%w: redirect_uri does not match", ErrInvalidGrant)
	}
	if record.CodeChallenge != "" {
		if !VerifyPKCEChallenge(codeVerifier, record.CodeChallenge) {
			return nil, ErrPKCEMismatch
		}
	}

	// All checks passed; consume the code. A concurrent exchange of the
	// same code loses here and gets invalid_grant.
	record, err = p.store.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("%w: authorization code already used", ErrInvalidGrant)
		}
		return nil, err
	}

	return p.issueTokens(ctx, record.ClientID, record.Scopes, record.Resource, record.Identity)
}

// ExchangeRefreshToken rotates a refresh token: the presented token is
// consumed and a brand new access/refresh pair is issued. A reused refresh
// token fails cleanly because the record is already gone. A non-empty
// requestedScopes narrows the grant; it must be a subset of the scopes the
// refresh token was issued with.
func (p *Provider) ExchangeRefreshToken(ctx context.Context, refreshToken, clientID string, requestedScopes []string) (*TokenResponse, error) {
	record, err := p.store.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("%w: refresh token not found or expired", ErrInvalidGrant)
		}
		return nil, err
	}
	if record.ClientID != clientID {
		return nil, fmt.Errorf("%w: refresh token was issued to another client", ErrInvalidGrant)
	}

	scopes := record.Scopes
	if len(requestedScopes) > 0 {
		for _, scope := range requestedScopes {
			if !slices.Contains(record.Scopes, scope) {
				return nil, fmt.Errorf("%w: %s", ErrInvalidScope, scope)
			}
		}
		scopes = requestedScopes
	}

	if err := p.store.DeleteRefreshToken(ctx, refreshToken); err != nil && !storage.IsNotFound(err) {
		return nil, err
	}

	// Rotation revokes every outstanding access token for the client so it
	// converges on the new pair. The last revoked record doubles as the
	// identity source for refresh tokens minted before identities were
	// embedded.
	previous, err := p.store.DeleteAccessTokensByClient(ctx, clientID)
	if err != nil && !storage.IsNotFound(err) {
		return nil, err
	}

	identity := record.Identity
	if identity == nil && previous != nil {
		identity = previous.Identity
	}
	if identity == nil {
		return nil, fmt.Errorf("%w: refresh token carries no identity", ErrInvalidGrant)
	}

	return p.issueTokens(ctx, clientID, scopes, "", identity)
}

// issueTokens mints a fresh access/refresh token pair bound to the identity.
func (p *Provider) issueTokens(ctx context.Context, clientID string, scopes []string, resource string, identity *auth.Identity) (*TokenResponse, error) {
	accessValue, err := generateOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}
	refreshValue, err := generateOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	now := time.Now()
	accessToken := &storage.AccessToken{
		Token:     accessValue,
		ClientID:  clientID,
		Scopes:    scopes,
		Resource:  resource,
		Identity:  identity,
		ExpiresAt: now.Add(p.config.AccessTokenTTL),
	}
	if err := p.store.StoreAccessToken(ctx, accessToken); err != nil {
		return nil, fmt.Errorf("failed to store access token: %w", err)
	}

	refreshToken := &storage.RefreshToken{
		Token:     refreshValue,
		ClientID:  clientID,
		Scopes:    scopes,
		Identity:  identity,
		ExpiresAt: now.Add(p.config.RefreshTokenTTL),
	}
	if err := p.store.StoreRefreshToken(ctx, refreshToken); err != nil {
		_ = p.store.DeleteAccessToken(ctx, accessValue)
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	logger.Infow("issued token pair",
		"client_id", clientID,
		"user", identity.Email,
	)

	return &TokenResponse{
		AccessToken:  accessValue,
		TokenType:    "Bearer",
		ExpiresIn:    int64(p.config.AccessTokenTTL.Seconds()),
		RefreshToken: refreshValue,
		Scope:        joinScopes(scopes),
	}, nil
}

// RevokeToken invalidates a token of the given kind. Revoking one kind never
// touches the other: an access token survives its refresh token's revocation
// and vice versa. Unknown tokens are not an error per RFC 7009.
func (p *Provider) RevokeToken(ctx context.Context, token string, kind TokenKind) error {
	var err error
	switch kind {
	case TokenKindAccess:
		err = p.store.DeleteAccessToken(ctx, token)
	case TokenKindRefresh:
		err = p.store.DeleteRefreshToken(ctx, token)
	default:
		return fmt.Errorf("unknown token kind: %q", kind)
	}
	if err != nil && !storage.IsNotFound(err) {
		return err
	}
	return nil
}

// RevokeTokenAnyKind revokes a token when the client gave no usable hint,
// trying access first, then refresh.
func (p *Provider) RevokeTokenAnyKind(ctx context.Context, token string) error {
	if err := p.store.DeleteAccessToken(ctx, token); err == nil {
		return nil
	} else if !storage.IsNotFound(err) {
		return err
	}
	if err := p.store.DeleteRefreshToken(ctx, token); err != nil && !storage.IsNotFound(err) {
		return err
	}
	return nil
}

// Authenticate resolves a bearer token to the identity it was issued for.
// Implements auth.TokenAuthenticator; the HTTP middleware attaches the
// returned identity to the request context.
func (p *Provider) Authenticate(ctx context.Context, token string) (*auth.Identity, error) {
	record, err := p.store.GetAccessToken(ctx, token)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrInvalidAccessToken
		}
		return nil, err
	}
	if record.Identity == nil {
		return nil, ErrInvalidAccessToken
	}
	return record.Identity, nil
}

// generateOpaqueToken returns 32 bytes of cryptographic randomness encoded
// as unpadded base64url. Used for tokens, codes, and upstream state.
func generateOpaqueToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

var _ auth.TokenAuthenticator = (*Provider)(nil)
