// Package idp validates ID tokens issued by the upstream identity provider
// and turns their claims into the identity attached to every session. Keys
// are pulled from the provider's JWKS endpoint and cached with auto-refresh.
package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/sjifire/backoffice/pkg/auth"
)

// Validation errors.
var (
	ErrInvalidToken    = errors.New("invalid ID token")
	ErrTokenExpired    = errors.New("ID token expired")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrInvalidAudience = errors.New("invalid audience")
	ErrNoUserEmail     = errors.New("ID token carries no usable email claim")
)

// Config contains the settings needed to validate upstream ID tokens.
type Config struct {
	// Issuer is the exact iss value expected in tokens.
	Issuer string

	// Audience is the expected aud value, normally this server's upstream
	// client ID.
	Audience string

	// JWKSURL is where the provider publishes its signing keys.
	JWKSURL string
}

// Validate checks the config for completeness.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is required")
	}
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if c.Audience == "" {
		return errors.New("audience is required")
	}
	if c.JWKSURL == "" {
		return errors.New("JWKS URL is required")
	}
	return nil
}

// Validator verifies ID token signatures against the provider's JWKS and
// checks the standard claims before extracting an identity.
type Validator struct {
	config     *Config
	jwksClient *jwk.Cache

	// JWKS registration is deferred to first use so construction does not
	// require the provider to be reachable.
	jwksRegistered      bool
	jwksRegistrationMu  sync.Mutex
	jwksRegistrationErr error
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*validatorOptions)

type validatorOptions struct {
	httpClient *http.Client
}

// WithHTTPClient sets the HTTP client used for JWKS fetches.
func WithHTTPClient(client *http.Client) ValidatorOption {
	return func(o *validatorOptions) {
		o.httpClient = client
	}
}

// NewValidator creates a validator with a refreshing JWKS cache.
func NewValidator(ctx context.Context, config *Config, opts ...ValidatorOption) (*Validator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid validator config: %w", err)
	}

	options := &validatorOptions{httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(options)
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(options.httpClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &Validator{
		config:     config,
		jwksClient: cache,
	}, nil
}

func (v *Validator) ensureJWKSRegistered(ctx context.Context) error {
	v.jwksRegistrationMu.Lock()
	defer v.jwksRegistrationMu.Unlock()

	if v.jwksRegistered {
		return v.jwksRegistrationErr
	}

	registrationCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := v.jwksClient.Register(registrationCtx, v.config.JWKSURL); err != nil {
		v.jwksRegistrationErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	} else {
		v.jwksRegistrationErr = nil
	}

	v.jwksRegistered = true
	return v.jwksRegistrationErr
}

func (v *Validator) getKeyFromJWKS(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureJWKSRegistered(ctx); err != nil {
		return nil, err
	}

	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("token header missing kid")
	}

	keySet, err := v.jwksClient.Lookup(ctx, v.config.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return rawKey, nil
}

func (v *Validator) validateClaims(claims jwt.MapClaims) error {
	issuerClaim, err := claims.GetIssuer()
	if err != nil {
		return fmt.Errorf("failed to get issuer from claims: %w", err)
	}
	if strings.TrimSpace(issuerClaim) != strings.TrimSpace(v.config.Issuer) {
		return ErrInvalidIssuer
	}

	audiences, err := claims.GetAudience()
	if err != nil {
		return ErrInvalidAudience
	}
	found := false
	for _, aud := range audiences {
		if aud == v.config.Audience {
			found = true
			break
		}
	}
	if !found {
		return ErrInvalidAudience
	}

	expirationTime, err := claims.GetExpirationTime()
	if err != nil || expirationTime == nil || expirationTime.Before(time.Now()) {
		return ErrTokenExpired
	}
	return nil
}

// ValidateIDToken verifies the token's signature and claims and returns the
// identity it asserts.
func (v *Validator) ValidateIDToken(ctx context.Context, idToken string) (*auth.Identity, error) {
	token, err := jwt.Parse(idToken, func(token *jwt.Token) (any, error) {
		return v.getKeyFromJWKS(ctx, token)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse ID token: %w", err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("failed to get claims from ID token")
	}
	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}

	return IdentityFromClaims(claims)
}

// IdentityFromClaims maps ID token claims to an identity. The email is taken
// from preferred_username, email, or upn in that order; Entra ID populates
// different ones depending on account type.
func IdentityFromClaims(claims jwt.MapClaims) (*auth.Identity, error) {
	email := firstStringClaim(claims, "preferred_username", "email", "upn")
	if email == "" {
		return nil, ErrNoUserEmail
	}

	userID := firstStringClaim(claims, "oid", "sub")

	name := firstStringClaim(claims, "name")
	if name == "" {
		// Guest and service accounts often lack a display name; fall back
		// to the mailbox part of the address.
		name, _, _ = strings.Cut(email, "@")
		name = strings.ToLower(name)
	}

	identity := &auth.Identity{
		Email:  strings.ToLower(email),
		Name:   name,
		UserID: userID,
		Groups: stringSliceClaim(claims, "groups"),
	}
	return identity, nil
}

func firstStringClaim(claims jwt.MapClaims, names ...string) string {
	for _, name := range names {
		if value, ok := claims[name].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

func stringSliceClaim(claims jwt.MapClaims, name string) []string {
	raw, ok := claims[name].([]any)
	if !ok {
		return nil
	}
	values := make([]string, 0, len(raw))
	for _, entry := range raw {
		if s, ok := entry.(string); ok {
			values = append(values, s)
		}
	}
	return values
}
