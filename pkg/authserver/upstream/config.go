// Package upstream handles the OAuth 2.0 conversation with the enterprise
// identity provider that actually authenticates users. The authorization
// server redirects browsers to the upstream authorize endpoint and exchanges
// the resulting code for tokens here; everything else (client registration,
// token issuance) stays local.
package upstream

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Config holds the upstream identity provider settings. Fields are fixed at
// construction; mutate a copy before calling NewProvider, never after.
type Config struct {
	// AuthorizationEndpoint is where user agents are redirected to sign in.
	AuthorizationEndpoint string

	// TokenEndpoint is where authorization codes are exchanged for tokens.
	TokenEndpoint string

	// ClientID is this server's registration with the upstream provider.
	ClientID string

	// ClientSecret authenticates the code exchange. Empty for public clients.
	ClientSecret string

	// RedirectURI is this server's callback URL, registered upstream.
	RedirectURI string

	// Scopes are requested on every authorization redirect.
	Scopes []string

	// Issuer is the expected iss claim in upstream ID tokens.
	Issuer string

	// JWKSURL serves the signing keys used to verify upstream ID tokens.
	JWKSURL string
}

// Validate checks that the config is complete and the endpoints are usable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is required")
	}
	if c.ClientID == "" {
		return errors.New("client ID is required")
	}
	if c.RedirectURI == "" {
		return errors.New("redirect URI is required")
	}
	for name, endpoint := range map[string]string{
		"authorization endpoint": c.AuthorizationEndpoint,
		"token endpoint":         c.TokenEndpoint,
	} {
		if endpoint == "" {
			return fmt.Errorf("%s is required", name)
		}
		u, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if u.Scheme != "https" && !isLocalhost(u.Host) {
			return fmt.Errorf("%s must use HTTPS: %s", name, endpoint)
		}
	}
	return nil
}

// EntraConfig derives the full endpoint set for a Microsoft Entra ID tenant.
// Entra publishes per-tenant v2.0 endpoints at well-known paths, so only the
// tenant and app registration details are needed.
func EntraConfig(tenantID, clientID, clientSecret, redirectURI string, scopes []string) (*Config, error) {
	if tenantID == "" {
		return nil, errors.New("tenant ID is required")
	}
	base := "https://login.microsoftonline.com/" + tenantID
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}
	cfg := &Config{
		AuthorizationEndpoint: base + "/oauth2/v2.0/authorize",
		TokenEndpoint:         base + "/oauth2/v2.0/token",
		ClientID:              clientID,
		ClientSecret:          clientSecret,
		RedirectURI:           redirectURI,
		Scopes:                scopes,
		Issuer:                base + "/v2.0",
		JWKSURL:               base + "/discovery/v2.0/keys",
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isLocalhost(host string) bool {
	h := host
	if i := strings.LastIndex(host, ":"); i >= 0 {
		h = host[:i]
	}
	return h == "localhost" || h == "127.0.0.1" || h == "::1" || h == "[::1]"
}
