// Package authserver implements the OAuth 2.0 authorization server that sits
// in front of the fire department's MCP tools. Clients register dynamically,
// users authenticate against the upstream identity provider, and the server
// issues its own opaque tokens whose validity lives entirely in shared
// storage so any replica can serve any request.
package authserver

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sjifire/backoffice/pkg/authserver/storage"
)

// Config holds the authorization server settings. The provider copies the
// config at construction, so changes made afterwards have no effect.
type Config struct {
	// Issuer is the external base URL of this server, without a trailing
	// slash. It appears in discovery metadata and prefixes redirect URLs.
	Issuer string

	// ResourceURL identifies the MCP endpoint tokens are issued for.
	ResourceURL string

	// SupportedScopes are the scopes clients may request. Empty means any.
	SupportedScopes []string

	// Token and record lifetimes. Zero values fall back to the storage
	// package defaults.
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
	PendingAuthTTL  time.Duration
	ClientTTL       time.Duration
}

// Validate checks the config for completeness and consistency.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is required")
	}
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if u.Scheme != "https" && !isLoopbackHost(u.Hostname()) {
		return fmt.Errorf("issuer must use HTTPS: %s", c.Issuer)
	}
	if strings.HasSuffix(c.Issuer, "/") {
		return errors.New("issuer must not have a trailing slash")
	}
	for _, ttl := range []time.Duration{
		c.AccessTokenTTL, c.RefreshTokenTTL, c.AuthCodeTTL, c.PendingAuthTTL, c.ClientTTL,
	} {
		if ttl < 0 {
			return errors.New("token lifetimes must not be negative")
		}
	}
	return nil
}

// withDefaults returns a copy with zero lifetimes replaced by the defaults.
func (c Config) withDefaults() Config {
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = storage.DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = storage.DefaultRefreshTokenTTL
	}
	if c.AuthCodeTTL == 0 {
		c.AuthCodeTTL = storage.DefaultAuthCodeTTL
	}
	if c.PendingAuthTTL == 0 {
		c.PendingAuthTTL = storage.DefaultPendingAuthorizationTTL
	}
	if c.ClientTTL == 0 {
		c.ClientTTL = storage.DefaultClientTTL
	}
	return c
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
