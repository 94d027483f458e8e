package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sjifire/backoffice/pkg/logger"
)

const (
	pkceChallengeMethodS256 = "S256"

	// maxResponseSize caps token endpoint responses to prevent unbounded reads.
	maxResponseSize = 1024 * 1024

	defaultRequestTimeout = 30 * time.Second
)

// Tokens represents the tokens obtained from the upstream identity provider.
// Only the ID token is consumed downstream; the upstream access and refresh
// tokens are never stored or forwarded.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time
}

// Provider drives the authorization-code flow against a single upstream
// identity provider with fixed endpoints.
type Provider struct {
	config     *Config
	httpClient *http.Client
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithHTTPClient sets a custom HTTP client, used in tests to point the
// provider at a local stand-in for the identity provider.
func WithHTTPClient(client *http.Client) ProviderOption {
	return func(p *Provider) {
		p.httpClient = client
	}
}

// NewProvider creates a provider for the configured upstream endpoints.
func NewProvider(config *Config, opts ...ProviderOption) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid upstream config: %w", err)
	}

	p := &Provider{
		config:     config,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}

	logger.Infow("upstream provider created",
		"authorization_endpoint", config.AuthorizationEndpoint,
		"token_endpoint", config.TokenEndpoint,
		"client_id", config.ClientID,
	)
	return p, nil
}

// Config returns the provider's configuration.
func (p *Provider) Config() *Config {
	return p.config
}

// AuthorizationURL builds the URL to redirect the user agent to the upstream
// provider. The state must be unique per authorization attempt; it is how the
// callback finds the pending request. The challenge is this server's own PKCE
// challenge for the upstream leg, independent of any challenge the downstream
// client sent.
func (p *Provider) AuthorizationURL(state, codeChallenge string) (string, error) {
	if state == "" {
		return "", errors.New("state parameter is required")
	}
	if codeChallenge == "" {
		return "", errors.New("code challenge is required")
	}

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {p.config.ClientID},
		"redirect_uri":          {p.config.RedirectURI},
		"state":                 {state},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {pkceChallengeMethodS256},
	}
	if len(p.config.Scopes) > 0 {
		params.Set("scope", strings.Join(p.config.Scopes, " "))
	}

	return p.config.AuthorizationEndpoint + "?" + params.Encode(), nil
}

// ExchangeCode exchanges an upstream authorization code for tokens.
func (p *Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*Tokens, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}

	params := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {p.config.RedirectURI},
		"client_id":     {p.config.ClientID},
		"code_verifier": {codeVerifier},
	}
	if p.config.ClientSecret != "" {
		params.Set("client_secret", p.config.ClientSecret)
	}

	tokens, err := p.tokenRequest(ctx, params)
	if err != nil {
		return nil, err
	}

	logger.Infow("upstream code exchange successful",
		"has_id_token", tokens.IDToken != "",
		"expires_at", tokens.ExpiresAt.Format(time.RFC3339),
	)
	return tokens, nil
}

func (p *Provider) tokenRequest(ctx context.Context, params url.Values) (*Tokens, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		p.config.TokenEndpoint,
		strings.NewReader(params.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var tokenError tokenErrorResponse
		if err := json.Unmarshal(body, &tokenError); err == nil && tokenError.Error != "" {
			// error/error_description are standardized OAuth fields, safe to surface.
			return nil, fmt.Errorf("token request failed: %s - %s", tokenError.Error, tokenError.ErrorDescription)
		}
		logger.Debugw("token request failed",
			"status", resp.StatusCode,
			"body", string(body),
		)
		return nil, fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}
	// Case-insensitive per RFC 6749 section 5.1.
	if !strings.EqualFold(tokenResp.TokenType, "bearer") {
		return nil, fmt.Errorf("unexpected token_type: expected \"Bearer\", got %q", tokenResp.TokenType)
	}

	expiresAt := time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	if tokenResp.ExpiresIn == 0 {
		expiresAt = time.Now().Add(time.Hour)
	}

	return &Tokens{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		IDToken:      tokenResp.IDToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// tokenResponse represents the response from the token endpoint.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// tokenErrorResponse represents an error response from the token endpoint.
type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}
