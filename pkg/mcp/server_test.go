package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjifire/backoffice/pkg/auth"
	"github.com/sjifire/backoffice/pkg/authserver"
	"github.com/sjifire/backoffice/pkg/authserver/storage"
	"github.com/sjifire/backoffice/pkg/authserver/upstream"
)

type fakeAuthenticator struct {
	tokens map[string]*auth.Identity
}

func (f *fakeAuthenticator) Authenticate(_ context.Context, token string) (*auth.Identity, error) {
	if identity, ok := f.tokens[token]; ok {
		return identity, nil
	}
	return nil, assert.AnError
}

func newTestMCPServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()

	const token = "valid-token"
	authn := &fakeAuthenticator{tokens: map[string]*auth.Identity{
		token: testIdentity(testOfficerGroup),
	}}

	srv, err := New(authn, &Config{OfficerGroupID: testOfficerGroup})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, token
}

func connectClient(ctx context.Context, t *testing.T, endpoint, token string) *client.Client {
	t.Helper()

	mcpClient, err := client.NewStreamableHttpClient(endpoint,
		transport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + token,
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { mcpClient.Close() })

	require.NoError(t, mcpClient.Start(ctx))

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "backoffice-test-client",
		Version: "0.0.1",
	}
	_, err = mcpClient.Initialize(ctx, initRequest)
	require.NoError(t, err)

	return mcpClient
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("nil authenticator", func(t *testing.T) {
		t.Parallel()
		srv, err := New(nil, &Config{})
		require.Error(t, err)
		assert.Nil(t, srv)
	})

	t.Run("nil config uses defaults", func(t *testing.T) {
		t.Parallel()
		srv, err := New(&fakeAuthenticator{}, nil)
		require.NoError(t, err)
		assert.NotNil(t, srv.Handler())
	})
}

func TestServerRejectsUnauthenticatedRequests(t *testing.T) {
	t.Parallel()

	ts, _ := newTestMCPServer(t)

	resp, err := http.Post(ts.URL+EndpointPath, "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
}

func TestServerListsTools(t *testing.T) {
	t.Parallel()

	ts, token := newTestMCPServer(t)
	mcpClient := connectClient(t.Context(), t, ts.URL+EndpointPath, token)

	result, err := mcpClient.ListTools(t.Context(), mcp.ListToolsRequest{})
	require.NoError(t, err)

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, "whoami")
	assert.Contains(t, names, "dashboard")
}

func TestWhoamiOverStreamableHTTP(t *testing.T) {
	t.Parallel()

	ts, token := newTestMCPServer(t)
	mcpClient := connectClient(t.Context(), t, ts.URL+EndpointPath, token)

	request := mcp.CallToolRequest{}
	request.Params.Name = "whoami"

	result, err := mcpClient.CallTool(t.Context(), request)
	require.NoError(t, err)
	require.False(t, result.IsError)

	var got whoamiResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &got))
	assert.Equal(t, "alice@example.org", got.Email)
	assert.True(t, got.IsOfficer)
}

type staticValidator struct {
	identity *auth.Identity
}

func (s *staticValidator) ValidateIDToken(_ context.Context, _ string) (*auth.Identity, error) {
	return s.identity, nil
}

// TestEndToEndLoginToWhoami walks the full login: dynamic registration,
// authorize, upstream callback, code exchange, and finally a whoami call at
// the MCP endpoint with the minted access token.
func TestEndToEndLoginToWhoami(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	const redirectURI = "https://claude.ai/api/mcp/auth_callback"

	idpStub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "upstream-at",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     "upstream-idt",
		})
	}))
	t.Cleanup(idpStub.Close)

	store := storage.NewMemoryStore(storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = store.Close() })

	up, err := upstream.NewProvider(&upstream.Config{
		AuthorizationEndpoint: "https://idp.example.com/authorize",
		TokenEndpoint:         idpStub.URL + "/token",
		ClientID:              "upstream-client",
		RedirectURI:           "https://mcp.example.org/oauth/callback",
		Scopes:                []string{"openid", "profile", "email"},
	})
	require.NoError(t, err)

	provider, err := authserver.NewProvider(
		&authserver.Config{Issuer: "https://mcp.example.org"},
		store,
		up,
		&staticValidator{identity: testIdentity(testOfficerGroup)},
	)
	require.NoError(t, err)

	reg, dcrErr := provider.RegisterClient(ctx, &authserver.DCRRequest{
		RedirectURIs: []string{redirectURI},
		ClientName:   "Claude",
	})
	require.Nil(t, dcrErr)

	verifier := authserver.GeneratePKCEVerifier()
	upstreamURL, err := provider.Authorize(ctx, &authserver.AuthorizeRequest{
		ClientID:            reg.ClientID,
		RedirectURI:         redirectURI,
		State:               "abc123",
		CodeChallenge:       authserver.ComputePKCEChallenge(verifier),
		CodeChallengeMethod: "S256",
		Scopes:              []string{"mcp.access"},
	})
	require.NoError(t, err)
	parsed, err := url.Parse(upstreamURL)
	require.NoError(t, err)

	cb, err := provider.HandleCallback(ctx, parsed.Query().Get("state"), "upstream-code")
	require.NoError(t, err)
	require.Equal(t, "abc123", cb.State)

	tokens, err := provider.ExchangeAuthorizationCode(ctx, cb.Code, reg.ClientID, redirectURI, verifier)
	require.NoError(t, err)

	srv, err := New(provider, &Config{OfficerGroupID: testOfficerGroup})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	mcpClient := connectClient(ctx, t, ts.URL+EndpointPath, tokens.AccessToken)

	request := mcp.CallToolRequest{}
	request.Params.Name = "whoami"
	result, err := mcpClient.CallTool(ctx, request)
	require.NoError(t, err)
	require.False(t, result.IsError)

	var got whoamiResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &got))
	assert.Equal(t, "alice@example.org", got.Email)
	assert.True(t, got.IsOfficer)
}
