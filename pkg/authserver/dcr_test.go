package authserver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDCRRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		request       *DCRRequest
		expectedError string
	}{
		{
			name: "valid minimal request",
			request: &DCRRequest{
				RedirectURIs: []string{"https://claude.ai/api/mcp/auth_callback"},
			},
		},
		{
			name: "valid full request",
			request: &DCRRequest{
				RedirectURIs:            []string{"https://claude.ai/api/mcp/auth_callback"},
				ClientName:              "Claude",
				TokenEndpointAuthMethod: "none",
				GrantTypes:              []string{"authorization_code", "refresh_token"},
				ResponseTypes:           []string{"code"},
			},
		},
		{
			name: "valid loopback redirect",
			request: &DCRRequest{
				RedirectURIs: []string{"http://127.0.0.1:8765/callback"},
			},
		},
		{
			name:          "missing redirect URIs",
			request:       &DCRRequest{},
			expectedError: DCRErrorInvalidRedirectURI,
		},
		{
			name: "too many redirect URIs",
			request: &DCRRequest{
				RedirectURIs: make([]string, MaxRedirectURICount+1),
			},
			expectedError: DCRErrorInvalidRedirectURI,
		},
		{
			name: "plain http redirect",
			request: &DCRRequest{
				RedirectURIs: []string{"http://example.com/callback"},
			},
			expectedError: DCRErrorInvalidRedirectURI,
		},
		{
			name: "custom scheme redirect",
			request: &DCRRequest{
				RedirectURIs: []string{"myapp://callback"},
			},
			expectedError: DCRErrorInvalidRedirectURI,
		},
		{
			name: "client name too long",
			request: &DCRRequest{
				RedirectURIs: []string{"https://claude.ai/cb"},
				ClientName:   strings.Repeat("x", MaxClientNameLength+1),
			},
			expectedError: DCRErrorInvalidClientMetadata,
		},
		{
			name: "confidential client auth method",
			request: &DCRRequest{
				RedirectURIs:            []string{"https://claude.ai/cb"},
				TokenEndpointAuthMethod: "client_secret_basic",
			},
			expectedError: DCRErrorInvalidClientMetadata,
		},
		{
			name: "unsupported grant type",
			request: &DCRRequest{
				RedirectURIs: []string{"https://claude.ai/cb"},
				GrantTypes:   []string{"authorization_code", "client_credentials"},
			},
			expectedError: DCRErrorInvalidClientMetadata,
		},
		{
			name: "refresh token only",
			request: &DCRRequest{
				RedirectURIs: []string{"https://claude.ai/cb"},
				GrantTypes:   []string{"refresh_token"},
			},
			expectedError: DCRErrorInvalidClientMetadata,
		},
		{
			name: "unsupported response type",
			request: &DCRRequest{
				RedirectURIs:  []string{"https://claude.ai/cb"},
				ResponseTypes: []string{"token"},
			},
			expectedError: DCRErrorInvalidClientMetadata,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if tt.name == "too many redirect URIs" {
				for i := range tt.request.RedirectURIs {
					tt.request.RedirectURIs[i] = "https://claude.ai/cb"
				}
			}

			validated, dcrErr := ValidateDCRRequest(tt.request)
			if tt.expectedError != "" {
				require.NotNil(t, dcrErr)
				assert.Equal(t, tt.expectedError, dcrErr.Error)
				return
			}

			require.Nil(t, dcrErr)
			assert.Equal(t, "none", validated.TokenEndpointAuthMethod)
			assert.Contains(t, validated.GrantTypes, "authorization_code")
			assert.Contains(t, validated.ResponseTypes, "code")
		})
	}
}

func TestValidateDCRRequestAppliesDefaults(t *testing.T) {
	t.Parallel()

	validated, dcrErr := ValidateDCRRequest(&DCRRequest{
		RedirectURIs: []string{"https://claude.ai/api/mcp/auth_callback"},
	})
	require.Nil(t, dcrErr)

	assert.Equal(t, []string{"authorization_code", "refresh_token"}, validated.GrantTypes)
	assert.Equal(t, []string{"code"}, validated.ResponseTypes)
	assert.Equal(t, "none", validated.TokenEndpointAuthMethod)
}
