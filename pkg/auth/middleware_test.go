package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuthenticator struct {
	tokens map[string]*Identity
}

func (f *fakeAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	if identity, ok := f.tokens[token]; ok {
		return identity, nil
	}
	return nil, errors.New("invalid or expired access token")
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	authn := &fakeAuthenticator{tokens: map[string]*Identity{
		"good-token": {Email: "alice@example.org", UserID: "oid-123"},
	}}

	var seen *Identity
	handler := Middleware(authn, "sjifire-mcp")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		require.True(t, ok)
		seen = identity
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid token", "Bearer good-token", http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic Zm9vOmJhcg==", http.StatusUnauthorized},
		{"unknown token", "Bearer bad-token", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				require.NotNil(t, seen)
				assert.Equal(t, "alice@example.org", seen.Email)
			} else {
				assert.Nil(t, seen)
				header := rec.Header().Get("WWW-Authenticate")
				assert.Contains(t, header, "Bearer")
				assert.Contains(t, header, `realm="sjifire-mcp"`)
			}
		})
	}
}

func TestMiddlewareInvalidTokenHeaderCarriesError(t *testing.T) {
	t.Parallel()

	authn := &fakeAuthenticator{tokens: map[string]*Identity{}}
	handler := Middleware(authn, "sjifire-mcp")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer revoked")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
}
