package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sjifire/backoffice/pkg/logger"
)

// TokenAuthenticator resolves an opaque bearer token to the identity embedded
// in the corresponding access-token record. Implementations must return an
// error for unknown or expired tokens and must never return a partially
// populated identity.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// Middleware returns an HTTP middleware that validates the Authorization
// bearer token and publishes the resolved identity into the request context.
// Requests without a valid token receive a 401 with an RFC 6750
// WWW-Authenticate header.
func Middleware(authn TokenAuthenticator, realm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				w.Header().Set("WWW-Authenticate", wwwAuthenticate(realm, false, ""))
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			if !strings.HasPrefix(authHeader, "Bearer ") {
				w.Header().Set("WWW-Authenticate", wwwAuthenticate(realm, false, ""))
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")

			identity, err := authn.Authenticate(r.Context(), token)
			if err != nil {
				logger.Debugw("bearer token rejected", "error", err.Error())
				w.Header().Set("WWW-Authenticate", wwwAuthenticate(realm, true, "token is invalid or expired"))
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// wwwAuthenticate builds an RFC 6750 compliant WWW-Authenticate header value.
func wwwAuthenticate(realm string, includeError bool, errDescription string) string {
	parts := []string{fmt.Sprintf(`realm="%s"`, escapeQuotes(realm))}
	if includeError {
		parts = append(parts, `error="invalid_token"`)
		if errDescription != "" {
			parts = append(parts, fmt.Sprintf(`error_description="%s"`, escapeQuotes(errDescription)))
		}
	}
	return "Bearer " + strings.Join(parts, ", ")
}

func escapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
