package authserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sjifire/backoffice/pkg/logger"
)

// Handler exposes the provider's operations as HTTP endpoints.
type Handler struct {
	provider *Provider
}

// NewHandler creates a Handler backed by the given provider.
func NewHandler(provider *Provider) *Handler {
	return &Handler{provider: provider}
}

// Routes returns a router with all authorization server endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.OAuthRoutes(r)
	h.WellKnownRoutes(r)
	return r
}

// OAuthRoutes registers the OAuth endpoints on the provided router.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Post("/oauth/register", h.RegisterClientHandler)
	r.Get("/oauth/authorize", h.AuthorizeHandler)
	r.Get("/oauth/callback", h.CallbackHandler)
	r.Post("/oauth/token", h.TokenHandler)
	r.Post("/oauth/revoke", h.RevokeHandler)
}

// WellKnownRoutes registers the discovery endpoint (RFC 8414) on the
// provided router.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/oauth-authorization-server", h.MetadataHandler)
}

// RegisterClientHandler handles POST /oauth/register requests per RFC 7591.
func (h *Handler) RegisterClientHandler(w http.ResponseWriter, req *http.Request) {
	var dcrReq DCRRequest
	if err := json.NewDecoder(req.Body).Decode(&dcrReq); err != nil {
		writeDCRError(w, http.StatusBadRequest, &DCRError{
			Error:            DCRErrorInvalidClientMetadata,
			ErrorDescription: "invalid JSON request body",
		})
		return
	}

	response, dcrErr := h.provider.RegisterClient(req.Context(), &dcrReq)
	if dcrErr != nil {
		writeDCRError(w, http.StatusBadRequest, dcrErr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Errorw("failed to encode registration response",
			"error", err.Error(),
		)
	}
}

// AuthorizeHandler handles GET /oauth/authorize requests. It validates the
// client's request and redirects the user agent to the upstream identity
// provider.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")
	responseType := q.Get("response_type")

	if clientID == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}
	if redirectURI == "" {
		http.Error(w, "redirect_uri is required", http.StatusBadRequest)
		return
	}

	// Until the redirect URI is validated against the registration, errors
	// must not redirect anywhere.
	client, err := h.provider.GetClient(req.Context(), clientID)
	if err != nil {
		logger.Warnw("authorization request for unknown client",
			"client_id", clientID,
		)
		http.Error(w, "client not found", http.StatusBadRequest)
		return
	}
	if !client.MatchesRedirectURI(redirectURI) {
		logger.Warnw("invalid redirect_uri",
			"client_id", clientID,
			"redirect_uri", redirectURI,
		)
		http.Error(w, "redirect_uri does not match registered URIs", http.StatusBadRequest)
		return
	}

	if responseType != "code" {
		redirectWithError(w, redirectURI, state, "unsupported_response_type", "only response_type=code is supported")
		return
	}
	if codeChallenge == "" {
		redirectWithError(w, redirectURI, state, "invalid_request", "code_challenge is required")
		return
	}
	if codeChallengeMethod != pkceChallengeMethodS256 {
		redirectWithError(w, redirectURI, state, "invalid_request", "code_challenge_method must be S256")
		return
	}
	if state == "" {
		logger.Warnw("authorization request missing state parameter",
			"client_id", clientID,
		)
	}

	upstreamURL, err := h.provider.Authorize(req.Context(), &AuthorizeRequest{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		State:               state,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		Scopes:              parseScopes(q.Get("scope")),
		Resource:            q.Get("resource"),
	})
	if err != nil {
		logger.Errorw("failed to start authorization",
			"client_id", clientID,
			"error", err.Error(),
		)
		redirectWithError(w, redirectURI, state, "server_error", "failed to start authorization")
		return
	}

	http.Redirect(w, req, upstreamURL, http.StatusFound)
}

// CallbackHandler handles GET /oauth/callback requests from the upstream
// identity provider. On success it redirects back to the client with this
// server's own authorization code.
func (h *Handler) CallbackHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	q := req.URL.Query()
	code := q.Get("code")
	upstreamState := q.Get("state")
	errorParam := q.Get("error")
	errorDescription := q.Get("error_description")

	if errorParam != "" {
		logger.Warnw("upstream identity provider returned error",
			"error", errorParam,
			"error_description", errorDescription,
		)
		// Consume the pending request so the client gets the error on its
		// own redirect URI when possible.
		if upstreamState != "" {
			if pending, err := h.provider.store.ConsumePendingAuthorization(ctx, upstreamState); err == nil {
				redirectWithError(w, pending.RedirectURI, pending.State, errorParam, errorDescription)
				return
			}
		}
		http.Error(w, "upstream authentication failed: "+errorParam, http.StatusBadRequest)
		return
	}

	if upstreamState == "" {
		http.Error(w, "missing state parameter", http.StatusBadRequest)
		return
	}
	if code == "" {
		http.Error(w, "missing code parameter", http.StatusBadRequest)
		return
	}

	result, err := h.provider.HandleCallback(ctx, upstreamState, code)
	if err != nil {
		logger.Errorw("callback handling failed",
			"error", err.Error(),
		)
		if errors.Is(err, ErrInvalidGrant) {
			http.Error(w, "authorization request not found or expired", http.StatusBadRequest)
			return
		}
		http.Error(w, "authorization failed", http.StatusBadGateway)
		return
	}

	http.Redirect(w, req, buildCallbackURL(result.RedirectURI, result.Code, result.State), http.StatusFound)
}

// TokenHandler handles POST /oauth/token requests for the
// authorization_code and refresh_token grants.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	grantType := req.PostForm.Get("grant_type")
	clientID := req.PostForm.Get("client_id")
	if clientID == "" {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}
	if _, err := h.provider.GetClient(req.Context(), clientID); err != nil {
		writeTokenError(w, http.StatusBadRequest, "invalid_client", "client not found")
		return
	}

	var (
		response *TokenResponse
		err      error
	)
	switch grantType {
	case "authorization_code":
		response, err = h.provider.ExchangeAuthorizationCode(
			req.Context(),
			req.PostForm.Get("code"),
			clientID,
			req.PostForm.Get("redirect_uri"),
			req.PostForm.Get("code_verifier"),
		)
	case "refresh_token":
		response, err = h.provider.ExchangeRefreshToken(
			req.Context(),
			req.PostForm.Get("refresh_token"),
			clientID,
			parseScopes(req.PostForm.Get("scope")),
		)
	default:
		writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
		return
	}

	if err != nil {
		logger.Warnw("token request failed",
			"grant_type", grantType,
			"client_id", clientID,
			"error", err.Error(),
		)
		switch {
		case errors.Is(err, ErrPKCEMismatch):
			writeTokenError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		case errors.Is(err, ErrInvalidScope):
			writeTokenError(w, http.StatusBadRequest, "invalid_scope", err.Error())
		case errors.Is(err, ErrInvalidGrant):
			writeTokenError(w, http.StatusBadRequest, "invalid_grant", err.Error())
		default:
			writeTokenError(w, http.StatusInternalServerError, "server_error", "failed to process token request")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Errorw("failed to encode token response",
			"error", err.Error(),
		)
	}
}

// RevokeHandler handles POST /oauth/revoke requests per RFC 7009. The
// response is 200 whether or not the token existed.
func (h *Handler) RevokeHandler(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	token := req.PostForm.Get("token")
	if token == "" {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	var err error
	switch hint := req.PostForm.Get("token_type_hint"); hint {
	case string(TokenKindAccess):
		err = h.provider.RevokeToken(req.Context(), token, TokenKindAccess)
	case string(TokenKindRefresh):
		err = h.provider.RevokeToken(req.Context(), token, TokenKindRefresh)
	default:
		// Unknown or absent hint; try both kinds per RFC 7009 Section 2.1.
		err = h.provider.RevokeTokenAnyKind(req.Context(), token)
	}
	if err != nil {
		logger.Errorw("revocation failed",
			"error", err.Error(),
		)
		writeTokenError(w, http.StatusInternalServerError, "server_error", "failed to revoke token")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// serverMetadata is the RFC 8414 authorization server metadata document.
type serverMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
}

// MetadataHandler handles GET /.well-known/oauth-authorization-server
// requests per RFC 8414.
func (h *Handler) MetadataHandler(w http.ResponseWriter, _ *http.Request) {
	issuer := h.provider.Config().Issuer
	metadata := serverMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/oauth/authorize",
		TokenEndpoint:                     issuer + "/oauth/token",
		RegistrationEndpoint:              issuer + "/oauth/register",
		RevocationEndpoint:                issuer + "/oauth/revoke",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		CodeChallengeMethodsSupported:     []string{pkceChallengeMethodS256},
		ScopesSupported:                   h.provider.Config().SupportedScopes,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(metadata); err != nil {
		logger.Errorw("failed to encode server metadata",
			"error", err.Error(),
		)
	}
}

// tokenError is an RFC 6749 Section 5.2 error response body.
type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeTokenError(w http.ResponseWriter, statusCode int, errorCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(tokenError{Error: errorCode, ErrorDescription: description})
}

func writeDCRError(w http.ResponseWriter, statusCode int, dcrErr *DCRError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(dcrErr)
}

// redirectWithError redirects to the client's redirect URI with OAuth error
// parameters, falling back to a plain error page when there is no URI.
func redirectWithError(w http.ResponseWriter, redirectURI, state, errorCode, description string) {
	if redirectURI == "" {
		http.Error(w, description, http.StatusBadRequest)
		return
	}
	u, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect URI", http.StatusBadRequest)
		return
	}
	q := u.Query()
	q.Set("error", errorCode)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	w.Header().Set("Location", u.String())
	w.WriteHeader(http.StatusFound)
}

// buildCallbackURL appends code and state to the client's redirect URI.
func buildCallbackURL(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func parseScopes(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}
