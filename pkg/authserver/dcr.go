package authserver

import (
	"net/url"
	"slices"
)

// DCR error codes per RFC 7591 Section 3.2.2.
const (
	// DCRErrorInvalidRedirectURI indicates that the value of one or more
	// redirect_uris is invalid.
	DCRErrorInvalidRedirectURI = "invalid_redirect_uri"

	// DCRErrorInvalidClientMetadata indicates that one of the client
	// metadata fields is invalid and the server has rejected this request.
	DCRErrorInvalidClientMetadata = "invalid_client_metadata"
)

// Validation limits to prevent oversized registration requests.
const (
	// MaxRedirectURICount is the maximum number of redirect URIs per client.
	MaxRedirectURICount = 10

	// MaxClientNameLength is the maximum allowed length for a client name.
	MaxClientNameLength = 256
)

// DCRRequest represents an OAuth 2.0 Dynamic Client Registration request
// per RFC 7591 Section 2.
type DCRRequest struct {
	// RedirectURIs is an array of redirection URIs for the client. Required.
	RedirectURIs []string `json:"redirect_uris"`

	// ClientName is a human-readable name for the client.
	ClientName string `json:"client_name,omitempty"`

	// TokenEndpointAuthMethod must be "none"; only public clients are served.
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`

	// GrantTypes defaults to ["authorization_code", "refresh_token"].
	GrantTypes []string `json:"grant_types,omitempty"`

	// ResponseTypes defaults to ["code"].
	ResponseTypes []string `json:"response_types,omitempty"`
}

// DCRResponse represents a successful registration response per RFC 7591
// Section 3.2.1.
type DCRResponse struct {
	ClientID                string   `json:"client_id"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
}

// DCRError represents a registration error response per RFC 7591
// Section 3.2.2.
type DCRError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

var defaultGrantTypes = []string{"authorization_code", "refresh_token"}

var allowedGrantTypes = map[string]bool{
	"authorization_code": true,
	"refresh_token":      true,
}

var defaultResponseTypes = []string{"code"}

var allowedResponseTypes = map[string]bool{
	"code": true,
}

// ValidateDCRRequest validates a registration request according to RFC 7591
// and the server's security policy (public clients only, HTTPS redirects
// except loopback). Returns the request with defaults applied, or an error.
func ValidateDCRRequest(req *DCRRequest) (*DCRRequest, *DCRError) {
	if len(req.RedirectURIs) == 0 {
		return nil, &DCRError{
			Error:            DCRErrorInvalidRedirectURI,
			ErrorDescription: "redirect_uris is required",
		}
	}
	if len(req.RedirectURIs) > MaxRedirectURICount {
		return nil, &DCRError{
			Error:            DCRErrorInvalidRedirectURI,
			ErrorDescription: "too many redirect_uris (maximum 10)",
		}
	}
	for _, uri := range req.RedirectURIs {
		if err := ValidateRedirectURI(uri); err != nil {
			return nil, err
		}
	}

	if len(req.ClientName) > MaxClientNameLength {
		return nil, &DCRError{
			Error:            DCRErrorInvalidClientMetadata,
			ErrorDescription: "client_name too long (maximum 256 characters)",
		}
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "none"
	}
	if authMethod != "none" {
		return nil, &DCRError{
			Error:            DCRErrorInvalidClientMetadata,
			ErrorDescription: "token_endpoint_auth_method must be 'none' for public clients",
		}
	}

	grantTypes, dcrErr := validateGrantTypes(req.GrantTypes)
	if dcrErr != nil {
		return nil, dcrErr
	}
	responseTypes, dcrErr := validateResponseTypes(req.ResponseTypes)
	if dcrErr != nil {
		return nil, dcrErr
	}

	return &DCRRequest{
		RedirectURIs:            req.RedirectURIs,
		ClientName:              req.ClientName,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
	}, nil
}

func validateGrantTypes(grantTypes []string) ([]string, *DCRError) {
	if len(grantTypes) == 0 {
		grantTypes = defaultGrantTypes
	}
	// Require authorization_code explicitly for a clearer error on the
	// "refresh_token only" case that would otherwise pass the allowlist.
	if !slices.Contains(grantTypes, "authorization_code") {
		return nil, &DCRError{
			Error:            DCRErrorInvalidClientMetadata,
			ErrorDescription: "grant_types must include 'authorization_code'",
		}
	}
	for _, gt := range grantTypes {
		if !allowedGrantTypes[gt] {
			return nil, &DCRError{
				Error:            DCRErrorInvalidClientMetadata,
				ErrorDescription: "unsupported grant_type: " + gt,
			}
		}
	}
	return grantTypes, nil
}

func validateResponseTypes(responseTypes []string) ([]string, *DCRError) {
	if len(responseTypes) == 0 {
		responseTypes = defaultResponseTypes
	}
	if !slices.Contains(responseTypes, "code") {
		return nil, &DCRError{
			Error:            DCRErrorInvalidClientMetadata,
			ErrorDescription: "response_types must include 'code'",
		}
	}
	for _, rt := range responseTypes {
		if !allowedResponseTypes[rt] {
			return nil, &DCRError{
				Error:            DCRErrorInvalidClientMetadata,
				ErrorDescription: "unsupported response_type: " + rt,
			}
		}
	}
	return responseTypes, nil
}

// ValidateRedirectURI validates a redirect URI per RFC 8252:
// HTTPS is allowed for any host, HTTP only for loopback addresses.
// Private-use schemes are rejected.
func ValidateRedirectURI(uri string) *DCRError {
	parsed, err := url.Parse(uri)
	if err != nil {
		return &DCRError{
			Error:            DCRErrorInvalidRedirectURI,
			ErrorDescription: "invalid redirect URI: " + uri,
		}
	}
	switch parsed.Scheme {
	case "https":
		if parsed.Host == "" {
			return &DCRError{
				Error:            DCRErrorInvalidRedirectURI,
				ErrorDescription: "redirect URI must have a host: " + uri,
			}
		}
		return nil
	case "http":
		if !isLoopbackHost(parsed.Hostname()) {
			return &DCRError{
				Error:            DCRErrorInvalidRedirectURI,
				ErrorDescription: "http redirect URIs are only allowed for loopback addresses: " + uri,
			}
		}
		return nil
	default:
		return &DCRError{
			Error:            DCRErrorInvalidRedirectURI,
			ErrorDescription: "redirect URI scheme must be https or loopback http: " + uri,
		}
	}
}
