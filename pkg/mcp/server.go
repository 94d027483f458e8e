// Package mcp exposes the back-office tool surface over the Model Context
// Protocol. The streamable HTTP endpoint sits behind the bearer-token
// middleware, so every tool handler sees the caller's resolved identity in
// the request context.
package mcp

import (
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sjifire/backoffice/pkg/auth"
	"github.com/sjifire/backoffice/pkg/versions"
)

const (
	serverName = "sjifire-backoffice"

	// EndpointPath is the path the streamable HTTP transport answers on.
	EndpointPath = "/mcp"

	defaultRealm = "sjifire-backoffice"
)

// Config holds the configuration for the back-office MCP server.
type Config struct {
	// Realm is the WWW-Authenticate realm returned on 401s. Defaults to
	// the server name when empty.
	Realm string
	// OfficerGroupID is the directory group object ID whose members get
	// officer-only functionality. Empty disables officer gating.
	OfficerGroupID string
}

// Server wraps the MCP server and its authenticated HTTP transport.
type Server struct {
	mcpServer *server.MCPServer
	handler   http.Handler
}

// New creates the back-office MCP server. Requests reaching the tool
// handlers have already passed bearer-token authentication.
func New(authn auth.TokenAuthenticator, config *Config) (*Server, error) {
	if authn == nil {
		return nil, fmt.Errorf("token authenticator is required")
	}
	if config == nil {
		config = &Config{}
	}
	realm := config.Realm
	if realm == "" {
		realm = defaultRealm
	}

	versionInfo := versions.GetVersionInfo()
	mcpServer := server.NewMCPServer(
		serverName,
		versionInfo.Version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)

	handler := NewHandler(config.OfficerGroupID)
	registerTools(mcpServer, handler)

	streamableServer := server.NewStreamableHTTPServer(
		mcpServer,
		server.WithEndpointPath(EndpointPath),
	)

	return &Server{
		mcpServer: mcpServer,
		handler:   auth.Middleware(authn, realm)(streamableServer),
	}, nil
}

// Handler returns the authenticated streamable HTTP handler, ready to be
// mounted at EndpointPath.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// registerTools registers all MCP tools with the server
func registerTools(mcpServer *server.MCPServer, handler *Handler) {
	mcpServer.AddTool(mcp.Tool{
		Name:        "whoami",
		Description: "Show the authenticated user's identity and group memberships",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, handler.Whoami)

	mcpServer.AddTool(mcp.Tool{
		Name:        "dashboard",
		Description: "Back-office dashboard summary for the authenticated user",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, handler.Dashboard)
}
