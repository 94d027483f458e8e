package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/sjifire/backoffice/pkg/auth"
)

// Handler handles MCP tool requests for the back office.
type Handler struct {
	officerGroupID string
}

// NewHandler creates a new back-office tool handler.
func NewHandler(officerGroupID string) *Handler {
	return &Handler{officerGroupID: officerGroupID}
}

type whoamiResponse struct {
	Email     string   `json:"email"`
	Name      string   `json:"name,omitempty"`
	UserID    string   `json:"user_id"`
	Groups    []string `json:"groups,omitempty"`
	IsOfficer bool     `json:"is_officer"`
}

// Whoami reports the identity resolved from the bearer token.
func (h *Handler) Whoami(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("no authenticated identity on this request"), nil
	}

	response := whoamiResponse{
		Email:     identity.Email,
		Name:      identity.Name,
		UserID:    identity.UserID,
		Groups:    identity.Groups,
		IsOfficer: h.isOfficer(identity),
	}

	data, err := json.MarshalIndent(response, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal identity: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

type dashboardResponse struct {
	Greeting   string `json:"greeting"`
	Email      string `json:"email"`
	IsOfficer  bool   `json:"is_officer"`
	GroupCount int    `json:"group_count"`
}

// Dashboard returns a short per-user summary. Officers get the officer
// flag set so clients can surface officer-only workflows.
func (h *Handler) Dashboard(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("no authenticated identity on this request"), nil
	}

	response := dashboardResponse{
		Greeting:   fmt.Sprintf("Welcome back, %s", displayName(identity)),
		Email:      identity.Email,
		IsOfficer:  h.isOfficer(identity),
		GroupCount: len(identity.Groups),
	}

	data, err := json.MarshalIndent(response, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal dashboard: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// isOfficer reports whether the identity belongs to the configured officer
// group. Gating is disabled when no group is configured.
func (h *Handler) isOfficer(identity *auth.Identity) bool {
	return h.officerGroupID != "" && identity.InGroup(h.officerGroupID)
}

// displayName prefers the directory display name and falls back to the
// local part of the email address.
func displayName(identity *auth.Identity) string {
	if identity.Name != "" {
		return identity.Name
	}
	if local, _, found := strings.Cut(identity.Email, "@"); found && local != "" {
		return local
	}
	return identity.Email
}
