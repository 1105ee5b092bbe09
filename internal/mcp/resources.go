package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	usersURI          = "keyfleet://users"
	machinesURIPrefix = "keyfleet://users/"
	machinesURISuffix = "/machines"
)

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that LLM clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {

	// -------------------------------------------------------------------
	// keyfleet://users: every user keys can be issued for
	// -------------------------------------------------------------------
	srv.AddResource(
		mcp.NewResource(
			usersURI,
			"Key Owners",
			mcp.WithResourceDescription(
				"All users known to keyfleet. Use a user's id as user_id when issuing keys.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleUsersResource,
	)

	// -------------------------------------------------------------------
	// keyfleet://users/{userId}/machines: machines of one user
	// -------------------------------------------------------------------
	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"keyfleet://users/{userId}/machines",
			"User Machines",
			mcp.WithTemplateDescription(
				"Machines enrolled for a user. A machine id scopes a key to that machine.",
			),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleMachinesResource,
	)
}

func (s *MCPServer) handleUsersResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	users, err := s.dir.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return jsonContents(usersURI, users)
}

func (s *MCPServer) handleMachinesResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	uri := request.Params.URI
	userID := strings.TrimSuffix(strings.TrimPrefix(uri, machinesURIPrefix), machinesURISuffix)
	if userID == "" || userID == uri || strings.Contains(userID, "/") {
		return nil, fmt.Errorf("invalid machines URI %q: expected keyfleet://users/{userId}/machines", uri)
	}

	machines, err := s.dir.ListMachines(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list machines of %q: %w", userID, err)
	}
	return jsonContents(uri, machines)
}

func jsonContents(uri string, v interface{}) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
