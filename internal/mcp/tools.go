package mcp

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/keyfleet/keyfleet/internal/model"
	"github.com/keyfleet/keyfleet/internal/service"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// registerTools registers all keyfleet MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Read tools -----

	srv.AddTool(
		mcp.NewTool("keyfleet_list_keys",
			mcp.WithDescription(
				"List stored auth keys with their masked value, owner, expiry and state "+
					"(active, expired, rotated or revoked). Plaintext keys are never returned.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("user_id",
				mcp.Description("Only keys owned by this user"),
			),
			mcp.WithBoolean("active_only",
				mcp.Description("Only keys that are still active (default false)"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of keys to return (default 50, max 500)"),
			),
		),
		s.handleListKeys,
	)

	srv.AddTool(
		mcp.NewTool("keyfleet_list_devices",
			mcp.WithDescription(
				"List devices enrolled in the tailnet, as reported by the control plane.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListDevices,
	)

	srv.AddTool(
		mcp.NewTool("keyfleet_list_events",
			mcp.WithDescription(
				"List audit events, newest first. Event types are KEY_CREATED, "+
					"KEY_ROTATED and KEY_REVOKED.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("user_id",
				mcp.Description("Only events of this user"),
			),
			mcp.WithString("key_id",
				mcp.Description("Only events of this key"),
			),
			mcp.WithString("type",
				mcp.Description("Only events of this type"),
				mcp.Enum(string(model.EventKeyCreated), string(model.EventKeyRotated), string(model.EventKeyRevoked)),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of events to return (default 50, max 500)"),
			),
		),
		s.handleListEvents,
	)

	// ----- Mutation tools -----

	srv.AddTool(
		mcp.NewTool("keyfleet_issue_key",
			mcp.WithDescription(
				"Issue a new auth key for a user, optionally bound to one of the user's "+
					"machines. The key is created on the control plane and stored encrypted; "+
					"only the masked value is returned.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("user_id",
				mcp.Required(),
				mcp.Description("Owner of the new key"),
			),
			mcp.WithString("machine_id",
				mcp.Description("Machine the key is bound to"),
			),
			mcp.WithString("description",
				mcp.Description("Free-form description shown on the control plane"),
			),
			mcp.WithNumber("ttl_days",
				mcp.Description("Lifetime in days (default 30)"),
			),
			mcp.WithBoolean("reusable",
				mcp.Description("Allow the key to enroll several devices (default true)"),
			),
			mcp.WithBoolean("ephemeral",
				mcp.Description("Devices enrolled with the key are removed when offline (default false)"),
			),
			mcp.WithBoolean("preauthorized",
				mcp.Description("Devices need no manual approval (default true)"),
			),
			mcp.WithArray("tags",
				mcp.Description("ACL tags, each of the form tag:<name>"),
				mcp.WithStringItems(),
			),
		),
		s.handleIssueKey,
	)

	srv.AddTool(
		mcp.NewTool("keyfleet_revoke_key",
			mcp.WithDescription(
				"Revoke an auth key on the control plane and mark it revoked locally. "+
					"Devices already enrolled with the key stay enrolled.",
			),
			mcp.WithToolAnnotation(destructiveAnnotation()),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("Local ID of the key to revoke"),
			),
		),
		s.handleRevokeKey,
	)

	srv.AddTool(
		mcp.NewTool("keyfleet_rotate_now",
			mcp.WithDescription(
				"Run a rotation sweep now: every active key expiring within the warn "+
					"window is replaced by a fresh key and the old one is revoked. "+
					"Returns the sweep report.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithNumber("warn_days",
				mcp.Description("Look-ahead window in days (defaults to the configured rotation.warn_days)"),
			),
		),
		s.handleRotateNow,
	)
}

// ---------------------------------------------------------------------------
// Tool handlers
// ---------------------------------------------------------------------------

type keyInfo struct {
	model.AuthKey
	State model.KeyState `json:"state"`
}

func (s *MCPServer) keyInfo(k *model.AuthKey) keyInfo {
	return keyInfo{AuthKey: *k, State: k.State(s.now())}
}

// handleListKeys returns stored keys with their derived state.
func (s *MCPServer) handleListKeys(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	keys, err := s.keys.ListKeys(ctx, model.KeyFilter{
		OwnerUserID: optionalString(request, "user_id"),
		ActiveOnly:  optionalBool(request, "active_only", false),
		Limit:       clamp(optionalInt(request, "limit", defaultLimit), 1, maxLimit),
	})
	if err != nil {
		return toolError("Failed to list keys: %s", describeError(err))
	}

	items := make([]keyInfo, 0, len(keys))
	for i := range keys {
		items = append(items, s.keyInfo(&keys[i]))
	}
	return successJSON(items)
}

// handleListDevices returns the tailnet's devices.
func (s *MCPServer) handleListDevices(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	devices, err := s.keys.ListDevices(ctx)
	if err != nil {
		return toolError("Failed to list devices: %s", describeError(err))
	}
	return successJSON(devices)
}

// handleListEvents returns audit events.
func (s *MCPServer) handleListEvents(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	typ := model.EventType(optionalString(request, "type"))
	switch typ {
	case "", model.EventKeyCreated, model.EventKeyRotated, model.EventKeyRevoked:
	default:
		return toolError("Unknown event type %q. Use KEY_CREATED, KEY_ROTATED or KEY_REVOKED.", typ)
	}

	events, err := s.keys.ListEvents(ctx, model.EventFilter{
		OwnerUserID: optionalString(request, "user_id"),
		KeyID:       optionalString(request, "key_id"),
		Type:        typ,
		Limit:       clamp(optionalInt(request, "limit", defaultLimit), 1, maxLimit),
	})
	if err != nil {
		return toolError("Failed to list events: %s", describeError(err))
	}
	return successJSON(events)
}

// handleIssueKey creates a key for a user.
func (s *MCPServer) handleIssueKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	userID, err := requireString(request, "user_id")
	if err != nil {
		return toolError("%v", err)
	}
	ttlDays := optionalInt(request, "ttl_days", 0)
	if ttlDays < 0 {
		return toolError("ttl_days must not be negative")
	}

	key, err := s.keys.IssueKey(ctx, service.IssueKeyRequest{
		OwnerUserID:    userID,
		OwnerMachineID: optionalString(request, "machine_id"),
		Description:    optionalString(request, "description"),
		TTLSeconds:     int64(ttlDays) * int64(24*time.Hour/time.Second),
		Reusable:       optionalBool(request, "reusable", true),
		Ephemeral:      optionalBool(request, "ephemeral", false),
		Preauthorized:  optionalBool(request, "preauthorized", true),
		Tags:           optionalStringSlice(request, "tags"),
	})
	if err != nil {
		return toolError("Failed to issue key: %s", describeError(err))
	}

	s.logger.Info("key issued via MCP", "key_id", key.ID, "owner", key.OwnerUserID, "key", key.MaskedValue)
	return successJSON(s.keyInfo(key))
}

// handleRevokeKey revokes a key and returns its final state.
func (s *MCPServer) handleRevokeKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	keyID, err := requireString(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}

	if err := s.keys.RevokeKey(ctx, keyID); err != nil {
		return toolError("Failed to revoke key %s: %s", keyID, describeError(err))
	}
	key, err := s.keys.GetKey(ctx, keyID)
	if err != nil {
		return toolError("Key %s was revoked but could not be reloaded: %s", keyID, describeError(err))
	}

	s.logger.Info("key revoked via MCP", "key_id", key.ID, "key", key.MaskedValue)
	return successJSON(s.keyInfo(key))
}

// handleRotateNow runs one rotation sweep synchronously.
func (s *MCPServer) handleRotateNow(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	window := s.warnWindow
	if days := optionalInt(request, "warn_days", 0); days > 0 {
		window = time.Duration(days) * 24 * time.Hour
	}

	report, err := s.keys.RotateIfNecessary(ctx, window)
	if err != nil {
		return toolError("Rotation sweep failed: %s", describeError(err))
	}
	return successJSON(report)
}
