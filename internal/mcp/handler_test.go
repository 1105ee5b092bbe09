package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/keyfleet/keyfleet/internal/config"
	"github.com/keyfleet/keyfleet/internal/controlplane"
	"github.com/keyfleet/keyfleet/internal/model"
	"github.com/keyfleet/keyfleet/internal/service"
)

// fakeKeys is an in-memory KeyService.
type fakeKeys struct {
	keys      map[string]*model.AuthKey
	issued    []service.IssueKeyRequest
	keyFilter model.KeyFilter
	window    time.Duration
	issueErr  error
}

func newFakeKeys() *fakeKeys {
	return &fakeKeys{keys: map[string]*model.AuthKey{
		"k1": {ID: "k1", OwnerUserID: "u1", MaskedValue: "******abcdef", CipherText: "cipher", Active: true},
	}}
}

func (f *fakeKeys) IssueKey(_ context.Context, req service.IssueKeyRequest) (*model.AuthKey, error) {
	if f.issueErr != nil {
		return nil, f.issueErr
	}
	f.issued = append(f.issued, req)
	k := &model.AuthKey{ID: "k2", OwnerUserID: req.OwnerUserID, MaskedValue: "******123456", Active: true, Reusable: req.Reusable}
	f.keys[k.ID] = k
	return k, nil
}

func (f *fakeKeys) RevokeKey(_ context.Context, id string) error {
	k, ok := f.keys[id]
	if !ok {
		return fmt.Errorf("auth key %s: %w", id, config.ErrNotFound)
	}
	k.Active, k.Revoked = false, true
	return nil
}

func (f *fakeKeys) GetKey(_ context.Context, id string) (*model.AuthKey, error) {
	k, ok := f.keys[id]
	if !ok {
		return nil, config.ErrNotFound
	}
	return k, nil
}

func (f *fakeKeys) ListKeys(_ context.Context, filter model.KeyFilter) ([]model.AuthKey, error) {
	f.keyFilter = filter
	var out []model.AuthKey
	for _, k := range f.keys {
		out = append(out, *k)
	}
	return out, nil
}

func (f *fakeKeys) ListEvents(context.Context, model.EventFilter) ([]model.Event, error) {
	keyID := "k1"
	return []model.Event{{ID: 1, Type: model.EventKeyCreated, KeyID: &keyID}}, nil
}

func (f *fakeKeys) ListDevices(context.Context) ([]controlplane.Device, error) {
	return nil, &controlplane.AuthenticationError{Err: fmt.Errorf("invalid_client")}
}

func (f *fakeKeys) RotateIfNecessary(_ context.Context, window time.Duration) (*service.RotationReport, error) {
	f.window = window
	return &service.RotationReport{Scanned: 2, Rotated: 1}, nil
}

type fakeDirectory struct{}

func (fakeDirectory) ListUsers(context.Context) ([]model.User, error) {
	return []model.User{{ID: "u1", Email: "u1@example.com"}}, nil
}

func (fakeDirectory) ListMachines(_ context.Context, userID string) ([]model.Machine, error) {
	if userID != "u1" {
		return nil, config.ErrNotFound
	}
	return []model.Machine{{ID: "m1", UserID: "u1", Hostname: "web-1"}}, nil
}

func newTestServer(keys *fakeKeys) *MCPServer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMCPServer(keys, fakeDirectory{}, 7*24*time.Hour, "test", logger)
}

func callRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return tc.Text
}

func TestToolsRegistered(t *testing.T) {
	s := newTestServer(newFakeKeys())
	msg := s.Server().HandleMessage(context.Background(),
		json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, name := range []string{
		"keyfleet_list_keys", "keyfleet_issue_key", "keyfleet_revoke_key",
		"keyfleet_rotate_now", "keyfleet_list_devices", "keyfleet_list_events",
	} {
		if !strings.Contains(string(b), `"`+name+`"`) {
			t.Errorf("tool %s not registered", name)
		}
	}
}

func TestListKeysHidesCipherText(t *testing.T) {
	keys := newFakeKeys()
	s := newTestServer(keys)

	res, err := s.handleListKeys(context.Background(), callRequest("keyfleet_list_keys", map[string]interface{}{
		"user_id":     "u1",
		"active_only": true,
		"limit":       float64(10000),
	}))
	if err != nil {
		t.Fatalf("handleListKeys: %v", err)
	}
	text := resultText(t, res)
	if strings.Contains(text, "cipher") {
		t.Errorf("ciphertext leaked: %s", text)
	}
	if !strings.Contains(text, `"state": "active"`) {
		t.Errorf("expected derived state, got %s", text)
	}
	want := model.KeyFilter{OwnerUserID: "u1", ActiveOnly: true, Limit: maxLimit}
	if keys.keyFilter != want {
		t.Errorf("filter = %+v, want %+v", keys.keyFilter, want)
	}
}

func TestIssueKeyDefaults(t *testing.T) {
	keys := newFakeKeys()
	s := newTestServer(keys)

	res, err := s.handleIssueKey(context.Background(), callRequest("keyfleet_issue_key", map[string]interface{}{
		"user_id":  "u1",
		"ttl_days": float64(30),
		"tags":     []interface{}{"tag:server"},
	}))
	if err != nil {
		t.Fatalf("handleIssueKey: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}
	if len(keys.issued) != 1 {
		t.Fatalf("expected one issue call, got %d", len(keys.issued))
	}
	req := keys.issued[0]
	if !req.Reusable || !req.Preauthorized || req.Ephemeral {
		t.Errorf("unexpected flags %+v", req)
	}
	if req.TTLSeconds != 2592000 {
		t.Errorf("TTLSeconds = %d, want 2592000", req.TTLSeconds)
	}
	if len(req.Tags) != 1 || req.Tags[0] != "tag:server" {
		t.Errorf("Tags = %v", req.Tags)
	}
}

func TestIssueKeyErrors(t *testing.T) {
	keys := newFakeKeys()
	s := newTestServer(keys)

	res, _ := s.handleIssueKey(context.Background(), callRequest("keyfleet_issue_key", map[string]interface{}{}))
	if !res.IsError || !strings.Contains(resultText(t, res), "user_id") {
		t.Errorf("expected missing user_id error")
	}

	res, _ = s.handleIssueKey(context.Background(), callRequest("keyfleet_issue_key", map[string]interface{}{
		"user_id": "u1", "ttl_days": float64(-1),
	}))
	if !res.IsError {
		t.Error("expected error for negative ttl")
	}

	keys.issueErr = &controlplane.TransientNetworkError{Op: "create key", Err: context.DeadlineExceeded}
	res, _ = s.handleIssueKey(context.Background(), callRequest("keyfleet_issue_key", map[string]interface{}{"user_id": "u1"}))
	if !res.IsError || !strings.Contains(resultText(t, res), "retry later") {
		t.Errorf("expected transient hint, got %s", resultText(t, res))
	}
}

func TestRevokeKey(t *testing.T) {
	s := newTestServer(newFakeKeys())

	res, err := s.handleRevokeKey(context.Background(), callRequest("keyfleet_revoke_key", map[string]interface{}{"key_id": "k1"}))
	if err != nil {
		t.Fatalf("handleRevokeKey: %v", err)
	}
	if !strings.Contains(resultText(t, res), `"state": "revoked"`) {
		t.Errorf("expected revoked state, got %s", resultText(t, res))
	}

	res, _ = s.handleRevokeKey(context.Background(), callRequest("keyfleet_revoke_key", map[string]interface{}{"key_id": "nope"}))
	if !res.IsError || !strings.Contains(resultText(t, res), "not found") {
		t.Errorf("expected not found error, got %s", resultText(t, res))
	}
}

func TestRotateNowWindow(t *testing.T) {
	keys := newFakeKeys()
	s := newTestServer(keys)

	res, err := s.handleRotateNow(context.Background(), callRequest("keyfleet_rotate_now", nil))
	if err != nil {
		t.Fatalf("handleRotateNow: %v", err)
	}
	if keys.window != 7*24*time.Hour {
		t.Errorf("default window = %v", keys.window)
	}
	if !strings.Contains(resultText(t, res), `"rotated": 1`) {
		t.Errorf("unexpected report %s", resultText(t, res))
	}

	s.handleRotateNow(context.Background(), callRequest("keyfleet_rotate_now", map[string]interface{}{"warn_days": float64(3)}))
	if keys.window != 3*24*time.Hour {
		t.Errorf("window = %v, want 72h", keys.window)
	}
}

func TestListDevicesAuthFailure(t *testing.T) {
	s := newTestServer(newFakeKeys())
	res, _ := s.handleListDevices(context.Background(), callRequest("keyfleet_list_devices", nil))
	if !res.IsError || !strings.Contains(resultText(t, res), "authentication failed") {
		t.Errorf("expected auth hint, got %s", resultText(t, res))
	}
}

func TestListEventsType(t *testing.T) {
	s := newTestServer(newFakeKeys())

	res, _ := s.handleListEvents(context.Background(), callRequest("keyfleet_list_events", map[string]interface{}{"type": "KEY_LOST"}))
	if !res.IsError {
		t.Error("expected error for unknown type")
	}

	res, _ = s.handleListEvents(context.Background(), callRequest("keyfleet_list_events", map[string]interface{}{"type": "KEY_CREATED"}))
	if res.IsError || !strings.Contains(resultText(t, res), "KEY_CREATED") {
		t.Errorf("unexpected result %s", resultText(t, res))
	}
}

func TestMachinesResource(t *testing.T) {
	s := newTestServer(newFakeKeys())

	var req mcp.ReadResourceRequest
	req.Params.URI = "keyfleet://users/u1/machines"
	contents, err := s.handleMachinesResource(context.Background(), req)
	if err != nil {
		t.Fatalf("handleMachinesResource: %v", err)
	}
	text := contents[0].(mcp.TextResourceContents).Text
	if !strings.Contains(text, "web-1") {
		t.Errorf("unexpected contents %s", text)
	}

	req.Params.URI = "keyfleet://users//machines"
	if _, err := s.handleMachinesResource(context.Background(), req); err == nil {
		t.Error("expected error for empty user id")
	}
}

func TestUsersResource(t *testing.T) {
	s := newTestServer(newFakeKeys())
	contents, err := s.handleUsersResource(context.Background(), mcp.ReadResourceRequest{})
	if err != nil {
		t.Fatalf("handleUsersResource: %v", err)
	}
	if !strings.Contains(contents[0].(mcp.TextResourceContents).Text, "u1@example.com") {
		t.Error("expected user email in resource")
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		name     string
		val      int
		min      int
		max      int
		expected int
	}{
		{"value in range", 5, 1, 10, 5},
		{"value below min", -3, 1, 10, 1},
		{"value above max", 15, 1, 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clamp(tt.val, tt.min, tt.max)
			if got != tt.expected {
				t.Errorf("clamp(%d, %d, %d) = %d, want %d", tt.val, tt.min, tt.max, got, tt.expected)
			}
		})
	}
}

func TestAnnotations(t *testing.T) {
	if ann := readOnlyAnnotation(); ann.ReadOnlyHint == nil || !*ann.ReadOnlyHint {
		t.Error("readOnlyAnnotation should set ReadOnlyHint")
	}
	if ann := mutatingAnnotation(); ann.ReadOnlyHint == nil || *ann.ReadOnlyHint {
		t.Error("mutatingAnnotation should clear ReadOnlyHint")
	}
	if ann := destructiveAnnotation(); ann.DestructiveHint == nil || !*ann.DestructiveHint {
		t.Error("destructiveAnnotation should set DestructiveHint")
	}
}
