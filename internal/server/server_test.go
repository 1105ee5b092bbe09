package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/keyfleet/keyfleet/internal/config"
	"github.com/keyfleet/keyfleet/internal/controlplane"
	"github.com/keyfleet/keyfleet/internal/metrics"
	"github.com/keyfleet/keyfleet/internal/model"
	"github.com/keyfleet/keyfleet/internal/scheduler"
	"github.com/keyfleet/keyfleet/internal/secret"
	"github.com/keyfleet/keyfleet/internal/service"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// fakeTailnet is an in-memory control plane speaking the key and device API.
type fakeTailnet struct {
	mu         sync.Mutex
	seq        int
	keys       map[string]bool
	failCreate bool
	failRevoke int // status returned by DELETE when non-zero
}

func (f *fakeTailnet) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v2/tailnet/-/keys", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failCreate {
			http.Error(w, `{"message":"boom"}`, http.StatusInternalServerError)
			return
		}
		f.seq++
		id := fmt.Sprintf("k%04dCNTRL", f.seq)
		f.keys[id] = true
		json.NewEncoder(w).Encode(map[string]string{
			"id":      id,
			"key":     "tskey-auth-" + id + "-0123456789abcdef",
			"created": time.Now().UTC().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("DELETE /api/v2/tailnet/-/keys/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failRevoke != 0 {
			w.WriteHeader(f.failRevoke)
			return
		}
		delete(f.keys, r.PathValue("id"))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/v2/tailnet/-/keys", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var keys []map[string]string
		for id := range f.keys {
			keys = append(keys, map[string]string{"id": id})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"keys": keys})
	})
	mux.HandleFunc("GET /api/v2/tailnet/-/keys/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id := r.PathValue("id")
		if !f.keys[id] {
			http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"id": id, "description": "keyfleet"})
	})
	mux.HandleFunc("GET /api/v2/tailnet/-/devices", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"devices": []map[string]interface{}{
			{"id": "n1", "hostname": "web-1", "name": "web-1.tail.ts.net", "authorized": true},
		}})
	})
	return mux
}

type tokenFunc func(context.Context) (string, error)

func (f tokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

type stubRotation struct {
	triggered int
	last      *scheduler.Status
}

func (s *stubRotation) Trigger() bool {
	s.triggered++
	return s.triggered == 1
}

func (s *stubRotation) LastRun(context.Context) (*scheduler.Status, error) { return s.last, nil }

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server   *Server
	store    *config.Store
	tailnet  *fakeTailnet
	rotation *stubRotation
	keys     *service.KeyService
}

// newTestEnv creates a fresh environment with an in-memory store, a fake
// control plane and a fully wired Server.
func newTestEnv(t *testing.T, allowReveal bool) *testEnv {
	t.Helper()

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tailnet := &fakeTailnet{keys: map[string]bool{}}
	cp := httptest.NewServer(tailnet.handler())
	t.Cleanup(cp.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := controlplane.NewClient(controlplane.ClientConfig{BaseURL: cp.URL + "/api/v2"},
		tokenFunc(func(context.Context) (string, error) { return "test-token", nil }), logger)

	encKey, err := secret.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	codec, err := secret.NewCodecFromString(encKey)
	if err != nil {
		t.Fatalf("NewCodecFromString: %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	keys := service.NewKeyService(store, client, codec, service.Options{Metrics: m, Logger: logger})
	rotation := &stubRotation{}

	cfg := DefaultConfig()
	cfg.AllowReveal = allowReveal
	srv := New(cfg, Deps{
		Keys:      keys,
		Directory: store,
		Rotation:  rotation,
		Store:     store,
		Metrics:   m,
		Gatherer:  reg,
	}, logger)

	return &testEnv{server: srv, store: store, tailnet: tailnet, rotation: rotation, keys: keys}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) seedUser(t *testing.T) *model.User {
	t.Helper()
	u := &model.User{Email: "u1@example.com"}
	if err := e.store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewBuffer(b)
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d; body: %s", want, rr.Code, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response: %v; body: %s", err, rr.Body.String())
	}
}

type keyResponse struct {
	ID          string `json:"id"`
	RemoteKeyID string `json:"remote_key_id"`
	MaskedValue string `json:"masked_value"`
	Active      bool   `json:"active"`
	Revoked     bool   `json:"revoked"`
	Reusable    bool   `json:"reusable"`
	State       string `json:"state"`
	ExpiresAt   string `json:"expires_at"`
}

type listResponse struct {
	Resource []json.RawMessage `json:"resource"`
	Meta     struct {
		Count int `json:"count"`
	} `json:"meta"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ---------------------------------------------------------------------------
// Probes
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, false)
	rr := env.do(t, "GET", "/healthz", nil)
	assertStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("unexpected body %s", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t, false)
	rr := env.do(t, "GET", "/readyz", nil)
	assertStatus(t, rr, http.StatusOK)

	env.store.Close()
	rr = env.do(t, "GET", "/readyz", nil)
	assertStatus(t, rr, http.StatusServiceUnavailable)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	env.do(t, "GET", "/healthz", nil)

	rr := env.do(t, "GET", "/metrics", nil)
	assertStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), "keyfleet_http_requests_total") {
		t.Errorf("expected http metrics in scrape output")
	}
}

func TestOpenAPISpec(t *testing.T) {
	env := newTestEnv(t, false)
	rr := env.do(t, "GET", "/openapi.json", nil)
	assertStatus(t, rr, http.StatusOK)

	var doc map[string]interface{}
	decodeJSON(t, rr, &doc)
	paths, _ := doc["paths"].(map[string]interface{})
	if _, ok := paths["/api/v1/keys"]; !ok {
		t.Errorf("expected /api/v1/keys in OpenAPI paths")
	}
}

// ---------------------------------------------------------------------------
// Key lifecycle
// ---------------------------------------------------------------------------

func TestKeyLifecycle(t *testing.T) {
	env := newTestEnv(t, true)
	u := env.seedUser(t)

	rr := env.do(t, "POST", "/api/v1/keys", jsonBody(t, map[string]interface{}{
		"owner_user_id": u.ID,
		"ttl_seconds":   2592000,
		"tags":          []string{"tag:server"},
	}))
	assertStatus(t, rr, http.StatusCreated)

	var key keyResponse
	decodeJSON(t, rr, &key)
	if !key.Active || key.Revoked || key.State != "active" {
		t.Fatalf("unexpected new key %+v", key)
	}
	if !key.Reusable {
		t.Error("reusable should default to true")
	}
	if !strings.HasSuffix(key.MaskedValue, "abcdef") || strings.Contains(rr.Body.String(), "tskey-auth") {
		t.Errorf("expected only masked key in response, got %s", rr.Body.String())
	}

	rr = env.do(t, "GET", "/api/v1/keys/"+key.ID, nil)
	assertStatus(t, rr, http.StatusOK)

	rr = env.do(t, "GET", "/api/v1/keys/"+key.ID+"/secret", nil)
	assertStatus(t, rr, http.StatusOK)
	var sec struct {
		Key string `json:"key"`
	}
	decodeJSON(t, rr, &sec)
	if sec.Key != "tskey-auth-"+key.RemoteKeyID+"-0123456789abcdef" {
		t.Errorf("unexpected revealed key %q", sec.Key)
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Error("expected Cache-Control: no-store on secret response")
	}

	rr = env.do(t, "GET", "/api/v1/agent/key?user_id="+u.ID, nil)
	assertStatus(t, rr, http.StatusOK)

	rr = env.do(t, "GET", "/api/v1/keys?user_id="+u.ID, nil)
	assertStatus(t, rr, http.StatusOK)
	var list listResponse
	decodeJSON(t, rr, &list)
	if list.Meta.Count != 1 {
		t.Errorf("expected 1 key, got %d", list.Meta.Count)
	}

	rr = env.do(t, "POST", "/api/v1/keys/"+key.ID+"/revoke", nil)
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &key)
	if key.Active || !key.Revoked || key.State != "revoked" {
		t.Errorf("expected revoked key, got %+v", key)
	}

	rr = env.do(t, "GET", "/api/v1/keys/"+key.ID+"/secret", nil)
	assertStatus(t, rr, http.StatusGone)

	rr = env.do(t, "GET", "/api/v1/events?user_id="+u.ID, nil)
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &list)
	if list.Meta.Count != 2 {
		t.Errorf("expected KEY_CREATED and KEY_REVOKED, got %d events", list.Meta.Count)
	}

	rr = env.do(t, "GET", "/api/v1/events?type=KEY_REVOKED", nil)
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &list)
	if list.Meta.Count != 1 {
		t.Errorf("expected 1 KEY_REVOKED event, got %d", list.Meta.Count)
	}
}

func TestIssueKeyValidation(t *testing.T) {
	env := newTestEnv(t, false)
	u := env.seedUser(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"unknown field", `{"owner_user_id":"` + u.ID + `","colour":"red"}`, http.StatusBadRequest},
		{"missing owner", `{}`, http.StatusBadRequest},
		{"bad tag", `{"owner_user_id":"` + u.ID + `","tags":["server"]}`, http.StatusBadRequest},
		{"unknown owner", `{"owner_user_id":"nobody"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "POST", "/api/v1/keys", strings.NewReader(tt.body))
			assertStatus(t, rr, tt.want)
			var er errorResponse
			decodeJSON(t, rr, &er)
			if er.Error.Code != tt.want {
				t.Errorf("expected error code %d, got %d", tt.want, er.Error.Code)
			}
		})
	}
}

func TestIssueKeyRemoteFailure(t *testing.T) {
	env := newTestEnv(t, false)
	u := env.seedUser(t)
	env.tailnet.failCreate = true

	rr := env.do(t, "POST", "/api/v1/keys", jsonBody(t, map[string]string{"owner_user_id": u.ID}))
	assertStatus(t, rr, http.StatusBadGateway)

	keys, err := env.store.ListAuthKeys(context.Background(), model.KeyFilter{})
	if err != nil {
		t.Fatalf("ListAuthKeys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no stored keys after remote failure, got %d", len(keys))
	}
}

func TestRevokeRemoteFailureKeepsKey(t *testing.T) {
	env := newTestEnv(t, false)
	u := env.seedUser(t)

	rr := env.do(t, "POST", "/api/v1/keys", jsonBody(t, map[string]string{"owner_user_id": u.ID}))
	assertStatus(t, rr, http.StatusCreated)
	var key keyResponse
	decodeJSON(t, rr, &key)

	env.tailnet.failRevoke = http.StatusInternalServerError
	rr = env.do(t, "POST", "/api/v1/keys/"+key.ID+"/revoke", nil)
	assertStatus(t, rr, http.StatusBadGateway)

	env.tailnet.failRevoke = http.StatusNotFound
	rr = env.do(t, "POST", "/api/v1/keys/"+key.ID+"/revoke", nil)
	assertStatus(t, rr, http.StatusOK)
}

func TestRevealDisabled(t *testing.T) {
	env := newTestEnv(t, false)
	rr := env.do(t, "GET", "/api/v1/keys/anything/secret", nil)
	assertStatus(t, rr, http.StatusForbidden)

	rr = env.do(t, "GET", "/api/v1/agent/key?user_id=x", nil)
	assertStatus(t, rr, http.StatusForbidden)
}

func TestAgentKeyWithoutActiveKey(t *testing.T) {
	env := newTestEnv(t, true)
	u := env.seedUser(t)

	rr := env.do(t, "GET", "/api/v1/agent/key", nil)
	assertStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, "GET", "/api/v1/agent/key?user_id="+u.ID, nil)
	assertStatus(t, rr, http.StatusNotFound)
}

func TestGetKeyNotFound(t *testing.T) {
	env := newTestEnv(t, false)
	rr := env.do(t, "GET", "/api/v1/keys/does-not-exist", nil)
	assertStatus(t, rr, http.StatusNotFound)
}

// ---------------------------------------------------------------------------
// Remote views
// ---------------------------------------------------------------------------

func TestRemoteKeysAndDevices(t *testing.T) {
	env := newTestEnv(t, false)
	u := env.seedUser(t)
	rr := env.do(t, "POST", "/api/v1/keys", jsonBody(t, map[string]string{"owner_user_id": u.ID}))
	assertStatus(t, rr, http.StatusCreated)
	var key keyResponse
	decodeJSON(t, rr, &key)

	rr = env.do(t, "GET", "/api/v1/keys/remote", nil)
	assertStatus(t, rr, http.StatusOK)
	var list listResponse
	decodeJSON(t, rr, &list)
	if list.Meta.Count != 1 {
		t.Errorf("expected 1 remote key, got %d", list.Meta.Count)
	}

	rr = env.do(t, "GET", "/api/v1/keys/remote/"+key.RemoteKeyID, nil)
	assertStatus(t, rr, http.StatusOK)

	rr = env.do(t, "GET", "/api/v1/keys/remote/missing", nil)
	assertStatus(t, rr, http.StatusNotFound)

	rr = env.do(t, "GET", "/api/v1/devices", nil)
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &list)
	if list.Meta.Count != 1 {
		t.Errorf("expected 1 device, got %d", list.Meta.Count)
	}
}

// ---------------------------------------------------------------------------
// Rotation
// ---------------------------------------------------------------------------

func TestRotationTriggerAndStatus(t *testing.T) {
	env := newTestEnv(t, false)

	rr := env.do(t, "GET", "/api/v1/rotation", nil)
	assertStatus(t, rr, http.StatusNotFound)

	rr = env.do(t, "POST", "/api/v1/keys/rotate", nil)
	assertStatus(t, rr, http.StatusAccepted)
	var resp struct {
		Queued bool `json:"queued"`
	}
	decodeJSON(t, rr, &resp)
	if !resp.Queued {
		t.Error("first trigger should be queued")
	}

	rr = env.do(t, "POST", "/api/v1/keys/rotate", nil)
	assertStatus(t, rr, http.StatusAccepted)
	decodeJSON(t, rr, &resp)
	if resp.Queued {
		t.Error("second trigger should coalesce")
	}

	env.rotation.last = &scheduler.Status{Trigger: "manual", RanAt: time.Now().UTC(),
		Report: &service.RotationReport{Scanned: 3, Rotated: 3}}
	rr = env.do(t, "GET", "/api/v1/rotation", nil)
	assertStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), `"rotated":3`) {
		t.Errorf("unexpected status body %s", rr.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Users and machines
// ---------------------------------------------------------------------------

func TestUsersAndMachines(t *testing.T) {
	env := newTestEnv(t, false)

	rr := env.do(t, "POST", "/api/v1/users", jsonBody(t, map[string]string{"email": "ops@example.com", "display_name": "Ops"}))
	assertStatus(t, rr, http.StatusCreated)
	var u model.User
	decodeJSON(t, rr, &u)

	rr = env.do(t, "POST", "/api/v1/users", jsonBody(t, map[string]string{"email": "ops@example.com"}))
	assertStatus(t, rr, http.StatusConflict)

	rr = env.do(t, "POST", "/api/v1/users", jsonBody(t, map[string]string{"email": "not-an-email"}))
	assertStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, "GET", "/api/v1/users/"+u.ID, nil)
	assertStatus(t, rr, http.StatusOK)

	rr = env.do(t, "POST", "/api/v1/users/"+u.ID+"/machines", jsonBody(t, map[string]string{"hostname": "db-1"}))
	assertStatus(t, rr, http.StatusCreated)
	var m model.Machine
	decodeJSON(t, rr, &m)
	if m.UserID != u.ID {
		t.Errorf("machine owner = %q, want %q", m.UserID, u.ID)
	}

	rr = env.do(t, "GET", "/api/v1/users/"+u.ID+"/machines", nil)
	assertStatus(t, rr, http.StatusOK)
	var list listResponse
	decodeJSON(t, rr, &list)
	if list.Meta.Count != 1 {
		t.Errorf("expected 1 machine, got %d", list.Meta.Count)
	}

	rr = env.do(t, "GET", "/api/v1/users/missing/machines", nil)
	assertStatus(t, rr, http.StatusNotFound)

	rr = env.do(t, "POST", "/api/v1/users/missing/machines", jsonBody(t, map[string]string{"hostname": "x"}))
	assertStatus(t, rr, http.StatusNotFound)

	rr = env.do(t, "GET", "/api/v1/users", nil)
	assertStatus(t, rr, http.StatusOK)
}

// ---------------------------------------------------------------------------
// Router behaviour
// ---------------------------------------------------------------------------

func TestErrorResponseFormat(t *testing.T) {
	env := newTestEnv(t, false)
	rr := env.do(t, "GET", "/api/v1/nope", nil)
	assertStatus(t, rr, http.StatusNotFound)

	var er errorResponse
	decodeJSON(t, rr, &er)
	if er.Error.Code != http.StatusNotFound {
		t.Errorf("expected code 404 in envelope, got %d", er.Error.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, false)
	rr := env.do(t, "DELETE", "/api/v1/keys", nil)
	assertStatus(t, rr, http.StatusMethodNotAllowed)
}

func TestCORSHeaders(t *testing.T) {
	env := newTestEnv(t, false)
	req := httptest.NewRequest("OPTIONS", "/api/v1/keys", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, req)

	if rr.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("expected Access-Control-Allow-Origin header")
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	env := newTestEnv(t, false)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
