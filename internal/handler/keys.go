package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keyfleet/keyfleet/internal/controlplane"
	"github.com/keyfleet/keyfleet/internal/model"
	"github.com/keyfleet/keyfleet/internal/scheduler"
	"github.com/keyfleet/keyfleet/internal/service"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// KeyService is the part of service.KeyService the HTTP layer uses.
type KeyService interface {
	IssueKey(ctx context.Context, req service.IssueKeyRequest) (*model.AuthKey, error)
	RevokeKey(ctx context.Context, keyID string) error
	GetKey(ctx context.Context, keyID string) (*model.AuthKey, error)
	ListKeys(ctx context.Context, filter model.KeyFilter) ([]model.AuthKey, error)
	RevealKey(ctx context.Context, keyID string) (string, error)
	RevealCurrentKey(ctx context.Context, userID, machineID string) (*model.AuthKey, string, error)
	ListEvents(ctx context.Context, filter model.EventFilter) ([]model.Event, error)
	ListRemoteKeys(ctx context.Context) ([]controlplane.KeySummary, error)
	GetRemoteKey(ctx context.Context, remoteKeyID string) (*controlplane.KeyDetail, error)
	ListDevices(ctx context.Context) ([]controlplane.Device, error)
}

// RotationTrigger queues sweeps and reports the last one.
type RotationTrigger interface {
	Trigger() bool
	LastRun(ctx context.Context) (*scheduler.Status, error)
}

// KeyHandler serves auth key, device, event and rotation endpoints.
type KeyHandler struct {
	keys        KeyService
	rotation    RotationTrigger
	allowReveal bool
	logger      *slog.Logger
	now         func() time.Time
}

// NewKeyHandler creates a KeyHandler. Plaintext endpoints answer 403
// unless allowReveal is set.
func NewKeyHandler(keys KeyService, rotation RotationTrigger, allowReveal bool, logger *slog.Logger) *KeyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyHandler{
		keys:        keys,
		rotation:    rotation,
		allowReveal: allowReveal,
		logger:      logger,
		now:         time.Now,
	}
}

// keyView adds the derived lifecycle state to a stored key.
type keyView struct {
	model.AuthKey
	State model.KeyState `json:"state"`
}

func (h *KeyHandler) view(k *model.AuthKey) keyView {
	return keyView{AuthKey: *k, State: k.State(h.now())}
}

// issueKeyRequest mirrors service.IssueKeyRequest. Reusable and
// preauthorized default to true when omitted.
type issueKeyRequest struct {
	OwnerUserID    string   `json:"owner_user_id"`
	OwnerMachineID string   `json:"owner_machine_id"`
	Description    string   `json:"description"`
	TTLSeconds     int64    `json:"ttl_seconds"`
	Reusable       *bool    `json:"reusable"`
	Ephemeral      bool     `json:"ephemeral"`
	Preauthorized  *bool    `json:"preauthorized"`
	Tags           []string `json:"tags"`
}

func (req issueKeyRequest) toService() service.IssueKeyRequest {
	out := service.IssueKeyRequest{
		OwnerUserID:    req.OwnerUserID,
		OwnerMachineID: req.OwnerMachineID,
		Description:    req.Description,
		TTLSeconds:     req.TTLSeconds,
		Reusable:       true,
		Ephemeral:      req.Ephemeral,
		Preauthorized:  true,
		Tags:           req.Tags,
	}
	if req.Reusable != nil {
		out.Reusable = *req.Reusable
	}
	if req.Preauthorized != nil {
		out.Preauthorized = *req.Preauthorized
	}
	return out
}

// ListKeys returns stored keys.
// GET /api/v1/keys?user_id=&active=&limit=
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(queryInt(r, "limit", defaultListLimit), 1, maxListLimit)
	keys, err := h.keys.ListKeys(r.Context(), model.KeyFilter{
		OwnerUserID: queryString(r, "user_id"),
		ActiveOnly:  queryBool(r, "active"),
		Limit:       limit,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	views := make([]keyView, 0, len(keys))
	for i := range keys {
		views = append(views, h.view(&keys[i]))
	}
	writeList(w, views, len(views), limit)
}

// IssueKey creates a key.
// POST /api/v1/keys
func (h *KeyHandler) IssueKey(w http.ResponseWriter, r *http.Request) {
	var req issueKeyRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	key, err := h.keys.IssueKey(r.Context(), req.toService())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(key))
}

// GetKey returns one stored key.
// GET /api/v1/keys/{keyId}
func (h *KeyHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.keys.GetKey(r.Context(), chi.URLParam(r, "keyId"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(key))
}

// RevokeKey revokes a key remotely and locally.
// POST /api/v1/keys/{keyId}/revoke
func (h *KeyHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "keyId")
	if err := h.keys.RevokeKey(r.Context(), id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	key, err := h.keys.GetKey(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(key))
}

type secretResponse struct {
	KeyID     string     `json:"key_id"`
	Key       string     `json:"key"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RevealKey returns the plaintext of a stored key.
// GET /api/v1/keys/{keyId}/secret
func (h *KeyHandler) RevealKey(w http.ResponseWriter, r *http.Request) {
	if !h.allowReveal {
		writeError(w, http.StatusForbidden, "Key reveal is disabled (server.allow_reveal)")
		return
	}
	id := chi.URLParam(r, "keyId")
	key, err := h.keys.GetKey(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	plain, err := h.keys.RevealKey(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, secretResponse{KeyID: key.ID, Key: plain, ExpiresAt: key.ExpiresAt})
}

// AgentKey returns the current key of an owner scope in plaintext. Enrolment
// agents call this to fetch the key they should join with.
// GET /api/v1/agent/key?user_id=&machine_id=
func (h *KeyHandler) AgentKey(w http.ResponseWriter, r *http.Request) {
	if !h.allowReveal {
		writeError(w, http.StatusForbidden, "Key reveal is disabled (server.allow_reveal)")
		return
	}
	userID := queryString(r, "user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	key, plain, err := h.keys.RevealCurrentKey(r.Context(), userID, queryString(r, "machine_id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, secretResponse{KeyID: key.ID, Key: plain, ExpiresAt: key.ExpiresAt})
}

// TriggerRotation queues an immediate sweep.
// POST /api/v1/keys/rotate
func (h *KeyHandler) TriggerRotation(w http.ResponseWriter, r *http.Request) {
	if h.rotation == nil {
		writeError(w, http.StatusServiceUnavailable, "Rotation scheduler is not running")
		return
	}
	queued := h.rotation.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"queued":  queued,
		"message": rotationMessage(queued),
	})
}

func rotationMessage(queued bool) string {
	if queued {
		return "rotation sweep queued"
	}
	return "a rotation sweep is already pending"
}

// RotationStatus reports the most recent sweep.
// GET /api/v1/rotation
func (h *KeyHandler) RotationStatus(w http.ResponseWriter, r *http.Request) {
	if h.rotation == nil {
		writeError(w, http.StatusServiceUnavailable, "Rotation scheduler is not running")
		return
	}
	st, err := h.rotation.LastRun(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if st == nil {
		writeError(w, http.StatusNotFound, "No rotation sweep has run yet")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListRemoteKeys returns the control plane's key inventory.
// GET /api/v1/keys/remote
func (h *KeyHandler) ListRemoteKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.ListRemoteKeys(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if keys == nil {
		keys = []controlplane.KeySummary{}
	}
	writeList(w, keys, len(keys), 0)
}

// GetRemoteKey returns the control plane's view of one key.
// GET /api/v1/keys/remote/{remoteKeyId}
func (h *KeyHandler) GetRemoteKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.keys.GetRemoteKey(r.Context(), chi.URLParam(r, "remoteKeyId"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// ListDevices returns devices enrolled in the tailnet.
// GET /api/v1/devices
func (h *KeyHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.keys.ListDevices(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if devices == nil {
		devices = []controlplane.Device{}
	}
	writeList(w, devices, len(devices), 0)
}

// ListEvents returns the audit log, newest first.
// GET /api/v1/events?user_id=&key_id=&type=&limit=
func (h *KeyHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(queryInt(r, "limit", defaultListLimit), 1, maxListLimit)
	typ := model.EventType(queryString(r, "type"))
	switch typ {
	case "", model.EventKeyCreated, model.EventKeyRotated, model.EventKeyRevoked:
	default:
		writeError(w, http.StatusBadRequest, "Unknown event type: "+string(typ))
		return
	}
	events, err := h.keys.ListEvents(r.Context(), model.EventFilter{
		OwnerUserID: queryString(r, "user_id"),
		KeyID:       queryString(r, "key_id"),
		Type:        typ,
		Limit:       limit,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeList(w, events, len(events), limit)
}
