package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/keyfleet/keyfleet/internal/model"
)

// Directory stores the users and machines keys are issued for.
type Directory interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	CreateMachine(ctx context.Context, m *model.Machine) error
	ListMachines(ctx context.Context, userID string) ([]model.Machine, error)
}

// DirectoryHandler serves user and machine endpoints.
type DirectoryHandler struct {
	dir    Directory
	logger *slog.Logger
}

// NewDirectoryHandler creates a DirectoryHandler.
func NewDirectoryHandler(dir Directory, logger *slog.Logger) *DirectoryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectoryHandler{dir: dir, logger: logger}
}

type createUserRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// ListUsers returns all users.
// GET /api/v1/users
func (h *DirectoryHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.dir.ListUsers(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeList(w, users, len(users), 0)
}

// CreateUser adds a user.
// POST /api/v1/users
func (h *DirectoryHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		writeError(w, http.StatusBadRequest, "A valid email is required")
		return
	}
	u := &model.User{Email: email, DisplayName: strings.TrimSpace(req.DisplayName)}
	if err := h.dir.CreateUser(r.Context(), u); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// GetUser returns one user.
// GET /api/v1/users/{userId}
func (h *DirectoryHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.dir.GetUser(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type createMachineRequest struct {
	Hostname       string `json:"hostname"`
	RemoteDeviceID string `json:"remote_device_id"`
}

// ListMachines returns the machines of a user.
// GET /api/v1/users/{userId}/machines
func (h *DirectoryHandler) ListMachines(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if _, err := h.dir.GetUser(r.Context(), userID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	machines, err := h.dir.ListMachines(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeList(w, machines, len(machines), 0)
}

// CreateMachine enrolls a machine for a user.
// POST /api/v1/users/{userId}/machines
func (h *DirectoryHandler) CreateMachine(w http.ResponseWriter, r *http.Request) {
	var req createMachineRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Hostname) == "" {
		writeError(w, http.StatusBadRequest, "hostname is required")
		return
	}
	m := &model.Machine{
		UserID:         chi.URLParam(r, "userId"),
		Hostname:       strings.TrimSpace(req.Hostname),
		RemoteDeviceID: req.RemoteDeviceID,
	}
	if err := h.dir.CreateMachine(r.Context(), m); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}
