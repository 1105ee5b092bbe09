package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keyfleet/keyfleet/internal/config"
	"github.com/keyfleet/keyfleet/internal/controlplane"
	"github.com/keyfleet/keyfleet/internal/metrics"
	"github.com/keyfleet/keyfleet/internal/model"
	"github.com/keyfleet/keyfleet/internal/secret"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrKeyRevoked     = errors.New("auth key revoked")
)

// DefaultTTL is used when an issue request carries no TTL.
const DefaultTTL = 30 * 24 * time.Hour

const cleanupTimeout = 20 * time.Second

// IssueKeyRequest describes a new auth key for an owner.
type IssueKeyRequest struct {
	OwnerUserID    string   `json:"owner_user_id"`
	OwnerMachineID string   `json:"owner_machine_id,omitempty"`
	Description    string   `json:"description,omitempty"`
	TTLSeconds     int64    `json:"ttl_seconds,omitempty"`
	Reusable       bool     `json:"reusable"`
	Ephemeral      bool     `json:"ephemeral"`
	Preauthorized  bool     `json:"preauthorized"`
	Tags           []string `json:"tags,omitempty"`
}

// Options configures a KeyService. Zero values are valid.
type Options struct {
	Announcer  Announcer
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	DefaultTTL time.Duration
	Clock      func() time.Time
}

// KeyService issues, revokes and rotates auth keys. It holds no mutable
// state of its own; every call re-reads the repository.
type KeyService struct {
	repo       KeyRepository
	remote     ControlPlane
	cipher     Cipher
	announcer  Announcer
	metrics    *metrics.Metrics
	logger     *slog.Logger
	defaultTTL time.Duration
	now        func() time.Time
}

// NewKeyService wires the engine to its collaborators.
func NewKeyService(repo KeyRepository, remote ControlPlane, cipher Cipher, opts Options) *KeyService {
	s := &KeyService{
		repo:       repo,
		remote:     remote,
		cipher:     cipher,
		announcer:  opts.Announcer,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		defaultTTL: opts.DefaultTTL,
		now:        opts.Clock,
	}
	if s.announcer == nil {
		s.announcer = nopAnnouncer{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.defaultTTL <= 0 {
		s.defaultTTL = DefaultTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// mintParams is everything needed to create and store one key.
type mintParams struct {
	owner         *model.User
	machine       *model.Machine
	description   string
	ttlSeconds    int64
	reusable      bool
	ephemeral     bool
	preauthorized bool
	tags          []string
	reason        string
}

// IssueKey creates a key remotely, then encrypts and stores it. If the
// remote call fails nothing is persisted. If storing fails after the remote
// key exists, the remote key is revoked again before the error is returned.
func (s *KeyService) IssueKey(ctx context.Context, req IssueKeyRequest) (*model.AuthKey, error) {
	if strings.TrimSpace(req.OwnerUserID) == "" {
		return nil, fmt.Errorf("%w: owner_user_id is required", ErrInvalidRequest)
	}
	if req.TTLSeconds < 0 {
		return nil, fmt.Errorf("%w: ttl_seconds must not be negative", ErrInvalidRequest)
	}
	for _, tag := range req.Tags {
		if !strings.HasPrefix(tag, "tag:") || len(tag) == len("tag:") {
			return nil, fmt.Errorf("%w: tag %q must look like tag:<name>", ErrInvalidRequest, tag)
		}
	}

	owner, err := s.repo.GetUser(ctx, req.OwnerUserID)
	if err != nil {
		return nil, fmt.Errorf("owner %s: %w", req.OwnerUserID, err)
	}

	var machine *model.Machine
	if req.OwnerMachineID != "" {
		machine, err = s.repo.GetMachine(ctx, req.OwnerMachineID)
		if err != nil {
			return nil, fmt.Errorf("machine %s: %w", req.OwnerMachineID, err)
		}
		if machine.UserID != owner.ID {
			return nil, fmt.Errorf("machine %s does not belong to user %s: %w", machine.ID, owner.ID, config.ErrNotFound)
		}
	}

	ttl := req.TTLSeconds
	if ttl == 0 {
		ttl = int64(s.defaultTTL / time.Second)
	}

	return s.mint(ctx, mintParams{
		owner:         owner,
		machine:       machine,
		description:   req.Description,
		ttlSeconds:    ttl,
		reusable:      req.Reusable,
		ephemeral:     req.Ephemeral,
		preauthorized: req.Preauthorized,
		tags:          req.Tags,
		reason:        "manual",
	})
}

func (s *KeyService) mint(ctx context.Context, p mintParams) (*model.AuthKey, error) {
	var machineID *string
	creq := controlplane.CreateKeyRequest{
		Description:   p.description,
		TTLSeconds:    p.ttlSeconds,
		Reusable:      p.reusable,
		Ephemeral:     p.ephemeral,
		Preauthorized: p.preauthorized,
		Tags:          p.tags,
		UserScope:     p.owner.Email,
	}
	if p.machine != nil {
		id := p.machine.ID
		machineID = &id
		creq.MachineScope = p.machine.Hostname
	}

	createdAt := s.now().UTC()
	created, err := s.remote.CreateKey(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("create remote key: %w", err)
	}

	masked := secret.MaskKey(created.Key)
	cipherText, err := s.cipher.Encrypt(created.Key)
	if err != nil {
		s.discardRemote(ctx, created.ID, masked)
		return nil, fmt.Errorf("encrypt key: %w", err)
	}

	expiresAt := createdAt.Add(time.Duration(p.ttlSeconds) * time.Second)
	if created.Expires != nil {
		expiresAt = created.Expires.UTC()
	}

	tags := append([]string{}, p.tags...)
	key := &model.AuthKey{
		ID:             uuid.Must(uuid.NewV7()).String(),
		RemoteKeyID:    created.ID,
		OwnerUserID:    p.owner.ID,
		OwnerMachineID: machineID,
		Description:    creq.DescriptionOrDefault(),
		CipherText:     cipherText,
		MaskedValue:    masked,
		Reusable:       p.reusable,
		Ephemeral:      p.ephemeral,
		Preauthorized:  p.preauthorized,
		Tags:           tags,
		TTLSeconds:     p.ttlSeconds,
		CreatedAt:      createdAt,
		ExpiresAt:      &expiresAt,
		Active:         true,
	}
	if err := s.repo.SaveAuthKey(ctx, key); err != nil {
		s.discardRemote(ctx, created.ID, masked)
		return nil, fmt.Errorf("save key: %w", err)
	}

	exp := expiresAt.Format(time.RFC3339)
	s.appendEvent(ctx, key, model.EventKeyCreated, fmt.Sprintf("%s exp=%s", masked, exp))
	s.metrics.KeyIssued(p.reason)
	s.logger.Info("auth key issued",
		"key_id", key.ID, "remote_key_id", key.RemoteKeyID, "owner", key.OwnerUserID,
		"key", masked, "expires_at", exp, "reason", p.reason)
	s.announcer.Announce(ctx, fmt.Sprintf("[Key Created] user=%s key=%s exp=%s", p.owner.Email, masked, exp))

	return key, nil
}

// discardRemote revokes a remote key that could not be recorded locally so
// that no credential exists without a local row.
func (s *KeyService) discardRemote(ctx context.Context, remoteKeyID, masked string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.remote.RevokeKey(ctx, remoteKeyID); err != nil && !errors.Is(err, controlplane.ErrNotFound) {
		s.logger.Error("failed to revoke unrecorded remote key; revoke it manually",
			"remote_key_id", remoteKeyID, "key", masked, "error", err)
	}
}

// RevokeKey revokes a key remotely and marks it revoked locally. A key the
// control plane no longer knows counts as revoked. Any other remote failure
// leaves the local record untouched. Revoking a revoked key is a no-op.
func (s *KeyService) RevokeKey(ctx context.Context, keyID string) error {
	key, err := s.repo.GetAuthKey(ctx, keyID)
	if err != nil {
		return fmt.Errorf("auth key %s: %w", keyID, err)
	}
	if key.Revoked {
		return nil
	}

	if key.RemoteKeyID != "" {
		err := s.remote.RevokeKey(ctx, key.RemoteKeyID)
		switch {
		case errors.Is(err, controlplane.ErrNotFound):
			s.logger.Info("remote key already gone", "key_id", key.ID, "remote_key_id", key.RemoteKeyID)
		case err != nil:
			return fmt.Errorf("revoke remote key %s: %w", key.RemoteKeyID, err)
		}
	}

	now := s.now().UTC()
	key.Active = false
	key.Revoked = true
	key.RevokedAt = &now
	if err := s.repo.SaveAuthKey(ctx, key); err != nil {
		return fmt.Errorf("save revoked key: %w", err)
	}

	s.appendEvent(ctx, key, model.EventKeyRevoked, key.MaskedValue)
	s.metrics.KeyRevoked()
	s.logger.Info("auth key revoked", "key_id", key.ID, "owner", key.OwnerUserID, "key", key.MaskedValue)
	s.announcer.Announce(ctx, fmt.Sprintf("[Key Revoked] user=%s key=%s", s.ownerLabel(ctx, key.OwnerUserID), key.MaskedValue))
	return nil
}

// GetKey returns one stored key.
func (s *KeyService) GetKey(ctx context.Context, keyID string) (*model.AuthKey, error) {
	return s.repo.GetAuthKey(ctx, keyID)
}

// ListKeys returns stored keys matching filter.
func (s *KeyService) ListKeys(ctx context.Context, filter model.KeyFilter) ([]model.AuthKey, error) {
	return s.repo.ListAuthKeys(ctx, filter)
}

// CurrentKey returns the most recent active, unexpired key for an owner
// scope. An empty machineID selects keys not bound to a machine.
func (s *KeyService) CurrentKey(ctx context.Context, userID, machineID string) (*model.AuthKey, error) {
	keys, err := s.repo.FindActiveAuthKeysByOwner(ctx, userID, machineID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range keys {
		if keys[i].State(now) == model.KeyStateActive {
			return &keys[i], nil
		}
	}
	return nil, fmt.Errorf("no active key for user %s: %w", userID, config.ErrNotFound)
}

// RevealKey decrypts a stored key. Revoked keys are never revealed.
func (s *KeyService) RevealKey(ctx context.Context, keyID string) (string, error) {
	key, err := s.repo.GetAuthKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("auth key %s: %w", keyID, err)
	}
	return s.reveal(key)
}

// RevealCurrentKey returns the current key of an owner scope with its
// plaintext.
func (s *KeyService) RevealCurrentKey(ctx context.Context, userID, machineID string) (*model.AuthKey, string, error) {
	key, err := s.CurrentKey(ctx, userID, machineID)
	if err != nil {
		return nil, "", err
	}
	plain, err := s.reveal(key)
	if err != nil {
		return nil, "", err
	}
	return key, plain, nil
}

func (s *KeyService) reveal(key *model.AuthKey) (string, error) {
	if key.Revoked {
		return "", ErrKeyRevoked
	}
	plain, err := s.cipher.Decrypt(key.CipherText)
	if err != nil {
		return "", fmt.Errorf("decrypt key %s: %w", key.ID, err)
	}
	s.logger.Info("auth key revealed", "key_id", key.ID, "owner", key.OwnerUserID, "key", key.MaskedValue)
	return plain, nil
}

// ListEvents returns audit events matching filter.
func (s *KeyService) ListEvents(ctx context.Context, filter model.EventFilter) ([]model.Event, error) {
	return s.repo.ListEvents(ctx, filter)
}

// ListRemoteKeys returns the control plane's view of all keys.
func (s *KeyService) ListRemoteKeys(ctx context.Context) ([]controlplane.KeySummary, error) {
	return s.remote.ListKeys(ctx)
}

// GetRemoteKey returns the control plane's view of one key.
func (s *KeyService) GetRemoteKey(ctx context.Context, remoteKeyID string) (*controlplane.KeyDetail, error) {
	return s.remote.GetKey(ctx, remoteKeyID)
}

// ListDevices returns the devices enrolled in the tailnet.
func (s *KeyService) ListDevices(ctx context.Context) ([]controlplane.Device, error) {
	return s.remote.ListDevices(ctx)
}

// appendEvent records an audit event. A failure is logged and counted but
// not returned: the key change it describes has already happened.
func (s *KeyService) appendEvent(ctx context.Context, key *model.AuthKey, typ model.EventType, msg string) {
	uid := key.OwnerUserID
	kid := key.ID
	e := &model.Event{
		OwnerUserID:    &uid,
		OwnerMachineID: key.OwnerMachineID,
		KeyID:          &kid,
		Type:           typ,
		Message:        msg,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.repo.AppendEvent(ctx, e); err != nil {
		s.metrics.EventAppendFailed()
		s.logger.Error("failed to append audit event", "type", typ, "key_id", key.ID, "error", err)
	}
}

func (s *KeyService) ownerLabel(ctx context.Context, userID string) string {
	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return userID
	}
	return u.Email
}
