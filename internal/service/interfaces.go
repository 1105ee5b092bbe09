package service

import (
	"context"
	"time"

	"github.com/keyfleet/keyfleet/internal/controlplane"
	"github.com/keyfleet/keyfleet/internal/model"
)

// KeyRepository is the persistence the key service needs. *config.Store
// implements it.
type KeyRepository interface {
	GetAuthKey(ctx context.Context, id string) (*model.AuthKey, error)
	FindActiveAuthKeysByOwner(ctx context.Context, userID, machineID string) ([]model.AuthKey, error)
	FindAuthKeysExpiringBefore(ctx context.Context, deadline time.Time) ([]model.AuthKey, error)
	SaveAuthKey(ctx context.Context, k *model.AuthKey) error
	DeactivateAuthKey(ctx context.Context, id string) (bool, error)
	AppendEvent(ctx context.Context, e *model.Event) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetMachine(ctx context.Context, id string) (*model.Machine, error)
	ListAuthKeys(ctx context.Context, filter model.KeyFilter) ([]model.AuthKey, error)
	ListEvents(ctx context.Context, filter model.EventFilter) ([]model.Event, error)
}

// ControlPlane is the remote API. *controlplane.Client implements it.
type ControlPlane interface {
	CreateKey(ctx context.Context, req controlplane.CreateKeyRequest) (*controlplane.CreatedKey, error)
	RevokeKey(ctx context.Context, remoteKeyID string) error
	ListKeys(ctx context.Context) ([]controlplane.KeySummary, error)
	GetKey(ctx context.Context, remoteKeyID string) (*controlplane.KeyDetail, error)
	ListDevices(ctx context.Context) ([]controlplane.Device, error)
}

// Cipher seals key material at rest. *secret.Codec implements it.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(cipherText string) (string, error)
}

// Announcer delivers human-readable notifications. Implementations must not
// block and must swallow their own failures.
type Announcer interface {
	Announce(ctx context.Context, msg string)
}

type nopAnnouncer struct{}

func (nopAnnouncer) Announce(context.Context, string) {}
