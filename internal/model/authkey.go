package model

import "time"

// AuthKey is a join credential issued by the control plane. The plaintext key
// is never persisted; only the ciphertext and a masked value are stored.
type AuthKey struct {
	ID             string     `json:"id" db:"id"`
	RemoteKeyID    string     `json:"remote_key_id" db:"remote_key_id"`
	OwnerUserID    string     `json:"owner_user_id" db:"owner_user_id"`
	OwnerMachineID *string    `json:"owner_machine_id,omitempty" db:"owner_machine_id"`
	Description    string     `json:"description" db:"description"`
	CipherText     string     `json:"-" db:"cipher_text"` // write-once, never expose
	MaskedValue    string     `json:"masked_value" db:"masked_value"`
	Reusable       bool       `json:"reusable" db:"reusable"`
	Ephemeral      bool       `json:"ephemeral" db:"ephemeral"`
	Preauthorized  bool       `json:"preauthorized" db:"preauthorized"`
	Tags           []string   `json:"tags" db:"-"`
	TTLSeconds     int64      `json:"ttl_seconds" db:"ttl_seconds"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	Active         bool       `json:"active" db:"active"`
	Revoked        bool       `json:"revoked" db:"revoked"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// KeyState is the display state of an auth key.
type KeyState string

const (
	KeyStateActive  KeyState = "active"
	KeyStateExpired KeyState = "expired"
	KeyStateRotated KeyState = "rotated"
	KeyStateRevoked KeyState = "revoked"
)

// State derives the display state at the given instant. An inactive key that
// was not explicitly revoked was superseded by rotation.
func (k *AuthKey) State(now time.Time) KeyState {
	switch {
	case k.Revoked:
		return KeyStateRevoked
	case !k.Active:
		return KeyStateRotated
	case k.ExpiresAt != nil && !k.ExpiresAt.After(now):
		return KeyStateExpired
	default:
		return KeyStateActive
	}
}

// MachineID returns the owning machine ID, or "" for unscoped keys.
func (k *AuthKey) MachineID() string {
	if k.OwnerMachineID == nil {
		return ""
	}
	return *k.OwnerMachineID
}

// KeyFilter narrows ListAuthKeys results. Zero values match everything.
type KeyFilter struct {
	OwnerUserID string
	ActiveOnly  bool
	Limit       int
}
