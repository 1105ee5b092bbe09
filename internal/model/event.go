package model

import "time"

// EventType classifies an audit event.
type EventType string

const (
	EventKeyCreated EventType = "KEY_CREATED"
	EventKeyRotated EventType = "KEY_ROTATED"
	EventKeyRevoked EventType = "KEY_REVOKED"
)

// Event is an immutable audit record. Events are only ever appended.
type Event struct {
	ID             int64     `json:"id" db:"id"`
	OwnerUserID    *string   `json:"owner_user_id,omitempty" db:"owner_user_id"`
	OwnerMachineID *string   `json:"owner_machine_id,omitempty" db:"owner_machine_id"`
	KeyID          *string   `json:"key_id,omitempty" db:"key_id"`
	Type           EventType `json:"type" db:"type"`
	Message        string    `json:"message" db:"message"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// EventFilter narrows ListEvents results. Zero values match everything.
type EventFilter struct {
	OwnerUserID string
	KeyID       string
	Type        EventType
	Limit       int
}
