package model

import "time"

// User owns machines and auth keys.
type User struct {
	ID          string    `json:"id" db:"id"`
	Email       string    `json:"email" db:"email"`
	DisplayName string    `json:"display_name" db:"display_name"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Machine is a host enrolled (or about to be enrolled) by a user.
type Machine struct {
	ID             string     `json:"id" db:"id"`
	UserID         string     `json:"user_id" db:"user_id"`
	Hostname       string     `json:"hostname" db:"hostname"`
	RemoteDeviceID string     `json:"remote_device_id,omitempty" db:"remote_device_id"`
	LastSeen       *time.Time `json:"last_seen,omitempty" db:"last_seen"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}
