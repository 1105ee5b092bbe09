package config

import "errors"

// ErrNotFound is returned when a requested resource does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrInvalidRecord is returned when a record violates a store invariant and
// was not written.
var ErrInvalidRecord = errors.New("invalid record")

// ErrConflict is returned when a unique constraint rejects a write.
var ErrConflict = errors.New("already exists")
