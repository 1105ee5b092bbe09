package controlplane

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound matches a RemoteAPIError carrying a 404 status.
var ErrNotFound = errors.New("remote resource not found")

// RemoteAPIError is a non-2xx response from the control plane.
type RemoteAPIError struct {
	StatusCode int
	Body       string
}

func (e *RemoteAPIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("control plane returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("control plane returned status %d: %s", e.StatusCode, e.Body)
}

// Is reports whether a 404 response is being compared with ErrNotFound.
func (e *RemoteAPIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// AuthenticationError means no access token could be obtained.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("control plane authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TransientNetworkError is a timeout or connection failure. The request may
// or may not have reached the control plane.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// IsTransient reports whether err is, or wraps, a TransientNetworkError.
func IsTransient(err error) bool {
	var te *TransientNetworkError
	return errors.As(err, &te)
}
