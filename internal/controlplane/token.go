package controlplane

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTokenSkew is how long before expiry a cached token is refreshed.
const DefaultTokenSkew = 30 * time.Second

// AccessToken is a bearer token and the instant it stops being valid.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// TokenSource exchanges client credentials for a fresh access token.
type TokenSource interface {
	FetchToken(ctx context.Context) (AccessToken, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (AccessToken, error)

func (f TokenSourceFunc) FetchToken(ctx context.Context) (AccessToken, error) { return f(ctx) }

// TokenCache holds one access token and refreshes it shortly before expiry.
// It is safe for concurrent use; callers that arrive during a refresh wait
// for it and reuse the result.
type TokenCache struct {
	source TokenSource
	skew   time.Duration
	now    func() time.Time

	mu    sync.Mutex
	token AccessToken

	refreshes atomic.Uint64
}

// NewTokenCache creates a cache in front of source with DefaultTokenSkew.
func NewTokenCache(source TokenSource) *TokenCache {
	return &TokenCache{
		source: source,
		skew:   DefaultTokenSkew,
		now:    time.Now,
	}
}

// WithSkew overrides the refresh skew.
func (c *TokenCache) WithSkew(d time.Duration) *TokenCache {
	c.skew = d
	return c
}

// WithClock overrides the time source. Used by tests.
func (c *TokenCache) WithClock(now func() time.Time) *TokenCache {
	c.now = now
	return c
}

// Token returns a valid bearer token, refreshing it if it expires within the
// skew window.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token.Value != "" && c.now().Before(c.token.ExpiresAt.Add(-c.skew)) {
		return c.token.Value, nil
	}

	c.token = AccessToken{}
	tok, err := c.source.FetchToken(ctx)
	if err != nil {
		return "", &AuthenticationError{Err: err}
	}
	if tok.Value == "" {
		return "", &AuthenticationError{Err: errEmptyToken}
	}
	c.token = tok
	c.refreshes.Add(1)
	return tok.Value, nil
}

// Invalidate drops the cached token so the next call refreshes.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = AccessToken{}
	c.mu.Unlock()
}

// Refreshes returns how many tokens have been fetched.
func (c *TokenCache) Refreshes() uint64 {
	return c.refreshes.Load()
}
