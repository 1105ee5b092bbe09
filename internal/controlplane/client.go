// Package controlplane talks to the remote fleet control plane: the OAuth
// token exchange, the access-token cache and the typed key/device API.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	// DefaultTailnet addresses the tailnet owning the OAuth client.
	DefaultTailnet = "-"

	readTimeout  = 20 * time.Second
	writeTimeout = 30 * time.Second

	maxErrorBody = 512
)

// TokenProvider supplies bearer tokens. *TokenCache implements it.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type invalidator interface {
	Invalidate()
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL string
	Tailnet string
}

// Client is a typed control plane API client. It performs no automatic
// retries; mutating calls are never repeated.
type Client struct {
	http    *resty.Client
	tokens  TokenProvider
	tailnet string
	logger  *slog.Logger
}

// NewClient creates a Client authenticating through tokens.
func NewClient(cfg ClientConfig, tokens TokenProvider, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Tailnet == "" {
		cfg.Tailnet = DefaultTailnet
	}
	if logger == nil {
		logger = slog.Default()
	}

	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(writeTimeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "keyfleet").
		SetLogger(restyLogger{logger})

	return &Client{
		http:    rc,
		tokens:  tokens,
		tailnet: cfg.Tailnet,
		logger:  logger,
	}
}

// Tailnet returns the tailnet the client operates on.
func (c *Client) Tailnet() string { return c.tailnet }

// CreateKey mints a new auth key. The returned Key is the only time the
// plaintext credential is visible.
func (c *Client) CreateKey(ctx context.Context, req CreateKeyRequest) (*CreatedKey, error) {
	tags := req.Tags
	if tags == nil {
		tags = []string{}
	}
	payload := createKeyPayload{
		Description:   req.DescriptionOrDefault(),
		ExpirySeconds: req.TTLSeconds,
		Capabilities: keyCapabilities{Devices: deviceCapabilities{Create: createCapabilities{
			Reusable:      req.Reusable,
			Ephemeral:     req.Ephemeral,
			Preauthorized: req.Preauthorized,
			Tags:          tags,
		}}},
	}

	body, err := c.do(ctx, "create key", writeTimeout, http.MethodPost, "/tailnet/{tailnet}/keys", nil, payload)
	if err != nil {
		return nil, err
	}

	var rk remoteKey
	if err := decode(body, &rk); err != nil {
		return nil, &RemoteAPIError{StatusCode: http.StatusOK, Body: fmt.Sprintf("malformed create response: %v", err)}
	}
	if rk.ID == "" || rk.Key == "" {
		return nil, &RemoteAPIError{StatusCode: http.StatusOK, Body: "create response is missing id or key"}
	}

	c.logger.Debug("control plane key created", "remote_key_id", rk.ID)
	return &CreatedKey{
		ID:      rk.ID,
		Key:     rk.Key,
		Created: parseTime(rk.Created),
		Expires: rk.expires(),
	}, nil
}

// RevokeKey deletes a key remotely. A key the control plane no longer knows
// yields an error matching ErrNotFound.
func (c *Client) RevokeKey(ctx context.Context, remoteKeyID string) error {
	_, err := c.do(ctx, "revoke key", readTimeout, http.MethodDelete, "/tailnet/{tailnet}/keys/{keyId}",
		map[string]string{"keyId": remoteKeyID}, nil)
	if err != nil {
		return err
	}
	c.logger.Debug("control plane key revoked", "remote_key_id", remoteKeyID)
	return nil
}

// ListKeys returns the keys visible to the OAuth client.
func (c *Client) ListKeys(ctx context.Context) ([]KeySummary, error) {
	body, err := c.do(ctx, "list keys", writeTimeout, http.MethodGet, "/tailnet/{tailnet}/keys", nil, nil)
	if err != nil {
		return nil, err
	}
	var list remoteKeyList
	if err := decode(body, &list); err != nil {
		return nil, &RemoteAPIError{StatusCode: http.StatusOK, Body: fmt.Sprintf("malformed key list: %v", err)}
	}
	out := make([]KeySummary, 0, len(list.Keys))
	for _, k := range list.Keys {
		out = append(out, k.summary())
	}
	return out, nil
}

// GetKey returns the remote view of one key.
func (c *Client) GetKey(ctx context.Context, remoteKeyID string) (*KeyDetail, error) {
	body, err := c.do(ctx, "get key", readTimeout, http.MethodGet, "/tailnet/{tailnet}/keys/{keyId}",
		map[string]string{"keyId": remoteKeyID}, nil)
	if err != nil {
		return nil, err
	}
	var rk remoteKey
	if err := decode(body, &rk); err != nil {
		return nil, &RemoteAPIError{StatusCode: http.StatusOK, Body: fmt.Sprintf("malformed key: %v", err)}
	}
	if rk.ID == "" {
		return nil, &RemoteAPIError{StatusCode: http.StatusOK, Body: "key response is missing id"}
	}
	return rk.detail(), nil
}

// ListDevices returns the devices enrolled in the tailnet.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	body, err := c.do(ctx, "list devices", writeTimeout, http.MethodGet, "/tailnet/{tailnet}/devices", nil, nil)
	if err != nil {
		return nil, err
	}
	var list remoteDeviceList
	if err := decode(body, &list); err != nil {
		return nil, &RemoteAPIError{StatusCode: http.StatusOK, Body: fmt.Sprintf("malformed device list: %v", err)}
	}
	out := make([]Device, 0, len(list.Devices))
	for _, d := range list.Devices {
		out = append(out, d.device())
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op string, timeout time.Duration, method, path string, params map[string]string, body interface{}) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(tok).
		SetPathParam("tailnet", c.tailnet)
	if params != nil {
		req.SetPathParams(params)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, &TransientNetworkError{Op: op, Err: err}
	}

	status := resp.StatusCode()
	if status == http.StatusUnauthorized {
		if inv, ok := c.tokens.(invalidator); ok {
			inv.Invalidate()
		}
	}
	if status < 200 || status > 299 {
		return nil, &RemoteAPIError{StatusCode: status, Body: truncate(strings.TrimSpace(resp.String()), maxErrorBody)}
	}
	return resp.Body(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// restyLogger routes resty's internal warnings to slog.
type restyLogger struct {
	l *slog.Logger
}

func (r restyLogger) Errorf(format string, v ...interface{}) {
	r.l.Error(fmt.Sprintf(format, v...), "component", "controlplane")
}

func (r restyLogger) Warnf(format string, v ...interface{}) {
	r.l.Warn(fmt.Sprintf(format, v...), "component", "controlplane")
}

func (r restyLogger) Debugf(format string, v ...interface{}) {
	r.l.Debug(fmt.Sprintf(format, v...), "component", "controlplane")
}
