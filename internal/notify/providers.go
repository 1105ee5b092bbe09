package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultTimeout bounds a single delivery to one provider.
const DefaultTimeout = 15 * time.Second

// DefaultTelegramAPI is the Telegram Bot API endpoint.
const DefaultTelegramAPI = "https://api.telegram.org"

// Provider delivers a message to one chat service.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg string) error
}

func newRestyClient(timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "keyfleet-notify/1.0")
}

func post(ctx context.Context, client *resty.Client, url string, body any) error {
	resp, err := client.R().
		SetContext(ctx).
		SetBody(body).
		Post(url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("status %d: %s", resp.StatusCode(), truncate(resp.String(), 256))
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Telegram posts messages through a bot to one chat.
type Telegram struct {
	client  *resty.Client
	baseURL string
	token   string
	chatID  string
}

// NewTelegram creates a Telegram provider. An empty baseURL selects
// DefaultTelegramAPI.
func NewTelegram(baseURL, botToken, chatID string, timeout time.Duration) *Telegram {
	if baseURL == "" {
		baseURL = DefaultTelegramAPI
	}
	return &Telegram{
		client:  newRestyClient(timeout),
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   botToken,
		chatID:  chatID,
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, msg string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	if err := post(ctx, t.client, url, map[string]string{"chat_id": t.chatID, "text": msg}); err != nil {
		// the request URL carries the bot token
		return fmt.Errorf("telegram: %s", strings.ReplaceAll(err.Error(), t.token, "***"))
	}
	return nil
}

// Discord posts messages to a channel webhook.
type Discord struct {
	client     *resty.Client
	webhookURL string
}

// NewDiscord creates a Discord webhook provider.
func NewDiscord(webhookURL string, timeout time.Duration) *Discord {
	return &Discord{client: newRestyClient(timeout), webhookURL: webhookURL}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, msg string) error {
	if err := post(ctx, d.client, d.webhookURL, map[string]string{"content": msg}); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// Slack posts messages to an incoming webhook.
type Slack struct {
	client     *resty.Client
	webhookURL string
}

// NewSlack creates a Slack incoming-webhook provider.
func NewSlack(webhookURL string, timeout time.Duration) *Slack {
	return &Slack{client: newRestyClient(timeout), webhookURL: webhookURL}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, msg string) error {
	if err := post(ctx, s.client, s.webhookURL, map[string]string{"text": msg}); err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	return nil
}
