// Package notify fans key lifecycle announcements out to chat services.
// Delivery is asynchronous and best-effort: a failed or dropped message is
// logged and counted, never returned to the caller.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/keyfleet/keyfleet/internal/config"
	"github.com/keyfleet/keyfleet/internal/metrics"
)

// DefaultQueueSize is used when Options.QueueSize is not positive.
const DefaultQueueSize = 100

// Options configures a Manager.
type Options struct {
	QueueSize int
	Timeout   time.Duration
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Manager queues announcements and delivers them to every provider from a
// single background goroutine.
type Manager struct {
	providers []Provider
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu     sync.RWMutex
	queue  chan string
	closed bool
	wg     sync.WaitGroup
}

// NewManager creates a Manager. Call Start to begin delivery.
func NewManager(providers []Provider, opts Options) *Manager {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		providers: providers,
		timeout:   opts.Timeout,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		queue:     make(chan string, opts.QueueSize),
	}
}

// FromSettings builds a Manager with one provider per configured channel.
func FromSettings(s config.NotifySettings, m *metrics.Metrics, logger *slog.Logger) *Manager {
	var providers []Provider
	if s.TelegramBotToken != "" && s.TelegramChatID != "" {
		providers = append(providers, NewTelegram("", s.TelegramBotToken, s.TelegramChatID, DefaultTimeout))
	}
	if s.DiscordWebhookURL != "" {
		providers = append(providers, NewDiscord(s.DiscordWebhookURL, DefaultTimeout))
	}
	if s.SlackWebhookURL != "" {
		providers = append(providers, NewSlack(s.SlackWebhookURL, DefaultTimeout))
	}
	return NewManager(providers, Options{QueueSize: s.QueueSize, Metrics: m, Logger: logger})
}

// Providers returns the names of the configured providers.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for _, p := range m.providers {
		names = append(names, p.Name())
	}
	return names
}

// Start launches the delivery goroutine.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for msg := range m.queue {
			m.deliver(msg)
		}
	}()
}

// Announce enqueues msg without blocking. When the queue is full or the
// manager is shut down the message is dropped.
func (m *Manager) Announce(_ context.Context, msg string) {
	if m == nil || len(m.providers) == 0 {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- msg:
	default:
		m.metrics.Notification("queue", "dropped")
		m.logger.Warn("notification queue full, dropping message")
	}
}

// Shutdown stops accepting messages and waits for queued ones to be
// delivered, or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) deliver(msg string) {
	for _, p := range m.providers {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		err := p.Send(ctx, msg)
		cancel()
		if err != nil {
			m.metrics.Notification(p.Name(), "error")
			m.logger.Warn("notification failed", "provider", p.Name(), "error", err)
			continue
		}
		m.metrics.Notification(p.Name(), "ok")
	}
}
