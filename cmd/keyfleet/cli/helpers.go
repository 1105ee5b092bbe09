package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"

	"github.com/keyfleet/keyfleet/internal/config"
	"github.com/keyfleet/keyfleet/internal/controlplane"
	"github.com/keyfleet/keyfleet/internal/metrics"
	"github.com/keyfleet/keyfleet/internal/notify"
	"github.com/keyfleet/keyfleet/internal/secret"
	"github.com/keyfleet/keyfleet/internal/service"
)

const notifyFlushTimeout = 10 * time.Second

// loadSettings reads the effective configuration from viper.
func loadSettings() *config.Settings {
	return config.Load(viper.GetViper())
}

// newLogger builds the process logger. Logs go to stderr so that stdout
// stays usable for command output and the MCP stdio transport.
func newLogger(s *config.Settings) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(s.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if devMode {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(s.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// defaultDataDir is where the SQLite key store lives when no DSN is set.
func defaultDataDir() string {
	if envDir := os.Getenv("KEYFLEET_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".keyfleet")
}

// openStore opens the key repository selected by database.driver.
func openStore(s *config.Settings) (*config.Store, error) {
	dsn := s.Database.DSN
	if s.Database.Driver == config.DriverSQLite && dsn == "" {
		dsn = defaultDataDir()
	}
	store, err := config.Open(s.Database.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}
	return store, nil
}

// app is everything a command needs to talk to the control plane.
type app struct {
	settings *config.Settings
	logger   *slog.Logger
	store    *config.Store
	tokens   *controlplane.TokenCache
	client   *controlplane.Client
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	notifier *notify.Manager
	keys     *service.KeyService
}

// newApp validates the settings and wires the key service with its
// notifier running. The caller must Close the returned app.
func newApp(s *config.Settings, logger *slog.Logger) (*app, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}

	codec, err := secret.NewCodecFromString(s.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("load encryption key: %w", err)
	}

	store, err := openStore(s)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	tokens := controlplane.NewTokenCache(controlplane.NewOAuthSource(
		s.ControlPlane.BaseURL, s.ControlPlane.ClientID, s.ControlPlane.ClientSecret, s.ControlPlane.Scopes))
	m.WatchTokenRefreshes(tokens.Refreshes)

	client := controlplane.NewClient(controlplane.ClientConfig{
		BaseURL: s.ControlPlane.BaseURL,
		Tailnet: s.ControlPlane.Tailnet,
	}, tokens, logger)

	notifier := notify.FromSettings(s.Notify, m, logger)
	notifier.Start()

	keys := service.NewKeyService(store, client, codec, service.Options{
		Announcer:  notifier,
		Metrics:    m,
		Logger:     logger,
		DefaultTTL: time.Duration(s.Rotation.DefaultTTLDays) * 24 * time.Hour,
	})

	return &app{
		settings: s,
		logger:   logger,
		store:    store,
		tokens:   tokens,
		client:   client,
		metrics:  m,
		registry: registry,
		notifier: notifier,
		keys:     keys,
	}, nil
}

// Close flushes pending announcements, then closes the store.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), notifyFlushTimeout)
	defer cancel()
	if err := a.notifier.Shutdown(ctx); err != nil {
		a.logger.Warn("pending notifications dropped", "error", err)
	}
	return a.store.Close()
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatTime renders an optional timestamp for tables.
func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
