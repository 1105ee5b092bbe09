package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/keyfleet/keyfleet/internal/secret"
)

// Settings is the effective keyfleet configuration, assembled from the
// config file, KEYFLEET_* environment variables and command-line flags.
type Settings struct {
	Server        ServerSettings       `yaml:"server"`
	Database      DatabaseSettings     `yaml:"database"`
	ControlPlane  ControlPlaneSettings `yaml:"controlplane"`
	EncryptionKey string               `yaml:"encryption_key"`
	Rotation      RotationSettings     `yaml:"rotation"`
	Notify        NotifySettings       `yaml:"notify"`
	MCP           MCPSettings          `yaml:"mcp"`
	Log           LogSettings          `yaml:"log"`
}

// ServerSettings controls the HTTP server behavior.
type ServerSettings struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	RateLimit       int           `yaml:"rate_limit"`
	AllowReveal     bool          `yaml:"allow_reveal"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseSettings selects the key repository backend.
type DatabaseSettings struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ControlPlaneSettings holds the remote API location and OAuth client.
type ControlPlaneSettings struct {
	BaseURL      string `yaml:"base_url"`
	Tailnet      string `yaml:"tailnet"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scopes       string `yaml:"scopes"`
}

// RotationSettings controls the background rotation sweep.
type RotationSettings struct {
	WarnDays        int           `yaml:"warn_days"`
	IntervalMinutes int           `yaml:"interval_minutes"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	RunOnStart      bool          `yaml:"run_on_start"`
	DefaultTTLDays  int           `yaml:"default_ttl_days"`
}

// WarnWindow is how far ahead of expiry a key gets rotated.
func (r RotationSettings) WarnWindow() time.Duration {
	return time.Duration(r.WarnDays) * 24 * time.Hour
}

// Interval is the time between scheduled sweeps.
func (r RotationSettings) Interval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}

// NotifySettings configures outbound announcement channels. Empty values
// disable a channel.
type NotifySettings struct {
	TelegramBotToken  string `yaml:"telegram_bot_token"`
	TelegramChatID    string `yaml:"telegram_chat_id"`
	DiscordWebhookURL string `yaml:"discord_webhook_url"`
	SlackWebhookURL   string `yaml:"slack_webhook_url"`
	QueueSize         int    `yaml:"queue_size"`
}

// MCPSettings controls the MCP server.
type MCPSettings struct {
	Transport string `yaml:"transport"`
	Addr      string `yaml:"addr"`
}

// LogSettings controls log output.
type LogSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	d := DefaultSettings()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.allow_reveal", d.Server.AllowReveal)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("controlplane.base_url", d.ControlPlane.BaseURL)
	v.SetDefault("controlplane.tailnet", d.ControlPlane.Tailnet)
	v.SetDefault("controlplane.client_id", "")
	v.SetDefault("controlplane.client_secret", "")
	v.SetDefault("controlplane.scopes", d.ControlPlane.Scopes)
	v.SetDefault("encryption_key", "")
	v.SetDefault("rotation.warn_days", d.Rotation.WarnDays)
	v.SetDefault("rotation.interval_minutes", d.Rotation.IntervalMinutes)
	v.SetDefault("rotation.job_timeout", d.Rotation.JobTimeout)
	v.SetDefault("rotation.run_on_start", d.Rotation.RunOnStart)
	v.SetDefault("rotation.default_ttl_days", d.Rotation.DefaultTTLDays)
	v.SetDefault("notify.telegram_bot_token", "")
	v.SetDefault("notify.telegram_chat_id", "")
	v.SetDefault("notify.discord_webhook_url", "")
	v.SetDefault("notify.slack_webhook_url", "")
	v.SetDefault("notify.queue_size", d.Notify.QueueSize)
	v.SetDefault("mcp.transport", d.MCP.Transport)
	v.SetDefault("mcp.addr", d.MCP.Addr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// DefaultSettings returns Settings pre-filled with sensible defaults.
func DefaultSettings() *Settings {
	return &Settings{
		Server: ServerSettings{
			Host:            "0.0.0.0",
			Port:            8000,
			CORSOrigins:     []string{"*"},
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseSettings{
			Driver: DriverSQLite,
		},
		ControlPlane: ControlPlaneSettings{
			BaseURL: "https://api.tailscale.com/api/v2",
			Tailnet: "-",
			Scopes:  "auth_keys devices:core",
		},
		Rotation: RotationSettings{
			WarnDays:        7,
			IntervalMinutes: 15,
			JobTimeout:      5 * time.Minute,
			DefaultTTLDays:  30,
		},
		Notify: NotifySettings{
			QueueSize: 100,
		},
		MCP: MCPSettings{
			Transport: "stdio",
			Addr:      ":8001",
		},
		Log: LogSettings{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads Settings from v. Call SetDefaults first.
func Load(v *viper.Viper) *Settings {
	return &Settings{
		Server: ServerSettings{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			CORSOrigins:     v.GetStringSlice("server.cors_origins"),
			RateLimit:       v.GetInt("server.rate_limit"),
			AllowReveal:     v.GetBool("server.allow_reveal"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Database: DatabaseSettings{
			Driver: strings.ToLower(v.GetString("database.driver")),
			DSN:    v.GetString("database.dsn"),
		},
		ControlPlane: ControlPlaneSettings{
			BaseURL:      v.GetString("controlplane.base_url"),
			Tailnet:      v.GetString("controlplane.tailnet"),
			ClientID:     v.GetString("controlplane.client_id"),
			ClientSecret: v.GetString("controlplane.client_secret"),
			Scopes:       v.GetString("controlplane.scopes"),
		},
		EncryptionKey: v.GetString("encryption_key"),
		Rotation: RotationSettings{
			WarnDays:        v.GetInt("rotation.warn_days"),
			IntervalMinutes: v.GetInt("rotation.interval_minutes"),
			JobTimeout:      v.GetDuration("rotation.job_timeout"),
			RunOnStart:      v.GetBool("rotation.run_on_start"),
			DefaultTTLDays:  v.GetInt("rotation.default_ttl_days"),
		},
		Notify: NotifySettings{
			TelegramBotToken:  v.GetString("notify.telegram_bot_token"),
			TelegramChatID:    v.GetString("notify.telegram_chat_id"),
			DiscordWebhookURL: v.GetString("notify.discord_webhook_url"),
			SlackWebhookURL:   v.GetString("notify.slack_webhook_url"),
			QueueSize:         v.GetInt("notify.queue_size"),
		},
		MCP: MCPSettings{
			Transport: v.GetString("mcp.transport"),
			Addr:      v.GetString("mcp.addr"),
		},
		Log: LogSettings{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}
}

// Validate checks that the settings can run the rotation engine. All
// problems are reported together.
func (s *Settings) Validate() error {
	var errs []error
	switch s.Database.Driver {
	case DriverSQLite, DriverPostgres, DriverMySQL:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of sqlite, postgres, mysql", s.Database.Driver))
	}
	if s.Database.Driver != DriverSQLite && s.Database.DSN == "" {
		errs = append(errs, fmt.Errorf("database.dsn is required for %s", s.Database.Driver))
	}
	if s.ControlPlane.ClientID == "" || s.ControlPlane.ClientSecret == "" {
		errs = append(errs, errors.New("controlplane.client_id and controlplane.client_secret are required"))
	}
	if s.EncryptionKey == "" {
		errs = append(errs, errors.New("encryption_key is required (generate one with 'keyfleet config init')"))
	} else if _, err := secret.ParseKey(s.EncryptionKey); err != nil {
		errs = append(errs, fmt.Errorf("encryption_key: %w", err))
	}
	if s.Rotation.WarnDays <= 0 {
		errs = append(errs, errors.New("rotation.warn_days must be positive"))
	}
	if s.Rotation.IntervalMinutes <= 0 {
		errs = append(errs, errors.New("rotation.interval_minutes must be positive"))
	}
	if s.Rotation.JobTimeout <= 0 {
		errs = append(errs, errors.New("rotation.job_timeout must be positive"))
	}
	if s.Rotation.DefaultTTLDays <= 0 {
		errs = append(errs, errors.New("rotation.default_ttl_days must be positive"))
	}
	if s.Server.Port <= 0 || s.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", s.Server.Port))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy safe to print: credentials are masked.
func (s *Settings) Redacted() *Settings {
	c := *s
	c.Server.CORSOrigins = append([]string(nil), s.Server.CORSOrigins...)
	c.ControlPlane.ClientSecret = redact(s.ControlPlane.ClientSecret)
	c.EncryptionKey = redact(s.EncryptionKey)
	c.Notify.TelegramBotToken = redact(s.Notify.TelegramBotToken)
	c.Notify.DiscordWebhookURL = redact(s.Notify.DiscordWebhookURL)
	c.Notify.SlackWebhookURL = redact(s.Notify.SlackWebhookURL)
	if s.Database.Driver != DriverSQLite {
		c.Database.DSN = redact(s.Database.DSN)
	}
	return &c
}

func redact(v string) string {
	if v == "" {
		return ""
	}
	return secret.Mask(v, 4)
}
