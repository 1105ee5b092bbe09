package config

import (
	"context"
	"fmt"
	"strings"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS machines (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		hostname TEXT NOT NULL,
		remote_device_id TEXT NOT NULL DEFAULT '',
		last_seen DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS auth_keys (
		id TEXT PRIMARY KEY,
		remote_key_id TEXT NOT NULL,
		owner_user_id TEXT NOT NULL REFERENCES users(id),
		owner_machine_id TEXT REFERENCES machines(id),
		description TEXT NOT NULL DEFAULT '',
		cipher_text TEXT NOT NULL,
		masked_value TEXT NOT NULL,
		reusable INTEGER NOT NULL DEFAULT 0,
		ephemeral INTEGER NOT NULL DEFAULT 0,
		preauthorized INTEGER NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '[]',
		ttl_seconds INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME,
		active INTEGER NOT NULL DEFAULT 1,
		revoked INTEGER NOT NULL DEFAULT 0,
		revoked_at DATETIME
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_user_id TEXT,
		owner_machine_id TEXT,
		key_id TEXT,
		type TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_auth_keys_owner ON auth_keys(owner_user_id, owner_machine_id)`,
	`CREATE INDEX IF NOT EXISTS idx_auth_keys_expiry ON auth_keys(active, expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_owner ON events(owner_user_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS settings (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	)`,
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS machines (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		hostname TEXT NOT NULL,
		remote_device_id TEXT NOT NULL DEFAULT '',
		last_seen TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS auth_keys (
		id TEXT PRIMARY KEY,
		remote_key_id TEXT NOT NULL,
		owner_user_id TEXT NOT NULL REFERENCES users(id),
		owner_machine_id TEXT REFERENCES machines(id),
		description TEXT NOT NULL DEFAULT '',
		cipher_text TEXT NOT NULL,
		masked_value TEXT NOT NULL,
		reusable BOOLEAN NOT NULL DEFAULT FALSE,
		ephemeral BOOLEAN NOT NULL DEFAULT FALSE,
		preauthorized BOOLEAN NOT NULL DEFAULT FALSE,
		tags TEXT NOT NULL DEFAULT '[]',
		ttl_seconds BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		revoked_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		owner_user_id TEXT,
		owner_machine_id TEXT,
		key_id TEXT,
		type TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_auth_keys_owner ON auth_keys(owner_user_id, owner_machine_id)`,
	`CREATE INDEX IF NOT EXISTS idx_auth_keys_expiry ON auth_keys(active, expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_owner ON events(owner_user_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS settings (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	)`,
}

// MySQL has no CREATE INDEX IF NOT EXISTS, so indexes are declared inline.
var mysqlMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(64) PRIMARY KEY,
		email VARCHAR(320) UNIQUE NOT NULL,
		display_name VARCHAR(255) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
	)`,

	`CREATE TABLE IF NOT EXISTS machines (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		hostname VARCHAR(255) NOT NULL,
		remote_device_id VARCHAR(128) NOT NULL DEFAULT '',
		last_seen DATETIME(6) NULL,
		created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		FOREIGN KEY (user_id) REFERENCES users(id)
	)`,

	`CREATE TABLE IF NOT EXISTS auth_keys (
		id VARCHAR(64) PRIMARY KEY,
		remote_key_id VARCHAR(128) NOT NULL,
		owner_user_id VARCHAR(64) NOT NULL,
		owner_machine_id VARCHAR(64) NULL,
		description VARCHAR(255) NOT NULL DEFAULT '',
		cipher_text TEXT NOT NULL,
		masked_value VARCHAR(255) NOT NULL,
		reusable BOOLEAN NOT NULL DEFAULT FALSE,
		ephemeral BOOLEAN NOT NULL DEFAULT FALSE,
		preauthorized BOOLEAN NOT NULL DEFAULT FALSE,
		tags TEXT NOT NULL,
		ttl_seconds BIGINT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		expires_at DATETIME(6) NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		revoked_at DATETIME(6) NULL,
		INDEX idx_auth_keys_owner (owner_user_id, owner_machine_id),
		INDEX idx_auth_keys_expiry (active, expires_at),
		FOREIGN KEY (owner_user_id) REFERENCES users(id),
		FOREIGN KEY (owner_machine_id) REFERENCES machines(id)
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		owner_user_id VARCHAR(64) NULL,
		owner_machine_id VARCHAR(64) NULL,
		key_id VARCHAR(64) NULL,
		type VARCHAR(32) NOT NULL,
		message TEXT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		INDEX idx_events_owner (owner_user_id, created_at)
	)`,

	`CREATE TABLE IF NOT EXISTS settings (
		name VARCHAR(191) PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

func migrationsFor(driver string) ([]string, error) {
	switch driver {
	case DriverSQLite:
		return sqliteMigrations, nil
	case DriverPostgres:
		return postgresMigrations, nil
	case DriverMySQL:
		return mysqlMigrations, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Migrate applies the schema. Every statement is idempotent so it runs on
// each start.
func (s *Store) Migrate(ctx context.Context) error {
	migrations, err := migrationsFor(s.driver)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			// ALTER TABLE ADD COLUMN fails if the column already exists;
			// treat "duplicate column" as a no-op.
			if strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
