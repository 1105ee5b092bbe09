package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/keyfleet/keyfleet/internal/model"
)

// Store persists users, machines, auth keys and the audit event log. SQLite
// is the default backend; Postgres and MySQL are supported for shared
// deployments.
type Store struct {
	db     *sqlx.DB
	driver string
}

// NewStore creates a SQLite store under dataDir. Pass empty string for
// in-memory.
func NewStore(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_pragma=foreign_keys(1)&_time_format=sqlite"
	} else {
		if err := os.MkdirAll(dataDir, 0700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "keyfleet.db") +
			"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	}
	return Open(DriverSQLite, dsn)
}

// Open connects to the database identified by driver and dsn and applies
// migrations. For sqlite, dsn is a data directory unless it already looks
// like a file DSN.
func Open(driver, dsn string) (*Store, error) {
	var (
		sqlDriver = driver
		err       error
	)
	switch driver {
	case DriverSQLite:
		if dsn == "" || (!strings.Contains(dsn, "?") && !strings.HasSuffix(dsn, ".db") && dsn != ":memory:") {
			return NewStore(dsn)
		}
	case DriverPostgres:
		sqlDriver = "pgx"
	case DriverMySQL:
		if dsn, err = mysqlDSN(dsn); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Connect(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
	}

	s := NewStoreWithDB(db, driver)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// NewStoreWithDB wraps an existing connection. No migrations are run.
func NewStoreWithDB(db *sqlx.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// mysqlDSN forces parseTime so DATETIME columns scan into time.Time.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// Driver returns the configured database driver name.
func (s *Store) Driver() string { return s.driver }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Users and machines
// ---------------------------------------------------------------------------

// CreateUser inserts a user. An empty ID is replaced with a UUIDv7.
func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	if u.Email == "" {
		return fmt.Errorf("%w: user email is required", ErrInvalidRecord)
	}
	if u.ID == "" {
		u.ID = newID()
	}
	u.CreatedAt = time.Now().UTC()

	const q = `INSERT INTO users (id, email, display_name, created_at)
		VALUES (:id, :email, :display_name, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, q, u); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user %s", ErrConflict, u.Email)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser returns a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	q := s.db.Rebind("SELECT id, email, display_name, created_at FROM users WHERE id = ?")
	if err := s.db.GetContext(ctx, &u, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetUserByEmail returns a user by email address.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	q := s.db.Rebind("SELECT id, email, display_name, created_at FROM users WHERE email = ?")
	if err := s.db.GetContext(ctx, &u, q, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &u, nil
}

// ListUsers returns all users ordered by email.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	users := []model.User{}
	if err := s.db.SelectContext(ctx, &users,
		"SELECT id, email, display_name, created_at FROM users ORDER BY email"); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

const machineColumns = "id, user_id, hostname, remote_device_id, last_seen, created_at"

// CreateMachine inserts a machine owned by an existing user.
func (s *Store) CreateMachine(ctx context.Context, m *model.Machine) error {
	if m.UserID == "" || m.Hostname == "" {
		return fmt.Errorf("%w: machine needs user_id and hostname", ErrInvalidRecord)
	}
	if _, err := s.GetUser(ctx, m.UserID); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = newID()
	}
	m.CreatedAt = time.Now().UTC()

	const q = `INSERT INTO machines (id, user_id, hostname, remote_device_id, last_seen, created_at)
		VALUES (:id, :user_id, :hostname, :remote_device_id, :last_seen, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, q, m); err != nil {
		return fmt.Errorf("insert machine: %w", err)
	}
	return nil
}

// GetMachine returns a machine by ID.
func (s *Store) GetMachine(ctx context.Context, id string) (*model.Machine, error) {
	var m model.Machine
	q := s.db.Rebind("SELECT " + machineColumns + " FROM machines WHERE id = ?")
	if err := s.db.GetContext(ctx, &m, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get machine: %w", err)
	}
	return &m, nil
}

// ListMachines returns machines, optionally only those of one user.
func (s *Store) ListMachines(ctx context.Context, userID string) ([]model.Machine, error) {
	machines := []model.Machine{}
	q := "SELECT " + machineColumns + " FROM machines"
	var args []interface{}
	if userID != "" {
		q += " WHERE user_id = ?"
		args = append(args, userID)
	}
	q += " ORDER BY hostname"
	if err := s.db.SelectContext(ctx, &machines, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	return machines, nil
}

// ---------------------------------------------------------------------------
// Auth keys
// ---------------------------------------------------------------------------

// authKeyRow maps 1:1 to the auth_keys columns. Tags are stored as a JSON
// array text column.
type authKeyRow struct {
	ID             string     `db:"id"`
	RemoteKeyID    string     `db:"remote_key_id"`
	OwnerUserID    string     `db:"owner_user_id"`
	OwnerMachineID *string    `db:"owner_machine_id"`
	Description    string     `db:"description"`
	CipherText     string     `db:"cipher_text"`
	MaskedValue    string     `db:"masked_value"`
	Reusable       bool       `db:"reusable"`
	Ephemeral      bool       `db:"ephemeral"`
	Preauthorized  bool       `db:"preauthorized"`
	Tags           string     `db:"tags"`
	TTLSeconds     int64      `db:"ttl_seconds"`
	CreatedAt      time.Time  `db:"created_at"`
	ExpiresAt      *time.Time `db:"expires_at"`
	Active         bool       `db:"active"`
	Revoked        bool       `db:"revoked"`
	RevokedAt      *time.Time `db:"revoked_at"`
}

const authKeyColumns = `id, remote_key_id, owner_user_id, owner_machine_id, description, cipher_text,
	masked_value, reusable, ephemeral, preauthorized, tags, ttl_seconds, created_at, expires_at,
	active, revoked, revoked_at`

func authKeyRowFromModel(k *model.AuthKey) (authKeyRow, error) {
	tags := k.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return authKeyRow{}, fmt.Errorf("marshal tags: %w", err)
	}
	return authKeyRow{
		ID:             k.ID,
		RemoteKeyID:    k.RemoteKeyID,
		OwnerUserID:    k.OwnerUserID,
		OwnerMachineID: k.OwnerMachineID,
		Description:    k.Description,
		CipherText:     k.CipherText,
		MaskedValue:    k.MaskedValue,
		Reusable:       k.Reusable,
		Ephemeral:      k.Ephemeral,
		Preauthorized:  k.Preauthorized,
		Tags:           string(tagsJSON),
		TTLSeconds:     k.TTLSeconds,
		CreatedAt:      k.CreatedAt.UTC(),
		ExpiresAt:      utcPtr(k.ExpiresAt),
		Active:         k.Active,
		Revoked:        k.Revoked,
		RevokedAt:      utcPtr(k.RevokedAt),
	}, nil
}

func (r authKeyRow) toModel() (model.AuthKey, error) {
	k := model.AuthKey{
		ID:             r.ID,
		RemoteKeyID:    r.RemoteKeyID,
		OwnerUserID:    r.OwnerUserID,
		OwnerMachineID: r.OwnerMachineID,
		Description:    r.Description,
		CipherText:     r.CipherText,
		MaskedValue:    r.MaskedValue,
		Reusable:       r.Reusable,
		Ephemeral:      r.Ephemeral,
		Preauthorized:  r.Preauthorized,
		TTLSeconds:     r.TTLSeconds,
		CreatedAt:      r.CreatedAt.UTC(),
		ExpiresAt:      utcPtr(r.ExpiresAt),
		Active:         r.Active,
		Revoked:        r.Revoked,
		RevokedAt:      utcPtr(r.RevokedAt),
	}
	if err := json.Unmarshal([]byte(r.Tags), &k.Tags); err != nil {
		return model.AuthKey{}, fmt.Errorf("unmarshal tags of key %s: %w", r.ID, err)
	}
	if k.Tags == nil {
		k.Tags = []string{}
	}
	return k, nil
}

func rowsToAuthKeys(rows []authKeyRow) ([]model.AuthKey, error) {
	keys := make([]model.AuthKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// GetAuthKey returns an auth key by its local ID.
func (s *Store) GetAuthKey(ctx context.Context, id string) (*model.AuthKey, error) {
	var row authKeyRow
	q := s.db.Rebind("SELECT " + authKeyColumns + " FROM auth_keys WHERE id = ?")
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get auth key: %w", err)
	}
	k, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// FindActiveAuthKeysByOwner returns the active keys of a user, newest first.
// An empty machineID selects keys that are not scoped to a machine.
func (s *Store) FindActiveAuthKeysByOwner(ctx context.Context, userID, machineID string) ([]model.AuthKey, error) {
	q := "SELECT " + authKeyColumns + " FROM auth_keys WHERE active = ? AND owner_user_id = ?"
	args := []interface{}{true, userID}
	if machineID == "" {
		q += " AND owner_machine_id IS NULL"
	} else {
		q += " AND owner_machine_id = ?"
		args = append(args, machineID)
	}
	q += " ORDER BY created_at DESC, id DESC"

	var rows []authKeyRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("find active auth keys: %w", err)
	}
	return rowsToAuthKeys(rows)
}

// FindAuthKeysExpiringBefore returns active keys with a known expiry strictly
// before deadline, soonest first.
func (s *Store) FindAuthKeysExpiringBefore(ctx context.Context, deadline time.Time) ([]model.AuthKey, error) {
	q := s.db.Rebind("SELECT " + authKeyColumns + ` FROM auth_keys
		WHERE active = ? AND expires_at IS NOT NULL AND expires_at < ?
		ORDER BY expires_at, id`)

	var rows []authKeyRow
	if err := s.db.SelectContext(ctx, &rows, q, true, deadline.UTC()); err != nil {
		return nil, fmt.Errorf("find expiring auth keys: %w", err)
	}
	return rowsToAuthKeys(rows)
}

// ListAuthKeys returns keys matching filter, newest first.
func (s *Store) ListAuthKeys(ctx context.Context, filter model.KeyFilter) ([]model.AuthKey, error) {
	q := "SELECT " + authKeyColumns + " FROM auth_keys"
	var (
		where []string
		args  []interface{}
	)
	if filter.OwnerUserID != "" {
		where = append(where, "owner_user_id = ?")
		args = append(args, filter.OwnerUserID)
	}
	if filter.ActiveOnly {
		where = append(where, "active = ?")
		args = append(args, true)
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var rows []authKeyRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list auth keys: %w", err)
	}
	return rowsToAuthKeys(rows)
}

// SaveAuthKey inserts a new key or, if the ID already exists, updates its
// active and revocation state. All other columns are immutable once written.
func (s *Store) SaveAuthKey(ctx context.Context, k *model.AuthKey) error {
	if k.RemoteKeyID == "" {
		return fmt.Errorf("%w: auth key has no remote key id", ErrInvalidRecord)
	}
	if k.CipherText == "" {
		return fmt.Errorf("%w: auth key has no ciphertext", ErrInvalidRecord)
	}
	if k.Revoked != (k.RevokedAt != nil) {
		return fmt.Errorf("%w: revoked_at must be set exactly when revoked", ErrInvalidRecord)
	}
	if k.ID == "" {
		k.ID = newID()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}

	row, err := authKeyRowFromModel(k)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.GetContext(ctx, &exists, tx.Rebind("SELECT COUNT(*) FROM auth_keys WHERE id = ?"), k.ID)
	if err != nil {
		return fmt.Errorf("check auth key: %w", err)
	}

	if exists > 0 {
		const q = `UPDATE auth_keys SET active = :active, revoked = :revoked, revoked_at = :revoked_at
			WHERE id = :id`
		if _, err := tx.NamedExecContext(ctx, q, row); err != nil {
			return fmt.Errorf("update auth key: %w", err)
		}
	} else {
		const q = `INSERT INTO auth_keys
			(id, remote_key_id, owner_user_id, owner_machine_id, description, cipher_text, masked_value,
			 reusable, ephemeral, preauthorized, tags, ttl_seconds, created_at, expires_at,
			 active, revoked, revoked_at)
			VALUES
			(:id, :remote_key_id, :owner_user_id, :owner_machine_id, :description, :cipher_text, :masked_value,
			 :reusable, :ephemeral, :preauthorized, :tags, :ttl_seconds, :created_at, :expires_at,
			 :active, :revoked, :revoked_at)`
		if _, err := tx.NamedExecContext(ctx, q, row); err != nil {
			return fmt.Errorf("insert auth key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit auth key: %w", err)
	}
	return nil
}

// DeactivateAuthKey clears the active flag of a key that is still active and
// not revoked. It reports false when the key was already deactivated or
// revoked, in which case nothing is written.
func (s *Store) DeactivateAuthKey(ctx context.Context, id string) (bool, error) {
	q := s.db.Rebind("UPDATE auth_keys SET active = ? WHERE id = ? AND active = ? AND revoked = ?")
	res, err := s.db.ExecContext(ctx, q, false, id, true, false)
	if err != nil {
		return false, fmt.Errorf("deactivate auth key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deactivate auth key: %w", err)
	}
	return n == 1, nil
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// AppendEvent adds an audit event. ID and CreatedAt are populated. Events
// are never updated or deleted.
func (s *Store) AppendEvent(ctx context.Context, e *model.Event) error {
	if e.Type == "" {
		return fmt.Errorf("%w: event type is required", ErrInvalidRecord)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	const q = `INSERT INTO events (owner_user_id, owner_machine_id, key_id, type, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	args := []interface{}{e.OwnerUserID, e.OwnerMachineID, e.KeyID, string(e.Type), e.Message, e.CreatedAt.UTC()}

	if s.driver == DriverPostgres {
		if err := s.db.QueryRowxContext(ctx, s.db.Rebind(q+" RETURNING id"), args...).Scan(&e.ID); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get event id: %w", err)
	}
	e.ID = id
	return nil
}

// ListEvents returns events matching filter, newest first.
func (s *Store) ListEvents(ctx context.Context, filter model.EventFilter) ([]model.Event, error) {
	q := "SELECT id, owner_user_id, owner_machine_id, key_id, type, message, created_at FROM events"
	var (
		where []string
		args  []interface{}
	)
	if filter.OwnerUserID != "" {
		where = append(where, "owner_user_id = ?")
		args = append(args, filter.OwnerUserID)
	}
	if filter.KeyID != "" {
		where = append(where, "key_id = ?")
		args = append(args, filter.KeyID)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	events := []model.Event{}
	if err := s.db.SelectContext(ctx, &events, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	for i := range events {
		events[i].CreatedAt = events[i].CreatedAt.UTC()
	}
	return events, nil
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// GetSetting returns a stored setting value, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, name string) (string, error) {
	var value string
	q := s.db.Rebind("SELECT value FROM settings WHERE name = ?")
	if err := s.db.GetContext(ctx, &value, q, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting creates or replaces a setting value.
func (s *Store) SetSetting(ctx context.Context, name, value string) error {
	q := `INSERT INTO settings (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`
	if s.driver == DriverMySQL {
		q = `INSERT INTO settings (name, value) VALUES (?, ?)
			ON DUPLICATE KEY UPDATE value = VALUES(value)`
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), name, value); err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Utility
// ---------------------------------------------------------------------------

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
