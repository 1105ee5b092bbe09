package config

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfleet/keyfleet/internal/model"
)

func newMockStore(t *testing.T, driver, sqlxDriver string) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStoreWithDB(sqlx.NewDb(db, sqlxDriver), driver), mock
}

func TestGetAuthKeyDatabaseError(t *testing.T) {
	s, mock := newMockStore(t, DriverSQLite, "sqlite")
	mock.ExpectQuery(regexp.QuoteMeta("FROM auth_keys WHERE id = ?")).
		WithArgs("k1").
		WillReturnError(errors.New("disk I/O error"))

	_, err := s.GetAuthKey(context.Background(), "k1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAuthKeyRollsBackOnInsertError(t *testing.T) {
	s, mock := newMockStore(t, DriverSQLite, "sqlite")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM auth_keys WHERE id = ?")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO auth_keys")).
		WillReturnError(errors.New("FOREIGN KEY constraint failed"))
	mock.ExpectRollback()

	k := &model.AuthKey{
		ID:          "k1",
		RemoteKeyID: "r1",
		OwnerUserID: "missing",
		CipherText:  "ct",
		MaskedValue: "******abcdef",
		TTLSeconds:  60,
		CreatedAt:   time.Now(),
		Active:      true,
	}
	err := s.SaveAuthKey(context.Background(), k)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert auth key")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAuthKeyExistingRowUpdatesFlags(t *testing.T) {
	s, mock := newMockStore(t, DriverSQLite, "sqlite")
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM auth_keys")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE auth_keys SET active = ?, revoked = ?, revoked_at = ?")).
		WithArgs(false, true, sqlmock.AnyArg(), "k1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	k := &model.AuthKey{
		ID:          "k1",
		RemoteKeyID: "r1",
		OwnerUserID: "u1",
		CipherText:  "ct",
		Revoked:     true,
		RevokedAt:   &now,
		CreatedAt:   now,
	}
	require.NoError(t, s.SaveAuthKey(context.Background(), k))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEventPostgresUsesReturning(t *testing.T) {
	s, mock := newMockStore(t, DriverPostgres, "pgx")
	uid := "u1"

	mock.ExpectQuery(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5, $6) RETURNING id")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	e := &model.Event{OwnerUserID: &uid, Type: model.EventKeyRotated, Message: "a -> b"}
	require.NoError(t, s.AppendEvent(context.Background(), e))
	assert.Equal(t, int64(42), e.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetSettingMySQLUpsert(t *testing.T) {
	s, mock := newMockStore(t, DriverMySQL, "mysql")
	mock.ExpectExec(regexp.QuoteMeta("ON DUPLICATE KEY UPDATE value = VALUES(value)")).
		WithArgs("rotation.last_run", "x").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SetSetting(context.Background(), "rotation.last_run", "x"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListEventsPostgresPlaceholders(t *testing.T) {
	s, mock := newMockStore(t, DriverPostgres, "pgx")
	mock.ExpectQuery(regexp.QuoteMeta("WHERE owner_user_id = $1 AND type = $2 ORDER BY id DESC LIMIT 5")).
		WithArgs("u1", "KEY_CREATED").
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_user_id", "owner_machine_id", "key_id", "type", "message", "created_at"}).
			AddRow(int64(1), "u1", nil, "k1", "KEY_CREATED", "m", time.Now()))

	events, err := s.ListEvents(context.Background(), model.EventFilter{OwnerUserID: "u1", Type: model.EventKeyCreated, Limit: 5})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "k1", *events[0].KeyID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeactivateAuthKeyIsConditional(t *testing.T) {
	s, mock := newMockStore(t, DriverPostgres, "pgx")
	mock.ExpectExec(regexp.QuoteMeta("UPDATE auth_keys SET active = $1 WHERE id = $2 AND active = $3 AND revoked = $4")).
		WithArgs(false, "k1", true, false).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.DeactivateAuthKey(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, ok, "no row changed")
	assert.NoError(t, mock.ExpectationsWereMet())
}
