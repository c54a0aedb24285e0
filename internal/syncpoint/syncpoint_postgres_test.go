package syncpoint

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	return NewPostgresStore(sqlxDB), mock
}

func TestPostgresStore_Get_ReturnsEmptyMapOnNoRows(t *testing.T) {
	store, mock := newMockStore(t)
	key := Key{Resource: "records", ConnectorInstance: "org1:google_drive:1", ResourceID: "cursor"}

	mock.ExpectQuery(`SELECT blob FROM sync_points WHERE sync_key = \$1`).
		WithArgs(key.String()).
		WillReturnError(sql.ErrNoRows)

	blob, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, blob)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_DecodesStoredBlob(t *testing.T) {
	store, mock := newMockStore(t)
	key := Key{Resource: "records", ConnectorInstance: "org1:google_drive:1", ResourceID: "cursor"}

	rows := sqlmock.NewRows([]string{"blob"}).AddRow([]byte(`{"page_token":"abc"}`))
	mock.ExpectQuery(`SELECT blob FROM sync_points WHERE sync_key = \$1`).
		WithArgs(key.String()).
		WillReturnRows(rows)

	blob, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "abc", blob["page_token"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Update_SelectsForUpdateThenUpserts(t *testing.T) {
	store, mock := newMockStore(t)
	key := Key{Resource: "records", ConnectorInstance: "org1:google_drive:1", ResourceID: "cursor"}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT blob FROM sync_points WHERE sync_key = \$1 FOR UPDATE`).
		WithArgs(key.String()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO sync_points`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.Update(context.Background(), key, func(current map[string]any) map[string]any {
		assert.Equal(t, map[string]any{}, current)
		return map[string]any{"page_token": "next"}
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
