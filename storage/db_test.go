package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metailurini/cati-queue/storage/storagetest"
)

var (
	_ DB = (*sql.DB)(nil)
	_ Tx = (*sql.Tx)(nil)
)

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	store, mock := newMockStore(t, testNow)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE queue_entries").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.withTx(context.Background(), func(tx Tx) error {
		_, err := tx.ExecContext(context.Background(), "UPDATE queue_entries SET updated_at = now()")
		return err
	})
	require.NoError(t, err)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t, testNow)
	mock.ExpectBegin()
	mock.ExpectRollback()

	wantErr := errors.New("boom")
	err := store.withTx(context.Background(), func(Tx) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)
}

func TestWithTx_RollsBackOnPanic(t *testing.T) {
	store, mock := newMockStore(t, testNow)
	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = store.withTx(context.Background(), func(Tx) error { panic("bad") })
	})
}

func TestIsNoRows(t *testing.T) {
	assert.True(t, IsNoRows(sql.ErrNoRows))
	assert.False(t, IsNoRows(errors.New("other")))

	db, mock := storagetest.NewSQLMock(t)
	mock.ExpectQuery("SELECT id FROM queue_entries").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	var id string
	err := db.QueryRowContext(context.Background(), "SELECT id FROM queue_entries WHERE id = $1", testEntryID).Scan(&id)
	assert.True(t, IsNoRows(err))
}
