package reconcile

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metailurini/cati-queue/apperrors"
	"github.com/metailurini/cati-queue/storage"
	"github.com/metailurini/cati-queue/storage/storagetest"
	"github.com/metailurini/cati-queue/timeprovider"
)

type fakeStore struct {
	exhausted int64
	dups      int64
	err       error
	calls     atomic.Int32
}

func (f *fakeStore) ExhaustOverLimit(context.Context) (int64, error) {
	f.calls.Add(1)
	return f.exhausted, f.err
}

func (f *fakeStore) CountDuplicateKeys(context.Context) (int64, error) {
	return f.dups, nil
}

func TestNewRunner_DefaultsAndValidation(t *testing.T) {
	_, err := NewRunner(nil, Config{})
	assert.ErrorIs(t, err, apperrors.ErrNotConfigured)

	_, err = NewRunner(&fakeStore{}, Config{Schedule: "every minute"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)

	r, err := NewRunner(&fakeStore{}, Config{})
	require.NoError(t, err)
	from := time.Date(2026, 1, 1, 10, 7, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC), r.schedule.Next(from))
}

func TestReconcile_WarnsWhenRowsRepaired(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	r, err := NewRunner(&fakeStore{exhausted: 3}, Config{Logger: &logger})
	require.NoError(t, err)

	rep, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Exhausted: 3}, rep)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"exhausted":3`)
}

func TestReconcile_PropagatesStoreError(t *testing.T) {
	r, err := NewRunner(&fakeStore{err: errors.New("db down")}, Config{})
	require.NoError(t, err)
	_, err = r.Reconcile(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestReconcile_AgainstStoreSQL(t *testing.T) {
	db, mock := storagetest.NewSQLMock(t)
	now := time.Date(2026, 8, 9, 10, 0, 0, 0, time.UTC)
	store := storage.NewTestStore(storage.TestStoreDependencies{DB: db, Now: func() time.Time { return now }})

	mock.ExpectExec(regexp.QuoteMeta("UPDATE queue_entries")).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*)")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))

	r, err := NewRunner(store, Config{})
	require.NoError(t, err)
	rep, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Exhausted: 1, DuplicateKeys: 2}, rep)
}

func TestRun_FiresOnSchedule(t *testing.T) {
	store := &fakeStore{}
	// A frozen clock just before a minute boundary fires every 10ms.
	clock := timeprovider.FixedProvider{T: time.Now().Truncate(time.Minute).Add(time.Minute - 10*time.Millisecond)}
	r, err := NewRunner(store, Config{Schedule: "* * * * *", TimeProvider: clock})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return store.calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRun_StopsOnCancel(t *testing.T) {
	r, err := NewRunner(&fakeStore{}, Config{Schedule: "0 0 1 1 *"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Run(ctx), context.Canceled)
}
