package diag

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metailurini/cati-queue/storage/storagetest"
	"github.com/metailurini/cati-queue/timeprovider"
)

func TestRecordClockDrift_MeasuresAgainstDB(t *testing.T) {
	db, mock := storagetest.NewSQLMock(t)
	appNow := time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC)
	mock.ExpectQuery("SELECT now\\(\\)").
		WillReturnRows(sqlmock.NewRows([]string{"now"}).AddRow(appNow.Add(3 * time.Second)))

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	drift, err := RecordClockDrift(context.Background(), db, timeprovider.FixedProvider{T: appNow}, &logger)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, drift)
	assert.Contains(t, buf.String(), `"event":"clock_drift"`)
}

func TestRecordClockDrift_QueryError(t *testing.T) {
	db, mock := storagetest.NewSQLMock(t)
	mock.ExpectQuery("SELECT now\\(\\)").WillReturnError(errors.New("timeout"))

	_, err := RecordClockDrift(context.Background(), db, nil, nil)
	assert.ErrorContains(t, err, "timeout")
}

func TestAlignedProvider(t *testing.T) {
	base := timeprovider.FixedProvider{T: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	assert.Equal(t, base, AlignedProvider(base, 200*time.Millisecond, time.Second))

	aligned := AlignedProvider(base, -5*time.Second, time.Second)
	assert.Equal(t, base.T.Add(-5*time.Second), aligned.Now())
}
