// Package diag measures how far the application clock is from the database
// clock. Leases and backoff windows are compared with timestamps written by
// every worker, so a skewed host would otherwise hand out leases that expire
// early or late.
package diag

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/metailurini/cati-queue/timeprovider"
)

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// RecordClockDrift queries the database for its current time and logs the
// drift between the DB clock and provider. Positive drift means the database
// is ahead.
func RecordClockDrift(ctx context.Context, db querier, provider timeprovider.Provider, logger *zerolog.Logger) (time.Duration, error) {
	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}
	if provider == nil {
		provider = timeprovider.RealProvider{}
	}

	driftCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	before := provider.Now()
	var dbNow time.Time
	if err := db.QueryRowContext(driftCtx, "SELECT now()").Scan(&dbNow); err != nil {
		log.Warn().Err(err).Str("event", "clock_drift").Msg("clock drift measurement failed")
		return 0, err
	}
	after := provider.Now()

	// Compare against the midpoint of the round trip.
	appNow := before.Add(after.Sub(before) / 2)
	drift := dbNow.Sub(appNow)
	log.Info().
		Str("event", "clock_drift").
		Time("db_now", dbNow).
		Time("app_now", appNow).
		Dur("drift", drift).
		Msg("clock drift measured")
	return drift, nil
}

// AlignedProvider returns a provider that follows the database clock when
// the measured drift exceeds tolerance, and provider unchanged otherwise.
func AlignedProvider(provider timeprovider.Provider, drift, tolerance time.Duration) timeprovider.Provider {
	if provider == nil {
		provider = timeprovider.RealProvider{}
	}
	if drift <= tolerance && drift >= -tolerance {
		return provider
	}
	return timeprovider.Offset{Base: provider, Offset: drift}
}
