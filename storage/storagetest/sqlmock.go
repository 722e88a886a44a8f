// Package storagetest holds sqlmock helpers shared by storage tests and by
// tests of packages that drive a real storage.Store over a mocked database.
package storagetest

import (
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/metailurini/cati-queue/queue"
)

// EntryColumns lists the columns every entry query returns, in scan order.
var EntryColumns = []string{
	"id", "survey_id", "dedup_key",
	"contact_name", "contact_phone", "contact_email", "contact_address", "contact_city",
	"ac_tag", "pc_tag", "ps_tag",
	"status", "assigned_to", "lease_expires_at", "attempt_count", "max_attempts",
	"next_eligible_at", "abandon_reason", "response_ref", "created_at", "updated_at",
}

// NewSQLMock returns a sqlmock-backed *sql.DB using the regexp query matcher.
// Expectations are verified when the test ends.
func NewSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet sqlmock expectations: %v", err)
		}
		_ = db.Close()
	})
	return db, mock
}

// EntryRows returns a result set holding the given entries.
func EntryRows(entries ...queue.Entry) *sqlmock.Rows {
	rows := sqlmock.NewRows(EntryColumns)
	for _, e := range entries {
		rows.AddRow(EntryValues(e)...)
	}
	return rows
}

// EntryValues renders e the way Postgres returns it: empty optional strings
// and nil timestamps become NULL.
func EntryValues(e queue.Entry) []driver.Value {
	return []driver.Value{
		e.ID, e.SurveyID, e.DedupKey,
		e.Contact.Name, e.Contact.Phone, e.Contact.Email, e.Contact.Address, e.Contact.City,
		e.Contact.AC, e.Contact.PC, e.Contact.PS,
		string(e.Status), nullable(e.AssignedTo), nullableTime(e.LeaseExpiresAt),
		int64(e.AttemptCount), int64(e.MaxAttempts),
		nullableTime(e.NextEligibleAt), nullable(e.AbandonReason), nullable(e.ResponseRef),
		e.CreatedAt, e.UpdatedAt,
	}
}

func AssertUTC(t *testing.T, ts time.Time) {
	t.Helper()
	if ts.Location() != time.UTC {
		t.Fatalf("expected time to be in UTC, got %s", ts.Location())
	}
}

func nullable(s string) driver.Value {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) driver.Value {
	if t == nil {
		return nil
	}
	return *t
}
