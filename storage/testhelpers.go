package storage

import "time"

// TestStoreDependencies describes the dependencies used to build a Store for
// tests in other packages.
type TestStoreDependencies struct {
	DB  DB
	Now func() time.Time
}

// NewTestStore constructs a Store without the nil checks of NewStore.
func NewTestStore(deps TestStoreDependencies) *Store {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		DB:  deps.DB,
		now: now,
	}
}
