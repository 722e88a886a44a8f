package timeprovider

import (
	"sync"
	"time"
)

// Provider exposes the ability to retrieve the current time.
type Provider interface {
	Now() time.Time
}

// RealProvider delegates to time.Now.
type RealProvider struct{}

// Now returns the current time using time.Now.
func (RealProvider) Now() time.Time {
	return time.Now()
}

// FixedProvider always returns the provided timestamp.
type FixedProvider struct {
	T time.Time
}

// Now returns the fixed timestamp.
func (f FixedProvider) Now() time.Time {
	return f.T
}

// Offset shifts another provider by a constant amount. Lease and backoff
// timestamps are compared against the database clock, so processes with a
// skewed local clock run on Offset{Base: RealProvider{}, Offset: drift}.
type Offset struct {
	Base   Provider
	Offset time.Duration
}

// Now returns the base time plus the offset.
func (o Offset) Now() time.Time {
	base := o.Base
	if base == nil {
		base = RealProvider{}
	}
	return base.Now().Add(o.Offset)
}

// Mutable is a manually advanced clock for tests that need to move past
// lease expiry or backoff windows.
type Mutable struct {
	mu sync.Mutex
	t  time.Time
}

// NewMutable returns a Mutable starting at start.
func NewMutable(start time.Time) *Mutable {
	return &Mutable{t: start}
}

// Now returns the current value.
func (m *Mutable) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

// Advance moves the clock forward and returns the new value.
func (m *Mutable) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = m.t.Add(d)
	return m.t
}

// Set replaces the current value.
func (m *Mutable) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = t
}
