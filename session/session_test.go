package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metailurini/cati-queue/apperrors"
	"github.com/metailurini/cati-queue/queue"
	"github.com/metailurini/cati-queue/recorder"
)

type fakeClaimer struct {
	mu      sync.Mutex
	entries []queue.Entry
	err     error
}

func (f *fakeClaimer) NextWait(ctx context.Context, _, _ string, _, _ time.Duration) (queue.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return queue.Entry{}, f.err
	}
	if len(f.entries) == 0 {
		return queue.Entry{}, queue.ErrNoWorkAvailable
	}
	e := f.entries[0]
	f.entries = f.entries[1:]
	return e, nil
}

type report struct {
	entryID string
	outcome queue.Outcome
	ctxErr  error
}

type fakeReporter struct {
	mu      sync.Mutex
	reports []report
	err     error
}

func (f *fakeReporter) ReportOutcome(ctx context.Context, entryID, _ string, o queue.Outcome) (recorder.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report{entryID: entryID, outcome: o, ctxErr: ctx.Err()})
	return recorder.Ack{}, f.err
}

func entry(id string, lease time.Duration) queue.Entry {
	until := time.Now().Add(lease)
	return queue.Entry{ID: id, SurveyID: "S1", Status: queue.StatusLeased, AssignedTo: "W1", LeaseExpiresAt: &until}
}

func newRunner(t *testing.T, c claimer, r reporter, h CallHandler, logs *bytes.Buffer) *Runner {
	t.Helper()
	cfg := Config{WorkerID: "W1", SurveyID: "S1", Wait: time.Millisecond, ErrorDelay: time.Millisecond}
	if logs != nil {
		logger := zerolog.New(logs)
		cfg.Logger = &logger
	}
	runner, err := NewRunner(c, r, h, cfg)
	require.NoError(t, err)
	return runner
}

func TestNewRunner_Validates(t *testing.T) {
	h := func(context.Context, queue.Entry) (queue.Outcome, error) { return nil, nil }
	_, err := NewRunner(nil, &fakeReporter{}, h, Config{SurveyID: "S1"})
	assert.ErrorIs(t, err, apperrors.ErrNotConfigured)
	_, err = NewRunner(&fakeClaimer{}, &fakeReporter{}, nil, Config{SurveyID: "S1"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
	_, err = NewRunner(&fakeClaimer{}, &fakeReporter{}, h, Config{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)

	r, err := NewRunner(&fakeClaimer{}, &fakeReporter{}, h, Config{SurveyID: "S1"})
	require.NoError(t, err)
	assert.NotEmpty(t, r.cfg.WorkerID)
	assert.Equal(t, 1, r.cfg.MaxInFlight)
}

func TestOnce_ReportsHandlerOutcome(t *testing.T) {
	claims := &fakeClaimer{entries: []queue.Entry{entry("e1", time.Minute)}}
	reports := &fakeReporter{}
	r := newRunner(t, claims, reports, func(context.Context, queue.Entry) (queue.Outcome, error) {
		return queue.Completed{ResponseRef: "resp-1"}, nil
	}, nil)

	assert.True(t, r.Once(context.Background()))
	require.Len(t, reports.reports, 1)
	assert.Equal(t, "e1", reports.reports[0].entryID)
	assert.Equal(t, queue.Completed{ResponseRef: "resp-1"}, reports.reports[0].outcome)
}

func TestOnce_NoWorkDoesNothing(t *testing.T) {
	reports := &fakeReporter{}
	r := newRunner(t, &fakeClaimer{}, reports, func(context.Context, queue.Entry) (queue.Outcome, error) {
		t.Fatal("handler must not run")
		return nil, nil
	}, nil)

	assert.False(t, r.Once(context.Background()))
	assert.Empty(t, reports.reports)
}

func TestOnce_HandlerErrorAndPanicAbandon(t *testing.T) {
	cases := map[string]CallHandler{
		ReasonHandlerError: func(context.Context, queue.Entry) (queue.Outcome, error) { return nil, errors.New("sip 503") },
		ReasonHandlerPanic: func(context.Context, queue.Entry) (queue.Outcome, error) { panic("nil pointer") },
	}
	for reason, h := range cases {
		t.Run(reason, func(t *testing.T) {
			reports := &fakeReporter{}
			r := newRunner(t, &fakeClaimer{entries: []queue.Entry{entry("e1", time.Minute)}}, reports, h, nil)

			assert.True(t, r.Once(context.Background()))
			require.Len(t, reports.reports, 1)
			assert.Equal(t, queue.Abandoned{Reason: reason}, reports.reports[0].outcome)
		})
	}
}

func TestOnce_HandlerContextEndsAtLeaseExpiry(t *testing.T) {
	reports := &fakeReporter{}
	r := newRunner(t, &fakeClaimer{entries: []queue.Entry{entry("e1", 20*time.Millisecond)}}, reports,
		func(ctx context.Context, _ queue.Entry) (queue.Outcome, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil)

	assert.True(t, r.Once(context.Background()))
	require.Len(t, reports.reports, 1)
	assert.NoError(t, reports.reports[0].ctxErr, "report must not inherit the expired call context")
}

func TestOnce_LeaseLostIsLoggedNotRetried(t *testing.T) {
	var logs bytes.Buffer
	reports := &fakeReporter{err: queue.ErrLeaseLost}
	r := newRunner(t, &fakeClaimer{entries: []queue.Entry{entry("e1", time.Minute)}}, reports,
		func(context.Context, queue.Entry) (queue.Outcome, error) { return queue.Abandoned{Reason: "no_answer"}, nil }, &logs)

	r.Once(context.Background())
	assert.Len(t, reports.reports, 1)
	assert.Contains(t, logs.String(), `"status":"lease_lost"`)
}

func TestOnce_ReportSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reports := &fakeReporter{}
	r := newRunner(t, &fakeClaimer{entries: []queue.Entry{entry("e1", time.Minute)}}, reports,
		func(context.Context, queue.Entry) (queue.Outcome, error) {
			cancel()
			return queue.Completed{ResponseRef: "r"}, nil
		}, nil)

	r.Once(ctx)
	require.Len(t, reports.reports, 1)
	assert.NoError(t, reports.reports[0].ctxErr)
}

func TestRun_ProcessesUntilCancelled(t *testing.T) {
	claims := &fakeClaimer{entries: []queue.Entry{entry("e1", time.Minute), entry("e2", time.Minute), entry("e3", time.Minute)}}
	reports := &fakeReporter{}
	var handled atomic.Int32
	r := newRunner(t, claims, reports, func(context.Context, queue.Entry) (queue.Outcome, error) {
		handled.Add(1)
		return queue.Completed{ResponseRef: "r"}, nil
	}, nil)
	r.cfg.MaxInFlight = 2

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return handled.Load() == 3 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Len(t, reports.reports, 3)
}
