package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metailurini/cati-queue/apperrors"
	"github.com/metailurini/cati-queue/contact"
	"github.com/metailurini/cati-queue/ingest"
	"github.com/metailurini/cati-queue/queue"
	"github.com/metailurini/cati-queue/recorder"
	"github.com/metailurini/cati-queue/storage"
)

type fakeIngester struct {
	surveyID string
	raws     []contact.Raw
	result   ingest.Result
	err      error
}

func (f *fakeIngester) Ingest(_ context.Context, surveyID string, raws []contact.Raw) (ingest.Result, error) {
	f.surveyID = surveyID
	f.raws = raws
	return f.result, f.err
}

type fakeClaimer struct {
	surveyID, workerID string
	lease, wait        time.Duration
	entry              queue.Entry
	err                error
}

func (f *fakeClaimer) NextWait(_ context.Context, surveyID, workerID string, lease, wait time.Duration) (queue.Entry, error) {
	f.surveyID, f.workerID, f.lease, f.wait = surveyID, workerID, lease, wait
	return f.entry, f.err
}

type fakeReporter struct {
	entryID, workerID string
	outcome           queue.Outcome
	ack               recorder.Ack
	err               error
}

func (f *fakeReporter) ReportOutcome(_ context.Context, entryID, workerID string, o queue.Outcome) (recorder.Ack, error) {
	f.entryID, f.workerID, f.outcome = entryID, workerID, o
	return f.ack, f.err
}

type fakeReader struct {
	entry    queue.Entry
	entryErr error
	stats    queue.Stats
	attempts []storage.Attempt
}

func (f *fakeReader) GetEntry(context.Context, string) (queue.Entry, error) { return f.entry, f.entryErr }
func (f *fakeReader) Stats(context.Context, string) (queue.Stats, error)    { return f.stats, nil }
func (f *fakeReader) Attempts(context.Context, string) ([]storage.Attempt, error) {
	return f.attempts, nil
}

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

type fixture struct {
	ingester *fakeIngester
	claimer  *fakeClaimer
	reporter *fakeReporter
	reader   *fakeReader
	server   *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ingester: &fakeIngester{},
		claimer:  &fakeClaimer{},
		reporter: &fakeReporter{},
		reader:   &fakeReader{},
	}
	srv, err := NewServer(Config{
		Ingester: f.ingester,
		Claimer:  f.claimer,
		Reporter: f.reporter,
		Reader:   f.reader,
		Gatherer: prometheus.NewRegistry(),
		MaxWait:  10 * time.Second,
	})
	require.NoError(t, err)
	f.server = srv
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(Config{})
	assert.ErrorIs(t, err, apperrors.ErrNotConfigured)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	f.server.cfg.Pinger = fakePinger{err: errors.New("down")}
	rec = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIngest(t *testing.T) {
	f := newFixture(t)
	f.ingester.result = ingest.Result{
		Inserted:         1,
		SkippedDuplicate: 1,
		Duplicates:       []int{1},
		Rejected:         []ingest.Rejection{{Index: 2, Reason: "phone"}},
	}

	rec := f.do(t, http.MethodPost, "/v1/surveys/S1/contacts",
		`{"contacts":[{"name":"A","phone":"9000000001"},{"name":"B","phone":"9000000001"},{"name":"C","phone":"12"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "S1", f.ingester.surveyID)
	require.Len(t, f.ingester.raws, 3)
	assert.Equal(t, "9000000001", f.ingester.raws[0].Phone)

	var got ingest.Result
	decodeBody(t, rec, &got)
	assert.Equal(t, f.ingester.result, got)
}

func TestIngest_RejectsEmptyAndMalformedBodies(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{`{"contacts":[]}`, `{`, `{"contacts":[{"name":"A"}],"extra":1}`} {
		rec := f.do(t, http.MethodPost, "/v1/surveys/S1/contacts", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		var e errorBody
		decodeBody(t, rec, &e)
		assert.Equal(t, "invalid_argument", e.Error)
	}
}

func TestIngest_BodyTooLarge(t *testing.T) {
	f := newFixture(t)
	f.server.cfg.MaxBodyBytes = 16
	f.server.router = f.server.routes()

	rec := f.do(t, http.MethodPost, "/v1/surveys/S1/contacts", `{"contacts":[{"name":"Someone","phone":"9000000001"}]}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestNext_ReturnsLeasedEntry(t *testing.T) {
	f := newFixture(t)
	lease := time.Date(2026, 1, 1, 10, 20, 0, 0, time.UTC)
	f.claimer.entry = queue.Entry{
		ID:             "e1",
		SurveyID:       "S1",
		Contact:        queue.Contact{Name: "A", Phone: "9000000001", AC: "12"},
		Status:         queue.StatusLeased,
		AssignedTo:     "w1",
		LeaseExpiresAt: &lease,
		MaxAttempts:    5,
	}

	rec := f.do(t, http.MethodPost, "/v1/surveys/S1/next", `{"workerId":"w1","leaseSeconds":600,"waitSeconds":120}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "S1", f.claimer.surveyID)
	assert.Equal(t, "w1", f.claimer.workerID)
	assert.Equal(t, 10*time.Minute, f.claimer.lease)
	assert.Equal(t, 10*time.Second, f.claimer.wait, "wait is capped")

	var got entryView
	decodeBody(t, rec, &got)
	assert.Equal(t, "e1", got.ID)
	assert.Equal(t, queue.StatusLeased, got.Status)
	assert.Equal(t, "12", got.Contact.AC)
	require.NotNil(t, got.LeaseExpiresAt)
	assert.True(t, lease.Equal(*got.LeaseExpiresAt))
}

func TestNext_DrainedIsNoContent(t *testing.T) {
	f := newFixture(t)
	f.claimer.err = queue.ErrNoWorkAvailable

	rec := f.do(t, http.MethodPost, "/v1/surveys/S1/next", `{"workerId":"w1"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestNext_Validation(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{`{}`, `{"workerId":"w1","leaseSeconds":-1}`, `{"workerId":"w1","waitSeconds":-5}`} {
		rec := f.do(t, http.MethodPost, "/v1/surveys/S1/next", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestOutcome_Completed(t *testing.T) {
	f := newFixture(t)
	f.reporter.ack = recorder.Ack{Entry: queue.Entry{ID: "e1", Status: queue.StatusCompleted, ResponseRef: "resp-1", AttemptCount: 1}}

	rec := f.do(t, http.MethodPost, "/v1/entries/e1/outcome", `{"workerId":"w1","outcome":"completed","responseRef":"resp-1"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "e1", f.reporter.entryID)
	assert.Equal(t, "w1", f.reporter.workerID)
	assert.Equal(t, queue.Completed{ResponseRef: "resp-1"}, f.reporter.outcome)

	var got entryView
	decodeBody(t, rec, &got)
	assert.Equal(t, queue.StatusCompleted, got.Status)
	assert.Equal(t, "resp-1", got.ResponseRef)
}

func TestOutcome_Abandoned(t *testing.T) {
	f := newFixture(t)
	f.reporter.ack = recorder.Ack{Entry: queue.Entry{ID: "e1", Status: queue.StatusAbandoned, AbandonReason: "no_answer"}}

	rec := f.do(t, http.MethodPost, "/v1/entries/e1/outcome", `{"workerId":"w1","outcome":"abandoned","reason":"no_answer"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, queue.Abandoned{Reason: "no_answer"}, f.reporter.outcome)
}

func TestOutcome_CompletedRequiresResponseRef(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/entries/e1/outcome", `{"workerId":"w1","outcome":"completed"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, f.reporter.outcome)

	rec = f.do(t, http.MethodPost, "/v1/entries/e1/outcome", `{"workerId":"w1","outcome":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOutcome_ErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{queue.ErrLeaseLost, http.StatusConflict, "lease_lost"},
		{queue.ErrAlreadyCompleted, http.StatusConflict, "already_completed"},
		{queue.ErrEntryNotFound, http.StatusNotFound, "entry_not_found"},
		{queue.ErrExhausted, http.StatusConflict, "exhausted"},
		{apperrors.ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
		{errors.New("connection reset"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			f := newFixture(t)
			f.reporter.err = tt.err

			rec := f.do(t, http.MethodPost, "/v1/entries/e1/outcome", `{"workerId":"w1","outcome":"abandoned","reason":"busy"}`)

			assert.Equal(t, tt.status, rec.Code)
			var e errorBody
			decodeBody(t, rec, &e)
			assert.Equal(t, tt.code, e.Error)
		})
	}
}

func TestInternalErrorsDoNotLeakDetail(t *testing.T) {
	f := newFixture(t)
	f.reporter.err = errors.New("pq: password authentication failed")

	rec := f.do(t, http.MethodPost, "/v1/entries/e1/outcome", `{"workerId":"w1","outcome":"abandoned"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.reader.stats = queue.Stats{Pending: 3, Leased: 1, Completed: 2}

	rec := f.do(t, http.MethodGet, "/v1/surveys/S1/stats", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	decodeBody(t, rec, &got)
	assert.Equal(t, "S1", got["surveyId"])
	assert.EqualValues(t, 3, got["pending"])
	assert.EqualValues(t, 6, got["total"])
}

func TestGetEntry(t *testing.T) {
	f := newFixture(t)
	f.reader.entry = queue.Entry{ID: "e1", SurveyID: "S1", Status: queue.StatusPending}

	rec := f.do(t, http.MethodGet, "/v1/entries/e1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	f.reader.entryErr = queue.ErrEntryNotFound
	rec = f.do(t, http.MethodGet, "/v1/entries/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAttempts(t *testing.T) {
	f := newFixture(t)
	f.reader.entry = queue.Entry{ID: "e1"}
	f.reader.attempts = []storage.Attempt{{EntryID: "e1", Attempt: 1, WorkerID: "w1", Outcome: "abandoned", Reason: "busy", ResultingStatus: queue.StatusAbandoned}}

	rec := f.do(t, http.MethodGet, "/v1/entries/e1/attempts", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		EntryID  string            `json:"entryId"`
		Attempts []storage.Attempt `json:"attempts"`
	}
	decodeBody(t, rec, &got)
	assert.Equal(t, "e1", got.EntryID)
	require.Len(t, got.Attempts, 1)
	assert.Equal(t, "busy", got.Attempts[0].Reason)

	f.reader.entryErr = queue.ErrEntryNotFound
	rec = f.do(t, http.MethodGet, "/v1/entries/e2/attempts", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "cati_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	srv, err := NewServer(Config{
		Ingester: &fakeIngester{}, Claimer: &fakeClaimer{}, Reporter: &fakeReporter{}, Reader: &fakeReader{},
		Gatherer: reg,
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cati_test_total 1")
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Run(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRequestLogger_WarnsOnServerErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	f := newFixture(t)
	f.server.logger = logger
	f.server.router = f.server.routes()
	f.reporter.err = errors.New("boom")

	f.do(t, http.MethodPost, "/v1/entries/e1/outcome", `{"workerId":"w1","outcome":"abandoned"}`)

	out := buf.String()
	assert.Contains(t, out, `"event":"http_error"`)
	assert.Contains(t, out, `"event":"http_request"`)
	assert.Contains(t, out, `"status":500`)
}
