package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metailurini/cati-queue/apperrors"
	"github.com/metailurini/cati-queue/queue"
)

func TestWebhookHandler_MapsOutcomes(t *testing.T) {
	calls := make(chan webhookCall, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call webhookCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		calls <- call
		switch call.EntryID {
		case "e1":
			_, _ = w.Write([]byte(`{"outcome":"completed","responseRef":"resp-9"}`))
		case "e2":
			_, _ = w.Write([]byte(`{"outcome":"abandoned","reason":"no_answer"}`))
		default:
			_, _ = w.Write([]byte(`{"outcome":"later"}`))
		}
	}))
	defer srv.Close()

	h, err := WebhookHandler(srv.Client(), srv.URL)
	require.NoError(t, err)

	entry := queue.Entry{ID: "e1", SurveyID: "S1", AttemptCount: 2, MaxAttempts: 5, Contact: queue.Contact{Name: "A", Phone: "919000000001"}}
	out, err := h(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, queue.Completed{ResponseRef: "resp-9"}, out)
	got := <-calls
	assert.Equal(t, "e1", got.EntryID)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, "919000000001", got.Contact.Phone)

	entry.ID = "e2"
	out, err = h(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, queue.Abandoned{Reason: "no_answer"}, out)

	entry.ID = "e3"
	_, err = h(context.Background(), entry)
	assert.ErrorContains(t, err, "unknown outcome")
}

func TestWebhookHandler_ContactUsesCamelCaseKeys(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		bodies <- raw
		_, _ = w.Write([]byte(`{"outcome":"abandoned","reason":"busy"}`))
	}))
	defer srv.Close()

	h, err := WebhookHandler(srv.Client(), srv.URL)
	require.NoError(t, err)
	_, err = h(context.Background(), queue.Entry{
		ID:       "e1",
		SurveyID: "S1",
		Contact:  queue.Contact{Name: "A", Phone: "919000000001", AC: "AC-12"},
	})
	require.NoError(t, err)

	raw := <-bodies
	assert.Equal(t, "e1", raw["entryId"])
	contact, ok := raw["contact"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "A", contact["name"])
	assert.Equal(t, "919000000001", contact["phone"])
	assert.Equal(t, "AC-12", contact["ac"])
	assert.NotContains(t, contact, "Phone")
	assert.NotContains(t, contact, "pc", "empty tags are omitted")
}

func TestWebhookHandler_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h, err := WebhookHandler(nil, srv.URL)
	require.NoError(t, err)
	_, err = h(context.Background(), queue.Entry{ID: "e1"})
	assert.ErrorContains(t, err, "503")
}

func TestWebhookHandler_RequiresURL(t *testing.T) {
	_, err := WebhookHandler(nil, "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
}
