package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/metailurini/cati-queue/apperrors"
	"github.com/metailurini/cati-queue/queue"
)

type webhookContact struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	AC      string `json:"ac,omitempty"`
	PC      string `json:"pc,omitempty"`
	PS      string `json:"ps,omitempty"`
}

type webhookCall struct {
	EntryID      string         `json:"entryId"`
	SurveyID     string         `json:"surveyId"`
	AttemptCount int            `json:"attemptCount"`
	MaxAttempts  int            `json:"maxAttempts"`
	Contact      webhookContact `json:"contact"`
	Deadline     *time.Time     `json:"deadline,omitempty"`
}

func newWebhookCall(e queue.Entry) webhookCall {
	c := e.Contact
	return webhookCall{
		EntryID:      e.ID,
		SurveyID:     e.SurveyID,
		AttemptCount: e.AttemptCount,
		MaxAttempts:  e.MaxAttempts,
		Contact: webhookContact{
			Name:    c.Name,
			Phone:   c.Phone,
			Email:   c.Email,
			Address: c.Address,
			City:    c.City,
			AC:      c.AC,
			PC:      c.PC,
			PS:      c.PS,
		},
		Deadline: e.LeaseExpiresAt,
	}
}

type webhookResult struct {
	Outcome     string `json:"outcome"`
	ResponseRef string `json:"responseRef"`
	Reason      string `json:"reason"`
}

// WebhookHandler returns a CallHandler that hands each entry to an external
// dialer over HTTP. The dialer answers with
// {"outcome":"completed","responseRef":...} or {"outcome":"abandoned","reason":...}.
func WebhookHandler(client *http.Client, url string) (CallHandler, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is required: %w", apperrors.ErrInvalidArgument)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, entry queue.Entry) (queue.Outcome, error) {
		body, err := json.Marshal(newWebhookCall(entry))
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("call dialer: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return nil, fmt.Errorf("dialer responded %s", resp.Status)
		}

		var res webhookResult
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&res); err != nil {
			return nil, fmt.Errorf("decode dialer response: %w", err)
		}
		switch res.Outcome {
		case "completed":
			return queue.Completed{ResponseRef: res.ResponseRef}, nil
		case "abandoned":
			return queue.Abandoned{Reason: res.Reason}, nil
		default:
			return nil, fmt.Errorf("dialer returned unknown outcome %q", res.Outcome)
		}
	}, nil
}
