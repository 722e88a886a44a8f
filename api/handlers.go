package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/metailurini/cati-queue/apperrors"
	"github.com/metailurini/cati-queue/contact"
	"github.com/metailurini/cati-queue/queue"
)

type ingestRequest struct {
	Contacts []contact.Raw `json:"contacts" validate:"required,min=1"`
}

type nextRequest struct {
	WorkerID     string `json:"workerId" validate:"required,max=200"`
	LeaseSeconds int    `json:"leaseSeconds" validate:"gte=0"`
	WaitSeconds  int    `json:"waitSeconds" validate:"gte=0"`
}

type outcomeRequest struct {
	WorkerID    string `json:"workerId" validate:"required,max=200"`
	Outcome     string `json:"outcome" validate:"required,oneof=completed abandoned"`
	ResponseRef string `json:"responseRef" validate:"required_if=Outcome completed,max=200"`
	Reason      string `json:"reason" validate:"max=200"`
}

type contactView struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	AC      string `json:"ac,omitempty"`
	PC      string `json:"pc,omitempty"`
	PS      string `json:"ps,omitempty"`
}

type entryView struct {
	ID             string       `json:"id"`
	SurveyID       string       `json:"surveyId"`
	Contact        contactView  `json:"contact"`
	Status         queue.Status `json:"status"`
	AssignedTo     string       `json:"assignedTo,omitempty"`
	LeaseExpiresAt *time.Time   `json:"leaseExpiresAt,omitempty"`
	AttemptCount   int          `json:"attemptCount"`
	MaxAttempts    int          `json:"maxAttempts"`
	NextEligibleAt *time.Time   `json:"nextEligibleAt,omitempty"`
	AbandonReason  string       `json:"abandonReason,omitempty"`
	ResponseRef    string       `json:"responseRef,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

func viewEntry(e queue.Entry) entryView {
	c := e.Contact
	return entryView{
		ID:       e.ID,
		SurveyID: e.SurveyID,
		Contact: contactView{
			Name: c.Name, Phone: c.Phone, Email: c.Email, Address: c.Address,
			City: c.City, AC: c.AC, PC: c.PC, PS: c.PS,
		},
		Status:         e.Status,
		AssignedTo:     e.AssignedTo,
		LeaseExpiresAt: e.LeaseExpiresAt,
		AttemptCount:   e.AttemptCount,
		MaxAttempts:    e.MaxAttempts,
		NextEligibleAt: e.NextEligibleAt,
		AbandonReason:  e.AbandonReason,
		ResponseRef:    e.ResponseRef,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Pinger != nil {
		if err := s.cfg.Pinger.PingContext(r.Context()); err != nil {
			s.logger.Warn().Err(err).Str("event", "healthz").Msg("database ping failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.cfg.Ingester.Ingest(r.Context(), chi.URLParam(r, "surveyID"), req.Contacts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	var req nextRequest
	if !s.decode(w, r, &req) {
		return
	}
	wait := time.Duration(req.WaitSeconds) * time.Second
	if wait > s.cfg.MaxWait {
		wait = s.cfg.MaxWait
	}
	lease := time.Duration(req.LeaseSeconds) * time.Second

	entry, err := s.cfg.Claimer.NextWait(r.Context(), chi.URLParam(r, "surveyID"), req.WorkerID, lease, wait)
	if errors.Is(err, queue.ErrNoWorkAvailable) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewEntry(entry))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	surveyID := chi.URLParam(r, "surveyID")
	stats, err := s.cfg.Reader.Stats(r.Context(), surveyID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		SurveyID string `json:"surveyId"`
		queue.Stats
		Total int64 `json:"total"`
	}{surveyID, stats, stats.Total()})
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.cfg.Reader.GetEntry(r.Context(), chi.URLParam(r, "entryID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewEntry(entry))
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entryID")
	// An unknown entry is a 404, not an empty log.
	if _, err := s.cfg.Reader.GetEntry(r.Context(), entryID); err != nil {
		s.writeError(w, r, err)
		return
	}
	attempts, err := s.cfg.Reader.Attempts(r.Context(), entryID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entryId": entryID, "attempts": attempts})
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if !s.decode(w, r, &req) {
		return
	}
	var outcome queue.Outcome
	switch req.Outcome {
	case "completed":
		outcome = queue.Completed{ResponseRef: req.ResponseRef}
	case "abandoned":
		outcome = queue.Abandoned{Reason: req.Reason}
	}

	ack, err := s.cfg.Reporter.ReportOutcome(r.Context(), chi.URLParam(r, "entryID"), req.WorkerID, outcome)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewEntry(ack.Entry))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "body_too_large", Message: err.Error()})
			return false
		}
		s.writeError(w, r, fmt.Errorf("decode body: %v: %w", err, apperrors.ErrInvalidArgument))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.writeError(w, r, fmt.Errorf("%v: %w", err, apperrors.ErrInvalidArgument))
		return false
	}
	return true
}
