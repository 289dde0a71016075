package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ahrav/booking-armada/internal/domain/booking"
)

type configurationRequest struct {
	TestCenter      string    `json:"test_center" validate:"required,max=128"`
	DateFrom        time.Time `json:"date_from" validate:"required"`
	DateTo          time.Time `json:"date_to" validate:"required,gtefield=DateFrom"`
	LicenseCategory string    `json:"license_category" validate:"required,max=8"`
}

// startRunRequest either carries a new configuration or names one stored by
// an earlier run.
type startRunRequest struct {
	// Owner is optional; when present it must match the authenticated owner.
	Owner           string                `json:"owner,omitempty"`
	ConfigurationID *uuid.UUID            `json:"configuration_id,omitempty" validate:"required_without=Configuration,excluded_with=Configuration"`
	Configuration   *configurationRequest `json:"configuration,omitempty" validate:"required_without=ConfigurationID"`
}

type sessionView struct {
	ID              uuid.UUID              `json:"id"`
	Owner           string                 `json:"owner"`
	ConfigurationID uuid.UUID              `json:"configuration_id"`
	State           booking.SessionState   `json:"state"`
	Attempt         int                    `json:"attempt"`
	Terminal        bool                   `json:"terminal"`
	AwaitingRetry   bool                   `json:"awaiting_retry"`
	Result          *booking.BookingResult `json:"result,omitempty"`
	Failure         *booking.FailureDetail `json:"failure,omitempty"`
	StartedAt       time.Time              `json:"started_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}

func newSessionView(s *booking.Session) sessionView {
	v := sessionView{
		ID:              s.ID(),
		Owner:           s.Owner(),
		ConfigurationID: s.ConfigurationID(),
		State:           s.State(),
		Attempt:         s.Attempt(),
		Terminal:        s.IsTerminal(),
		AwaitingRetry:   s.AwaitingRetry(),
		Result:          s.Result(),
		Failure:         s.Failure(),
		StartedAt:       s.Timeline().StartedAt(),
		UpdatedAt:       s.Timeline().LastUpdate(),
	}
	if s.Timeline().IsCompleted() {
		completed := s.Timeline().CompletedAt()
		v.CompletedAt = &completed
	}
	return v
}

type transitionsView struct {
	SessionID   uuid.UUID                 `json:"session_id"`
	Transitions []booking.TransitionEvent `json:"transitions"`
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

func sessionID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: session id: %v", errInvalidRequest, err)
	}
	return id, nil
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := ownerFrom(ctx)
	s.metrics.IncRunRequests(ctx)

	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.IncRunRequestErrors(ctx, "decode")
		s.fail(w, r, fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}
	if req.Owner != "" && req.Owner != owner {
		s.metrics.IncRunRequestErrors(ctx, "owner_mismatch")
		s.fail(w, r, fmt.Errorf("%w: owner does not match %s", errInvalidRequest, OwnerHeader))
		return
	}
	if err := s.validator.check(req); err != nil {
		s.metrics.IncRunRequestErrors(ctx, "validation")
		s.fail(w, r, err)
		return
	}

	var (
		session *booking.Session
		err     error
	)
	switch {
	case req.ConfigurationID != nil:
		session, err = s.service.RestartRun(ctx, owner, *req.ConfigurationID)
	case req.Configuration != nil:
		c := req.Configuration
		session, err = s.service.StartRun(ctx, booking.NewConfiguration(
			owner,
			c.TestCenter,
			booking.DateWindow{From: c.DateFrom.UTC(), To: c.DateTo.UTC()},
			booking.LicenseCategory(c.LicenseCategory),
		))
	default:
		err = fmt.Errorf("%w: configuration or configuration_id is required", errInvalidRequest)
	}
	if err != nil {
		_, body := classify(err)
		s.metrics.IncRunRequestErrors(ctx, body.Code)
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/sessions/"+session.ID().String())
	writeJSON(w, http.StatusAccepted, newSessionView(session))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	session, err := s.service.GetSession(r.Context(), ownerFrom(r.Context()), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(session))
}

func (s *Server) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	log, err := s.service.ListTransitions(r.Context(), ownerFrom(r.Context()), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if log == nil {
		log = []booking.TransitionEvent{}
	}
	writeJSON(w, http.StatusOK, transitionsView{SessionID: id, Transitions: log})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled by owner"
	}
	if err := s.service.CancelRun(r.Context(), ownerFrom(r.Context()), id, reason); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id.String(), "status": "cancelling"})
}
