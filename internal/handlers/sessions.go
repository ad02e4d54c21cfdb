package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/soulline/advisory/internal/billing"
	"github.com/soulline/advisory/internal/lifecycle"
	"github.com/soulline/advisory/internal/middleware"
	"github.com/soulline/advisory/internal/models"
	"github.com/soulline/advisory/internal/quality"
	"github.com/soulline/advisory/internal/session"
	appErrors "github.com/soulline/advisory/pkg/errors"
	"github.com/soulline/advisory/pkg/response"
)

// SessionHandler exposes the session lifecycle and billing signal endpoints.
type SessionHandler struct {
	manager   *session.Manager
	lifecycle *lifecycle.Service
}

// NewSessionHandler constructs a session handler.
func NewSessionHandler(manager *session.Manager, lifecycleSvc *lifecycle.Service) (*SessionHandler, error) {
	if manager == nil {
		return nil, errors.New("handlers: session manager is required")
	}
	if lifecycleSvc == nil {
		return nil, errors.New("handlers: lifecycle service is required")
	}
	return &SessionHandler{manager: manager, lifecycle: lifecycleSvc}, nil
}

type openSessionRequest struct {
	AdvisorID          string `json:"advisor_id" validate:"required"`
	Kind               string `json:"kind" validate:"required,oneof=chat audio video"`
	RatePerMinuteCents int64  `json:"rate_per_minute_cents" validate:"min=0"`
	FreeMinutes        int    `json:"free_minutes" validate:"min=0"`
}

type endSessionRequest struct {
	Reason string `json:"reason"`
}

type connectionSignalRequest struct {
	State string `json:"state" validate:"required,oneof=connected reconnecting disconnected failed closed"`
}

type transportErrorRequest struct {
	Code string `json:"code" validate:"required"`
}

type qualitySampleRequest struct {
	RoundTripTimeMs float64 `json:"rtt_ms" validate:"min=0"`
	JitterMs        float64 `json:"jitter_ms" validate:"min=0"`
	PacketsLost     int64   `json:"packets_lost" validate:"min=0"`
	PacketsReceived int64   `json:"packets_received" validate:"min=0"`
	Connected       bool    `json:"connected"`
}

// Open starts a new advisory session for the authenticated client.
func (h *SessionHandler) Open(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req openSessionRequest
	if !bindAndValidate(c, &req) {
		return
	}

	record, err := h.manager.Start(c.Request.Context(), session.StartParams{
		ClientUserID:       userID,
		AdvisorID:          req.AdvisorID,
		Kind:               req.Kind,
		RatePerMinuteCents: req.RatePerMinuteCents,
		FreeMinutes:        req.FreeMinutes,
	})
	if err != nil {
		response.Error(c, mapSessionError(err))
		return
	}

	response.Success(c, http.StatusCreated, record)
}

// Get returns the persisted session record plus the live billing snapshot
// when the session is still running.
func (h *SessionHandler) Get(c *gin.Context) {
	record, ok := h.authorizedSession(c)
	if !ok {
		return
	}

	payload := gin.H{"session": record}
	if snap, err := h.manager.Snapshot(record.ID); err == nil {
		payload["billing"] = snap
	}

	response.Success(c, http.StatusOK, payload)
}

// List returns the caller's sessions, most recent first.
func (h *SessionHandler) List(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	limit := parseIntQuery(c, "limit", 25)
	records, err := h.lifecycle.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, records)
}

// End terminates the session. Ending an already-closed session returns the
// stored totals unchanged, so retries and racing close paths are safe.
func (h *SessionHandler) End(c *gin.Context) {
	record, ok := h.authorizedSession(c)
	if !ok {
		return
	}

	var req endSessionRequest
	if c.Request.ContentLength > 0 {
		if !bindAndValidate(c, &req) {
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = billing.ReasonUserEnded
	}

	if err := h.manager.End(record.ID, reason); err != nil && !errors.Is(err, session.ErrNoLiveSession) {
		response.Error(c, err)
		return
	}

	closed, err := h.lifecycle.Get(c.Request.Context(), record.ID)
	if err != nil {
		response.Error(c, mapSessionError(err))
		return
	}
	response.Success(c, http.StatusOK, closed)
}

// Continue applies the continue-until-exhausted override.
func (h *SessionHandler) Continue(c *gin.Context) {
	record, ok := h.authorizedSession(c)
	if !ok {
		return
	}

	if err := h.manager.ContinueUntilExhausted(record.ID); err != nil {
		if errors.Is(err, session.ErrNoLiveSession) {
			response.Error(c, appErrors.ErrSessionClosed)
			return
		}
		response.Error(c, appErrors.NewBadRequest(err.Error()))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"continue_until_exhausted": true})
}

// Heartbeat refreshes session liveness.
func (h *SessionHandler) Heartbeat(c *gin.Context) {
	record, ok := h.authorizedSession(c)
	if !ok {
		return
	}

	if err := h.manager.Heartbeat(c.Request.Context(), record.ID); err != nil {
		if errors.Is(err, session.ErrNoLiveSession) {
			response.Error(c, appErrors.ErrSessionClosed)
			return
		}
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"alive": true})
}

// ConnectionSignal reports a transport connection-state change.
func (h *SessionHandler) ConnectionSignal(c *gin.Context) {
	record, ok := h.authorizedSession(c)
	if !ok {
		return
	}

	var req connectionSignalRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.manager.ConnectionStateChanged(record.ID, billing.ConnectionState(req.State)); err != nil {
		if errors.Is(err, session.ErrNoLiveSession) {
			response.Error(c, appErrors.ErrSessionClosed)
			return
		}
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusAccepted, gin.H{"accepted": true})
}

// TransportError reports a transport-level failure.
func (h *SessionHandler) TransportError(c *gin.Context) {
	record, ok := h.authorizedSession(c)
	if !ok {
		return
	}

	var req transportErrorRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.manager.TransportError(record.ID, req.Code); err != nil {
		if errors.Is(err, session.ErrNoLiveSession) {
			response.Error(c, appErrors.ErrSessionClosed)
			return
		}
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusAccepted, gin.H{"accepted": true})
}

// QualitySample records one connection quality measurement.
func (h *SessionHandler) QualitySample(c *gin.Context) {
	record, ok := h.authorizedSession(c)
	if !ok {
		return
	}

	var req qualitySampleRequest
	if !bindAndValidate(c, &req) {
		return
	}

	err := h.manager.QualitySample(record.ID, quality.Sample{
		Timestamp:       time.Now(),
		RoundTripTimeMs: req.RoundTripTimeMs,
		JitterMs:        req.JitterMs,
		PacketsLost:     req.PacketsLost,
		PacketsReceived: req.PacketsReceived,
		Connected:       req.Connected,
	})
	if err != nil {
		if errors.Is(err, session.ErrNoLiveSession) {
			response.Error(c, appErrors.ErrSessionClosed)
			return
		}
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusAccepted, gin.H{"accepted": true})
}

// Billing returns the live billing snapshot for the session.
func (h *SessionHandler) Billing(c *gin.Context) {
	record, ok := h.authorizedSession(c)
	if !ok {
		return
	}

	snap, err := h.manager.Snapshot(record.ID)
	if err != nil {
		response.Error(c, appErrors.ErrSessionClosed)
		return
	}

	response.Success(c, http.StatusOK, snap)
}

// authorizedSession loads the session and enforces that the caller is one of
// its participants. On failure a response has already been written.
func (h *SessionHandler) authorizedSession(c *gin.Context) (*models.Session, bool) {
	userID := middleware.UserID(c)
	if userID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return nil, false
	}

	sessionID := strings.TrimSpace(c.Param("id"))
	record, err := h.lifecycle.Get(c.Request.Context(), sessionID)
	if err != nil {
		response.Error(c, mapSessionError(err))
		return nil, false
	}

	if record.ClientUserID != userID && record.AdvisorID != userID {
		response.Error(c, appErrors.ErrForbidden)
		return nil, false
	}
	return record, true
}

func mapSessionError(err error) error {
	switch {
	case errors.Is(err, lifecycle.ErrSessionNotFound):
		return appErrors.ErrSessionNotFound
	case errors.Is(err, lifecycle.ErrAlreadyClosed):
		return appErrors.ErrSessionClosed
	default:
		return err
	}
}
