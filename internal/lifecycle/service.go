package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/soulline/advisory/internal/models"
	"github.com/soulline/advisory/internal/quality"
	"github.com/soulline/advisory/pkg/logger"
	"github.com/soulline/advisory/pkg/metrics"
)

var (
	// ErrSessionNotFound indicates the session record could not be located.
	ErrSessionNotFound = errors.New("lifecycle: session not found")
	// ErrAlreadyClosed indicates the session already reached a terminal status.
	ErrAlreadyClosed = errors.New("lifecycle: session already closed")
)

// OpenParams carries the attributes fixed at session start.
type OpenParams struct {
	SessionID          string
	ClientUserID       string
	AdvisorID          string
	Kind               string
	RatePerMinuteCents int64
	FreeMinutes        int
	StartedAt          time.Time
}

// CloseParams carries the final totals written exactly once at session end.
type CloseParams struct {
	SessionID        string
	Status           string
	Reason           string
	BillableMinutes  int64
	CreditsUsedCents int64
	Quality          quality.Class
	Summary          *quality.Summary
	EndedAt          time.Time
}

// Service persists the session lifecycle: open, heartbeat, quality summaries,
// and an exactly-once close with final totals.
type Service struct {
	db      *gorm.DB
	timeNow func() time.Time
	log     *zap.Logger
}

// Option customises service dependencies.
type Option func(*Service)

// WithClock overrides the clock used for timestamps (test helper).
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.timeNow = clock
		}
	}
}

// NewService constructs the lifecycle service.
func NewService(db *gorm.DB, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, errors.New("lifecycle: db is required")
	}

	svc := &Service{
		db:      db,
		timeNow: time.Now,
		log:     logger.WithModule("lifecycle"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Open creates the persisted session record in pending status and returns it.
func (s *Service) Open(ctx context.Context, params OpenParams) (*models.Session, error) {
	clientID := strings.TrimSpace(params.ClientUserID)
	if clientID == "" {
		return nil, errors.New("lifecycle: client user id is required")
	}
	advisorID := strings.TrimSpace(params.AdvisorID)
	if advisorID == "" {
		return nil, errors.New("lifecycle: advisor id is required")
	}
	kind := strings.ToLower(strings.TrimSpace(params.Kind))
	switch kind {
	case models.SessionKindChat, models.SessionKindAudio, models.SessionKindVideo:
	default:
		return nil, fmt.Errorf("lifecycle: unsupported session kind %q", params.Kind)
	}
	if params.RatePerMinuteCents < 0 {
		return nil, errors.New("lifecycle: rate per minute must not be negative")
	}
	if params.FreeMinutes < 0 {
		return nil, errors.New("lifecycle: free minutes must not be negative")
	}

	sessionID := strings.TrimSpace(params.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	startedAt := params.StartedAt
	if startedAt.IsZero() {
		startedAt = s.timeNow()
	}

	session := models.Session{
		BaseModel:          models.BaseModel{ID: sessionID},
		ClientUserID:       clientID,
		AdvisorID:          advisorID,
		Kind:               kind,
		RatePerMinuteCents: params.RatePerMinuteCents,
		FreeMinutes:        params.FreeMinutes,
		Status:             models.SessionStatusPending,
		StartedAt:          startedAt,
		LastHeartbeatAt:    startedAt,
		Metadata:           datatypes.JSON(json.RawMessage(`{}`)),
	}

	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return nil, fmt.Errorf("lifecycle: create session: %w", err)
	}

	s.log.Info("session opened",
		zap.String("session_id", session.ID),
		zap.String("kind", kind),
		zap.Int64("rate_cents", params.RatePerMinuteCents),
		zap.Int("free_minutes", params.FreeMinutes))

	return &session, nil
}

// Activate flips a pending session to active once the transport confirms
// connectivity. The billing clock anchors on this moment, so StartedAt is
// reset to now.
func (s *Service) Activate(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("lifecycle: session id is required")
	}
	now := s.timeNow()

	result := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND status = ?", sessionID, models.SessionStatusPending).
		Updates(map[string]any{
			"status":            models.SessionStatusActive,
			"started_at":        now,
			"last_heartbeat_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("lifecycle: activate session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Heartbeat updates the persisted liveness timestamp.
func (s *Service) Heartbeat(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("lifecycle: session id is required")
	}

	return s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ?", sessionID).
		Update("last_heartbeat_at", s.timeNow()).Error
}

// Close finalises the session exactly once. A close against an already-closed
// session is a no-op; the stored totals are never overwritten.
func (s *Service) Close(ctx context.Context, params CloseParams) error {
	sessionID := strings.TrimSpace(params.SessionID)
	if sessionID == "" {
		return errors.New("lifecycle: session id is required")
	}

	status := strings.TrimSpace(params.Status)
	if status == "" {
		status = models.SessionStatusCompleted
	}
	if status != models.SessionStatusCompleted && status != models.SessionStatusCancelled {
		return fmt.Errorf("lifecycle: invalid terminal status %q", params.Status)
	}

	endedAt := params.EndedAt
	if endedAt.IsZero() {
		endedAt = s.timeNow()
	}

	var session models.Session
	var alreadyClosed bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&session, "id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		if session.EndedAt != nil {
			alreadyClosed = true
			return nil
		}

		session.Status = status
		session.EndedAt = &endedAt
		session.LastHeartbeatAt = endedAt
		session.BillableMinutes = params.BillableMinutes
		session.CreditsUsedCents = params.CreditsUsedCents
		session.ConnectionQuality = string(params.Quality)
		session.EndReason = strings.TrimSpace(params.Reason)

		if params.Summary != nil {
			payload, err := json.Marshal(params.Summary)
			if err != nil {
				return fmt.Errorf("marshal quality summary: %w", err)
			}
			session.Metadata = datatypes.JSON(payload)
		}

		return tx.Save(&session).Error
	})
	if err != nil {
		return fmt.Errorf("lifecycle: close session: %w", err)
	}

	if alreadyClosed {
		s.log.Debug("duplicate close ignored", zap.String("session_id", sessionID))
		return nil
	}

	metrics.SessionsClosed.WithLabelValues(status, session.EndReason).Inc()
	if !session.StartedAt.IsZero() {
		metrics.SessionDuration.Observe(endedAt.Sub(session.StartedAt).Seconds())
	}

	s.log.Info("session closed",
		zap.String("session_id", sessionID),
		zap.String("status", status),
		zap.String("reason", session.EndReason),
		zap.Int64("billable_minutes", params.BillableMinutes),
		zap.Int64("credits_used_cents", params.CreditsUsedCents))

	return nil
}

// PersistQualitySummary overwrites the session's quality metadata. Repeated
// flushes replace the stored summary, so retries are harmless.
func (s *Service) PersistQualitySummary(ctx context.Context, sessionID string, summary quality.Summary) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("lifecycle: session id is required")
	}

	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("lifecycle: marshal quality summary: %w", err)
	}

	result := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ?", sessionID).
		Update("metadata", datatypes.JSON(payload))
	if result.Error != nil {
		return fmt.Errorf("lifecycle: persist quality summary: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Get returns the persisted session by id.
func (s *Service) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("lifecycle: session id is required")
	}

	var session models.Session
	if err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("lifecycle: load session: %w", err)
	}
	return &session, nil
}

// ListByUser returns the user's sessions, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]models.Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("lifecycle: user id is required")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var sessions []models.Session
	if err := s.db.WithContext(ctx).
		Where("client_user_id = ?", userID).
		Order("started_at DESC").
		Limit(limit).
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("lifecycle: list sessions: %w", err)
	}
	return sessions, nil
}
