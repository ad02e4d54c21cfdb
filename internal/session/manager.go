package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/soulline/advisory/internal/billing"
	"github.com/soulline/advisory/internal/ledger"
	"github.com/soulline/advisory/internal/lifecycle"
	"github.com/soulline/advisory/internal/models"
	"github.com/soulline/advisory/internal/quality"
	"github.com/soulline/advisory/pkg/logger"
	"github.com/soulline/advisory/pkg/metrics"
)

// ErrNoLiveSession indicates the session has no running billing controller.
// The persisted record may still exist in a closed state.
var ErrNoLiveSession = errors.New("session: no live session")

// Config carries the billing and quality defaults applied to every session
// the manager starts.
type Config struct {
	WarnThresholdMinutes            float64
	FreeWindowLookahead             time.Duration
	TickInterval                    time.Duration
	CloseTimeout                    time.Duration
	BillOnDisconnect                bool
	ContinueUntilExhaustedSupported bool
	QualityFlushEvery               int
	HeartbeatGrace                  time.Duration
}

// StartParams describes a session open request.
type StartParams struct {
	ClientUserID       string
	AdvisorID          string
	Kind               string
	RatePerMinuteCents int64
	FreeMinutes        int
}

type liveSession struct {
	id           string
	clientUserID string
	advisorID    string
	kind         string
	controller   *billing.Controller
	lastSeenAt   time.Time
}

// Manager owns the registry of live sessions. It opens the persisted record,
// wires a billing controller and quality monitor per session, routes transport
// signals to the right controller, and reaps entries when controllers end.
type Manager struct {
	cfg       Config
	lifecycle *lifecycle.Service
	ledger    ledger.Ledger
	events    billing.EventSink
	log       *zap.Logger
	timeNow   func() time.Time

	mu   sync.RWMutex
	live map[string]*liveSession
}

// Option customises manager dependencies.
type Option func(*Manager)

// WithEvents attaches a realtime event sink that receives per-session events.
func WithEvents(sink billing.EventSink) Option {
	return func(m *Manager) {
		m.events = sink
	}
}

// WithClock overrides the clock used for heartbeat bookkeeping (test helper).
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.timeNow = clock
		}
	}
}

// NewManager constructs a session manager.
func NewManager(cfg Config, lifecycleSvc *lifecycle.Service, ldg ledger.Ledger, opts ...Option) (*Manager, error) {
	if lifecycleSvc == nil {
		return nil, errors.New("session: lifecycle service is required")
	}
	if ldg == nil {
		return nil, errors.New("session: ledger is required")
	}
	if cfg.HeartbeatGrace <= 0 {
		cfg.HeartbeatGrace = 90 * time.Second
	}

	m := &Manager{
		cfg:       cfg,
		lifecycle: lifecycleSvc,
		ledger:    ldg,
		log:       logger.WithModule("session"),
		timeNow:   time.Now,
		live:      make(map[string]*liveSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start opens the persisted session record and launches its billing
// controller. The controller idles in Connecting until the transport reports
// connected through ConnectionStateChanged.
func (m *Manager) Start(ctx context.Context, params StartParams) (*models.Session, error) {
	record, err := m.lifecycle.Open(ctx, lifecycle.OpenParams{
		ClientUserID:       params.ClientUserID,
		AdvisorID:          params.AdvisorID,
		Kind:               params.Kind,
		RatePerMinuteCents: params.RatePerMinuteCents,
		FreeMinutes:        params.FreeMinutes,
	})
	if err != nil {
		return nil, err
	}

	// chat sessions have no media transport to measure
	var monitor billing.QualityReporter
	if record.Kind != models.SessionKindChat {
		mon, err := quality.NewMonitor(record.ID, m.lifecycle,
			quality.WithFlushEvery(m.cfg.QualityFlushEvery))
		if err != nil {
			return nil, err
		}
		monitor = mon
	}

	controller, err := billing.New(billing.Config{
		SessionID:                       record.ID,
		UserID:                          record.ClientUserID,
		AdvisorID:                       record.AdvisorID,
		Kind:                            record.Kind,
		RatePerMinuteCents:              record.RatePerMinuteCents,
		FreeMinutes:                     record.FreeMinutes,
		WarnThresholdMinutes:            m.cfg.WarnThresholdMinutes,
		FreeWindowLookahead:             m.cfg.FreeWindowLookahead,
		TickInterval:                    m.cfg.TickInterval,
		CloseTimeout:                    m.cfg.CloseTimeout,
		BillOnDisconnect:                m.cfg.BillOnDisconnect,
		ContinueUntilExhaustedSupported: m.cfg.ContinueUntilExhaustedSupported,
	}, billing.Handlers{
		OnLowBalance: func(minutesRemaining float64) {
			m.log.Info("low balance warning",
				zap.String("session_id", record.ID),
				zap.Float64("minutes_remaining", minutesRemaining))
		},
		OnInsufficientFunds: func() {
			m.log.Warn("session exhausted credits", zap.String("session_id", record.ID))
		},
	}, billing.Deps{
		Ledger:  m.ledger,
		Gateway: gateway{svc: m.lifecycle},
		Monitor: monitor,
		Events:  m.events,
	})
	if err != nil {
		return nil, err
	}

	entry := &liveSession{
		id:           record.ID,
		clientUserID: record.ClientUserID,
		advisorID:    record.AdvisorID,
		kind:         record.Kind,
		controller:   controller,
		lastSeenAt:   m.timeNow(),
	}

	m.mu.Lock()
	m.live[record.ID] = entry
	m.mu.Unlock()
	metrics.ActiveSessions.Inc()

	// the controller outlives the open request
	controller.Start(context.Background())
	go m.reap(entry)

	return record, nil
}

func (m *Manager) reap(entry *liveSession) {
	<-entry.controller.Done()

	m.mu.Lock()
	_, exists := m.live[entry.id]
	delete(m.live, entry.id)
	m.mu.Unlock()

	if exists {
		metrics.ActiveSessions.Dec()
		m.log.Info("session reaped", zap.String("session_id", entry.id))
	}
}

// ConnectionStateChanged routes a transport state signal to the session.
func (m *Manager) ConnectionStateChanged(sessionID string, state billing.ConnectionState) error {
	entry, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	entry.controller.ConnectionStateChanged(state)
	return nil
}

// TransportError routes a transport failure signal to the session.
func (m *Manager) TransportError(sessionID, code string) error {
	entry, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	entry.controller.TransportError(code)
	return nil
}

// QualitySample routes a quality sample to the session's monitor.
func (m *Manager) QualitySample(sessionID string, sample quality.Sample) error {
	entry, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	entry.controller.OnQualitySample(sample)
	return nil
}

// ContinueUntilExhausted applies the warning override to the session.
func (m *Manager) ContinueUntilExhausted(sessionID string) error {
	entry, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return entry.controller.ContinueUntilExhausted()
}

// End terminates the session synchronously. Ending a session that is not live
// returns ErrNoLiveSession; the persisted close is idempotent regardless.
func (m *Manager) End(sessionID, reason string) error {
	entry, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	entry.controller.End(reason)
	return nil
}

// Heartbeat refreshes both the in-memory and persisted liveness timestamps.
func (m *Manager) Heartbeat(ctx context.Context, sessionID string) error {
	entry, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	now := m.timeNow()
	m.mu.Lock()
	entry.lastSeenAt = now
	m.mu.Unlock()

	return m.lifecycle.Heartbeat(ctx, sessionID)
}

// Snapshot returns the billing clock state for a live session.
func (m *Manager) Snapshot(sessionID string) (billing.Snapshot, error) {
	entry, err := m.lookup(sessionID)
	if err != nil {
		return billing.Snapshot{}, err
	}
	return entry.controller.Snapshot(), nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live)
}

// CleanupStale ends every session whose last heartbeat is older than the
// grace period and returns how many were ended.
func (m *Manager) CleanupStale() int {
	threshold := m.timeNow().Add(-m.cfg.HeartbeatGrace)

	m.mu.RLock()
	stale := make([]*liveSession, 0)
	for _, entry := range m.live {
		if entry.lastSeenAt.Before(threshold) {
			stale = append(stale, entry)
		}
	}
	m.mu.RUnlock()

	for _, entry := range stale {
		m.log.Warn("ending stale session",
			zap.String("session_id", entry.id),
			zap.Time("last_seen_at", entry.lastSeenAt))
		entry.controller.End(billing.ReasonStaleHeartbeat)
	}
	return len(stale)
}

// Shutdown ends every live session. Each close persists its totals before
// Shutdown returns.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	entries := make([]*liveSession, 0, len(m.live))
	for _, entry := range m.live {
		entries = append(entries, entry)
	}
	m.mu.RUnlock()

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			m.log.Warn("shutdown deadline reached with sessions remaining",
				zap.Int("remaining", m.Count()))
			return
		default:
		}
		entry.controller.End(billing.ReasonShutdown)
	}
}

func (m *Manager) lookup(sessionID string) (*liveSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrNoLiveSession
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.live[sessionID]
	if !ok {
		return nil, ErrNoLiveSession
	}
	return entry, nil
}

// gateway adapts the lifecycle service to the billing controller's boundary.
type gateway struct {
	svc *lifecycle.Service
}

func (g gateway) Activate(ctx context.Context, sessionID string) error {
	return g.svc.Activate(ctx, sessionID)
}

func (g gateway) Close(ctx context.Context, req billing.CloseRequest) error {
	return g.svc.Close(ctx, lifecycle.CloseParams{
		SessionID:        req.SessionID,
		Status:           req.Status,
		Reason:           req.Reason,
		BillableMinutes:  req.BillableMinutes,
		CreditsUsedCents: req.CreditsUsedCents,
		Quality:          req.Quality,
	})
}
