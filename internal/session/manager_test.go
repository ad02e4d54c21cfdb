package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soulline/advisory/internal/billing"
	"github.com/soulline/advisory/internal/database/testutil"
	"github.com/soulline/advisory/internal/ledger"
	"github.com/soulline/advisory/internal/lifecycle"
	"github.com/soulline/advisory/internal/models"
)

type stubLedger struct {
	mu      sync.Mutex
	balance int64
}

func (s *stubLedger) Balance(_ context.Context, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

func (s *stubLedger) Credit(_ context.Context, _ string, amount int64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance += amount
	return nil
}

func (s *stubLedger) Debit(_ context.Context, _ string, amount int64, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balance < amount {
		return ledger.ErrInsufficientFunds
	}
	s.balance -= amount
	return nil
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *lifecycle.Service) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	svc, err := lifecycle.NewService(db)
	require.NoError(t, err)

	cfg := Config{
		// keep ticker noise out of registry tests
		TickInterval:   time.Hour,
		HeartbeatGrace: 90 * time.Second,
	}
	manager, err := NewManager(cfg, svc, &stubLedger{balance: 10000}, opts...)
	require.NoError(t, err)
	return manager, svc
}

func startParams(kind string) StartParams {
	return StartParams{
		ClientUserID:       "client-1",
		AdvisorID:          "advisor-1",
		Kind:               kind,
		RatePerMinuteCents: 200,
		FreeMinutes:        1,
	}
}

func TestStartRegistersLiveSession(t *testing.T) {
	manager, svc := newTestManager(t)

	record, err := manager.Start(context.Background(), startParams(models.SessionKindVideo))
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusPending, record.Status)
	require.Equal(t, 1, manager.Count())

	snap, err := manager.Snapshot(record.ID)
	require.NoError(t, err)
	require.Contains(t, []billing.State{billing.StateIdle, billing.StateConnecting}, snap.State)

	stored, err := svc.Get(context.Background(), record.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusPending, stored.Status)
}

func TestStartRejectsInvalidKind(t *testing.T) {
	manager, _ := newTestManager(t)

	_, err := manager.Start(context.Background(), startParams("carrier-pigeon"))
	require.Error(t, err)
	require.Zero(t, manager.Count())
}

func TestConnectedActivatesAndEndCompletes(t *testing.T) {
	manager, svc := newTestManager(t)

	record, err := manager.Start(context.Background(), startParams(models.SessionKindAudio))
	require.NoError(t, err)

	require.NoError(t, manager.ConnectionStateChanged(record.ID, billing.ConnConnected))
	require.Eventually(t, func() bool {
		snap, err := manager.Snapshot(record.ID)
		return err == nil && snap.State == billing.StateActive
	}, time.Second, time.Millisecond)

	stored, err := svc.Get(context.Background(), record.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusActive, stored.Status)

	require.NoError(t, manager.End(record.ID, billing.ReasonUserEnded))
	require.Eventually(t, func() bool {
		return manager.Count() == 0
	}, time.Second, time.Millisecond)

	stored, err = svc.Get(context.Background(), record.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusCompleted, stored.Status)
	require.Equal(t, billing.ReasonUserEnded, stored.EndReason)
}

func TestEndWithoutConnectionCancels(t *testing.T) {
	manager, svc := newTestManager(t)

	record, err := manager.Start(context.Background(), startParams(models.SessionKindChat))
	require.NoError(t, err)

	require.NoError(t, manager.End(record.ID, billing.ReasonUserEnded))

	stored, err := svc.Get(context.Background(), record.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusCancelled, stored.Status)
	require.Zero(t, stored.BillableMinutes)
}

func TestSignalsToUnknownSessionReturnErr(t *testing.T) {
	manager, _ := newTestManager(t)

	require.ErrorIs(t, manager.End("missing", billing.ReasonUserEnded), ErrNoLiveSession)
	require.ErrorIs(t, manager.ConnectionStateChanged("missing", billing.ConnConnected), ErrNoLiveSession)
	require.ErrorIs(t, manager.TransportError("missing", "boom"), ErrNoLiveSession)
	require.ErrorIs(t, manager.Heartbeat(context.Background(), "missing"), ErrNoLiveSession)
	_, err := manager.Snapshot("")
	require.ErrorIs(t, err, ErrNoLiveSession)
}

func TestCleanupStaleEndsQuietSessions(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	manager, svc := newTestManager(t, WithClock(clock))

	record, err := manager.Start(context.Background(), startParams(models.SessionKindVideo))
	require.NoError(t, err)

	// a fresh heartbeat keeps the session alive
	require.NoError(t, manager.Heartbeat(context.Background(), record.ID))
	require.Zero(t, manager.CleanupStale())

	clockMu.Lock()
	now = now.Add(2 * time.Minute)
	clockMu.Unlock()

	require.Equal(t, 1, manager.CleanupStale())
	require.Eventually(t, func() bool {
		return manager.Count() == 0
	}, time.Second, time.Millisecond)

	stored, err := svc.Get(context.Background(), record.ID)
	require.NoError(t, err)
	require.Equal(t, billing.ReasonStaleHeartbeat, stored.EndReason)
}

func TestShutdownEndsEverySession(t *testing.T) {
	manager, svc := newTestManager(t)

	first, err := manager.Start(context.Background(), startParams(models.SessionKindChat))
	require.NoError(t, err)
	second, err := manager.Start(context.Background(), startParams(models.SessionKindVideo))
	require.NoError(t, err)
	require.Equal(t, 2, manager.Count())

	manager.Shutdown(context.Background())
	require.Eventually(t, func() bool {
		return manager.Count() == 0
	}, time.Second, time.Millisecond)

	for _, id := range []string{first.ID, second.ID} {
		stored, err := svc.Get(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, billing.ReasonShutdown, stored.EndReason)
		require.False(t, stored.Open())
	}
}
