package lifecycle

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soulline/advisory/internal/database/testutil"
	"github.com/soulline/advisory/internal/models"
	"github.com/soulline/advisory/internal/quality"
)

func newTestService(t *testing.T, clock func() time.Time) *Service {
	t.Helper()
	opts := []Option{}
	if clock != nil {
		opts = append(opts, WithClock(clock))
	}
	svc, err := NewService(testutil.MustOpenTestDB(t), opts...)
	require.NoError(t, err)
	return svc
}

func openTestSession(t *testing.T, svc *Service) *models.Session {
	t.Helper()
	session, err := svc.Open(context.Background(), OpenParams{
		ClientUserID:       "user-1",
		AdvisorID:          "adv-1",
		Kind:               models.SessionKindAudio,
		RatePerMinuteCents: 200,
		FreeMinutes:        3,
	})
	require.NoError(t, err)
	return session
}

func TestOpenCreatesPendingSession(t *testing.T) {
	svc := newTestService(t, nil)
	session := openTestSession(t, svc)

	require.NotEmpty(t, session.ID)
	require.Equal(t, models.SessionStatusPending, session.Status)
	require.Nil(t, session.EndedAt)
	require.EqualValues(t, 200, session.RatePerMinuteCents)
	require.Equal(t, 3, session.FreeMinutes)
}

func TestOpenRejectsInvalidKind(t *testing.T) {
	svc := newTestService(t, nil)

	_, err := svc.Open(context.Background(), OpenParams{
		ClientUserID: "user-1",
		AdvisorID:    "adv-1",
		Kind:         "hologram",
	})
	require.Error(t, err)
}

func TestActivateFlipsPendingToActive(t *testing.T) {
	svc := newTestService(t, nil)
	session := openTestSession(t, svc)

	require.NoError(t, svc.Activate(context.Background(), session.ID))

	loaded, err := svc.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusActive, loaded.Status)

	// a second activate finds no pending row
	require.ErrorIs(t, svc.Activate(context.Background(), session.ID), ErrSessionNotFound)
}

func TestCloseWritesFinalTotalsOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, func() time.Time { return now })
	session := openTestSession(t, svc)
	require.NoError(t, svc.Activate(context.Background(), session.ID))

	summary := quality.Summary{
		AvgRoundTripTimeMs: 120,
		AvgJitterMs:        15,
		PacketLossPercent:  0.4,
		SampleCount:        11,
		LastUpdated:        now,
	}

	err := svc.Close(context.Background(), CloseParams{
		SessionID:        session.ID,
		Status:           models.SessionStatusCompleted,
		Reason:           "user_ended",
		BillableMinutes:  4,
		CreditsUsedCents: 800,
		Quality:          quality.ClassGood,
		Summary:          &summary,
	})
	require.NoError(t, err)

	loaded, err := svc.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusCompleted, loaded.Status)
	require.NotNil(t, loaded.EndedAt)
	require.EqualValues(t, 4, loaded.BillableMinutes)
	require.EqualValues(t, 800, loaded.CreditsUsedCents)
	require.Equal(t, "good", loaded.ConnectionQuality)
	require.Equal(t, "user_ended", loaded.EndReason)

	var stored quality.Summary
	require.NoError(t, json.Unmarshal(loaded.Metadata, &stored))
	require.Equal(t, 11, stored.SampleCount)

	// duplicate close is a no-op, not an overwrite
	err = svc.Close(context.Background(), CloseParams{
		SessionID:       session.ID,
		Status:          models.SessionStatusCancelled,
		BillableMinutes: 99,
	})
	require.NoError(t, err)

	reloaded, err := svc.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusCompleted, reloaded.Status)
	require.EqualValues(t, 4, reloaded.BillableMinutes)
}

func TestCloseRejectsNonTerminalStatus(t *testing.T) {
	svc := newTestService(t, nil)
	session := openTestSession(t, svc)

	err := svc.Close(context.Background(), CloseParams{
		SessionID: session.ID,
		Status:    models.SessionStatusActive,
	})
	require.Error(t, err)
}

func TestCloseUnknownSession(t *testing.T) {
	svc := newTestService(t, nil)

	err := svc.Close(context.Background(), CloseParams{SessionID: "ghost"})
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPersistQualitySummaryOverwrites(t *testing.T) {
	svc := newTestService(t, nil)
	session := openTestSession(t, svc)

	first := quality.Summary{AvgRoundTripTimeMs: 100, SampleCount: 6}
	require.NoError(t, svc.PersistQualitySummary(context.Background(), session.ID, first))

	second := quality.Summary{AvgRoundTripTimeMs: 140, SampleCount: 6}
	require.NoError(t, svc.PersistQualitySummary(context.Background(), session.ID, second))

	loaded, err := svc.Get(context.Background(), session.ID)
	require.NoError(t, err)

	var stored quality.Summary
	require.NoError(t, json.Unmarshal(loaded.Metadata, &stored))
	require.EqualValues(t, 140, stored.AvgRoundTripTimeMs)

	require.ErrorIs(t,
		svc.PersistQualitySummary(context.Background(), "ghost", first),
		ErrSessionNotFound)
}

func TestListByUserNewestFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	svc := newTestService(t, func() time.Time { return current })

	for i := 0; i < 3; i++ {
		current = base.Add(time.Duration(i) * time.Hour)
		_, err := svc.Open(context.Background(), OpenParams{
			ClientUserID: "user-1",
			AdvisorID:    "adv-1",
			Kind:         models.SessionKindChat,
		})
		require.NoError(t, err)
	}

	sessions, err := svc.ListByUser(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	require.True(t, sessions[0].StartedAt.After(sessions[2].StartedAt))
}
