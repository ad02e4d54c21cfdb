package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/soulline/advisory/internal/billing"
	"github.com/soulline/advisory/internal/models"
	"github.com/soulline/advisory/pkg/logger"
	"github.com/soulline/advisory/pkg/metrics"
)

const defaultSchedule = "@every 1m"

// Registry is the slice of the session manager the cleaner drives.
type Registry interface {
	CleanupStale() int
}

// Cleaner periodically ends live sessions that stopped heartbeating and
// closes orphaned session rows left behind by an unclean shutdown.
type Cleaner struct {
	db       *gorm.DB
	registry Registry
	grace    time.Duration
	schedule string
	cron     *cron.Cron
	now      func() time.Time
	log      *zap.Logger
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for staleness comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithSchedule overrides the cron specification for the sweep.
func WithSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.schedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner. A nil registry skips the live sweep and a
// nil db skips the orphan sweep.
func NewCleaner(db *gorm.DB, registry Registry, grace time.Duration, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:       db,
		registry: registry,
		grace:    grace,
		schedule: defaultSchedule,
		now:      time.Now,
		log:      logger.WithModule("maintenance"),
	}
	if cleaner.grace <= 0 {
		cleaner.grace = 90 * time.Second
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return cleaner
}

// Start registers the sweep with the cron scheduler and launches it.
func (c *Cleaner) Start() error {
	if _, err := c.cron.AddFunc(c.schedule, func() {
		if err := c.RunOnce(context.Background()); err != nil {
			c.log.Warn("stale session sweep failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes one sweep: live sessions first so their controllers close
// their own rows, then any orphaned rows from previous runs of the process.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.registry != nil {
		if ended := c.registry.CleanupStale(); ended > 0 {
			c.log.Info("ended stale live sessions", zap.Int("count", ended))
		}
	}

	if c.db != nil {
		closed, err := CloseAbandoned(ctx, c.db, c.now(), c.grace)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else if closed > 0 {
			c.log.Info("closed abandoned session rows", zap.Int64("count", closed))
		}
	}

	return errs
}

// CloseAbandoned cancels open session rows whose heartbeat stopped more than
// the grace period ago. These are rows with no live controller, typically left
// behind by a crashed process; their billed totals were already persisted
// minute by minute through the ledger.
func CloseAbandoned(ctx context.Context, db *gorm.DB, now time.Time, grace time.Duration) (int64, error) {
	if db == nil {
		return 0, errors.New("close abandoned: db is required")
	}

	threshold := now.Add(-grace)
	result := db.WithContext(ctx).
		Model(&models.Session{}).
		Where("status IN ? AND last_heartbeat_at < ?",
			[]string{models.SessionStatusPending, models.SessionStatusActive}, threshold).
		Updates(map[string]any{
			"status":     models.SessionStatusCancelled,
			"end_reason": billing.ReasonStaleHeartbeat,
			"ended_at":   now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("close abandoned: %w", result.Error)
	}

	for i := int64(0); i < result.RowsAffected; i++ {
		metrics.SessionsClosed.WithLabelValues(
			models.SessionStatusCancelled, billing.ReasonStaleHeartbeat).Inc()
	}
	return result.RowsAffected, nil
}
