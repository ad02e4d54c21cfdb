package quality

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/soulline/advisory/pkg/logger"
	"github.com/soulline/advisory/pkg/metrics"
)

// DefaultFlushEvery is the number of buffered samples that triggers a
// persistence flush. At the nominal 5 second sampling cadence this is roughly
// thirty seconds of history per summary.
const DefaultFlushEvery = 6

// Summary is the aggregate persisted in place of raw samples.
type Summary struct {
	AvgRoundTripTimeMs int64     `json:"avg_latency_ms"`
	AvgJitterMs        int64     `json:"avg_jitter_ms"`
	PacketLossPercent  float64   `json:"packet_loss_percent"`
	SampleCount        int       `json:"samples_collected"`
	LastUpdated        time.Time `json:"last_updated"`
}

// Flusher persists quality summaries. Flushes are overwrite-replace, so
// repeating one with the same or supersetting data must not corrupt state.
type Flusher interface {
	PersistQualitySummary(ctx context.Context, sessionID string, summary Summary) error
}

// Monitor buffers connection quality samples for one session and flushes
// aggregates on a count-based schedule plus once more on Stop. Sample
// ingestion and flushing are safe for concurrent use.
type Monitor struct {
	sessionID  string
	flusher    Flusher
	flushEvery int
	timeNow    func() time.Time
	log        *zap.Logger

	mu       sync.Mutex
	buffer   []Sample
	current  Class
	ingested int64
	stopped  bool
}

// MonitorOption customises monitor behaviour.
type MonitorOption func(*Monitor)

// WithFlushEvery overrides the count-based flush threshold.
func WithFlushEvery(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.flushEvery = n
		}
	}
}

// WithMonitorClock overrides the clock used for summary timestamps (test helper).
func WithMonitorClock(clock func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if clock != nil {
			m.timeNow = clock
		}
	}
}

// NewMonitor constructs a quality monitor for the session.
func NewMonitor(sessionID string, flusher Flusher, opts ...MonitorOption) (*Monitor, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("quality monitor: session id is required")
	}
	if flusher == nil {
		return nil, errors.New("quality monitor: flusher is required")
	}

	m := &Monitor{
		sessionID:  sessionID,
		flusher:    flusher,
		flushEvery: DefaultFlushEvery,
		timeNow:    time.Now,
		current:    ClassGood,
		log:        logger.WithSession("quality", sessionID),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// OnSample ingests one measurement, updates the current classification
// immediately, and flushes the buffer once the threshold is reached.
func (m *Monitor) OnSample(sample Sample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = m.timeNow()
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.current = Classify(sample)
	m.buffer = append(m.buffer, sample)
	m.ingested++

	var batch []Sample
	if len(m.buffer) >= m.flushEvery {
		batch = m.buffer
		m.buffer = nil
	}
	m.mu.Unlock()

	if batch != nil {
		m.flush(batch)
	}
}

// Current reports the classification of the most recent sample without any
// buffering delay.
func (m *Monitor) Current() Class {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Ingested returns the total number of samples accepted.
func (m *Monitor) Ingested() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ingested
}

// Stop performs one final flush of any buffered samples and rejects further
// ingestion. Safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	batch := m.buffer
	m.buffer = nil
	m.mu.Unlock()

	if len(batch) > 0 {
		m.flush(batch)
	}
}

// Summarize computes the aggregate for a batch of samples. Loss percent is
// derived from the cumulative counters of the newest sample.
func (m *Monitor) Summarize(batch []Sample) Summary {
	if len(batch) == 0 {
		return Summary{LastUpdated: m.timeNow()}
	}

	var rttSum, jitterSum float64
	for _, s := range batch {
		rttSum += s.RoundTripTimeMs
		jitterSum += s.JitterMs
	}

	last := batch[len(batch)-1]
	return Summary{
		AvgRoundTripTimeMs: int64(math.Round(rttSum / float64(len(batch)))),
		AvgJitterMs:        int64(math.Round(jitterSum / float64(len(batch)))),
		PacketLossPercent:  math.Round(last.lossPercent()*100) / 100,
		SampleCount:        len(batch),
		LastUpdated:        m.timeNow(),
	}
}

// flush persists the aggregate for the batch. Persistence failures are logged
// and never interrupt the live session.
func (m *Monitor) flush(batch []Sample) {
	summary := m.Summarize(batch)
	if err := m.flusher.PersistQualitySummary(context.Background(), m.sessionID, summary); err != nil {
		metrics.QualityFlushes.WithLabelValues("error").Inc()
		m.log.Warn("quality summary flush failed",
			zap.Int("samples", summary.SampleCount),
			zap.Error(err))
		return
	}
	metrics.QualityFlushes.WithLabelValues("success").Inc()
	m.log.Debug("quality summary flushed",
		zap.Int("samples", summary.SampleCount),
		zap.Int64("avg_latency_ms", summary.AvgRoundTripTimeMs),
		zap.Float64("packet_loss_percent", summary.PacketLossPercent))
}
