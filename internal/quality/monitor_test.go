package quality

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type captureFlusher struct {
	mu        sync.Mutex
	summaries []Summary
	err       error
}

func (f *captureFlusher) PersistQualitySummary(_ context.Context, _ string, summary Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.summaries = append(f.summaries, summary)
	return nil
}

func (f *captureFlusher) flushed() []Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Summary(nil), f.summaries...)
}

func sampleAt(rtt float64, lost, received int64) Sample {
	return Sample{
		Timestamp:       time.Now(),
		RoundTripTimeMs: rtt,
		JitterMs:        10,
		PacketsLost:     lost,
		PacketsReceived: received,
		Connected:       true,
	}
}

func TestClassify(t *testing.T) {
	require.Equal(t, ClassLost, Classify(Sample{Connected: false}))
	require.Equal(t, ClassExcellent, Classify(sampleAt(80, 0, 1000)))
	require.Equal(t, ClassGood, Classify(sampleAt(200, 20, 1000)))
	require.Equal(t, ClassPoor, Classify(sampleAt(500, 0, 1000)))
	require.Equal(t, ClassPoor, Classify(sampleAt(80, 100, 1000)))
}

func TestMonitorFlushesEveryN(t *testing.T) {
	flusher := &captureFlusher{}
	monitor, err := NewMonitor("sess-1", flusher, WithFlushEvery(3))
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		monitor.OnSample(sampleAt(100, int64(i), 1000))
	}

	flushed := flusher.flushed()
	require.Len(t, flushed, 2)
	require.Equal(t, 3, flushed[0].SampleCount)
	require.Equal(t, 3, flushed[1].SampleCount)
}

func TestMonitorCurrentUpdatesImmediately(t *testing.T) {
	flusher := &captureFlusher{}
	monitor, err := NewMonitor("sess-1", flusher)
	require.NoError(t, err)

	require.Equal(t, ClassGood, monitor.Current())

	monitor.OnSample(sampleAt(80, 0, 1000))
	require.Equal(t, ClassExcellent, monitor.Current())

	monitor.OnSample(Sample{Connected: false})
	require.Equal(t, ClassLost, monitor.Current())
}

func TestMonitorStopFlushesRemainder(t *testing.T) {
	flusher := &captureFlusher{}
	monitor, err := NewMonitor("sess-1", flusher, WithFlushEvery(6))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		monitor.OnSample(sampleAt(100, 0, 1000))
	}
	require.Empty(t, flusher.flushed())

	monitor.Stop()

	flushed := flusher.flushed()
	require.Len(t, flushed, 1)
	require.Equal(t, 4, flushed[0].SampleCount)

	// second stop must not flush again, and late samples are dropped
	monitor.Stop()
	monitor.OnSample(sampleAt(100, 0, 1000))
	require.Len(t, flusher.flushed(), 1)
}

func TestMonitorStopWithEmptyBufferIsNoOp(t *testing.T) {
	flusher := &captureFlusher{}
	monitor, err := NewMonitor("sess-1", flusher, WithFlushEvery(2))
	require.NoError(t, err)

	monitor.OnSample(sampleAt(100, 0, 1000))
	monitor.OnSample(sampleAt(100, 0, 1000))
	require.Len(t, flusher.flushed(), 1)

	monitor.Stop()
	require.Len(t, flusher.flushed(), 1)
}

func TestMonitorFlushCompleteness(t *testing.T) {
	flusher := &captureFlusher{}
	monitor, err := NewMonitor("sess-1", flusher, WithFlushEvery(6))
	require.NoError(t, err)

	const total = 17
	for i := 0; i < total; i++ {
		monitor.OnSample(sampleAt(100, 0, 1000))
	}
	monitor.Stop()

	var flushedSamples int
	for _, summary := range flusher.flushed() {
		flushedSamples += summary.SampleCount
	}
	require.Equal(t, total, flushedSamples)
	require.EqualValues(t, total, monitor.Ingested())
}

func TestSummarizeAverages(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	monitor, err := NewMonitor("sess-1", &captureFlusher{}, WithMonitorClock(func() time.Time { return now }))
	require.NoError(t, err)

	batch := []Sample{
		{RoundTripTimeMs: 100, JitterMs: 10, PacketsLost: 0, PacketsReceived: 100, Connected: true},
		{RoundTripTimeMs: 200, JitterMs: 30, PacketsLost: 5, PacketsReceived: 95, Connected: true},
	}
	summary := monitor.Summarize(batch)

	require.EqualValues(t, 150, summary.AvgRoundTripTimeMs)
	require.EqualValues(t, 20, summary.AvgJitterMs)
	require.InDelta(t, 5.0, summary.PacketLossPercent, 0.001)
	require.Equal(t, 2, summary.SampleCount)
	require.Equal(t, now, summary.LastUpdated)
}

func TestMonitorSurvivesFlushErrors(t *testing.T) {
	flusher := &captureFlusher{err: context.DeadlineExceeded}
	monitor, err := NewMonitor("sess-1", flusher, WithFlushEvery(1))
	require.NoError(t, err)

	// errors must not panic or stop ingestion
	monitor.OnSample(sampleAt(100, 0, 1000))
	monitor.OnSample(sampleAt(100, 0, 1000))
	require.EqualValues(t, 2, monitor.Ingested())
}
