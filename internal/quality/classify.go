package quality

import "time"

// Class describes the health of the live connection as shown to the user.
type Class string

// Connection quality classes in descending order of health. ClassLost is
// reserved exclusively for loss of connectivity.
const (
	ClassExcellent Class = "excellent"
	ClassGood      Class = "good"
	ClassPoor      Class = "poor"
	ClassLost      Class = "lost"
)

// Sample is one point-in-time measurement delivered by the transport layer.
// Packet counters are cumulative for the connection, not per-interval.
type Sample struct {
	Timestamp       time.Time `json:"timestamp"`
	RoundTripTimeMs float64   `json:"rtt_ms"`
	JitterMs        float64   `json:"jitter_ms"`
	PacketsLost     int64     `json:"packets_lost"`
	PacketsReceived int64     `json:"packets_received"`
	Connected       bool      `json:"connected"`
}

// Classification thresholds. Any monotonic three-way split is acceptable;
// these bands follow common WebRTC guidance.
const (
	excellentMaxLossPercent = 1.0
	excellentMaxRTTMs       = 150.0
	goodMaxLossPercent      = 3.0
	goodMaxRTTMs            = 300.0
)

// Classify derives a quality class from a single sample.
func Classify(sample Sample) Class {
	if !sample.Connected {
		return ClassLost
	}

	loss := sample.lossPercent()
	switch {
	case loss < excellentMaxLossPercent && sample.RoundTripTimeMs < excellentMaxRTTMs:
		return ClassExcellent
	case loss < goodMaxLossPercent && sample.RoundTripTimeMs < goodMaxRTTMs:
		return ClassGood
	default:
		return ClassPoor
	}
}

func (s Sample) lossPercent() float64 {
	total := s.PacketsLost + s.PacketsReceived
	if total <= 0 {
		return 0
	}
	return float64(s.PacketsLost) / float64(total) * 100
}
