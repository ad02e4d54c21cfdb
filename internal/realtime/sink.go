package realtime

// Sink fans billing and lifecycle events for one session out to its stream
// subscribers. It satisfies the event sink the billing controller publishes to.
type Sink struct {
	hub *Hub
}

// NewSink wraps the hub in a session event sink.
func NewSink(hub *Hub) *Sink {
	return &Sink{hub: hub}
}

// SessionEvent broadcasts an event on the session's own stream. Events are
// best-effort; slow subscribers are disconnected rather than blocking billing.
func (s *Sink) SessionEvent(sessionID, event string, data map[string]any) {
	if s == nil || s.hub == nil {
		return
	}
	s.hub.BroadcastStream(SessionStream(sessionID), Message{
		Event: event,
		Data:  data,
	})
}

// Announce publishes an open or close announcement on the global stream.
func (s *Sink) Announce(event string, data map[string]any) {
	if s == nil || s.hub == nil {
		return
	}
	s.hub.BroadcastStream(StreamSessions, Message{
		Event: event,
		Data:  data,
	})
}
