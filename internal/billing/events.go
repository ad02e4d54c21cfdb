package billing

// State identifies the billing controller's position in its lifecycle.
type State string

// Controller states. Warning is a sub-state of Active: billing continues
// unchanged while the low-balance warning is showing.
const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateWarning    State = "warning"
	StateEnding     State = "ending"
	StateEnded      State = "ended"
)

// ConnectionState mirrors the transport layer's connection lifecycle.
type ConnectionState string

// Transport connection states consumed by the controller.
const (
	ConnConnected    ConnectionState = "connected"
	ConnReconnecting ConnectionState = "reconnecting"
	ConnDisconnected ConnectionState = "disconnected"
	ConnFailed       ConnectionState = "failed"
	ConnClosed       ConnectionState = "closed"
)

// End reasons recorded on the persisted session.
const (
	ReasonUserEnded         = "user_ended"
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonTransportFailure  = "transport_failure"
	ReasonPermissionDenied  = "permission_denied"
	ReasonNoDevice          = "no_device"
	ReasonShutdown          = "shutdown"
	ReasonStaleHeartbeat    = "stale_heartbeat"
)

// Transport error codes with pre-connection special handling.
const (
	TransportErrPermissionDenied = "permission_denied"
	TransportErrNoDevice         = "no_device"
)

// Event names published to the event sink.
const (
	EventSessionState      = "session.state"
	EventBillingTick       = "billing.tick"
	EventBillingWarning    = "billing.warning"
	EventInsufficientFunds = "billing.insufficient_funds"
	EventQualityUpdate     = "quality.update"
	EventSessionEnded      = "session.ended"
)

// EventSink receives controller events for delivery to the presentation
// layer. Implementations must not block; a nil sink disables publishing.
type EventSink interface {
	SessionEvent(sessionID, event string, data map[string]any)
}
