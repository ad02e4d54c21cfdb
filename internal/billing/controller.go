package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/soulline/advisory/internal/ledger"
	"github.com/soulline/advisory/internal/models"
	"github.com/soulline/advisory/internal/quality"
	"github.com/soulline/advisory/pkg/logger"
	"github.com/soulline/advisory/pkg/metrics"
)

const (
	defaultWarnThresholdMinutes = 2.0
	defaultFreeWindowLookahead  = 30 * time.Second
	defaultTickInterval         = time.Second
	defaultCloseTimeout         = 5 * time.Second
	debitTimeout                = 10 * time.Second
)

// CloseRequest carries the final totals handed to the lifecycle gateway.
type CloseRequest struct {
	SessionID        string
	Status           string
	Reason           string
	BillableMinutes  int64
	CreditsUsedCents int64
	Quality          quality.Class
}

// Gateway is the lifecycle boundary the controller drives. Close failures are
// logged, never retried, and never roll back applied debits.
type Gateway interface {
	Activate(ctx context.Context, sessionID string) error
	Close(ctx context.Context, req CloseRequest) error
}

// QualityReporter is the slice of the quality monitor the controller uses.
type QualityReporter interface {
	OnSample(sample quality.Sample)
	Current() quality.Class
	Stop()
}

// Config fixes the billing parameters for one session at construction.
type Config struct {
	SessionID          string
	UserID             string
	AdvisorID          string
	Kind               string
	RatePerMinuteCents int64
	FreeMinutes        int

	// WarnThresholdMinutes is the projected remaining time at or below which
	// the one-shot low balance warning fires. Defaults to 2.
	WarnThresholdMinutes float64
	// FreeWindowLookahead lets the warning fire this long before the free
	// minutes expire instead of only after billing starts. Defaults to 30s.
	FreeWindowLookahead time.Duration
	TickInterval        time.Duration
	CloseTimeout        time.Duration

	// BillOnDisconnect keeps the clock running while the transport is
	// reconnecting. When false, elapsed time stops accumulating until the
	// transport reports connected again.
	BillOnDisconnect bool
	// ContinueUntilExhaustedSupported enables the user override that
	// suppresses low balance warnings for the rest of the session.
	ContinueUntilExhaustedSupported bool
}

// Handlers enumerate the required behaviour paths. Both must be provided so
// every warning and hard-stop path is visible at construction.
type Handlers struct {
	OnLowBalance        func(minutesRemaining float64)
	OnInsufficientFunds func()
}

// Deps are the collaborators injected into the controller.
type Deps struct {
	Ledger  ledger.Ledger
	Gateway Gateway
	Monitor QualityReporter // optional; absent for chat sessions
	Events  EventSink       // optional

	// Ticks overrides the internal per-second ticker (test helper). The
	// times sent on the channel drive elapsed-time accounting.
	Ticks <-chan time.Time
}

// Snapshot is a copy of the controller's externally visible clock state.
type Snapshot struct {
	State                  State         `json:"state"`
	Connected              bool          `json:"connected"`
	ElapsedSeconds         int64         `json:"elapsed_seconds"`
	BillableSeconds        int64         `json:"billable_seconds"`
	LastBilledMinute       int64         `json:"last_billed_minute"`
	CreditsUsedCents       int64         `json:"credits_used_cents"`
	Warned                 bool          `json:"warned"`
	ContinueUntilExhausted bool          `json:"continue_until_exhausted"`
	Quality                quality.Class `json:"quality,omitempty"`
}

type cmdKind int

const (
	cmdConnState cmdKind = iota
	cmdTransportError
	cmdSample
	cmdContinue
	cmdEnd
)

type command struct {
	kind      cmdKind
	connState ConnectionState
	errCode   string
	sample    quality.Sample
	reason    string
	ack       chan struct{}
}

// Controller owns the per-session billing clock. All state lives on a single
// event loop goroutine: ticks and external calls are serialised through one
// channel, which enforces the no-overlapping-ticks and billed-at-most-once
// invariants structurally.
type Controller struct {
	cfg      Config
	handlers Handlers
	deps     Deps
	log      *zap.Logger

	commands chan command
	done     chan struct{}
	started  sync.Once

	// loop-owned, never touched outside run()
	state         State
	connected     bool
	everConnected bool
	elapsed       int64
	lastBilled    int64
	creditsUsed   int64
	warned        bool
	continueAll   bool
	balance       int64
	balanceKnown  bool
	lastTickAt    time.Time

	mu   sync.RWMutex
	snap Snapshot
}

// New validates the configuration and constructs an idle controller.
func New(cfg Config, handlers Handlers, deps Deps) (*Controller, error) {
	if strings.TrimSpace(cfg.SessionID) == "" {
		return nil, errors.New("billing: session id is required")
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, errors.New("billing: user id is required")
	}
	if cfg.RatePerMinuteCents < 0 {
		return nil, errors.New("billing: rate per minute must not be negative")
	}
	if cfg.FreeMinutes < 0 {
		return nil, errors.New("billing: free minutes must not be negative")
	}
	if deps.Ledger == nil {
		return nil, errors.New("billing: ledger is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("billing: gateway is required")
	}
	if handlers.OnLowBalance == nil {
		return nil, errors.New("billing: OnLowBalance handler is required")
	}
	if handlers.OnInsufficientFunds == nil {
		return nil, errors.New("billing: OnInsufficientFunds handler is required")
	}

	if cfg.WarnThresholdMinutes <= 0 {
		cfg.WarnThresholdMinutes = defaultWarnThresholdMinutes
	}
	if cfg.FreeWindowLookahead <= 0 {
		cfg.FreeWindowLookahead = defaultFreeWindowLookahead
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}

	c := &Controller{
		cfg:      cfg,
		handlers: handlers,
		deps:     deps,
		log:      logger.WithSession("billing", cfg.SessionID),
		commands: make(chan command, 16),
		done:     make(chan struct{}),
		state:    StateIdle,
	}
	c.store()
	return c, nil
}

// Start launches the event loop and moves the controller to Connecting. The
// billing clock does not run until the transport reports connected.
func (c *Controller) Start(ctx context.Context) {
	c.started.Do(func() {
		go c.run(ctx)
	})
}

// Done is closed once the session has fully ended.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Snapshot returns a copy of the current clock state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// State reports the controller state.
func (c *Controller) State() State {
	return c.Snapshot().State
}

// ConnectionStateChanged delivers a transport connection-state signal.
func (c *Controller) ConnectionStateChanged(state ConnectionState) {
	c.send(command{kind: cmdConnState, connState: state})
}

// TransportError delivers a transport-level failure signal.
func (c *Controller) TransportError(code string) {
	c.send(command{kind: cmdTransportError, errCode: strings.TrimSpace(code)})
}

// OnQualitySample forwards a quality sample to the monitor. Samples arriving
// before the session is active or after it ended are dropped.
func (c *Controller) OnQualitySample(sample quality.Sample) {
	c.send(command{kind: cmdSample, sample: sample})
}

// ContinueUntilExhausted suppresses further low balance warnings for the
// remainder of the session. It does not disable the insufficient-funds stop.
func (c *Controller) ContinueUntilExhausted() error {
	if !c.cfg.ContinueUntilExhaustedSupported {
		return errors.New("billing: continue-until-exhausted is not enabled for this session")
	}
	c.send(command{kind: cmdContinue})
	return nil
}

// End terminates the session synchronously: once it returns no further ticks
// fire, the final quality flush has run, and the close call has been issued.
func (c *Controller) End(reason string) {
	ack := make(chan struct{})
	if !c.send(command{kind: cmdEnd, reason: reason, ack: ack}) {
		return
	}
	select {
	case <-ack:
	case <-c.done:
	}
}

func (c *Controller) send(cmd command) bool {
	select {
	case <-c.done:
		return false
	case c.commands <- cmd:
		return true
	}
}

func (c *Controller) run(ctx context.Context) {
	c.state = StateConnecting
	c.store()
	c.emit(EventSessionState, map[string]any{"state": c.state})

	ticks := c.deps.Ticks
	var ticker *time.Ticker
	startTicker := func() {
		if ticks == nil && ticker == nil {
			ticker = time.NewTicker(c.cfg.TickInterval)
			ticks = ticker.C
		}
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	var active <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			c.finish(ReasonShutdown)
			return

		case now := <-active:
			c.handleTick(now)
			if c.state == StateEnded {
				return
			}

		case cmd := <-c.commands:
			c.handleCommand(cmd, func() {
				startTicker()
				active = ticks
			})
			if cmd.ack != nil {
				close(cmd.ack)
			}
			if c.state == StateEnded {
				return
			}
		}
	}
}

func (c *Controller) handleCommand(cmd command, startClock func()) {
	switch cmd.kind {
	case cmdConnState:
		c.handleConnState(cmd.connState, startClock)

	case cmdTransportError:
		c.handleTransportError(cmd.errCode)

	case cmdSample:
		if (c.state == StateActive || c.state == StateWarning) && c.deps.Monitor != nil {
			c.deps.Monitor.OnSample(cmd.sample)
			c.setQuality(c.deps.Monitor.Current())
			c.emit(EventQualityUpdate, map[string]any{"quality": c.deps.Monitor.Current()})
		}

	case cmdContinue:
		if c.state == StateActive || c.state == StateWarning {
			c.continueAll = true
			c.store()
			c.log.Info("continue until exhausted requested")
		}

	case cmdEnd:
		reason := strings.TrimSpace(cmd.reason)
		if reason == "" {
			reason = ReasonUserEnded
		}
		c.finish(reason)
	}
}

func (c *Controller) handleConnState(state ConnectionState, startClock func()) {
	switch state {
	case ConnConnected:
		if c.state == StateConnecting {
			c.activate(startClock)
			return
		}
		if c.state == StateActive || c.state == StateWarning {
			if !c.connected {
				c.log.Info("transport reconnected")
			}
			c.connected = true
			c.store()
		}

	case ConnReconnecting, ConnDisconnected:
		if c.state == StateActive || c.state == StateWarning {
			c.connected = false
			c.store()
			c.log.Warn("transport degraded",
				zap.String("connection_state", string(state)),
				zap.Bool("bill_on_disconnect", c.cfg.BillOnDisconnect))
		}

	case ConnFailed, ConnClosed:
		if c.state == StateEnding || c.state == StateEnded {
			return
		}
		c.finish(ReasonTransportFailure)
	}
}

func (c *Controller) handleTransportError(code string) {
	if c.state == StateEnding || c.state == StateEnded {
		return
	}

	// device errors before any connection cancel the session outright;
	// mid-session they are just a dead transport
	if !c.everConnected && (code == TransportErrPermissionDenied || code == TransportErrNoDevice) {
		c.finish(code)
		return
	}
	c.finish(ReasonTransportFailure)
}

func (c *Controller) activate(startClock func()) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseTimeout)
	if err := c.deps.Gateway.Activate(ctx, c.cfg.SessionID); err != nil {
		// persistence failures never interrupt the live session
		c.log.Error("session activation persist failed", zap.Error(err))
	}
	cancel()

	if balance, err := c.deps.Ledger.Balance(context.Background(), c.cfg.UserID); err != nil {
		c.log.Warn("balance snapshot unavailable; low balance warnings disabled", zap.Error(err))
	} else {
		c.balance = balance
		c.balanceKnown = true
	}

	c.connected = true
	c.everConnected = true
	c.state = StateActive
	c.lastTickAt = time.Time{}
	c.store()
	startClock()

	c.log.Info("session active",
		zap.Int64("rate_cents", c.cfg.RatePerMinuteCents),
		zap.Int("free_minutes", c.cfg.FreeMinutes))
	c.emit(EventSessionState, map[string]any{"state": c.state})
}

// handleTick advances the clock by the wall time since the previous tick so
// coalesced or delayed ticks never under-count elapsed seconds.
func (c *Controller) handleTick(now time.Time) {
	if c.state != StateActive && c.state != StateWarning {
		return
	}

	delta := int64(1)
	if !c.lastTickAt.IsZero() {
		if d := int64(now.Sub(c.lastTickAt) / time.Second); d > delta {
			delta = d
		}
	}
	c.lastTickAt = now

	if !c.connected && !c.cfg.BillOnDisconnect {
		return
	}
	c.elapsed += delta

	freeSeconds := int64(c.cfg.FreeMinutes) * 60
	billable := c.elapsed - freeSeconds
	if billable < 0 {
		billable = 0
	}
	minutes := billable / 60

	if c.cfg.RatePerMinuteCents > 0 {
		if !c.billPending(minutes, billable) {
			return // hard stop already performed
		}
		c.evaluateWarning(freeSeconds, billable)
	}

	c.store()
	c.emit(EventBillingTick, map[string]any{
		"elapsed_seconds":    c.elapsed,
		"billable_seconds":   billable,
		"credits_used_cents": c.creditsUsed,
		"minutes_billed":     c.lastBilled,
	})
}

// billPending debits every whole minute not yet billed. The watermark check
// makes each minute billable at most once no matter how ticks arrive. The
// return value is false when the session was hard-stopped.
func (c *Controller) billPending(minutes, billable int64) bool {
	for c.lastBilled < minutes && billable > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), debitTimeout)
		err := c.deps.Ledger.Debit(ctx, c.cfg.UserID, c.cfg.RatePerMinuteCents,
			c.cfg.SessionID, fmt.Sprintf("minute %d", c.lastBilled+1))
		cancel()

		switch {
		case err == nil:
			c.lastBilled++
			c.creditsUsed += c.cfg.RatePerMinuteCents
			metrics.LedgerDebits.WithLabelValues("success").Inc()
			metrics.BilledMinutes.Inc()

		case errors.Is(err, ledger.ErrInsufficientFunds):
			metrics.LedgerDebits.WithLabelValues("insufficient_funds").Inc()
			c.log.Warn("debit rejected, ending session",
				zap.Int64("minute", c.lastBilled+1),
				zap.Int64("credits_used_cents", c.creditsUsed))
			c.handlers.OnInsufficientFunds()
			c.emit(EventInsufficientFunds, map[string]any{
				"credits_used_cents": c.creditsUsed,
			})
			c.finish(ReasonInsufficientFunds)
			return false

		default:
			// transient ledger failure: leave the watermark so the minute is
			// retried on the next tick, never double-charged
			metrics.LedgerDebits.WithLabelValues("error").Inc()
			c.log.Error("debit failed", zap.Error(err))
			return true
		}
	}
	return true
}

// evaluateWarning raises the one-shot low balance warning. The projection is
// the same inside and after the free window: remaining balance divided by the
// rate. Inside the free window it is additionally gated on the lookahead so
// the user hears about it shortly before billing starts.
func (c *Controller) evaluateWarning(freeSeconds, billable int64) {
	if c.warned || c.continueAll || !c.balanceKnown {
		return
	}

	remaining := c.balance - c.creditsUsed
	minutesRemaining := float64(remaining) / float64(c.cfg.RatePerMinuteCents)
	if minutesRemaining <= 0 || minutesRemaining > c.cfg.WarnThresholdMinutes {
		return
	}

	if billable == 0 {
		secondsUntilBilling := freeSeconds - c.elapsed
		lookahead := int64(c.cfg.FreeWindowLookahead / time.Second)
		if secondsUntilBilling > lookahead || secondsUntilBilling <= 0 {
			return
		}
	}

	c.warned = true
	c.state = StateWarning
	c.store()
	metrics.LowBalanceWarnings.Inc()
	c.log.Info("low balance warning", zap.Float64("minutes_remaining", minutesRemaining))
	c.handlers.OnLowBalance(minutesRemaining)
	c.emit(EventBillingWarning, map[string]any{"minutes_remaining": minutesRemaining})
	c.emit(EventSessionState, map[string]any{"state": c.state})
}

// finish performs the Ending sequence exactly once: stop the clock, flush the
// quality monitor, close the persisted record, then mark Ended.
func (c *Controller) finish(reason string) {
	if c.state == StateEnded {
		return
	}
	c.state = StateEnding
	c.store()
	c.emit(EventSessionState, map[string]any{"state": c.state})

	freeSeconds := int64(c.cfg.FreeMinutes) * 60
	billable := c.elapsed - freeSeconds
	if billable < 0 {
		billable = 0
	}
	billableMinutes := (billable + 59) / 60

	var qualityClass quality.Class
	if c.deps.Monitor != nil {
		qualityClass = c.deps.Monitor.Current()
		c.deps.Monitor.Stop()
	}

	status := models.SessionStatusCompleted
	if !c.everConnected {
		status = models.SessionStatusCancelled
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseTimeout)
	err := c.deps.Gateway.Close(ctx, CloseRequest{
		SessionID:        c.cfg.SessionID,
		Status:           status,
		Reason:           reason,
		BillableMinutes:  billableMinutes,
		CreditsUsedCents: c.creditsUsed,
		Quality:          qualityClass,
	})
	cancel()
	if err != nil {
		// the ledger debits already happened; a failed close is degraded, not fatal
		c.log.Error("session close persist failed", zap.Error(err))
	}

	c.state = StateEnded
	c.store()
	c.log.Info("session ended",
		zap.String("reason", reason),
		zap.Int64("billable_minutes", billableMinutes),
		zap.Int64("credits_used_cents", c.creditsUsed))
	c.emit(EventSessionEnded, map[string]any{
		"reason":             reason,
		"status":             status,
		"billable_minutes":   billableMinutes,
		"credits_used_cents": c.creditsUsed,
		"quality":            qualityClass,
	})
	close(c.done)
}

func (c *Controller) setQuality(class quality.Class) {
	c.mu.Lock()
	c.snap.Quality = class
	c.mu.Unlock()
}

// store publishes the loop-owned state as a read-only snapshot.
func (c *Controller) store() {
	freeSeconds := int64(c.cfg.FreeMinutes) * 60
	billable := c.elapsed - freeSeconds
	if billable < 0 {
		billable = 0
	}

	c.mu.Lock()
	currentQuality := c.snap.Quality
	c.snap = Snapshot{
		State:                  c.state,
		Connected:              c.connected,
		ElapsedSeconds:         c.elapsed,
		BillableSeconds:        billable,
		LastBilledMinute:       c.lastBilled,
		CreditsUsedCents:       c.creditsUsed,
		Warned:                 c.warned,
		ContinueUntilExhausted: c.continueAll,
		Quality:                currentQuality,
	}
	c.mu.Unlock()
}

func (c *Controller) emit(event string, data map[string]any) {
	if c.deps.Events == nil {
		return
	}
	c.deps.Events.SessionEvent(c.cfg.SessionID, event, data)
}
