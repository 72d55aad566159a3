// Package session implements the coordinator-side delivery lifecycle: scan,
// validate, open, await closure, confirm, reset. It is the only owner of the
// active parcel session and the component that decides lockdown.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/qppd/parcel-box/internal/audit"
	"github.com/qppd/parcel-box/internal/display"
	"github.com/qppd/parcel-box/internal/link"
	"github.com/qppd/parcel-box/internal/monitoring"
	"github.com/qppd/parcel-box/internal/notify"
	"github.com/qppd/parcel-box/internal/timeutil"
	"github.com/qppd/parcel-box/internal/validation"
)

// State is the session machine state.
type State int

const (
	StateReady State = iota
	StateScanned
	StateValidating
	StateGranted
	StateAwaitingClosure
	StateDelivered
	// StateLockdown secures both locks and rejects all scans until an
	// explicit administrative reset. It is never exited by a timer.
	StateLockdown
)

func (s State) String() string {
	switch s {
	case StateScanned:
		return "scanned"
	case StateValidating:
		return "validating"
	case StateGranted:
		return "granted"
	case StateAwaitingClosure:
		return "awaiting_closure"
	case StateDelivered:
		return "delivered"
	case StateLockdown:
		return "lockdown"
	}
	return "ready"
}

// ParcelSession is the lifecycle record for one scan-to-delivery cycle. At
// most one exists at a time.
type ParcelSession struct {
	Code      string
	StartedAt time.Time
	Decision  validation.Decision
	Lock1Open bool
	Lock2Open bool
}

// CommandSender issues commands over the link and awaits their acks.
type CommandSender interface {
	Send(ctx context.Context, cmd link.Command) error
}

// Validator resolves a scanned code to a decision.
type Validator interface {
	Validate(ctx context.Context, code string) validation.Decision
}

// Recorder appends history events without blocking.
type Recorder interface {
	Record(kind audit.Kind, parcelCode string)
}

// Config holds the machine's tunables. Zero values select the defaults.
type Config struct {
	// DenyCooldown is how long the denial message stays up before the
	// locker accepts the next scan. Default 3s.
	DenyCooldown time.Duration

	// LookbackWindow is how long after a grant a door-open signal is still
	// considered part of that delivery rather than an intrusion. Default 5m.
	LookbackWindow time.Duration

	// ScanDebounce suppresses an identical raw scan arriving within the
	// window, so one physical scan never acts twice. Default 500ms.
	ScanDebounce time.Duration

	// AlertChannel is the notification channel for intrusion alerts.
	// Default "admin".
	AlertChannel string
}

func (c Config) withDefaults() Config {
	if c.DenyCooldown <= 0 {
		c.DenyCooldown = 3 * time.Second
	}
	if c.LookbackWindow <= 0 {
		c.LookbackWindow = 5 * time.Minute
	}
	if c.ScanDebounce <= 0 {
		c.ScanDebounce = 500 * time.Millisecond
	}
	if c.AlertChannel == "" {
		c.AlertChannel = "admin"
	}
	return c
}

// Machine drives the delivery session lifecycle. All mutation happens under
// one mutex; the Run loop is the only routine feeding it scans and events,
// so handlers execute strictly one at a time.
type Machine struct {
	sender    CommandSender
	validator Validator
	screen    display.Sink
	recorder  Recorder
	notifier  notify.Notifier
	clock     timeutil.Clock
	cfg       Config

	// onDelivered, when set, requests a best-effort remote status update
	// after a completed delivery.
	onDelivered func(ctx context.Context)

	mu            sync.Mutex
	state         State
	session       *ParcelSession
	door1Closed   bool
	door2Closed   bool
	lastGrantedAt time.Time
	cooling       bool
	cooldownTimer timeutil.Timer
	lastScanCode  string
	lastScanAt    time.Time
}

// NewMachine wires a session machine. notifier may be nil; alerts then only
// hit the log.
func NewMachine(sender CommandSender, validator Validator, screen display.Sink,
	recorder Recorder, notifier notify.Notifier, clock timeutil.Clock, cfg Config) *Machine {
	m := &Machine{
		sender:    sender,
		validator: validator,
		screen:    screen,
		recorder:  recorder,
		notifier:  notifier,
		clock:     clock,
		cfg:       cfg.withDefaults(),
	}
	m.showIdle()
	return m
}

// SetDeliveredHook registers the best-effort status update requested after a
// delivery completes. Must be called before Run.
func (m *Machine) SetDeliveredHook(fn func(ctx context.Context)) {
	m.onDelivered = fn
}

// State returns the current machine state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the active session, if any.
func (m *Machine) Session() *ParcelSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// Run consumes scanner codes and link events until the context ends. Scans
// and events are handled strictly sequentially, preserving the cooperative
// single-threaded semantics of the controller.
func (m *Machine) Run(ctx context.Context, scans <-chan string, events <-chan link.Event) error {
	for {
		m.mu.Lock()
		var cooldownC <-chan time.Time
		if m.cooldownTimer != nil {
			cooldownC = m.cooldownTimer.C()
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()

		case code, ok := <-scans:
			if !ok {
				return nil
			}
			m.HandleScan(ctx, code)

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.HandleEvent(ctx, ev)

		case <-cooldownC:
			m.finishCooldown()
		}
	}
}

// HandleScan processes one raw scanner read. The returned decision reflects
// what the session machine did with it; handled is false when the read was a
// debounce duplicate and ignored entirely.
func (m *Machine) HandleScan(ctx context.Context, code string) (decision validation.Decision, handled bool) {
	m.mu.Lock()

	now := m.clock.Now()
	if code == m.lastScanCode && now.Sub(m.lastScanAt) < m.cfg.ScanDebounce {
		m.mu.Unlock()
		monitoring.Logf("session: debounced duplicate scan %q", code)
		return validation.Decision{}, false
	}
	m.lastScanCode = code
	m.lastScanAt = now

	if m.state == StateLockdown {
		m.mu.Unlock()
		monitoring.Logf("session: scan %q rejected: lockdown", code)
		return validation.Deny(validation.ReasonLockedDown), true
	}
	if m.state != StateReady || m.cooling {
		// An active session is never silently replaced.
		m.mu.Unlock()
		monitoring.Logf("session: scan %q rejected: session active", code)
		return validation.Deny(validation.ReasonSessionActive), true
	}

	m.state = StateScanned
	m.session = &ParcelSession{Code: code, StartedAt: now}
	m.recorder.Record(audit.KindQRScanned, code)
	m.screen.Show(display.Message("Parcel Locker", "Validating..."))

	m.state = StateValidating
	m.mu.Unlock()

	// The lookup may suspend; link events queue meanwhile and are handled
	// once this returns.
	decision = m.validator.Validate(ctx, code)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateValidating {
		// Lockdown or reset intervened; the decision is stale.
		return decision, true
	}
	m.session.Decision = decision

	if decision.Granted {
		m.grantLocked(ctx)
	} else {
		m.denyLocked()
	}
	return decision, true
}

// grantLocked opens both locks sequentially, each awaited before the next is
// sent, bounding relay current transients. Any link failure leaves the lock
// sequence untrusted and forces lockdown.
func (m *Machine) grantLocked(ctx context.Context) {
	m.state = StateGranted

	if err := m.sender.Send(ctx, link.CmdLock1Open); err != nil {
		monitoring.Logf("session: LOCK1 OPEN failed: %v", err)
		m.lockdownLocked(ctx, audit.KindLockdown)
		return
	}
	m.session.Lock1Open = true

	if err := m.sender.Send(ctx, link.CmdLock2Open); err != nil {
		monitoring.Logf("session: LOCK2 OPEN failed: %v", err)
		m.lockdownLocked(ctx, audit.KindLockdown)
		return
	}
	m.session.Lock2Open = true

	m.door1Closed = false
	m.door2Closed = false
	m.lastGrantedAt = m.clock.Now()
	m.state = StateAwaitingClosure

	m.recorder.Record(audit.KindValidationSuccess, m.session.Code)
	m.screen.Show(display.Message("Access granted", "Place parcel inside", "Close both doors"))
}

// denyLocked shows the reason-free denial and arms the cooldown window.
func (m *Machine) denyLocked() {
	m.recorder.Record(audit.KindValidationFailed, m.session.Code)
	m.screen.Show(display.Message("Access Denied"))

	m.session = nil
	m.state = StateReady
	m.cooling = true
	m.cooldownTimer = m.clock.NewTimer(m.cfg.DenyCooldown)
}

func (m *Machine) finishCooldown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cooling {
		return
	}
	m.cooling = false
	m.cooldownTimer = nil
	m.showIdle()
}

// HandleEvent processes one debounced door event from the actuator.
func (m *Machine) HandleEvent(ctx context.Context, ev link.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Closed() {
		m.handleDoorClosedLocked(ctx, ev.Door())
		return
	}
	m.handleDoorOpenLocked(ctx, ev.Door())
}

func (m *Machine) handleDoorClosedLocked(ctx context.Context, door link.LockID) {
	if m.state != StateAwaitingClosure {
		monitoring.Logf("session: door%d closed (telemetry)", door)
		return
	}

	switch door {
	case link.Lock1:
		m.door1Closed = true
	case link.Lock2:
		m.door2Closed = true
	}
	if !m.door1Closed || !m.door2Closed {
		return
	}

	// Both doors confirmed closed since the grant: secure and finish.
	for _, cmd := range []link.Command{link.CmdLock1Close, link.CmdLock2Close} {
		if err := m.sender.Send(ctx, cmd); err != nil {
			monitoring.Logf("session: %s failed: %v", cmd, err)
			m.lockdownLocked(ctx, audit.KindLockdown)
			return
		}
	}

	m.state = StateDelivered
	m.recorder.Record(audit.KindParcelDelivered, m.session.Code)
	m.screen.Show(display.Message("Parcel received", "Thank you"))

	if m.onDelivered != nil {
		// Best-effort remote status update; failure never blocks the reset.
		m.onDelivered(ctx)
	}

	m.session = nil
	m.door1Closed = false
	m.door2Closed = false
	m.state = StateReady
	m.showIdle()
}

// handleDoorOpenLocked classifies an unsolicited door opening. Inside a
// delivery it is the courier; otherwise, outside the look-back window of the
// last grant, it is an intrusion.
func (m *Machine) handleDoorOpenLocked(ctx context.Context, door link.LockID) {
	switch m.state {
	case StateLockdown:
		monitoring.Logf("session: door%d open during lockdown", door)
		return
	case StateGranted, StateAwaitingClosure, StateDelivered:
		monitoring.Logf("session: door%d opened by courier", door)
		return
	}

	if m.clock.Since(m.lastGrantedAt) <= m.cfg.LookbackWindow && !m.lastGrantedAt.IsZero() {
		monitoring.Logf("session: door%d open within look-back window, tolerated", door)
		return
	}

	monitoring.Logf("session: unauthorized door%d open", door)
	m.lockdownLocked(ctx, audit.KindUnauthorizedAccess)
}

// lockdownLocked forces both locks closed, raises the alert, and parks the
// machine until an administrative reset. Any pending door-closure wait is
// discarded; door state is re-derived fresh after reset.
func (m *Machine) lockdownLocked(ctx context.Context, kind audit.Kind) {
	m.state = StateLockdown
	m.door1Closed = false
	m.door2Closed = false

	for _, cmd := range []link.Command{link.CmdLock1Close, link.CmdLock2Close, link.CmdBuzzAlert} {
		if err := m.sender.Send(ctx, cmd); err != nil {
			monitoring.Logf("session: lockdown %s failed: %v", cmd, err)
		}
	}

	code := ""
	if m.session != nil {
		code = m.session.Code
	}
	m.recorder.Record(kind, code)
	m.screen.Show(display.Message("LOCKED DOWN", "Contact", "administrator"))

	if m.notifier != nil {
		if err := m.notifier.Notify(ctx, m.cfg.AlertChannel, "parcel locker lockdown: "+string(kind)); err != nil {
			monitoring.Logf("session: lockdown alert failed: %v", err)
		}
	}
}

// AdminReset clears a lockdown. It is the only exit from StateLockdown and
// has no effect in any other state.
func (m *Machine) AdminReset(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateLockdown {
		monitoring.Logf("session: admin reset ignored in state %s", m.state)
		return false
	}

	m.session = nil
	m.door1Closed = false
	m.door2Closed = false
	m.cooling = false
	m.cooldownTimer = nil
	m.state = StateReady

	m.recorder.Record(audit.KindLockdownCleared, "")
	m.showIdle()
	monitoring.Logf("session: lockdown cleared by administrator")
	return true
}

func (m *Machine) showIdle() {
	m.screen.Show(display.Message("Parcel Locker", "Scan parcel QR"))
}
