// Package connectivity owns the coordinator's network lifecycle: connection,
// periodic liveness polling, and capped-backoff reconnection. It exposes only
// a current phase read; session logic lives elsewhere.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/qppd/parcel-box/internal/monitoring"
	"github.com/qppd/parcel-box/internal/timeutil"
)

// Phase is the connectivity state.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Online
	// Degraded means the connection is up but the most recent liveness probe
	// failed. A second consecutive failure drops to Disconnected.
	Degraded
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "connecting"
	case Online:
		return "online"
	case Degraded:
		return "degraded"
	}
	return "disconnected"
}

// Network abstracts the WiFi/IP stack: establishing a connection and probing
// its liveness.
type Network interface {
	// Connect establishes network connectivity, blocking until connected or
	// the context is cancelled.
	Connect(ctx context.Context) error

	// Probe checks that the established connection is still alive.
	Probe(ctx context.Context) error
}

// Config holds the manager's tunables. Zero values select the defaults.
type Config struct {
	// PollInterval is the liveness probe period while connected. Default 10s.
	PollInterval time.Duration

	// ReconnectBase is the initial delay between reconnect attempts; it
	// doubles per failure. Default 5s.
	ReconnectBase time.Duration

	// ReconnectMax caps the reconnect delay. Default 60s.
	ReconnectMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 5 * time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 60 * time.Second
	}
	return c
}

// Manager drives the phase machine Disconnected → Connecting → Online, with
// Online → Degraded → Disconnected on consecutive probe failures.
type Manager struct {
	net   Network
	clock timeutil.Clock
	cfg   Config

	mu             sync.Mutex
	phase          Phase
	lastTransition time.Time
}

// NewManager creates a Manager starting in Disconnected.
func NewManager(net Network, clock timeutil.Clock, cfg Config) *Manager {
	return &Manager{
		net:   net,
		clock: clock,
		cfg:   cfg.withDefaults(),
	}
}

// Phase returns the current connectivity phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Online reports whether the manager is fully online.
func (m *Manager) Online() bool {
	return m.Phase() == Online
}

// LastTransition returns when the phase last changed.
func (m *Manager) LastTransition() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTransition
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == p {
		return
	}
	monitoring.Logf("connectivity: %s -> %s", m.phase, p)
	m.phase = p
	m.lastTransition = m.clock.Now()
}

// Run drives the lifecycle until the context is cancelled. Loss of
// connectivity never touches session state; consumers observe the phase on
// their next read.
func (m *Manager) Run(ctx context.Context) error {
	backoff := m.cfg.ReconnectBase

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch m.Phase() {
		case Disconnected:
			m.setPhase(Connecting)
			if err := m.net.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				monitoring.Logf("connectivity: connect failed: %v (retrying in %s)", err, backoff)
				m.setPhase(Disconnected)
				if !m.wait(ctx, backoff) {
					return ctx.Err()
				}
				backoff = min(backoff*2, m.cfg.ReconnectMax)
				continue
			}
			m.setPhase(Online)
			backoff = m.cfg.ReconnectBase

		case Online, Degraded:
			if !m.wait(ctx, m.cfg.PollInterval) {
				return ctx.Err()
			}
			if err := m.net.Probe(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if m.Phase() == Online {
					monitoring.Logf("connectivity: liveness probe failed: %v", err)
					m.setPhase(Degraded)
				} else {
					m.setPhase(Disconnected)
				}
				continue
			}
			m.setPhase(Online)

		default:
			// Connecting is only ever transited synchronously above.
			m.setPhase(Disconnected)
		}
	}
}

// wait sleeps for d on the manager's clock, returning false if the context
// ended first.
func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	timer := m.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C():
		return true
	case <-ctx.Done():
		return false
	}
}
