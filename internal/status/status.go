// Package status publishes periodic device health snapshots to the remote
// backend. Publication is best-effort; a failed push is logged and the next
// tick tries again.
package status

import (
	"context"
	"time"

	"github.com/qppd/parcel-box/internal/backend"
	"github.com/qppd/parcel-box/internal/monitoring"
	"github.com/qppd/parcel-box/internal/timeutil"
)

// Source supplies the current device state for a snapshot.
type Source interface {
	Snapshot() backend.StatusSnapshot
}

// SourceFunc adapts a function to a Source.
type SourceFunc func() backend.StatusSnapshot

func (f SourceFunc) Snapshot() backend.StatusSnapshot { return f() }

// Config holds the publisher's tunables. Zero values select the defaults.
type Config struct {
	// Interval between periodic snapshots. Default 30s.
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	return c
}

// Publisher pushes snapshots from a Source to a backend.StatusPublisher on a
// fixed cadence, plus on demand after significant transitions.
type Publisher struct {
	source Source
	remote backend.StatusPublisher
	clock  timeutil.Clock
	cfg    Config

	kick chan struct{}
}

// NewPublisher wires a status publisher. remote may be nil; snapshots then go
// nowhere, which dev mode uses.
func NewPublisher(source Source, remote backend.StatusPublisher, clock timeutil.Clock, cfg Config) *Publisher {
	return &Publisher{
		source: source,
		remote: remote,
		clock:  clock,
		cfg:    cfg.withDefaults(),
		kick:   make(chan struct{}, 1),
	}
}

// PublishNow requests an immediate out-of-cycle snapshot. Non-blocking; if a
// request is already queued the two coalesce.
func (p *Publisher) PublishNow() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run publishes one snapshot at startup and then on every tick or PublishNow
// request until the context ends.
func (p *Publisher) Run(ctx context.Context) error {
	p.publish(ctx)

	ticker := p.clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			p.publish(ctx)
		case <-p.kick:
			p.publish(ctx)
		}
	}
}

func (p *Publisher) publish(ctx context.Context) {
	if p.remote == nil {
		return
	}
	snap := p.source.Snapshot()
	snap.Timestamp = p.clock.Now()
	if err := p.remote.PublishStatus(ctx, snap); err != nil {
		monitoring.Logf("status: publish failed: %v", err)
	}
}
