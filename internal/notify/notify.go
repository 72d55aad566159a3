// Package notify delivers out-of-band alerts (SMS via the cellular modem, or
// any other channel) with a per-channel cooldown so a stuck sensor cannot
// cause an alert storm.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/qppd/parcel-box/internal/monitoring"
	"github.com/qppd/parcel-box/internal/timeutil"
)

// Notifier sends a message to a named channel.
type Notifier interface {
	Notify(ctx context.Context, channel, message string) error
}

// LogNotifier writes notifications to the diagnostic log. Used when no modem
// bridge is attached.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, channel, message string) error {
	monitoring.Logf("notify[%s]: %s", channel, message)
	return nil
}

// Cooldown wraps a Notifier with an enforced minimum send interval per
// channel. Suppressed sends are logged and succeed silently: the first alert
// already told the operator everything.
type Cooldown struct {
	next     Notifier
	clock    timeutil.Clock
	interval time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewCooldown wraps next with the given minimum interval. An interval of
// zero defaults to 60s.
func NewCooldown(next Notifier, clock timeutil.Clock, interval time.Duration) *Cooldown {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Cooldown{
		next:     next,
		clock:    clock,
		interval: interval,
		lastSent: make(map[string]time.Time),
	}
}

func (c *Cooldown) Notify(ctx context.Context, channel, message string) error {
	c.mu.Lock()
	last, seen := c.lastSent[channel]
	now := c.clock.Now()
	if seen && now.Sub(last) < c.interval {
		c.mu.Unlock()
		monitoring.Logf("notify[%s]: suppressed by cooldown: %s", channel, message)
		return nil
	}
	c.lastSent[channel] = now
	c.mu.Unlock()

	return c.next.Notify(ctx, channel, message)
}
