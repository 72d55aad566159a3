package link

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/qppd/parcel-box/internal/monitoring"
	"github.com/qppd/parcel-box/internal/serialmux"
	"github.com/qppd/parcel-box/internal/timeutil"
)

// Config holds the framer's tunables. Zero values select the defaults.
type Config struct {
	// AckTimeout bounds the wait for an acknowledgement to one command
	// attempt. Default 5s.
	AckTimeout time.Duration

	// Retries is the number of additional attempts after the first send
	// times out. Default 1.
	Retries int

	// EventBuffer is the capacity of the unsolicited event queue. Default 32.
	EventBuffer int
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.Retries == 0 {
		c.Retries = 1
	}
	if c.Retries < 0 {
		c.Retries = 0 // explicit no-retry
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 32
	}
	return c
}

// Framer drives the half-duplex command discipline on the coordinator side:
// one outstanding command at a time, a bounded ack wait with a fixed retry
// budget, and an always-open queue for unsolicited events.
type Framer struct {
	transport serialmux.Transport
	clock     timeutil.Clock
	cfg       Config

	events chan Event

	cmdMu sync.Mutex // serializes commands: single-flight per link
	ack   chan Response

	pendingMu sync.Mutex
	pending   bool
}

// NewFramer creates a Framer over the given transport. Run must be started
// for acks and events to flow.
func NewFramer(transport serialmux.Transport, clock timeutil.Clock, cfg Config) *Framer {
	cfg = cfg.withDefaults()
	return &Framer{
		transport: transport,
		clock:     clock,
		cfg:       cfg,
		events:    make(chan Event, cfg.EventBuffer),
		ack:       make(chan Response, 1),
	}
}

// Events returns the queue of unsolicited actuator events, delivered in
// arrival order. The queue stays live while a command is outstanding.
func (f *Framer) Events() <-chan Event {
	return f.events
}

// Run consumes lines from the transport, routing acknowledgements to the
// waiting sender and events to the event queue. It returns when the context
// is cancelled or the transport's line channel closes.
func (f *Framer) Run(ctx context.Context) error {
	id, lines := f.transport.Subscribe()
	defer f.transport.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			f.handleLine(line)
		}
	}
}

func (f *Framer) handleLine(line string) {
	inbound, err := ParseInbound(line)
	if err != nil {
		monitoring.Logf("link: dropping malformed frame %q: %v", line, err)
		return
	}

	switch {
	case inbound.Event != nil:
		select {
		case f.events <- *inbound.Event:
		default:
			// Queue full: shed the oldest event instead of the newest. The
			// newest may be the door closure the session is waiting on; the
			// oldest is stale telemetry by the time the queue overflows.
			select {
			case dropped := <-f.events:
				monitoring.Logf("link: event queue full, shed oldest %s", dropped)
			default:
			}
			select {
			case f.events <- *inbound.Event:
			default:
				monitoring.Logf("link: event queue full, dropping %s", *inbound.Event)
			}
		}

	case inbound.Response != nil:
		if !f.isPending() {
			monitoring.Logf("link: dropping unsolicited response %q", line)
			return
		}
		select {
		case f.ack <- *inbound.Response:
		default:
			monitoring.Logf("link: dropping duplicate response %q", line)
		}
	}
}

// Send issues a command and waits for its acknowledgement. It returns
// ErrTimeout once the retry budget is exhausted, a RejectedError if the
// actuator answered ERROR, and ErrAmbiguousLockState if a partial write left
// the wire in an unknown state.
func (f *Framer) Send(ctx context.Context, cmd Command) error {
	_, err := f.roundTrip(ctx, cmd)
	return err
}

// QueryStatus asks the actuator for its current lock and door state.
func (f *Framer) QueryStatus(ctx context.Context) (StatusReport, error) {
	resp, err := f.roundTrip(ctx, CmdStatus)
	if err != nil {
		return StatusReport{}, err
	}
	if resp.Status == nil {
		return StatusReport{}, errors.New("link: STATUS reply without report")
	}
	return *resp.Status, nil
}

func (f *Framer) roundTrip(ctx context.Context, cmd Command) (Response, error) {
	f.cmdMu.Lock()
	defer f.cmdMu.Unlock()

	// Drop any stale ack left over from an attempt that timed out.
	select {
	case stale := <-f.ack:
		monitoring.Logf("link: discarding stale response %q", stale.Frame())
	default:
	}

	f.setPending(true)
	defer f.setPending(false)

	var lastErr error
	for attempt := 0; attempt <= f.cfg.Retries; attempt++ {
		if err := f.transport.SendLine(cmd.Frame()); err != nil {
			if errors.Is(err, serialmux.ErrWriteFailed) {
				// Partial frame on the wire: the actuator may have acted.
				return Response{}, ErrAmbiguousLockState
			}
			lastErr = err
			continue
		}

		timer := f.clock.NewTimer(f.cfg.AckTimeout)
		select {
		case resp := <-f.ack:
			timer.Stop()
			if resp.OK {
				return resp, nil
			}
			return resp, &RejectedError{Reason: resp.Reason}

		case <-timer.C():
			lastErr = ErrTimeout
			monitoring.Logf("link: %s attempt %d timed out", cmd, attempt+1)

		case <-ctx.Done():
			timer.Stop()
			return Response{}, ctx.Err()
		}
	}

	if lastErr == nil {
		lastErr = ErrTimeout
	}
	return Response{}, lastErr
}

func (f *Framer) isPending() bool {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	return f.pending
}

func (f *Framer) setPending(v bool) {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	f.pending = v
}
