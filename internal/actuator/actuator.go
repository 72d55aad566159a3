// Package actuator owns the physical side of the locker: solenoid lock
// channels, debounced door sensors, and tone feedback. It answers commands
// received over the serial link and emits door transition events upstream.
package actuator

import (
	"context"
	"time"

	"github.com/qppd/parcel-box/internal/link"
	"github.com/qppd/parcel-box/internal/monitoring"
	"github.com/qppd/parcel-box/internal/serialmux"
	"github.com/qppd/parcel-box/internal/timeutil"
)

// Config holds the machine's tunables. Zero values select the defaults.
type Config struct {
	// CycleInterval is the control cycle period: sensors are sampled once
	// per cycle. Default 50ms.
	CycleInterval time.Duration

	// DebounceSamples is the number of consecutive identical samples a door
	// transition must persist for before an event is emitted. Default 2, so
	// a single-cycle flicker never fires.
	DebounceSamples int
}

func (c Config) withDefaults() Config {
	if c.CycleInterval <= 0 {
		c.CycleInterval = 50 * time.Millisecond
	}
	if c.DebounceSamples <= 0 {
		c.DebounceSamples = 2
	}
	return c
}

// LockState is the commanded state of one lock channel.
type LockState int

const (
	LockClosed LockState = iota
	LockOpening
	LockOpen
	LockClosing
)

func (s LockState) String() string {
	switch s {
	case LockOpening:
		return "opening"
	case LockOpen:
		return "open"
	case LockClosing:
		return "closing"
	}
	return "closed"
}

// lockChannel tracks one solenoid: the state last commanded over the link and
// whether the door sensor has confirmed it. Locks change only on command;
// there are no sensor-driven overrides.
type lockChannel struct {
	commanded LockState
	confirmed bool
}

// doorSensor debounces one reed switch. A raw transition becomes the trusted
// state only after it persists for the configured number of samples.
type doorSensor struct {
	need        int
	initialized bool
	debounced   bool // true = closed
	candidate   bool
	count       int
}

// sample feeds one raw reading into the debouncer. It returns true when the
// debounced state changed, along with the new state.
func (d *doorSensor) sample(rawClosed bool) (changed bool, closed bool) {
	if !d.initialized {
		// Seed from the first reading so boot state never emits an event.
		d.initialized = true
		d.debounced = rawClosed
		d.candidate = rawClosed
		return false, d.debounced
	}

	if rawClosed == d.debounced {
		d.candidate = d.debounced
		d.count = 0
		return false, d.debounced
	}

	if rawClosed == d.candidate {
		d.count++
	} else {
		d.candidate = rawClosed
		d.count = 1
	}

	if d.count >= d.need {
		d.debounced = rawClosed
		d.count = 0
		return true, d.debounced
	}
	return false, d.debounced
}

// Machine is the actuator-side controller. It is single-threaded: one Run
// loop alternates between answering commands and sampling sensors, so lock
// and door state need no locking.
type Machine struct {
	hw        Hardware
	transport serialmux.Transport
	clock     timeutil.Clock
	cfg       Config

	locks map[link.LockID]*lockChannel
	doors map[link.LockID]*doorSensor
}

// NewMachine creates an actuator machine over the given hardware and link
// transport.
func NewMachine(hw Hardware, transport serialmux.Transport, clock timeutil.Clock, cfg Config) *Machine {
	cfg = cfg.withDefaults()
	m := &Machine{
		hw:        hw,
		transport: transport,
		clock:     clock,
		cfg:       cfg,
		locks: map[link.LockID]*lockChannel{
			link.Lock1: {},
			link.Lock2: {},
		},
		doors: map[link.LockID]*doorSensor{
			link.Lock1: {need: cfg.DebounceSamples},
			link.Lock2: {need: cfg.DebounceSamples},
		},
	}
	return m
}

// Run drives the control loop until the context is cancelled: commands are
// answered as they arrive, sensors are sampled once per cycle.
func (m *Machine) Run(ctx context.Context) error {
	id, lines := m.transport.Subscribe()
	defer m.transport.Unsubscribe(id)

	ticker := m.clock.NewTicker(m.cfg.CycleInterval)
	defer ticker.Stop()

	// Seed the debouncers so the boot-time door state is trusted silently.
	m.sampleDoors()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			m.handleCommandLine(line)

		case <-ticker.C():
			m.sampleDoors()
		}
	}
}

func (m *Machine) handleCommandLine(line string) {
	cmd, err := link.ParseCommand(line)
	if err != nil {
		// Unknown-but-ASCII verbs get a protocol-level rejection; anything
		// unparseable beyond that is dropped.
		if isASCII(line) {
			monitoring.Logf("actuator: unknown command %q", line)
			m.respond(link.ErrorResponse("UNKNOWN_COMMAND"))
		} else {
			monitoring.Logf("actuator: dropping malformed frame %q", line)
		}
		return
	}

	switch cmd {
	case link.CmdLock1Open:
		m.respond(m.openLock(link.Lock1))
	case link.CmdLock2Open:
		m.respond(m.openLock(link.Lock2))
	case link.CmdLock1Close:
		m.respond(m.closeLock(link.Lock1))
	case link.CmdLock2Close:
		m.respond(m.closeLock(link.Lock2))
	case link.CmdBuzzSuccess:
		m.respond(m.buzz(ToneSuccess))
	case link.CmdBuzzAlert:
		m.respond(m.buzz(ToneAlert))
	case link.CmdStatus:
		m.respond(link.StatusResponse(m.statusReport()))
	}
}

// openLock actuates a lock open. Actuation is immediate on command: the
// solenoid offers no feedback of its own, so Opening collapses to Open as
// soon as the relay is set. An acknowledgement tone accompanies every open.
func (m *Machine) openLock(id link.LockID) link.Response {
	ch := m.locks[id]
	ch.commanded = LockOpening
	ch.confirmed = false

	if err := m.hw.SetLock(id, true); err != nil {
		monitoring.Logf("actuator: lock%d open failed: %v", id, err)
		ch.commanded = LockClosed
		return link.ErrorResponse("ACTUATE_FAILED")
	}
	ch.commanded = LockOpen

	if err := m.hw.Buzz(ToneSuccess); err != nil {
		monitoring.Logf("actuator: buzzer failed: %v", err)
	}
	return link.OKResponse()
}

func (m *Machine) closeLock(id link.LockID) link.Response {
	ch := m.locks[id]
	ch.commanded = LockClosing
	ch.confirmed = false

	if err := m.hw.SetLock(id, false); err != nil {
		monitoring.Logf("actuator: lock%d close failed: %v", id, err)
		ch.commanded = LockOpen
		return link.ErrorResponse("ACTUATE_FAILED")
	}
	ch.commanded = LockClosed
	return link.OKResponse()
}

func (m *Machine) buzz(tone Tone) link.Response {
	if err := m.hw.Buzz(tone); err != nil {
		monitoring.Logf("actuator: buzzer failed: %v", err)
		return link.ErrorResponse("BUZZER_FAILED")
	}
	return link.OKResponse()
}

// sampleDoors reads both reed switches, runs the debouncers, and emits
// events for trusted transitions.
func (m *Machine) sampleDoors() {
	for _, id := range []link.LockID{link.Lock1, link.Lock2} {
		raw, err := m.hw.DoorClosed(id)
		if err != nil {
			monitoring.Logf("actuator: door%d sensor read failed: %v", id, err)
			continue
		}

		changed, closed := m.doors[id].sample(raw)
		if !changed {
			continue
		}

		// Door confirmation derives from the sensor, never inferred from
		// the relay.
		ch := m.locks[id]
		ch.confirmed = (closed && ch.commanded == LockClosed) ||
			(!closed && ch.commanded == LockOpen)

		ev := link.DoorOpened(id)
		if closed {
			ev = link.DoorClosed(id)
		}
		if err := m.transport.SendLine(ev.Frame()); err != nil {
			monitoring.Logf("actuator: failed to emit %s: %v", ev, err)
		}
	}
}

func (m *Machine) statusReport() link.StatusReport {
	return link.StatusReport{
		Lock1Open:   m.locks[link.Lock1].commanded == LockOpen,
		Lock2Open:   m.locks[link.Lock2].commanded == LockOpen,
		Door1Closed: m.doors[link.Lock1].debounced,
		Door2Closed: m.doors[link.Lock2].debounced,
	}
}

func (m *Machine) respond(resp link.Response) {
	if err := m.transport.SendLine(resp.Frame()); err != nil {
		monitoring.Logf("actuator: failed to send response %q: %v", resp.Frame(), err)
	}
}

func isASCII(line string) bool {
	for i := 0; i < len(line); i++ {
		if line[i] > 0x7e || (line[i] < 0x20 && line[i] != '\t') {
			return false
		}
	}
	return true
}
