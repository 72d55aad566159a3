package actuator

import (
	"sync"

	"github.com/qppd/parcel-box/internal/link"
	"github.com/qppd/parcel-box/internal/monitoring"
)

// Tone selects a buzzer feedback pattern.
type Tone int

const (
	// ToneSuccess is the short acknowledgement beep (200ms pattern).
	ToneSuccess Tone = iota
	// ToneAlert is the longer alarm beep (300ms pattern).
	ToneAlert
)

func (t Tone) String() string {
	if t == ToneAlert {
		return "alert"
	}
	return "success"
}

// Hardware abstracts the relay board, reed switches, and piezo buzzer so the
// machine can run against real pins or a simulation.
type Hardware interface {
	// SetLock energizes (open=true) or releases (open=false) the relay for
	// the given lock channel.
	SetLock(id link.LockID, open bool) error

	// DoorClosed reads the raw reed-switch state for the given door.
	DoorClosed(id link.LockID) (bool, error)

	// Buzz plays a feedback tone. Best-effort.
	Buzz(tone Tone) error
}

// SimHardware is an in-memory Hardware used by the dev-mode actuator daemon.
// Door states can be toggled externally to exercise the full event path.
type SimHardware struct {
	mu    sync.Mutex
	locks map[link.LockID]bool
	doors map[link.LockID]bool
}

// NewSimHardware creates a simulation with both doors closed and both locks
// released.
func NewSimHardware() *SimHardware {
	return &SimHardware{
		locks: map[link.LockID]bool{link.Lock1: false, link.Lock2: false},
		doors: map[link.LockID]bool{link.Lock1: true, link.Lock2: true},
	}
}

func (s *SimHardware) SetLock(id link.LockID, open bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[id] = open
	monitoring.Logf("sim: lock%d relay %s", id, map[bool]string{true: "open", false: "closed"}[open])
	return nil
}

func (s *SimHardware) DoorClosed(id link.LockID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doors[id], nil
}

func (s *SimHardware) Buzz(tone Tone) error {
	monitoring.Logf("sim: buzz %s", tone)
	return nil
}

// SetDoor changes a simulated door's raw state.
func (s *SimHardware) SetDoor(id link.LockID, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doors[id] = closed
}

// LockOpen reports a simulated relay state.
func (s *SimHardware) LockOpen(id link.LockID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locks[id]
}
