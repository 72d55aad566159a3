package actuator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qppd/parcel-box/internal/link"
	"github.com/qppd/parcel-box/internal/timeutil"
)

// fakeHardware records actuation and serves scripted sensor readings.
type fakeHardware struct {
	mu        sync.Mutex
	lockCalls []string
	buzzCalls []Tone
	doors     map[link.LockID]bool
	lockErr   error
	doorErr   error
}

func newFakeHardware() *fakeHardware {
	return &fakeHardware{
		doors: map[link.LockID]bool{link.Lock1: true, link.Lock2: true},
	}
}

func (h *fakeHardware) SetLock(id link.LockID, open bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lockErr != nil {
		return h.lockErr
	}
	state := "close"
	if open {
		state = "open"
	}
	h.lockCalls = append(h.lockCalls, state+string('0'+byte(id)))
	return nil
}

func (h *fakeHardware) DoorClosed(id link.LockID) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.doorErr != nil {
		return false, h.doorErr
	}
	return h.doors[id], nil
}

func (h *fakeHardware) Buzz(tone Tone) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buzzCalls = append(h.buzzCalls, tone)
	return nil
}

func (h *fakeHardware) setDoor(id link.LockID, closed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.doors[id] = closed
}

// recordingTransport captures lines the machine writes back on the link.
type recordingTransport struct {
	mu    sync.Mutex
	lines chan string
	sent  []string
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{lines: make(chan string, 16)}
}

func (t *recordingTransport) Subscribe() (string, chan string) { return "test", t.lines }
func (t *recordingTransport) Unsubscribe(string)               {}

func (t *recordingTransport) SendLine(line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, line)
	return nil
}

func (t *recordingTransport) sentLines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sent...)
}

func newTestMachine() (*Machine, *fakeHardware, *recordingTransport) {
	hw := newFakeHardware()
	tr := newRecordingTransport()
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	m := NewMachine(hw, tr, clock, Config{})
	m.sampleDoors() // seed debouncers, no events expected
	return m, hw, tr
}

func TestOpenCommandActuatesAndAcks(t *testing.T) {
	m, hw, tr := newTestMachine()

	m.handleCommandLine("LOCK1 OPEN")

	assert.Equal(t, []string{"open1"}, hw.lockCalls)
	assert.Equal(t, []Tone{ToneSuccess}, hw.buzzCalls, "open plays the acknowledgement tone")
	assert.Equal(t, []string{"OK"}, tr.sentLines())
	assert.Equal(t, LockOpen, m.locks[link.Lock1].commanded)
	assert.False(t, m.locks[link.Lock1].confirmed, "confirmation comes only from the sensor")
}

func TestCloseCommandActuatesAndAcks(t *testing.T) {
	m, hw, tr := newTestMachine()

	m.handleCommandLine("LOCK2 CLOSE")

	assert.Equal(t, []string{"close2"}, hw.lockCalls)
	assert.Empty(t, hw.buzzCalls, "close is silent")
	assert.Equal(t, []string{"OK"}, tr.sentLines())
	assert.Equal(t, LockClosed, m.locks[link.Lock2].commanded)
}

func TestUnknownCommandRejectedNonFatally(t *testing.T) {
	m, hw, tr := newTestMachine()

	m.handleCommandLine("LOCK9 OPEN")
	m.handleCommandLine("LOCK1 OPEN")

	assert.Equal(t, []string{"ERROR UNKNOWN_COMMAND", "OK"}, tr.sentLines())
	assert.Equal(t, []string{"open1"}, hw.lockCalls)
}

func TestMalformedFrameDroppedWithoutResponse(t *testing.T) {
	m, _, tr := newTestMachine()

	m.handleCommandLine("LOCK1 OPEN\xff")

	assert.Empty(t, tr.sentLines(), "non-ASCII input gets no protocol response")
}

func TestActuationFailureReturnsError(t *testing.T) {
	m, hw, tr := newTestMachine()
	hw.lockErr = errors.New("relay stuck")

	m.handleCommandLine("LOCK1 OPEN")

	assert.Equal(t, []string{"ERROR ACTUATE_FAILED"}, tr.sentLines())
	assert.Equal(t, LockClosed, m.locks[link.Lock1].commanded, "failed actuation does not change commanded state")
}

func TestBuzzCommands(t *testing.T) {
	m, hw, tr := newTestMachine()

	m.handleCommandLine("BUZZ SUCCESS")
	m.handleCommandLine("BUZZ ALERT")

	assert.Equal(t, []Tone{ToneSuccess, ToneAlert}, hw.buzzCalls)
	assert.Equal(t, []string{"OK", "OK"}, tr.sentLines())
}

func TestDoorCloseEventAfterDebounce(t *testing.T) {
	m, hw, tr := newTestMachine()

	// Open the door, let it debounce, then close it again.
	hw.setDoor(link.Lock1, false)
	m.sampleDoors()
	m.sampleDoors()
	require.Equal(t, []string{"EVENT DOOR1_OPEN"}, tr.sentLines())

	hw.setDoor(link.Lock1, true)
	m.sampleDoors()
	m.sampleDoors()
	assert.Equal(t, []string{"EVENT DOOR1_OPEN", "EVENT DOOR1_CLOSED"}, tr.sentLines())
}

func TestSingleCycleFlickerSuppressed(t *testing.T) {
	m, hw, tr := newTestMachine()

	// Samples [Closed, Open, Closed]: the transient Open never emits.
	m.sampleDoors()
	hw.setDoor(link.Lock1, false)
	m.sampleDoors()
	hw.setDoor(link.Lock1, true)
	m.sampleDoors()
	m.sampleDoors()

	assert.Empty(t, tr.sentLines())
}

func TestBootStateNeverEmitsEvents(t *testing.T) {
	hw := newFakeHardware()
	hw.setDoor(link.Lock1, false) // door already open at boot
	tr := newRecordingTransport()
	m := NewMachine(hw, tr, timeutil.NewMockClock(time.Unix(0, 0)), Config{})

	m.sampleDoors()
	m.sampleDoors()
	m.sampleDoors()

	assert.Empty(t, tr.sentLines(), "boot-time state seeds the debouncer silently")
}

func TestSensorConfirmsCommandedState(t *testing.T) {
	m, hw, _ := newTestMachine()

	m.handleCommandLine("LOCK1 CLOSE")
	require.False(t, m.locks[link.Lock1].confirmed)

	// Door opens, then closes: the closure confirms the commanded state.
	hw.setDoor(link.Lock1, false)
	m.sampleDoors()
	m.sampleDoors()
	assert.False(t, m.locks[link.Lock1].confirmed)

	hw.setDoor(link.Lock1, true)
	m.sampleDoors()
	m.sampleDoors()
	assert.True(t, m.locks[link.Lock1].confirmed)
}

func TestStatusReport(t *testing.T) {
	m, hw, tr := newTestMachine()

	m.handleCommandLine("LOCK1 OPEN")
	hw.setDoor(link.Lock2, false)
	m.sampleDoors()
	m.sampleDoors()

	m.handleCommandLine("STATUS")

	lines := tr.sentLines()
	require.NotEmpty(t, lines)
	assert.Equal(t, "STATUS LOCK1=OPEN LOCK2=CLOSED DOOR1=CLOSED DOOR2=OPEN", lines[len(lines)-1])
}

func TestSensorReadFailureSkipsCycle(t *testing.T) {
	m, hw, tr := newTestMachine()
	hw.doorErr = errors.New("wire fault")

	m.sampleDoors()

	assert.Empty(t, tr.sentLines(), "a failed read never emits an event")
}

func TestRunAnswersCommandsAndSamplesOnTicks(t *testing.T) {
	hw := newFakeHardware()
	tr := newRecordingTransport()
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	m := NewMachine(hw, tr, clock, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	tr.lines <- "LOCK1 OPEN"
	require.Eventually(t, func() bool {
		lines := tr.sentLines()
		return len(lines) == 1 && lines[0] == "OK"
	}, time.Second, time.Millisecond)

	hw.setDoor(link.Lock1, false)
	require.Eventually(t, func() bool {
		clock.Advance(50 * time.Millisecond)
		lines := tr.sentLines()
		return len(lines) == 2 && lines[1] == "EVENT DOOR1_OPEN"
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
