// Package link implements the framed command/acknowledgement/event protocol
// spoken between the coordinator and the actuator over the serial channel.
//
// Frames are newline-terminated ASCII. The coordinator sends commands
// ("LOCK1 OPEN", "BUZZ ALERT", "STATUS"); the actuator answers "OK",
// "ERROR <reason>", or a "STATUS ..." report, and at any time may emit an
// unsolicited "EVENT <name>" line.
package link

import (
	"fmt"
	"strings"
)

// LockID identifies one of the two physical lock channels.
type LockID int

const (
	Lock1 LockID = 1
	Lock2 LockID = 2
)

// Command is the closed set of coordinator→actuator instructions.
type Command int

const (
	CmdLock1Open Command = iota
	CmdLock1Close
	CmdLock2Open
	CmdLock2Close
	CmdBuzzSuccess
	CmdBuzzAlert
	CmdStatus
)

// LockOpen returns the open command for the given lock channel.
func LockOpen(id LockID) Command {
	if id == Lock2 {
		return CmdLock2Open
	}
	return CmdLock1Open
}

// LockClose returns the close command for the given lock channel.
func LockClose(id LockID) Command {
	if id == Lock2 {
		return CmdLock2Close
	}
	return CmdLock1Close
}

// Frame renders the command as its wire representation, without terminator.
func (c Command) Frame() string {
	switch c {
	case CmdLock1Open:
		return "LOCK1 OPEN"
	case CmdLock1Close:
		return "LOCK1 CLOSE"
	case CmdLock2Open:
		return "LOCK2 OPEN"
	case CmdLock2Close:
		return "LOCK2 CLOSE"
	case CmdBuzzSuccess:
		return "BUZZ SUCCESS"
	case CmdBuzzAlert:
		return "BUZZ ALERT"
	case CmdStatus:
		return "STATUS"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(c))
}

func (c Command) String() string { return c.Frame() }

// ParseCommand decodes a received command frame. Unknown verbs or arguments
// return ErrMalformed so the actuator can answer ERROR UNKNOWN_COMMAND
// without ever crashing on hostile input.
func ParseCommand(line string) (Command, error) {
	if err := checkASCII(line); err != nil {
		return 0, err
	}
	switch strings.TrimSpace(line) {
	case "LOCK1 OPEN":
		return CmdLock1Open, nil
	case "LOCK1 CLOSE":
		return CmdLock1Close, nil
	case "LOCK2 OPEN":
		return CmdLock2Open, nil
	case "LOCK2 CLOSE":
		return CmdLock2Close, nil
	case "BUZZ SUCCESS":
		return CmdBuzzSuccess, nil
	case "BUZZ ALERT":
		return CmdBuzzAlert, nil
	case "STATUS":
		return CmdStatus, nil
	}
	return 0, fmt.Errorf("%w: unknown command %q", ErrMalformed, line)
}

// Event is the closed set of unsolicited actuator→coordinator signals.
type Event int

const (
	EventDoor1Closed Event = iota
	EventDoor2Closed
	EventDoor1Open
	EventDoor2Open
)

// Frame renders the event as its wire representation, without terminator.
func (e Event) Frame() string {
	switch e {
	case EventDoor1Closed:
		return "EVENT DOOR1_CLOSED"
	case EventDoor2Closed:
		return "EVENT DOOR2_CLOSED"
	case EventDoor1Open:
		return "EVENT DOOR1_OPEN"
	case EventDoor2Open:
		return "EVENT DOOR2_OPEN"
	}
	return fmt.Sprintf("EVENT UNKNOWN(%d)", int(e))
}

func (e Event) String() string { return e.Frame() }

// Door returns the door the event refers to.
func (e Event) Door() LockID {
	if e == EventDoor2Closed || e == EventDoor2Open {
		return Lock2
	}
	return Lock1
}

// Closed reports whether the event is a door-closed transition.
func (e Event) Closed() bool {
	return e == EventDoor1Closed || e == EventDoor2Closed
}

// DoorClosed returns the closure event for the given door.
func DoorClosed(id LockID) Event {
	if id == Lock2 {
		return EventDoor2Closed
	}
	return EventDoor1Closed
}

// DoorOpened returns the opening event for the given door.
func DoorOpened(id LockID) Event {
	if id == Lock2 {
		return EventDoor2Open
	}
	return EventDoor1Open
}

// StatusReport is the actuator's answer to a STATUS query: the commanded lock
// states and the debounced door states at the time of the query.
type StatusReport struct {
	Lock1Open   bool
	Lock2Open   bool
	Door1Closed bool
	Door2Closed bool
}

// Frame renders the report as its wire representation.
func (s StatusReport) Frame() string {
	return fmt.Sprintf("STATUS LOCK1=%s LOCK2=%s DOOR1=%s DOOR2=%s",
		openClosed(s.Lock1Open), openClosed(s.Lock2Open),
		closedOpen(s.Door1Closed), closedOpen(s.Door2Closed))
}

func openClosed(open bool) string {
	if open {
		return "OPEN"
	}
	return "CLOSED"
}

func closedOpen(closed bool) string {
	if closed {
		return "CLOSED"
	}
	return "OPEN"
}

// Response is an actuator reply to the most recent command.
type Response struct {
	OK     bool
	Reason string        // set when the command was rejected
	Status *StatusReport // set for STATUS replies
}

// OKResponse acknowledges the last command.
func OKResponse() Response { return Response{OK: true} }

// ErrorResponse rejects the last command with a reason token.
func ErrorResponse(reason string) Response { return Response{Reason: reason} }

// StatusResponse answers a STATUS query.
func StatusResponse(s StatusReport) Response {
	return Response{OK: true, Status: &s}
}

// Frame renders the response as its wire representation.
func (r Response) Frame() string {
	switch {
	case r.Status != nil:
		return r.Status.Frame()
	case r.OK:
		return "OK"
	default:
		return "ERROR " + r.Reason
	}
}

// Inbound is a classified actuator→coordinator frame.
type Inbound struct {
	Response *Response
	Event    *Event
}

// ParseInbound classifies a raw line from the actuator. Malformed frames
// (non-ASCII, unknown shape, bad fields) return ErrMalformed and must be
// dropped by the caller; they never count as an acknowledgement.
func ParseInbound(line string) (Inbound, error) {
	if err := checkASCII(line); err != nil {
		return Inbound{}, err
	}
	line = strings.TrimSpace(line)

	switch {
	case line == "OK":
		r := OKResponse()
		return Inbound{Response: &r}, nil

	case strings.HasPrefix(line, "ERROR "):
		reason := strings.TrimSpace(strings.TrimPrefix(line, "ERROR "))
		if reason == "" {
			return Inbound{}, fmt.Errorf("%w: ERROR frame without reason", ErrMalformed)
		}
		r := ErrorResponse(reason)
		return Inbound{Response: &r}, nil

	case strings.HasPrefix(line, "STATUS "):
		st, err := parseStatusReport(line)
		if err != nil {
			return Inbound{}, err
		}
		r := StatusResponse(st)
		return Inbound{Response: &r}, nil

	case strings.HasPrefix(line, "EVENT "):
		name := strings.TrimSpace(strings.TrimPrefix(line, "EVENT "))
		ev, err := parseEventName(name)
		if err != nil {
			return Inbound{}, err
		}
		return Inbound{Event: &ev}, nil
	}

	return Inbound{}, fmt.Errorf("%w: unrecognized frame %q", ErrMalformed, line)
}

func parseEventName(name string) (Event, error) {
	switch name {
	case "DOOR1_CLOSED":
		return EventDoor1Closed, nil
	case "DOOR2_CLOSED":
		return EventDoor2Closed, nil
	case "DOOR1_OPEN":
		return EventDoor1Open, nil
	case "DOOR2_OPEN":
		return EventDoor2Open, nil
	}
	return 0, fmt.Errorf("%w: unknown event %q", ErrMalformed, name)
}

func parseStatusReport(line string) (StatusReport, error) {
	var st StatusReport
	for _, field := range strings.Fields(strings.TrimPrefix(line, "STATUS ")) {
		key, value, found := strings.Cut(field, "=")
		if !found {
			return st, fmt.Errorf("%w: bad status field %q", ErrMalformed, field)
		}
		open := value == "OPEN"
		closed := value == "CLOSED"
		if !open && !closed {
			return st, fmt.Errorf("%w: bad status value %q", ErrMalformed, field)
		}
		switch key {
		case "LOCK1":
			st.Lock1Open = open
		case "LOCK2":
			st.Lock2Open = open
		case "DOOR1":
			st.Door1Closed = closed
		case "DOOR2":
			st.Door2Closed = closed
		default:
			return st, fmt.Errorf("%w: unknown status field %q", ErrMalformed, field)
		}
	}
	return st, nil
}

func checkASCII(line string) error {
	for i := 0; i < len(line); i++ {
		if line[i] > 0x7e || (line[i] < 0x20 && line[i] != '\t') {
			return fmt.Errorf("%w: non-ASCII byte 0x%02x at offset %d", ErrMalformed, line[i], i)
		}
	}
	return nil
}
