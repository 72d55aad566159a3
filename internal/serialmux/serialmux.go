// Package serialmux provides an abstraction over a serial port with the
// ability for multiple clients to subscribe to lines from the port and send
// line-oriented commands to a single device.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

// MaxLineLength bounds a single frame on the wire. Anything longer is
// truncated by the scanner and surfaces as a read error rather than an
// unbounded buffer.
const MaxLineLength = 256

// Mux multiplexes a line-oriented serial device: any number of subscribers
// receive every line read from the port, and writers share a single command
// lane so writes never interleave.
type Mux struct {
	port         SerialPorter
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// Transport is the subset of Mux used by the link framer and the actuator
// machine. It exists so tests can substitute an in-memory implementation.
type Transport interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
	SendLine(string) error
}

// New creates a Mux backed by the given port.
func New(port SerialPorter) *Mux {
	return &Mux{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random subscriber ID (8 byte random hex encoded value).
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a new channel for receiving line events from the serial
// port. The returned ID identifies the channel when unsubscribing.
func (m *Mux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 16)
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the mux.
func (m *Mux) Unsubscribe(id string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

// SendLine writes a single newline-terminated line to the serial port. A
// short write returns ErrWriteFailed: the frame may be partially on the wire,
// which callers must treat as an unresolved command.
func (m *Mux) SendLine(line string) error {
	m.commandMu.Lock()
	defer m.commandMu.Unlock()
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	n, err := m.port.Write([]byte(line))
	if err != nil {
		if n > 0 {
			return fmt.Errorf("%w: partial write of %d bytes: %v", ErrWriteFailed, n, err)
		}
		return err
	}
	if n != len(line) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads lines from the serial port and fans them out to subscribers.
// It returns when the context is cancelled, the port closes, or a read error
// occurs. Subscribers that cannot keep up have lines dropped rather than
// stalling the reader.
func (m *Mux) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(m.port)
	scan.Buffer(make([]byte, MaxLineLength), MaxLineLength)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking scan.Scan runs in its own goroutine so the outer loop can
	// await both lines and context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				if err := scan.Err(); err != nil {
					return err
				}
				return nil
			}

			m.closingMu.Lock()
			if m.closing {
				m.closingMu.Unlock()
				return nil
			}
			m.closingMu.Unlock()

			m.subscriberMu.Lock()
			for _, ch := range m.subscribers {
				select {
				case ch <- line:
				default:
					// skip a full subscriber so the reader never stalls
				}
			}
			m.subscriberMu.Unlock()
		}
	}
}

// Close closes all subscribed channels and the underlying port.
func (m *Mux) Close() error {
	m.closingMu.Lock()
	m.closing = true
	m.closingMu.Unlock()

	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	return m.port.Close()
}
