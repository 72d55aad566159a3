package serialmux

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// TestablePort implements SerialPorter with configurable behaviour for
// testing. It provides control over reads, writes, errors, and latency.
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls.
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port.
	WriteBuffer *bytes.Buffer

	// WriteLatency adds a delay to each Write call.
	WriteLatency time.Duration

	// ReadError is returned by the next Read call if set.
	ReadError error

	// WriteError is returned by the next Write call if set.
	WriteError error

	// ShortWrite causes the next Write to report one byte fewer than
	// requested without error, simulating a partial frame on the wire.
	ShortWrite bool

	// Closed indicates whether Close was called.
	Closed bool

	// WriteCalls records the number of Write calls.
	WriteCalls int

	readCond *sync.Cond
}

// NewTestablePort creates a TestablePort whose reads block until data is
// added or the port is closed, matching real serial port behaviour.
func NewTestablePort() *TestablePort {
	p := &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

func (p *TestablePort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ReadError != nil {
		err := p.ReadError
		p.ReadError = nil
		return 0, err
	}

	for !p.Closed && p.ReadBuffer.Len() == 0 {
		p.readCond.Wait()
	}
	if p.Closed {
		return 0, errors.New("serial port closed")
	}
	return p.ReadBuffer.Read(buf)
}

func (p *TestablePort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.WriteCalls++

	if p.Closed {
		return 0, errors.New("serial port closed")
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	if p.WriteLatency > 0 {
		p.mu.Unlock()
		time.Sleep(p.WriteLatency)
		p.mu.Lock()
	}
	if p.ShortWrite {
		p.ShortWrite = false
		n := len(data) - 1
		p.WriteBuffer.Write(data[:n])
		return n, nil
	}
	return p.WriteBuffer.Write(data)
}

func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	p.readCond.Broadcast()
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls and wakes any
// blocked reader.
func (p *TestablePort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadBuffer.Write(data)
	p.readCond.Broadcast()
}

// AddReadLine adds a newline-terminated line to the read buffer.
func (p *TestablePort) AddReadLine(line string) {
	p.AddReadData([]byte(line + "\n"))
}

// WrittenData returns all data written to the port so far.
func (p *TestablePort) WrittenData() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.WriteBuffer.String()
}

// WrittenLines splits the written data into newline-terminated lines.
func (p *TestablePort) WrittenLines() []string {
	data := p.WrittenData()
	var lines []string
	for _, l := range bytes.Split([]byte(data), []byte("\n")) {
		if len(l) > 0 {
			lines = append(lines, string(l))
		}
	}
	return lines
}
