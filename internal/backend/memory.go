package backend

import (
	"context"
	"sync"
)

// Memory is an in-memory backend used by tests and the dev-mode coordinator.
// It implements ParcelLookup, HistoryAppender, and StatusPublisher.
type Memory struct {
	mu       sync.Mutex
	parcels  map[string]ParcelRecord
	history  []HistoryRecord
	statuses []StatusSnapshot

	lookupErr  error
	appendErr  error
	publishErr error
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{parcels: make(map[string]ParcelRecord)}
}

// AddParcel registers a parcel record under its code.
func (m *Memory) AddParcel(rec ParcelRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parcels[rec.Code] = rec
}

// SetLookupErr makes subsequent Lookup calls fail with err (nil clears).
func (m *Memory) SetLookupErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookupErr = err
}

// SetAppendErr makes subsequent Append calls fail with err (nil clears).
func (m *Memory) SetAppendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendErr = err
}

// SetPublishErr makes subsequent PublishStatus calls fail with err (nil clears).
func (m *Memory) SetPublishErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

func (m *Memory) Lookup(ctx context.Context, code string) (*ParcelRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	if rec, ok := m.parcels[code]; ok {
		out := rec
		return &out, nil
	}
	return nil, nil
}

func (m *Memory) Append(ctx context.Context, records []HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.history = append(m.history, records...)
	return nil
}

func (m *Memory) PublishStatus(ctx context.Context, snapshot StatusSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.statuses = append(m.statuses, snapshot)
	return nil
}

// History returns a copy of the appended records.
func (m *Memory) History() []HistoryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]HistoryRecord(nil), m.history...)
}

// Statuses returns a copy of the published snapshots.
func (m *Memory) Statuses() []StatusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StatusSnapshot(nil), m.statuses...)
}
