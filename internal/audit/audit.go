// Package audit is the locker's append-only event trail: a non-blocking
// recorder in front of a local sqlite buffer, with best-effort flushing to
// the remote history log. Recording never blocks the session machine.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/qppd/parcel-box/internal/backend"
	"github.com/qppd/parcel-box/internal/monitoring"
	"github.com/qppd/parcel-box/internal/timeutil"
)

// Kind is the closed set of history event kinds.
type Kind string

const (
	KindQRScanned          Kind = "QR_SCANNED"
	KindValidationSuccess  Kind = "VALIDATION_SUCCESS"
	KindValidationFailed   Kind = "VALIDATION_FAILED"
	KindParcelDelivered    Kind = "PARCEL_DELIVERED"
	KindUnauthorizedAccess Kind = "UNAUTHORIZED_ACCESS"
	KindLockdown           Kind = "LOCKDOWN"
	KindLockdownCleared    Kind = "LOCKDOWN_CLEARED"
)

// Event is one history entry. Ordering is by timestamp within a device;
// there is no cross-device ordering guarantee.
type Event struct {
	ID         string
	ParcelCode string
	Kind       Kind
	Timestamp  time.Time
	DeviceID   string
}

// Config holds the logger's tunables. Zero values select the defaults.
type Config struct {
	// QueueSize is the recorder's buffer; overflow drops with a log line
	// rather than blocking the caller. Default 64.
	QueueSize int

	// FlushInterval is the remote flush period. Default 15s.
	FlushInterval time.Duration

	// FlushBatch caps events per flush. Default 32.
	FlushBatch int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 15 * time.Second
	}
	if c.FlushBatch <= 0 {
		c.FlushBatch = 32
	}
	return c
}

// Logger records events locally and flushes them upstream.
type Logger struct {
	store    *Store
	remote   backend.HistoryAppender
	clock    timeutil.Clock
	deviceID string
	cfg      Config

	queue chan Event
}

// NewLogger creates a Logger. remote may be nil for local-only deployments.
func NewLogger(store *Store, remote backend.HistoryAppender, clock timeutil.Clock, deviceID string, cfg Config) *Logger {
	cfg = cfg.withDefaults()
	return &Logger{
		store:    store,
		remote:   remote,
		clock:    clock,
		deviceID: deviceID,
		cfg:      cfg,
		queue:    make(chan Event, cfg.QueueSize),
	}
}

// Record queues one event. It never blocks: if the queue is full the event
// is dropped with a log line, which is the accepted audit gap under
// sustained overload.
func (l *Logger) Record(kind Kind, parcelCode string) {
	ev := Event{
		ID:         uuid.NewString(),
		ParcelCode: parcelCode,
		Kind:       kind,
		Timestamp:  l.clock.Now(),
		DeviceID:   l.deviceID,
	}
	select {
	case l.queue <- ev:
	default:
		monitoring.Logf("audit: queue full, dropping %s for %q", kind, parcelCode)
	}
}

// Run persists queued events and periodically flushes the buffer upstream.
func (l *Logger) Run(ctx context.Context) error {
	ticker := l.clock.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.drain()
			return ctx.Err()

		case ev := <-l.queue:
			if err := l.store.Insert(ev); err != nil {
				monitoring.Logf("audit: failed to buffer %s: %v", ev.Kind, err)
			}

		case <-ticker.C():
			l.flush(ctx)
		}
	}
}

// drain persists whatever is still queued during shutdown.
func (l *Logger) drain() {
	for {
		select {
		case ev := <-l.queue:
			if err := l.store.Insert(ev); err != nil {
				monitoring.Logf("audit: failed to buffer %s during drain: %v", ev.Kind, err)
			}
		default:
			return
		}
	}
}

func (l *Logger) flush(ctx context.Context) {
	if l.remote == nil {
		return
	}

	events, err := l.store.Unflushed(l.cfg.FlushBatch)
	if err != nil {
		monitoring.Logf("audit: failed to read unflushed events: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}

	records := make([]backend.HistoryRecord, len(events))
	ids := make([]string, len(events))
	for i, ev := range events {
		records[i] = backend.HistoryRecord{
			ID:         ev.ID,
			ParcelCode: ev.ParcelCode,
			EventKind:  string(ev.Kind),
			Timestamp:  ev.Timestamp,
			DeviceID:   ev.DeviceID,
		}
		ids[i] = ev.ID
	}

	if err := l.remote.Append(ctx, records); err != nil {
		// Leave the rows unflushed; the next tick retries.
		monitoring.Logf("audit: remote flush of %d events failed: %v", len(events), err)
		return
	}
	if err := l.store.MarkFlushed(ids); err != nil {
		monitoring.Logf("audit: failed to mark %d events flushed: %v", len(ids), err)
	}
}
