package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qppd/parcel-box/internal/backend"
	"github.com/qppd/parcel-box/internal/timeutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreInsertAndUnflushed(t *testing.T) {
	store := openTestStore(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, kind := range []Kind{KindQRScanned, KindValidationSuccess, KindParcelDelivered} {
		require.NoError(t, store.Insert(Event{
			ID:         string(rune('a' + i)),
			ParcelCode: "PCL-000123",
			Kind:       kind,
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			DeviceID:   "locker-1",
		}))
	}

	events, err := store.Unflushed(10)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Oldest first, per-device timestamp ordering.
	assert.Equal(t, KindQRScanned, events[0].Kind)
	assert.Equal(t, KindParcelDelivered, events[2].Kind)
	assert.Equal(t, base, events[0].Timestamp)
	assert.Equal(t, "locker-1", events[0].DeviceID)
}

func TestStoreOrdersSubSecondTimestamps(t *testing.T) {
	store := openTestStore(t)

	// Inserted out of order, with fractional parts whose RFC3339Nano
	// renderings would sort wrongly ("0.72" before an exact "0.7").
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Insert(Event{
		ID: "b-late", Kind: KindValidationSuccess,
		Timestamp: base.Add(720 * time.Millisecond), DeviceID: "d",
	}))
	require.NoError(t, store.Insert(Event{
		ID: "a-early", Kind: KindQRScanned,
		Timestamp: base.Add(700 * time.Millisecond), DeviceID: "d",
	}))

	events, err := store.Unflushed(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "a-early", events[0].ID)
	assert.Equal(t, "b-late", events[1].ID)
	assert.Equal(t, base.Add(700*time.Millisecond), events[0].Timestamp)
}

func TestStoreMarkFlushed(t *testing.T) {
	store := openTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, store.Insert(Event{ID: "a", Kind: KindQRScanned, Timestamp: now, DeviceID: "d"}))
	require.NoError(t, store.Insert(Event{ID: "b", Kind: KindValidationFailed, Timestamp: now.Add(time.Second), DeviceID: "d"}))

	require.NoError(t, store.MarkFlushed([]string{"a"}))

	events, err := store.Unflushed(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "b", events[0].ID)

	total, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, total, "flushed events stay in the local buffer")
}

func TestRecordNeverBlocks(t *testing.T) {
	store := openTestStore(t)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	logger := NewLogger(store, nil, clock, "locker-1", Config{QueueSize: 2})

	// No Run loop draining: recording past capacity must drop, not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			logger.Record(KindQRScanned, "PCL-000123")
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}
}

func TestLoggerPersistsAndFlushes(t *testing.T) {
	store := openTestStore(t)
	remote := backend.NewMemory()
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	logger := NewLogger(store, remote, clock, "locker-1", Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- logger.Run(ctx) }()

	logger.Record(KindQRScanned, "PCL-000123")
	logger.Record(KindValidationSuccess, "PCL-000123")

	require.Eventually(t, func() bool {
		n, err := store.Count()
		return err == nil && n == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		clock.Advance(15 * time.Second)
		return len(remote.History()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	records := remote.History()
	assert.Equal(t, "QR_SCANNED", records[0].EventKind)
	assert.Equal(t, "locker-1", records[0].DeviceID)
	assert.NotEmpty(t, records[0].ID)

	// Flushed rows are not re-sent.
	clock.Advance(15 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, remote.History(), 2)

	cancel()
	<-done
}

func TestLoggerRetriesFailedFlush(t *testing.T) {
	store := openTestStore(t)
	remote := backend.NewMemory()
	remote.SetAppendErr(errors.New("backend down"))
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	logger := NewLogger(store, remote, clock, "locker-1", Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- logger.Run(ctx) }()
	defer func() { cancel(); <-done }()

	logger.Record(KindUnauthorizedAccess, "")
	require.Eventually(t, func() bool {
		n, err := store.Count()
		return err == nil && n == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Failed flush leaves the event buffered.
	clock.Advance(15 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, remote.History())

	events, err := store.Unflushed(10)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// Backend recovers; the next tick delivers.
	remote.SetAppendErr(nil)
	require.Eventually(t, func() bool {
		clock.Advance(15 * time.Second)
		return len(remote.History()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}
