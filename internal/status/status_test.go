package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qppd/parcel-box/internal/backend"
	"github.com/qppd/parcel-box/internal/timeutil"
)

func testSource() Source {
	return SourceFunc(func() backend.StatusSnapshot {
		return backend.StatusSnapshot{
			DeviceID:     "locker-01",
			Connectivity: "online",
			SessionState: "ready",
		}
	})
}

func TestPublishesOnStartupAndOnTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remote := backend.NewMemory()
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	pub := NewPublisher(testSource(), remote, clock, Config{Interval: 30 * time.Second})

	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(remote.Statuses()) == 1
	}, time.Second, 5*time.Millisecond, "startup snapshot")

	require.Eventually(t, func() bool {
		clock.Advance(30 * time.Second)
		return len(remote.Statuses()) >= 2
	}, time.Second, 5*time.Millisecond, "periodic snapshot")

	first := remote.Statuses()[0]
	assert.Equal(t, "locker-01", first.DeviceID)
	assert.Equal(t, "online", first.Connectivity)
	assert.Equal(t, time.Unix(1700000000, 0), first.Timestamp)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestPublishNowCoalesces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remote := backend.NewMemory()
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	pub := NewPublisher(testSource(), remote, clock, Config{})

	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(remote.Statuses()) == 1
	}, time.Second, 5*time.Millisecond)

	pub.PublishNow()
	require.Eventually(t, func() bool {
		return len(remote.Statuses()) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestPublishFailureDoesNotStopPublisher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remote := backend.NewMemory()
	remote.SetPublishErr(assert.AnError)
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	pub := NewPublisher(testSource(), remote, clock, Config{})

	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	pub.PublishNow()
	remote.SetPublishErr(nil)
	pub.PublishNow()

	require.Eventually(t, func() bool {
		return len(remote.Statuses()) >= 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestNilRemoteIsNoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	pub := NewPublisher(testSource(), nil, clock, Config{})

	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	pub.PublishNow()
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
