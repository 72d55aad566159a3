package validation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qppd/parcel-box/internal/backend"
	"github.com/qppd/parcel-box/internal/connectivity"
)

type fixedPhase struct {
	phase connectivity.Phase
}

func (f fixedPhase) Phase() connectivity.Phase { return f.phase }

func TestOnlineGrant(t *testing.T) {
	registry := backend.NewMemory()
	registry.AddParcel(backend.ParcelRecord{ID: "p-42", Code: "PCL-000123"})
	g := NewGateway(registry, fixedPhase{connectivity.Online}, Config{})

	d := g.Validate(context.Background(), "PCL-000123")

	assert.True(t, d.Granted)
	assert.Equal(t, "p-42", d.ParcelID)
	assert.False(t, d.Offline)
}

func TestOnlineNotFound(t *testing.T) {
	g := NewGateway(backend.NewMemory(), fixedPhase{connectivity.Online}, Config{})

	d := g.Validate(context.Background(), "PCL-999999")

	assert.False(t, d.Granted)
	assert.Equal(t, ReasonNotFound, d.Reason)
}

func TestOnlineLookupErrorFailsClosed(t *testing.T) {
	registry := backend.NewMemory()
	registry.AddParcel(backend.ParcelRecord{ID: "p-42", Code: "PCL-000123"})
	registry.SetLookupErr(errors.New("500 from registry"))
	g := NewGateway(registry, fixedPhase{connectivity.Online}, Config{})

	d := g.Validate(context.Background(), "PCL-000123")

	assert.False(t, d.Granted)
	assert.Equal(t, ReasonLookupFailed, d.Reason)
}

func TestOfflineFallbackDisabled(t *testing.T) {
	registry := backend.NewMemory()
	registry.AddParcel(backend.ParcelRecord{ID: "p-42", Code: "PCL-000123"})
	g := NewGateway(registry, fixedPhase{connectivity.Disconnected}, Config{OfflineFallback: false})

	d := g.Validate(context.Background(), "PCL-000123")

	assert.False(t, d.Granted)
	assert.Equal(t, ReasonLookupFailed, d.Reason)
}

func TestOfflineFallbackGrantsLongCodes(t *testing.T) {
	g := NewGateway(backend.NewMemory(), fixedPhase{connectivity.Disconnected}, Config{OfflineFallback: true})

	d := g.Validate(context.Background(), "PCL-000123")

	assert.True(t, d.Granted)
	assert.True(t, d.Offline, "fallback grants are flagged lower-assurance")
	assert.Equal(t, "PCL-000123", d.ParcelID)
}

func TestOfflineFallbackRejectsShortCodes(t *testing.T) {
	g := NewGateway(backend.NewMemory(), fixedPhase{connectivity.Disconnected}, Config{OfflineFallback: true})

	d := g.Validate(context.Background(), "PCL-1")

	assert.False(t, d.Granted)
	assert.Equal(t, ReasonOfflineRestricted, d.Reason)
}

func TestDegradedUsesOfflinePath(t *testing.T) {
	registry := backend.NewMemory()
	registry.AddParcel(backend.ParcelRecord{ID: "p-42", Code: "PCL-000123"})
	g := NewGateway(registry, fixedPhase{connectivity.Degraded}, Config{OfflineFallback: false})

	d := g.Validate(context.Background(), "PCL-000123")

	assert.False(t, d.Granted, "a degraded link never half-trusts the registry")
	assert.Equal(t, ReasonLookupFailed, d.Reason)
}
