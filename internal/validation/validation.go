// Package validation resolves a scanned code to an access decision, online
// via the remote parcel registry or offline via a restricted heuristic.
// Every ambiguity fails closed: a locker must never fail open.
package validation

import (
	"context"
	"time"

	"github.com/qppd/parcel-box/internal/backend"
	"github.com/qppd/parcel-box/internal/connectivity"
	"github.com/qppd/parcel-box/internal/monitoring"
)

// Reason is the closed set of denial reasons. Reasons are for the audit
// trail only; the user-facing display never leaks them.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonNotFound      Reason = "NOT_FOUND"
	ReasonLookupFailed  Reason = "LOOKUP_FAILED"
	ReasonSessionActive Reason = "SESSION_ACTIVE"
	// ReasonOfflineRestricted marks a code rejected by the offline fallback
	// heuristic.
	ReasonOfflineRestricted Reason = "OFFLINE_RESTRICTED"
	// ReasonLockedDown marks a scan rejected because the locker is in
	// lockdown pending administrative reset.
	ReasonLockedDown Reason = "LOCKED_DOWN"
)

// Decision is the result of validating one scan. Computed once per scan.
type Decision struct {
	Granted  bool
	ParcelID string
	Reason   Reason
	// Offline flags a grant made by the lower-assurance fallback path.
	Offline bool
}

// Grant builds a granted decision for the given parcel.
func Grant(parcelID string) Decision {
	return Decision{Granted: true, ParcelID: parcelID}
}

// Deny builds a denied decision with the given reason.
func Deny(reason Reason) Decision {
	return Decision{Reason: reason}
}

// PhaseReader supplies the current connectivity phase.
type PhaseReader interface {
	Phase() connectivity.Phase
}

// Config holds the gateway's tunables. Zero values select the defaults.
type Config struct {
	// LookupTimeout bounds the remote lookup. Default 3s.
	LookupTimeout time.Duration

	// OfflineFallback enables the lower-assurance offline heuristic.
	// Deployments requiring online-only validation leave this false, in
	// which case every offline scan is denied.
	OfflineFallback bool

	// MinCodeLength is the offline heuristic's minimum code length.
	// Default 8.
	MinCodeLength int
}

func (c Config) withDefaults() Config {
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 3 * time.Second
	}
	if c.MinCodeLength <= 0 {
		c.MinCodeLength = 8
	}
	return c
}

// Gateway decides whether a scanned code opens the locker.
type Gateway struct {
	lookup backend.ParcelLookup
	conn   PhaseReader
	cfg    Config
}

// NewGateway creates a Gateway over the given registry and connectivity
// source.
func NewGateway(lookup backend.ParcelLookup, conn PhaseReader, cfg Config) *Gateway {
	return &Gateway{
		lookup: lookup,
		conn:   conn,
		cfg:    cfg.withDefaults(),
	}
}

// Validate resolves one scanned code. Only a fully Online phase uses the
// remote registry; Degraded and Disconnected both take the offline path so a
// flapping network cannot half-trust a lookup.
func (g *Gateway) Validate(ctx context.Context, code string) Decision {
	if g.conn.Phase() == connectivity.Online {
		return g.validateOnline(ctx, code)
	}
	return g.validateOffline(code)
}

func (g *Gateway) validateOnline(ctx context.Context, code string) Decision {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.LookupTimeout)
	defer cancel()

	rec, err := g.lookup.Lookup(ctx, code)
	if err != nil {
		// Fail closed: a lookup error while nominally online is a denial,
		// never a retry-and-hope.
		monitoring.Logf("validation: lookup for %q failed: %v", code, err)
		return Deny(ReasonLookupFailed)
	}
	if rec == nil {
		return Deny(ReasonNotFound)
	}
	return Grant(rec.ID)
}

func (g *Gateway) validateOffline(code string) Decision {
	if !g.cfg.OfflineFallback {
		return Deny(ReasonLookupFailed)
	}
	if len(code) < g.cfg.MinCodeLength {
		return Deny(ReasonOfflineRestricted)
	}
	monitoring.Logf("validation: offline fallback granted %q (lower assurance)", code)
	d := Grant(code)
	d.Offline = true
	return d
}
