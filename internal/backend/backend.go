// Package backend defines the remote collaborator interfaces the coordinator
// consumes: parcel lookup, append-only history, and device status publication.
// The concrete store (Firebase or otherwise) lives outside this repository;
// an in-memory implementation is provided for tests and dev mode.
package backend

import (
	"context"
	"time"
)

// ParcelRecord is the remote registry entry a scanned code resolves to.
type ParcelRecord struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Recipient string `json:"recipient,omitempty"`
	Status    string `json:"status,omitempty"`
}

// ParcelLookup resolves a scanned code to a parcel record. A nil record with
// a nil error means no matching parcel exists.
type ParcelLookup interface {
	Lookup(ctx context.Context, code string) (*ParcelRecord, error)
}

// HistoryRecord is one append-only audit entry as shipped to the remote log.
type HistoryRecord struct {
	ID         string    `json:"id"`
	ParcelCode string    `json:"parcel_code"`
	EventKind  string    `json:"event_kind"`
	Timestamp  time.Time `json:"timestamp"`
	DeviceID   string    `json:"device_id"`
}

// HistoryAppender receives audit events. Append-only; ordering is by
// timestamp within a device only.
type HistoryAppender interface {
	Append(ctx context.Context, records []HistoryRecord) error
}

// StatusSnapshot is the periodically published device state.
type StatusSnapshot struct {
	DeviceID     string    `json:"device_id"`
	Connectivity string    `json:"connectivity"`
	SessionState string    `json:"session_state"`
	Lock1Open    bool      `json:"lock1_open"`
	Lock2Open    bool      `json:"lock2_open"`
	Timestamp    time.Time `json:"timestamp"`
}

// StatusPublisher receives device status snapshots, best-effort.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, snapshot StatusSnapshot) error
}
