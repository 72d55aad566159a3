package audit

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timestampLayout is fixed-width, unlike RFC3339Nano which trims trailing
// fractional zeros. The timestamp column is TEXT and is ordered
// lexicographically, so every stored value must render at the same width.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the local append-only buffer for history events. Events are kept
// until a remote flush succeeds, so a network outage only delays the audit
// trail instead of losing it.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the sqlite buffer at path and applies
// any pending schema migrations.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Insert appends one event to the buffer.
func (s *Store) Insert(ev Event) error {
	_, err := s.db.Exec(`
		INSERT INTO history_events (id, parcel_code, event_kind, timestamp, device_id, flushed)
		VALUES (?, ?, ?, ?, ?, 0)`,
		ev.ID, ev.ParcelCode, string(ev.Kind), ev.Timestamp.UTC().Format(timestampLayout), ev.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to insert history event: %w", err)
	}
	return nil
}

// Unflushed returns up to limit events not yet delivered to the remote log,
// oldest first.
func (s *Store) Unflushed(limit int) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT id, parcel_code, event_kind, timestamp, device_id
		FROM history_events
		WHERE flushed = 0
		ORDER BY timestamp
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unflushed events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var kind, ts string
		if err := rows.Scan(&ev.ID, &ev.ParcelCode, &kind, &ts, &ev.DeviceID); err != nil {
			return nil, fmt.Errorf("failed to scan history event: %w", err)
		}
		ev.Kind = Kind(kind)
		if ev.Timestamp, err = time.Parse(timestampLayout, ts); err != nil {
			return nil, fmt.Errorf("failed to parse timestamp %q: %w", ts, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarkFlushed records that the given events reached the remote log.
func (s *Store) MarkFlushed(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.Exec(
		`UPDATE history_events SET flushed = 1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to mark events flushed: %w", err)
	}
	return nil
}

// Count returns the total number of buffered events.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM history_events`).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
