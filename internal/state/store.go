// Package state manages the SQLite database behind eventsync: the sync
// configurations, operation audit trail, mappings and webhook subscriptions
// of the sync engine, plus the internal event store the engine reconciles
// against.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id    TEXT PRIMARY KEY,
    email TEXT NOT NULL COLLATE NOCASE,
    name  TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users (email);

CREATE TABLE IF NOT EXISTS locations (
    id          TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    name        TEXT NOT NULL DEFAULT '',
    address     TEXT NOT NULL DEFAULT '',
    city        TEXT NOT NULL DEFAULT '',
    postal_code TEXT NOT NULL DEFAULT '',
    country     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS series (
    id    TEXT PRIMARY KEY,
    rrule TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    id           TEXT PRIMARY KEY,
    user_id      TEXT    NOT NULL,
    title        TEXT    NOT NULL,
    description  TEXT    NOT NULL DEFAULT '',
    location     TEXT    NOT NULL DEFAULT '',
    location_id  TEXT    NOT NULL DEFAULT '',
    start_at     TEXT    NOT NULL,
    end_at       TEXT    NOT NULL DEFAULT '',
    all_day      INTEGER NOT NULL DEFAULT 0,
    time_zone    TEXT    NOT NULL DEFAULT '',
    status       TEXT    NOT NULL DEFAULT 'confirmed',
    series_id    TEXT    NOT NULL DEFAULT '',
    recurrence   TEXT    NOT NULL DEFAULT '',
    image_url    TEXT    NOT NULL DEFAULT '',
    tags         TEXT    NOT NULL DEFAULT '[]',
    ticket_price REAL,
    source_url   TEXT    NOT NULL DEFAULT '',
    created_at   TEXT    NOT NULL,
    updated_at   TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_user  ON events (user_id);
CREATE INDEX IF NOT EXISTS idx_events_start ON events (start_at);
CREATE INDEX IF NOT EXISTS idx_events_title ON events (title);

CREATE TABLE IF NOT EXISTS announcements (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    title      TEXT NOT NULL,
    body       TEXT NOT NULL DEFAULT '',
    publish_at TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS contacts (
    id      TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name    TEXT NOT NULL DEFAULT '',
    email   TEXT NOT NULL DEFAULT '' COLLATE NOCASE,
    phone   TEXT NOT NULL DEFAULT '',
    tags    TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_contacts_email ON contacts (user_id, email);

CREATE TABLE IF NOT EXISTS event_contacts (
    event_id      TEXT NOT NULL REFERENCES events (id) ON DELETE CASCADE,
    contact_id    TEXT NOT NULL REFERENCES contacts (id) ON DELETE CASCADE,
    participation TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (event_id, contact_id)
);

CREATE TABLE IF NOT EXISTS location_contacts (
    location_id TEXT NOT NULL REFERENCES locations (id) ON DELETE CASCADE,
    contact_id  TEXT NOT NULL REFERENCES contacts (id) ON DELETE CASCADE,
    PRIMARY KEY (location_id, contact_id)
);

CREATE TABLE IF NOT EXISTS sync_configurations (
    id            TEXT PRIMARY KEY,
    user_id       TEXT    NOT NULL,
    provider_id   TEXT    NOT NULL,
    provider_type TEXT    NOT NULL,
    direction     TEXT    NOT NULL,
    enabled       INTEGER NOT NULL DEFAULT 1,
    credentials   TEXT    NOT NULL DEFAULT '{}',
    settings      TEXT    NOT NULL DEFAULT '{}',
    last_sync_at  TEXT    NOT NULL DEFAULT '',
    next_sync_at  TEXT    NOT NULL DEFAULT '',
    sync_token    TEXT    NOT NULL DEFAULT '',
    webhook_id    TEXT    NOT NULL DEFAULT '',
    created_at    TEXT    NOT NULL,
    updated_at    TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_configs_user ON sync_configurations (user_id);
CREATE INDEX IF NOT EXISTS idx_configs_type ON sync_configurations (provider_type, enabled);

CREATE TABLE IF NOT EXISTS sync_operations (
    id           TEXT PRIMARY KEY,
    config_id    TEXT    NOT NULL REFERENCES sync_configurations (id) ON DELETE CASCADE,
    kind         TEXT    NOT NULL,
    status       TEXT    NOT NULL,
    entity_type  TEXT    NOT NULL DEFAULT 'event',
    started_at   TEXT    NOT NULL,
    completed_at TEXT    NOT NULL DEFAULT '',
    errors       TEXT    NOT NULL DEFAULT '[]',
    retry_count  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_operations_config ON sync_operations (config_id, started_at);

CREATE TABLE IF NOT EXISTS sync_mappings (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    config_id       TEXT NOT NULL REFERENCES sync_configurations (id) ON DELETE CASCADE,
    event_id        TEXT NOT NULL DEFAULT '',
    announcement_id TEXT NOT NULL DEFAULT '',
    location_id     TEXT NOT NULL DEFAULT '',
    contact_id      TEXT NOT NULL DEFAULT '',
    tag_id          TEXT NOT NULL DEFAULT '',
    external_id     TEXT NOT NULL,
    provider_id     TEXT NOT NULL DEFAULT '',
    last_synced_at  TEXT NOT NULL DEFAULT '',
    etag            TEXT NOT NULL DEFAULT '',
    metadata        TEXT NOT NULL DEFAULT '{}'
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_external     ON sync_mappings (config_id, external_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_event        ON sync_mappings (config_id, event_id)        WHERE event_id != '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_announcement ON sync_mappings (config_id, announcement_id) WHERE announcement_id != '';
CREATE INDEX        IF NOT EXISTS idx_mappings_event_any    ON sync_mappings (event_id);

CREATE TABLE IF NOT EXISTS webhook_subscriptions (
    id          TEXT PRIMARY KEY,
    config_id   TEXT NOT NULL REFERENCES sync_configurations (id) ON DELETE CASCADE,
    provider_id TEXT NOT NULL DEFAULT '',
    resource_id TEXT NOT NULL DEFAULT '',
    channel_id  TEXT NOT NULL,
    expires_at  TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhooks_config  ON webhook_subscriptions (config_id);
CREATE INDEX IF NOT EXISTS idx_webhooks_expires ON webhook_subscriptions (expires_at);
`

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is the SQLite-backed repository.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultDBPath returns the default path for the database:
// ~/.local/share/eventsync/eventsync.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "eventsync", "eventsync.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the time source used for created/updated stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// transaction runs fn inside a transaction, rolling back when fn fails.
func (s *Store) transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back transaction: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scan helpers can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func newID() string {
	return uuid.NewString()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func encodeStrings(v []string) string {
	if v == nil {
		return "[]"
	}
	return encodeJSON(v)
}

func decodeStrings(s string) []string {
	var out []string
	if s == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func decodeMetadata(s string) map[string]string {
	out := map[string]string{}
	if s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
