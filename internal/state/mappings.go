package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
)

const mappingColumns = `
	id, config_id, event_id, announcement_id, location_id, contact_id, tag_id,
	external_id, provider_id, last_synced_at, etag, metadata`

// GetMappingByExternalID returns the mapping of externalID on configID, or
// (nil, nil).
func (s *Store) GetMappingByExternalID(ctx context.Context, configID, externalID string) (*model.SyncMapping, error) {
	q := `SELECT ` + mappingColumns + ` FROM sync_mappings WHERE config_id = ? AND external_id = ?`
	return scanMapping(s.db.QueryRowContext(ctx, q, configID, externalID))
}

// GetMappingByEvent returns the mapping of an internal event on configID, or
// (nil, nil).
func (s *Store) GetMappingByEvent(ctx context.Context, configID, eventID string) (*model.SyncMapping, error) {
	q := `SELECT ` + mappingColumns + ` FROM sync_mappings WHERE config_id = ? AND event_id = ?`
	return scanMapping(s.db.QueryRowContext(ctx, q, configID, eventID))
}

// GetMappingByAnnouncement returns the mapping of an announcement on
// configID, or (nil, nil).
func (s *Store) GetMappingByAnnouncement(ctx context.Context, configID, announcementID string) (*model.SyncMapping, error) {
	q := `SELECT ` + mappingColumns + ` FROM sync_mappings WHERE config_id = ? AND announcement_id = ?`
	return scanMapping(s.db.QueryRowContext(ctx, q, configID, announcementID))
}

// ListMappingsByEvent returns the mappings of an internal event across all
// configurations.
func (s *Store) ListMappingsByEvent(ctx context.Context, eventID string) ([]*model.SyncMapping, error) {
	q := `SELECT ` + mappingColumns + ` FROM sync_mappings WHERE event_id = ? ORDER BY id`
	return s.queryMappings(ctx, q, eventID)
}

// ListMappingsByConfig returns every mapping of a configuration.
func (s *Store) ListMappingsByConfig(ctx context.Context, configID string) ([]*model.SyncMapping, error) {
	q := `SELECT ` + mappingColumns + ` FROM sync_mappings WHERE config_id = ? ORDER BY id`
	return s.queryMappings(ctx, q, configID)
}

// UpsertMapping inserts m or updates the row that already holds its
// (configuration, external ID) or (configuration, entity) key. The natural
// keys make concurrent passes converge on one row instead of duplicating.
func (s *Store) UpsertMapping(ctx context.Context, m *model.SyncMapping) error {
	if m.LastSyncedAt.IsZero() {
		m.LastSyncedAt = s.now()
	}
	const set = `
		    event_id        = excluded.event_id,
		    announcement_id = excluded.announcement_id,
		    external_id     = excluded.external_id,
		    provider_id     = excluded.provider_id,
		    last_synced_at  = excluded.last_synced_at,
		    etag            = excluded.etag,
		    metadata        = excluded.metadata`
	const q = `
		INSERT INTO sync_mappings
		    (config_id, event_id, announcement_id, location_id, contact_id, tag_id,
		     external_id, provider_id, last_synced_at, etag, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(config_id, external_id) DO UPDATE SET` + set + `
		ON CONFLICT(config_id, event_id) WHERE event_id != '' DO UPDATE SET` + set + `
		ON CONFLICT(config_id, announcement_id) WHERE announcement_id != '' DO UPDATE SET` + set

	_, err := s.db.ExecContext(ctx, q,
		m.ConfigID, m.EventID, m.AnnouncementID, m.LocationID, m.ContactID, m.TagID,
		m.ExternalID, m.ProviderID, formatTime(m.LastSyncedAt), m.ETag, encodeJSON(nonNilMetadata(m.Metadata)),
	)
	if err != nil {
		return fmt.Errorf("upserting mapping %s/%s: %w", m.ConfigID, m.ExternalID, err)
	}

	stored, err := s.GetMappingByExternalID(ctx, m.ConfigID, m.ExternalID)
	if err != nil {
		return err
	}
	if stored != nil {
		m.ID = stored.ID
	}
	return nil
}

// TouchMapping updates only the last-synced timestamp of a mapping.
func (s *Store) TouchMapping(ctx context.Context, id int64, at time.Time) error {
	const q = `UPDATE sync_mappings SET last_synced_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, formatTime(at), id); err != nil {
		return fmt.Errorf("touching mapping id=%d: %w", id, err)
	}
	return nil
}

// UpdateMappingMetadata replaces the metadata blob of a mapping.
func (s *Store) UpdateMappingMetadata(ctx context.Context, id int64, metadata map[string]string) error {
	const q = `UPDATE sync_mappings SET metadata = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, encodeJSON(nonNilMetadata(metadata)), id); err != nil {
		return fmt.Errorf("updating metadata of mapping id=%d: %w", id, err)
	}
	return nil
}

// DeleteMapping removes the mapping with the given ID.
func (s *Store) DeleteMapping(ctx context.Context, id int64) error {
	const q = `DELETE FROM sync_mappings WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("deleting mapping id=%d: %w", id, err)
	}
	return nil
}

// DeleteMappingsByEvent removes the mappings of an internal event across all
// configurations.
func (s *Store) DeleteMappingsByEvent(ctx context.Context, eventID string) error {
	const q = `DELETE FROM sync_mappings WHERE event_id = ?`
	if _, err := s.db.ExecContext(ctx, q, eventID); err != nil {
		return fmt.Errorf("deleting mappings of event %s: %w", eventID, err)
	}
	return nil
}

func (s *Store) queryMappings(ctx context.Context, q string, args ...any) ([]*model.SyncMapping, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying mappings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.SyncMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMapping(sc scanner) (*model.SyncMapping, error) {
	var r mappingRow
	err := sc.Scan(r.dest()...)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning mapping row: %w", err)
	}
	return r.mapping(), nil
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
