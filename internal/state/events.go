package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
)

const eventColumns = `
	e.id, e.user_id, e.title, e.description, e.location, e.location_id, e.start_at, e.end_at,
	e.all_day, e.time_zone, e.status, e.series_id, e.recurrence, e.image_url, e.tags,
	e.ticket_price, e.source_url, e.created_at, e.updated_at`

const announcementColumns = `
	a.id, a.user_id, a.title, a.body, a.publish_at, a.created_at, a.updated_at`

// MappedEvent pairs an internal event with its mapping on one configuration.
type MappedEvent struct {
	Event   *model.Event
	Mapping *model.SyncMapping
}

// MappedAnnouncement pairs an announcement with its mapping on one
// configuration.
type MappedAnnouncement struct {
	Announcement *model.Announcement
	Mapping      *model.SyncMapping
}

// --- events ------------------------------------------------------------------

// CreateEvent inserts ev, assigning an ID and timestamps when empty.
func (s *Store) CreateEvent(ctx context.Context, ev *model.Event) error {
	if ev.ID == "" {
		ev.ID = newID()
	}
	now := s.now()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	if ev.UpdatedAt.IsZero() {
		ev.UpdatedAt = now
	}
	if ev.Status == "" {
		ev.Status = model.EventStatusConfirmed
	}

	const q = `
		INSERT INTO events
		    (id, user_id, title, description, location, location_id, start_at, end_at,
		     all_day, time_zone, status, series_id, recurrence, image_url, tags,
		     ticket_price, source_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		ev.ID, ev.UserID, ev.Title, ev.Description, ev.Location, ev.LocationID,
		formatTime(ev.StartAt), formatTime(ev.EndAt), boolInt(ev.AllDay), ev.TimeZone,
		string(ev.Status), ev.SeriesID, ev.Recurrence, ev.ImageURL, encodeStrings(ev.Tags),
		ev.TicketPrice, ev.SourceURL, formatTime(ev.CreatedAt), formatTime(ev.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting event %q: %w", ev.Title, err)
	}
	return nil
}

// GetEvent returns the event with the given ID, or (nil, nil).
func (s *Store) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events e WHERE e.id = ?`
	return scanEvent(s.db.QueryRowContext(ctx, q, id))
}

// UpdateEvent writes all mutable fields of ev and stamps UpdatedAt.
func (s *Store) UpdateEvent(ctx context.Context, ev *model.Event) error {
	ev.UpdatedAt = s.now()
	const q = `
		UPDATE events SET
		    user_id = ?, title = ?, description = ?, location = ?, location_id = ?,
		    start_at = ?, end_at = ?, all_day = ?, time_zone = ?, status = ?, series_id = ?,
		    recurrence = ?, image_url = ?, tags = ?, ticket_price = ?, source_url = ?, updated_at = ?
		WHERE id = ?`
	_, err := s.db.ExecContext(ctx, q,
		ev.UserID, ev.Title, ev.Description, ev.Location, ev.LocationID,
		formatTime(ev.StartAt), formatTime(ev.EndAt), boolInt(ev.AllDay), ev.TimeZone,
		string(ev.Status), ev.SeriesID, ev.Recurrence, ev.ImageURL, encodeStrings(ev.Tags),
		ev.TicketPrice, ev.SourceURL, formatTime(ev.UpdatedAt), ev.ID,
	)
	if err != nil {
		return fmt.Errorf("updating event %s: %w", ev.ID, err)
	}
	return nil
}

// DeleteEvent removes an event. Contact associations cascade; mappings are
// the caller's responsibility.
func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting event %s: %w", id, err)
	}
	return nil
}

// ListEventsByUser returns the events owned by userID ordered by start time.
func (s *Store) ListEventsByUser(ctx context.Context, userID string) ([]*model.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events e WHERE e.user_id = ? ORDER BY e.start_at`
	return s.queryEvents(ctx, q, userID)
}

// ListUnmappedEvents returns the non-cancelled events of userID that have no
// mapping on configID.
func (s *Store) ListUnmappedEvents(ctx context.Context, configID, userID string) ([]*model.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events e
		WHERE e.user_id = ? AND e.status != 'cancelled'
		  AND NOT EXISTS (SELECT 1 FROM sync_mappings m WHERE m.config_id = ? AND m.event_id = e.id)
		ORDER BY e.start_at`
	return s.queryEvents(ctx, q, userID, configID)
}

// ListStaleMappedEvents returns the events mapped on configID whose local
// modification is newer than the mapping's last sync.
func (s *Store) ListStaleMappedEvents(ctx context.Context, configID string) ([]MappedEvent, error) {
	q := `SELECT ` + eventColumns + `, ` + prefixed("m", mappingColumns) + `
		FROM events e JOIN sync_mappings m ON m.event_id = e.id
		WHERE m.config_id = ? AND e.updated_at > m.last_synced_at
		ORDER BY e.start_at`
	rows, err := s.db.QueryContext(ctx, q, configID)
	if err != nil {
		return nil, fmt.Errorf("querying stale events of %s: %w", configID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []MappedEvent
	for rows.Next() {
		var (
			er eventRow
			mr mappingRow
		)
		if err := rows.Scan(append(er.dest(), mr.dest()...)...); err != nil {
			return nil, fmt.Errorf("scanning stale event row: %w", err)
		}
		out = append(out, MappedEvent{Event: er.event(), Mapping: mr.mapping()})
	}
	return out, rows.Err()
}

// FindMatchCandidates returns events of userID whose title equals title or
// whose start lies within [from, to]. Precise matching is left to the caller.
func (s *Store) FindMatchCandidates(ctx context.Context, userID, title string, from, to time.Time) ([]*model.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events e
		WHERE e.user_id = ? AND (e.title = ? OR (e.start_at >= ? AND e.start_at <= ?))
		ORDER BY e.created_at`
	return s.queryEvents(ctx, q, userID, title, formatTime(from), formatTime(to))
}

func (s *Store) queryEvents(ctx context.Context, q string, args ...any) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// eventRow holds the raw column values of one events row.
type eventRow struct {
	ev                       model.Event
	start, end, status, tags string
	created, updated         string
	allDay                   int
	price                    sql.NullFloat64
}

func (r *eventRow) dest() []any {
	return []any{
		&r.ev.ID, &r.ev.UserID, &r.ev.Title, &r.ev.Description, &r.ev.Location, &r.ev.LocationID,
		&r.start, &r.end, &r.allDay, &r.ev.TimeZone, &r.status, &r.ev.SeriesID, &r.ev.Recurrence,
		&r.ev.ImageURL, &r.tags, &r.price, &r.ev.SourceURL, &r.created, &r.updated,
	}
}

func (r *eventRow) event() *model.Event {
	ev := r.ev
	ev.StartAt, _ = parseTime(r.start)
	ev.EndAt, _ = parseTime(r.end)
	ev.AllDay = r.allDay == 1
	ev.Status = model.EventStatus(r.status)
	ev.Tags = decodeStrings(r.tags)
	if r.price.Valid {
		p := r.price.Float64
		ev.TicketPrice = &p
	}
	ev.CreatedAt, _ = parseTime(r.created)
	ev.UpdatedAt, _ = parseTime(r.updated)
	return &ev
}

func scanEvent(sc scanner) (*model.Event, error) {
	var r eventRow
	err := sc.Scan(r.dest()...)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning event row: %w", err)
	}
	return r.event(), nil
}

// mappingRow mirrors scanMapping for joined queries.
type mappingRow struct {
	m                  model.SyncMapping
	syncedAt, metadata string
}

func (r *mappingRow) dest() []any {
	return []any{
		&r.m.ID, &r.m.ConfigID, &r.m.EventID, &r.m.AnnouncementID, &r.m.LocationID, &r.m.ContactID, &r.m.TagID,
		&r.m.ExternalID, &r.m.ProviderID, &r.syncedAt, &r.m.ETag, &r.metadata,
	}
}

func (r *mappingRow) mapping() *model.SyncMapping {
	m := r.m
	m.LastSyncedAt, _ = parseTime(r.syncedAt)
	m.Metadata = decodeMetadata(r.metadata)
	return &m
}

// prefixed qualifies a comma separated column list with a table alias.
func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// --- announcements -----------------------------------------------------------

// CreateAnnouncement inserts a, assigning an ID and timestamps when empty.
func (s *Store) CreateAnnouncement(ctx context.Context, a *model.Announcement) error {
	if a.ID == "" {
		a.ID = newID()
	}
	now := s.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
	const q = `
		INSERT INTO announcements (id, user_id, title, body, publish_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		a.ID, a.UserID, a.Title, a.Body, formatTime(a.PublishAt), formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting announcement %q: %w", a.Title, err)
	}
	return nil
}

// GetAnnouncement returns the announcement with the given ID, or (nil, nil).
func (s *Store) GetAnnouncement(ctx context.Context, id string) (*model.Announcement, error) {
	q := `SELECT ` + announcementColumns + ` FROM announcements a WHERE a.id = ?`
	return scanAnnouncement(s.db.QueryRowContext(ctx, q, id))
}

// UpdateAnnouncement writes the mutable fields of a and stamps UpdatedAt.
func (s *Store) UpdateAnnouncement(ctx context.Context, a *model.Announcement) error {
	a.UpdatedAt = s.now()
	const q = `UPDATE announcements SET title = ?, body = ?, publish_at = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, a.Title, a.Body, formatTime(a.PublishAt), formatTime(a.UpdatedAt), a.ID); err != nil {
		return fmt.Errorf("updating announcement %s: %w", a.ID, err)
	}
	return nil
}

// ListUnmappedAnnouncements returns the announcements of userID without a
// mapping on configID.
func (s *Store) ListUnmappedAnnouncements(ctx context.Context, configID, userID string) ([]*model.Announcement, error) {
	q := `SELECT ` + announcementColumns + ` FROM announcements a
		WHERE a.user_id = ?
		  AND NOT EXISTS (SELECT 1 FROM sync_mappings m WHERE m.config_id = ? AND m.announcement_id = a.id)
		ORDER BY a.created_at`
	rows, err := s.db.QueryContext(ctx, q, userID, configID)
	if err != nil {
		return nil, fmt.Errorf("querying unmapped announcements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Announcement
	for rows.Next() {
		a, err := scanAnnouncement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListStaleMappedAnnouncements returns mapped announcements modified after
// their last sync.
func (s *Store) ListStaleMappedAnnouncements(ctx context.Context, configID string) ([]MappedAnnouncement, error) {
	q := `SELECT ` + announcementColumns + `, ` + prefixed("m", mappingColumns) + `
		FROM announcements a JOIN sync_mappings m ON m.announcement_id = a.id
		WHERE m.config_id = ? AND a.updated_at > m.last_synced_at
		ORDER BY a.created_at`
	rows, err := s.db.QueryContext(ctx, q, configID)
	if err != nil {
		return nil, fmt.Errorf("querying stale announcements of %s: %w", configID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []MappedAnnouncement
	for rows.Next() {
		var (
			a                         model.Announcement
			publish, created, updated string
			mr                        mappingRow
		)
		dst := append([]any{&a.ID, &a.UserID, &a.Title, &a.Body, &publish, &created, &updated}, mr.dest()...)
		if err := rows.Scan(dst...); err != nil {
			return nil, fmt.Errorf("scanning stale announcement row: %w", err)
		}
		a.PublishAt, _ = parseTime(publish)
		a.CreatedAt, _ = parseTime(created)
		a.UpdatedAt, _ = parseTime(updated)
		out = append(out, MappedAnnouncement{Announcement: &a, Mapping: mr.mapping()})
	}
	return out, rows.Err()
}

func scanAnnouncement(sc scanner) (*model.Announcement, error) {
	var (
		a                         model.Announcement
		publish, created, updated string
	)
	err := sc.Scan(&a.ID, &a.UserID, &a.Title, &a.Body, &publish, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning announcement row: %w", err)
	}
	a.PublishAt, _ = parseTime(publish)
	a.CreatedAt, _ = parseTime(created)
	a.UpdatedAt, _ = parseTime(updated)
	return &a, nil
}
