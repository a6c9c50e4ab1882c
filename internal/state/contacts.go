package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/njoerd114/eventsync/internal/model"
)

const contactColumns = `c.id, c.user_id, c.name, c.email, c.phone, c.tags`

// EventContact is one row of the event to contact association table.
type EventContact struct {
	ContactID     string
	Participation string
}

// --- contacts ----------------------------------------------------------------

// CreateContact inserts c, assigning an ID when empty.
func (s *Store) CreateContact(ctx context.Context, c *model.Contact) error {
	if c.ID == "" {
		c.ID = newID()
	}
	const q = `INSERT INTO contacts (id, user_id, name, email, phone, tags) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, c.ID, c.UserID, c.Name, c.Email, c.Phone, encodeStrings(c.Tags)); err != nil {
		return fmt.Errorf("inserting contact %q: %w", c.Email, err)
	}
	return nil
}

// FindContactByEmail returns the contact of userID with the given e-mail
// (case-insensitive), or (nil, nil).
func (s *Store) FindContactByEmail(ctx context.Context, userID, email string) (*model.Contact, error) {
	q := `SELECT ` + contactColumns + `, '' FROM contacts c WHERE c.user_id = ? AND c.email = ? LIMIT 1`
	return scanContact(s.db.QueryRowContext(ctx, q, userID, strings.TrimSpace(email)))
}

// ListAssociatedContacts returns the contacts linked to an event or a
// location. Event contacts carry their participation status.
func (s *Store) ListAssociatedContacts(ctx context.Context, entity model.EntityType, id string) ([]*model.Contact, error) {
	var q string
	switch entity {
	case model.EntityEvent:
		q = `SELECT ` + contactColumns + `, ec.participation FROM contacts c
			JOIN event_contacts ec ON ec.contact_id = c.id
			WHERE ec.event_id = ? ORDER BY c.name`
	case model.EntityLocation:
		q = `SELECT ` + contactColumns + `, '' FROM contacts c
			JOIN location_contacts lc ON lc.contact_id = c.id
			WHERE lc.location_id = ? ORDER BY c.name`
	default:
		return nil, fmt.Errorf("contacts cannot be associated with %q", entity)
	}

	rows, err := s.db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("querying contacts of %s %s: %w", entity, id, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolvePrimaryContact returns the contact that speaks for an event: an
// employee-tagged contact of the event itself, else an employee-tagged
// contact of its linked location. Returns (nil, nil) when neither exists.
func (s *Store) ResolvePrimaryContact(ctx context.Context, eventID string) (*model.Contact, error) {
	contacts, err := s.ListAssociatedContacts(ctx, model.EntityEvent, eventID)
	if err != nil {
		return nil, err
	}
	if c := firstEmployee(contacts); c != nil {
		return c, nil
	}

	ev, err := s.GetEvent(ctx, eventID)
	if err != nil || ev == nil || ev.LocationID == "" {
		return nil, err
	}
	contacts, err = s.ListAssociatedContacts(ctx, model.EntityLocation, ev.LocationID)
	if err != nil {
		return nil, err
	}
	return firstEmployee(contacts), nil
}

func firstEmployee(contacts []*model.Contact) *model.Contact {
	for _, c := range contacts {
		if c.HasTag(model.TagEmployee) {
			return c
		}
	}
	return nil
}

// AssociateContact links a contact to an event, updating the participation
// status when the link already exists.
func (s *Store) AssociateContact(ctx context.Context, eventID, contactID, participation string) error {
	const q = `
		INSERT INTO event_contacts (event_id, contact_id, participation) VALUES (?, ?, ?)
		ON CONFLICT(event_id, contact_id) DO UPDATE SET participation = excluded.participation`
	if _, err := s.db.ExecContext(ctx, q, eventID, contactID, participation); err != nil {
		return fmt.Errorf("associating contact %s with event %s: %w", contactID, eventID, err)
	}
	return nil
}

// UpdateParticipation sets the response status of the event contact whose
// e-mail matches. It reports whether a row was changed.
func (s *Store) UpdateParticipation(ctx context.Context, eventID, email, participation string) (bool, error) {
	const q = `
		UPDATE event_contacts SET participation = ?
		WHERE event_id = ? AND contact_id IN (SELECT id FROM contacts WHERE email = ?)`
	res, err := s.db.ExecContext(ctx, q, participation, eventID, strings.TrimSpace(email))
	if err != nil {
		return false, fmt.Errorf("updating participation on event %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows: %w", err)
	}
	return n > 0, nil
}

// ReplaceEventContacts deletes and reinserts the contact associations of an
// event in one transaction, so overlapping passes converge on the last
// writer's set.
func (s *Store) ReplaceEventContacts(ctx context.Context, eventID string, contacts []EventContact) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM event_contacts WHERE event_id = ?`, eventID); err != nil {
			return fmt.Errorf("clearing contacts of event %s: %w", eventID, err)
		}
		const q = `INSERT OR IGNORE INTO event_contacts (event_id, contact_id, participation) VALUES (?, ?, ?)`
		for _, c := range contacts {
			if _, err := tx.ExecContext(ctx, q, eventID, c.ContactID, c.Participation); err != nil {
				return fmt.Errorf("linking contact %s to event %s: %w", c.ContactID, eventID, err)
			}
		}
		return nil
	})
}

// AssociateLocationContact links a contact to a location.
func (s *Store) AssociateLocationContact(ctx context.Context, locationID, contactID string) error {
	const q = `INSERT OR IGNORE INTO location_contacts (location_id, contact_id) VALUES (?, ?)`
	if _, err := s.db.ExecContext(ctx, q, locationID, contactID); err != nil {
		return fmt.Errorf("associating contact %s with location %s: %w", contactID, locationID, err)
	}
	return nil
}

func scanContact(sc scanner) (*model.Contact, error) {
	var (
		c    model.Contact
		tags string
	)
	err := sc.Scan(&c.ID, &c.UserID, &c.Name, &c.Email, &c.Phone, &tags, &c.Participation)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning contact row: %w", err)
	}
	c.Tags = decodeStrings(tags)
	return &c, nil
}

// --- users -------------------------------------------------------------------

// CreateUser inserts u, assigning an ID when empty.
func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = newID()
	}
	const q = `INSERT INTO users (id, email, name) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, u.ID, u.Email, u.Name); err != nil {
		return fmt.Errorf("inserting user %q: %w", u.Email, err)
	}
	return nil
}

// FindUserByEmail returns the user with the given e-mail (case-insensitive),
// or (nil, nil).
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	const q = `SELECT id, email, name FROM users WHERE email = ?`
	err := s.db.QueryRowContext(ctx, q, strings.TrimSpace(email)).Scan(&u.ID, &u.Email, &u.Name)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("querying user %q: %w", email, err)
	}
	return &u, nil
}

// --- locations and series ----------------------------------------------------

// CreateLocation inserts l, assigning an ID when empty.
func (s *Store) CreateLocation(ctx context.Context, l *model.Location) error {
	if l.ID == "" {
		l.ID = newID()
	}
	const q = `
		INSERT INTO locations (id, user_id, name, address, city, postal_code, country)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, l.ID, l.UserID, l.Name, l.Address, l.City, l.PostalCode, l.Country); err != nil {
		return fmt.Errorf("inserting location %q: %w", l.Name, err)
	}
	return nil
}

// GetLocation returns the location with the given ID, or (nil, nil).
func (s *Store) GetLocation(ctx context.Context, id string) (*model.Location, error) {
	var l model.Location
	const q = `SELECT id, user_id, name, address, city, postal_code, country FROM locations WHERE id = ?`
	err := s.db.QueryRowContext(ctx, q, id).Scan(&l.ID, &l.UserID, &l.Name, &l.Address, &l.City, &l.PostalCode, &l.Country)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("querying location %s: %w", id, err)
	}
	return &l, nil
}

// CreateSeries inserts a recurring series, assigning an ID when empty.
func (s *Store) CreateSeries(ctx context.Context, sr *model.Series) error {
	if sr.ID == "" {
		sr.ID = newID()
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO series (id, rrule) VALUES (?, ?)`, sr.ID, sr.RRule); err != nil {
		return fmt.Errorf("inserting series: %w", err)
	}
	return nil
}

// GetSeries returns the series with the given ID, or (nil, nil).
func (s *Store) GetSeries(ctx context.Context, id string) (*model.Series, error) {
	var sr model.Series
	err := s.db.QueryRowContext(ctx, `SELECT id, rrule FROM series WHERE id = ?`, id).Scan(&sr.ID, &sr.RRule)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("querying series %s: %w", id, err)
	}
	return &sr, nil
}
