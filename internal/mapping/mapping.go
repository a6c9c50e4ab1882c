// Package mapping translates between the internal event representation and
// the provider-agnostic [model.ExternalEvent]. It resolves attendees,
// organizer, venue and recurrence through a [Directory] and stamps every
// outbound event with its internal ID so pulls can recognise echoes.
package mapping

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
)

// Directory is the read side of the internal store the mapper needs.
// Implemented by [state.Store].
type Directory interface {
	ListAssociatedContacts(ctx context.Context, entity model.EntityType, id string) ([]*model.Contact, error)
	ResolvePrimaryContact(ctx context.Context, eventID string) (*model.Contact, error)
	GetLocation(ctx context.Context, id string) (*model.Location, error)
	GetSeries(ctx context.Context, id string) (*model.Series, error)
	FindUserByEmail(ctx context.Context, email string) (*model.User, error)
}

// Participation statuses written for attendees without a recorded response.
const defaultResponseStatus = "needsAction"

// Mapper converts events in both directions.
type Mapper struct {
	dir Directory
	log *slog.Logger
}

// New returns a Mapper backed by dir.
func New(dir Directory, logger *slog.Logger) *Mapper {
	return &Mapper{dir: dir, log: logger}
}

// ToExternal builds the outbound shape of ev for provider type t.
//
// Employee-tagged contacts become the organizer and never appear as
// attendees. A linked location wins over the free-text location, and a
// linked series wins over the inline recurrence rule.
func (m *Mapper) ToExternal(ctx context.Context, ev *model.Event, t model.ProviderType) (*model.ExternalEvent, error) {
	ext := &model.ExternalEvent{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Status:      externalStatus(ev.Status),
		ImageURL:    ev.ImageURL,
		Tags:        append([]string(nil), ev.Tags...),
		TicketPrice: ev.TicketPrice,
		SourceURL:   ev.SourceURL,
		Metadata:    map[string]string{model.MetadataInternalID: ev.ID},
	}
	ext.Start, ext.End = eventTimes(ev)

	if t.CarriesAttendees() {
		contacts, err := m.dir.ListAssociatedContacts(ctx, model.EntityEvent, ev.ID)
		if err != nil {
			return nil, fmt.Errorf("loading attendees of %s: %w", ev.ID, err)
		}
		ext.Attendees = attendees(contacts)
	}

	organizer, err := m.dir.ResolvePrimaryContact(ctx, ev.ID)
	if err != nil {
		return nil, fmt.Errorf("resolving organizer of %s: %w", ev.ID, err)
	}
	if organizer != nil {
		ext.Organizer = &model.Person{Name: organizer.Name, Email: organizer.Email, Phone: organizer.Phone}
	}

	if ev.LocationID != "" {
		loc, err := m.dir.GetLocation(ctx, ev.LocationID)
		if err != nil {
			return nil, fmt.Errorf("loading location of %s: %w", ev.ID, err)
		}
		if loc != nil {
			ext.Venue = &model.Venue{
				Name:       loc.Name,
				Address:    loc.Address,
				City:       loc.City,
				PostalCode: loc.PostalCode,
				Country:    loc.Country,
			}
			ext.Location = ext.Venue.String()
		}
	}

	rule := ev.Recurrence
	if ev.SeriesID != "" {
		series, err := m.dir.GetSeries(ctx, ev.SeriesID)
		if err != nil {
			return nil, fmt.Errorf("loading series of %s: %w", ev.ID, err)
		}
		if series != nil {
			rule = series.RRule
		}
	}
	ext.Recurrence = NormalizeRecurrence(splitRecurrence(rule), m.log)

	return ext, nil
}

// ToInternal builds a new internal event from ext. The owner is the system
// user whose e-mail matches the organizer, falling back to defaultUserID.
func (m *Mapper) ToInternal(ctx context.Context, ext *model.ExternalEvent, defaultUserID string) (*model.Event, error) {
	if ext.Start.IsZero() {
		return nil, fmt.Errorf("external event %q has no start", ext.ID)
	}
	start, err := ext.Start.Time()
	if err != nil {
		return nil, fmt.Errorf("external event %q: %w", ext.ID, err)
	}

	ev := &model.Event{
		UserID:      defaultUserID,
		Title:       ext.Summary,
		Description: ext.Description,
		Location:    ext.Location,
		StartAt:     start,
		AllDay:      ext.Start.IsAllDay(),
		TimeZone:    ext.Start.TimeZone,
		Status:      internalStatus(ext.Status),
		Recurrence:  strings.Join(NormalizeRecurrence(ext.Recurrence, m.log), "\n"),
		ImageURL:    ext.ImageURL,
		Tags:        append([]string(nil), ext.Tags...),
		TicketPrice: ext.TicketPrice,
		SourceURL:   ext.SourceURL,
	}
	if ev.Location == "" {
		ev.Location = ext.Venue.String()
	}

	switch end, err := ext.End.Time(); {
	case ext.End.IsZero() || err != nil:
		if ev.AllDay {
			ev.EndAt = start.Add(24 * time.Hour)
		} else {
			ev.EndAt = start
		}
	default:
		ev.EndAt = end
	}

	if ext.Organizer != nil && ext.Organizer.Email != "" {
		owner, err := m.dir.FindUserByEmail(ctx, ext.Organizer.Email)
		if err != nil {
			return nil, fmt.Errorf("resolving owner %q: %w", ext.Organizer.Email, err)
		}
		if owner != nil {
			ev.UserID = owner.ID
		}
	}
	return ev, nil
}

// Overlay copies the provider-owned fields of fresh onto existing, keeping
// identity, ownership and the structured links the provider cannot carry.
func Overlay(existing, fresh *model.Event) *model.Event {
	out := *existing
	out.Title = fresh.Title
	out.Description = fresh.Description
	out.StartAt = fresh.StartAt
	out.EndAt = fresh.EndAt
	out.AllDay = fresh.AllDay
	out.TimeZone = fresh.TimeZone
	out.Status = fresh.Status
	out.ImageURL = fresh.ImageURL
	out.Tags = fresh.Tags
	out.TicketPrice = fresh.TicketPrice
	out.SourceURL = fresh.SourceURL
	if existing.LocationID == "" {
		out.Location = fresh.Location
	}
	if existing.SeriesID == "" {
		out.Recurrence = fresh.Recurrence
	}
	return &out
}

func eventTimes(ev *model.Event) (start, end model.EventTime) {
	if ev.AllDay {
		endAt := ev.EndAt
		if !endAt.After(ev.StartAt) {
			endAt = ev.StartAt.Add(24 * time.Hour)
		}
		return model.DateOf(ev.StartAt), model.DateOf(endAt)
	}
	endAt := ev.EndAt
	if endAt.IsZero() {
		endAt = ev.StartAt
	}
	return model.EventTime{DateTime: ev.StartAt.UTC(), TimeZone: ev.TimeZone},
		model.EventTime{DateTime: endAt.UTC(), TimeZone: ev.TimeZone}
}

func attendees(contacts []*model.Contact) []model.Attendee {
	var out []model.Attendee
	for _, c := range contacts {
		if c.Email == "" || c.HasTag(model.TagEmployee) {
			continue
		}
		status := c.Participation
		if status == "" {
			status = defaultResponseStatus
		}
		out = append(out, model.Attendee{Email: c.Email, DisplayName: c.Name, ResponseStatus: status})
	}
	return out
}

func externalStatus(s model.EventStatus) string {
	switch s {
	case model.EventStatusCancelled:
		return model.ExternalStatusCancelled
	case model.EventStatusTentative:
		return model.ExternalStatusTentative
	}
	return model.ExternalStatusConfirmed
}

func internalStatus(s string) model.EventStatus {
	switch strings.ToLower(s) {
	case model.ExternalStatusCancelled:
		return model.EventStatusCancelled
	case model.ExternalStatusTentative:
		return model.EventStatusTentative
	}
	return model.EventStatusConfirmed
}
