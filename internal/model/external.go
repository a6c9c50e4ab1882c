package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// MetadataInternalID is the metadata key carrying the internal event ID
// through a provider round-trip. Pulled events that still carry it are echoes
// of this system's own pushes.
const MetadataInternalID = "eventsync_internal_id"

// External event statuses as used on the wire by calendar providers.
const (
	ExternalStatusConfirmed = "confirmed"
	ExternalStatusTentative = "tentative"
	ExternalStatusCancelled = "cancelled"
)

// EventTime is either a date-only value (Date set) or an instant (DateTime
// set) with an optional IANA time zone name.
type EventTime struct {
	Date     string
	DateTime time.Time
	TimeZone string
}

// IsAllDay reports whether the value is a date without time of day.
func (t EventTime) IsAllDay() bool {
	return t.Date != ""
}

// IsZero reports whether neither a date nor an instant is set.
func (t EventTime) IsZero() bool {
	return t.Date == "" && t.DateTime.IsZero()
}

// Time returns the instant represented by t. Dates resolve to midnight UTC.
func (t EventTime) Time() (time.Time, error) {
	if t.Date != "" {
		d, err := time.Parse(DateLayout, t.Date)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing date %q: %w", t.Date, err)
		}
		return d, nil
	}
	return t.DateTime.UTC(), nil
}

// DateOf returns an all-day EventTime for the UTC date of ts.
func DateOf(ts time.Time) EventTime {
	return EventTime{Date: ts.UTC().Format(DateLayout)}
}

// Attendee is a participant of an external event.
type Attendee struct {
	Email          string
	DisplayName    string
	ResponseStatus string
}

// Reminder is a notification offset before the event start.
type Reminder struct {
	Method  string
	Minutes int
}

// Person identifies an organizer or sender.
type Person struct {
	Name  string
	Email string
	Phone string
}

// Venue is a structured location.
type Venue struct {
	Name       string
	Address    string
	City       string
	PostalCode string
	Country    string
}

// String formats the venue as a single line.
func (v *Venue) String() string {
	if v == nil {
		return ""
	}
	parts := make([]string, 0, 4)
	for _, p := range []string{v.Name, v.Address, strings.TrimSpace(v.PostalCode + " " + v.City), v.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// ExternalEvent is the provider-agnostic shape exchanged between the mapping
// layer and the adapters. It is never persisted directly.
type ExternalEvent struct {
	// ID is the provider-assigned identifier. Empty before the first push.
	ID string

	Summary     string
	Description string
	Location    string
	Venue       *Venue

	Start EventTime
	End   EventTime

	Status      string
	Recurrence  []string
	Attendees   []Attendee
	Reminders   []Reminder
	Organizer   *Person
	ImageURL    string
	Tags        []string
	TicketPrice *float64

	// Metadata is a free-form bag round-tripped through the provider where
	// supported (private extended properties, description markers).
	Metadata map[string]string

	SourceURL string
	ETag      string
	Updated   time.Time
}

// InternalID returns the echoed internal event ID, if any.
func (e *ExternalEvent) InternalID() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[MetadataInternalID]
}

// IsCancelled reports whether the provider marked the event as cancelled.
func (e *ExternalEvent) IsCancelled() bool {
	return strings.EqualFold(e.Status, ExternalStatusCancelled)
}

// ContentHash returns a deterministic SHA-256 hex digest of the fields that
// matter for change detection. Providers that return no version token use it
// as the mapping etag.
func (e *ExternalEvent) ContentHash() string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte("|"))
	}
	write(e.Summary)
	write(e.Description)
	write(e.Location)
	write(e.Venue.String())
	write(formatEventTime(e.Start))
	write(formatEventTime(e.End))
	write(e.Status)
	write(strings.Join(e.Recurrence, ";"))
	emails := make([]string, 0, len(e.Attendees))
	for _, a := range e.Attendees {
		emails = append(emails, strings.ToLower(a.Email))
	}
	sort.Strings(emails)
	write(strings.Join(emails, ","))
	write(e.ImageURL)
	write(strings.Join(e.Tags, ","))
	if e.TicketPrice != nil {
		_, _ = fmt.Fprintf(h, "%.2f", *e.TicketPrice)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func formatEventTime(t EventTime) string {
	if t.Date != "" {
		return t.Date
	}
	if t.DateTime.IsZero() {
		return ""
	}
	return t.DateTime.UTC().Format(time.RFC3339) + "@" + t.TimeZone
}
