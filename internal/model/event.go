// Package model defines shared types used across the sync engine, the
// persistence layer, and the provider adapters.
package model

import (
	"strings"
	"time"
)

// DateLayout is the wire format of all-day dates.
const DateLayout = "2006-01-02"

// TagEmployee marks contacts that belong to the organising staff. Employee
// contacts become the organizer of an event rather than an attendee.
const TagEmployee = "employee"

// EventStatus is the lifecycle state of an internal event.
type EventStatus string

const (
	EventStatusConfirmed EventStatus = "confirmed"
	EventStatusTentative EventStatus = "tentative"
	EventStatusCancelled EventStatus = "cancelled"
)

// Event is the internal representation of a calendar event as stored by the
// application.
type Event struct {
	ID          string
	UserID      string
	Title       string
	Description string

	// Location is the free-text location used when no structured location
	// record is linked.
	Location   string
	LocationID string

	// StartAt and EndAt are stored in UTC. For all-day events they hold
	// midnight UTC of the first day and of the day after the last day.
	StartAt  time.Time
	EndAt    time.Time
	AllDay   bool
	TimeZone string

	Status EventStatus

	// SeriesID links the event to a recurring series. When set, the series
	// rule takes precedence over Recurrence.
	SeriesID   string
	Recurrence string

	ImageURL    string
	Tags        []string
	TicketPrice *float64
	SourceURL   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StartDate returns the all-day date of the event in DateLayout.
func (e *Event) StartDate() string {
	return e.StartAt.UTC().Format(DateLayout)
}

// Announcement is a news-style entry some providers accept besides events.
type Announcement struct {
	ID        string
	UserID    string
	Title     string
	Body      string
	PublishAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Contact is an address-book entry that can be associated with events and
// locations.
type Contact struct {
	ID     string
	UserID string
	Name   string
	Email  string
	Phone  string
	Tags   []string

	// Participation is the response status of the contact for the event it
	// was loaded for. Empty when loaded outside an event context.
	Participation string
}

// HasTag reports whether the contact carries the given tag (case-insensitive).
func (c *Contact) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Location is a structured venue record.
type Location struct {
	ID         string
	UserID     string
	Name       string
	Address    string
	City       string
	PostalCode string
	Country    string
}

// Series is a recurring-event series record holding the authoritative rule.
type Series struct {
	ID    string
	RRule string
}

// User is a system account that can own events.
type User struct {
	ID    string
	Email string
	Name  string
}
