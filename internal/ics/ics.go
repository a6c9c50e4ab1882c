// Package ics renders events as RFC 5545 calendar files and keeps the
// generated files at stable URLs so e-mail campaigns and listing sites can
// link or attach them.
package ics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/njoerd114/eventsync/internal/model"
)

const productID = "-//eventsync//eventsync 1.0//EN"

// Options controls the calendar envelope.
type Options struct {
	// UID is the stable identifier of the VEVENT. Required.
	UID string
	// Method defaults to PUBLISH.
	Method ical.Method
	// Sequence increments with every re-sent update.
	Sequence int
	// Stamp defaults to the current time.
	Stamp time.Time
}

// Build renders ext as a single-event calendar.
func Build(ext *model.ExternalEvent, opts Options) ([]byte, error) {
	if opts.UID == "" {
		return nil, errors.New("ics: uid is required")
	}
	if ext.Start.IsZero() {
		return nil, fmt.Errorf("ics: event %s has no start", opts.UID)
	}
	if opts.Method == "" {
		opts.Method = ical.MethodPublish
	}
	if opts.Stamp.IsZero() {
		opts.Stamp = time.Now()
	}

	cal := ical.NewCalendar()
	cal.SetMethod(opts.Method)
	cal.SetProductId(productID)

	ev := cal.AddEvent(opts.UID)
	ev.SetDtStampTime(opts.Stamp.UTC())
	ev.SetSequence(opts.Sequence)
	ev.SetSummary(ext.Summary)
	if ext.Description != "" {
		ev.SetDescription(ext.Description)
	}
	if loc := location(ext); loc != "" {
		ev.SetLocation(loc)
	}
	if ext.SourceURL != "" {
		ev.SetURL(ext.SourceURL)
	}
	ev.SetStatus(status(ext.Status))

	if err := setTimes(ev, ext); err != nil {
		return nil, fmt.Errorf("ics: event %s: %w", opts.UID, err)
	}

	if ext.Organizer != nil && ext.Organizer.Email != "" {
		ev.SetOrganizer("mailto:"+ext.Organizer.Email, ical.WithCN(ext.Organizer.Name))
	}
	for _, a := range ext.Attendees {
		ev.AddAttendee(a.Email,
			ical.CalendarUserTypeIndividual,
			participation(a.ResponseStatus),
			ical.ParticipationRoleReqParticipant,
			ical.WithRSVP(true),
		)
	}
	for _, line := range ext.Recurrence {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		ev.AddProperty(ical.ComponentProperty(strings.ToUpper(name)), value)
	}

	return []byte(cal.Serialize()), nil
}

func setTimes(ev *ical.VEvent, ext *model.ExternalEvent) error {
	start, err := ext.Start.Time()
	if err != nil {
		return err
	}
	end := start
	if !ext.End.IsZero() {
		if end, err = ext.End.Time(); err != nil {
			return err
		}
	}
	if ext.Start.IsAllDay() {
		if !end.After(start) {
			end = start.Add(24 * time.Hour)
		}
		ev.SetAllDayStartAt(start)
		ev.SetAllDayEndAt(end)
		return nil
	}
	ev.SetStartAt(start.UTC())
	ev.SetEndAt(end.UTC())
	return nil
}

func location(ext *model.ExternalEvent) string {
	if ext.Location != "" {
		return ext.Location
	}
	return ext.Venue.String()
}

func status(s string) ical.ObjectStatus {
	switch strings.ToLower(s) {
	case model.ExternalStatusCancelled:
		return ical.ObjectStatusCancelled
	case model.ExternalStatusTentative:
		return ical.ObjectStatusTentative
	}
	return ical.ObjectStatusConfirmed
}

func participation(s string) ical.ParticipationStatus {
	switch strings.ToLower(s) {
	case "accepted":
		return ical.ParticipationStatusAccepted
	case "declined":
		return ical.ParticipationStatusDeclined
	case "tentative":
		return ical.ParticipationStatusTentative
	}
	return ical.ParticipationStatusNeedsAction
}
