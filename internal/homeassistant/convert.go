package homeassistant

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/njoerd114/eventsync/internal/mapping"
	"github.com/njoerd114/eventsync/internal/model"
)

// HA calendar service constants.
const (
	domainCalendar     = "calendar"
	serviceGetEvents   = "get_events"
	serviceCreateEvent = "create_event"
)

// haCalendarEvent is the JSON structure of a single event returned by the HA
// calendar.get_events service. Start and end are "YYYY-MM-DD" for all-day
// events and RFC 3339 otherwise.
type haCalendarEvent struct {
	UID         string `json:"uid,omitempty"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Start       string `json:"start"`
	End         string `json:"end"`
	RRule       string `json:"rrule,omitempty"`
}

// haEventsResponse wraps the events array inside the service response for a
// single entity.
type haEventsResponse struct {
	Events []haCalendarEvent `json:"events"`
}

// haEventToExternal converts an HA calendar event to a [model.ExternalEvent].
// The internal-ID marker is stripped from the description into Metadata.
func haEventToExternal(h haCalendarEvent) (model.ExternalEvent, error) {
	description, internalID := mapping.ExtractMarker(h.Description)
	ext := model.ExternalEvent{
		Summary:     h.Summary,
		Description: description,
		Location:    h.Location,
		Status:      model.ExternalStatusConfirmed,
	}
	if internalID != "" {
		ext.Metadata = map[string]string{model.MetadataInternalID: internalID}
	}
	if h.RRule != "" {
		ext.Recurrence = []string{"RRULE:" + h.RRule}
	}

	var err error
	if ext.Start, err = parseEventTime(h.Start); err != nil {
		return ext, err
	}
	if h.End != "" {
		if ext.End, err = parseEventTime(h.End); err != nil {
			return ext, err
		}
	}

	ext.ID = h.UID
	if ext.ID == "" {
		ext.ID = derivedID(ext.Summary, ext.Start)
	}
	ext.ETag = ext.ContentHash()
	return ext, nil
}

// buildCreateEventData returns the service-call payload for
// calendar.create_event. The internal ID travels as a description marker.
func buildCreateEventData(entityID string, ev *model.ExternalEvent) map[string]interface{} {
	data := map[string]interface{}{
		"entity_id": entityID,
		"summary":   ev.Summary,
	}

	if desc := mapping.EmbedMarker(ev.Description, ev.InternalID()); desc != "" {
		data["description"] = desc
	}
	if ev.Location != "" {
		data["location"] = ev.Location
	}

	if ev.Start.IsAllDay() {
		data["start_date"] = ev.Start.Date
		end := ev.End.Date
		if end == "" || end <= ev.Start.Date {
			start, _ := ev.Start.Time() //nolint:errcheck // Date validated by IsAllDay caller
			end = start.AddDate(0, 0, 1).Format(model.DateLayout)
		}
		data["end_date"] = end
	} else {
		end := ev.End.DateTime
		if end.IsZero() || !end.After(ev.Start.DateTime) {
			end = ev.Start.DateTime.Add(time.Hour)
		}
		data["start_date_time"] = formatDateTime(ev.Start.DateTime, ev.Start.TimeZone)
		data["end_date_time"] = formatDateTime(end, ev.Start.TimeZone)
	}

	return data
}

// buildGetEventsData returns the service-call payload for calendar.get_events.
func buildGetEventsData(entityID string, from, to time.Time) map[string]interface{} {
	return map[string]interface{}{
		"entity_id":       entityID,
		"start_date_time": from.UTC().Format(time.RFC3339),
		"end_date_time":   to.UTC().Format(time.RFC3339),
	}
}

// derivedID identifies events HA returns without a UID. HA has no update
// service for calendar events so the pair never changes for one entry.
func derivedID(summary string, start model.EventTime) string {
	key := summary + "|" + start.Date
	if !start.IsAllDay() {
		key = summary + "|" + start.DateTime.UTC().Format(time.RFC3339)
	}
	sum := sha256.Sum256([]byte(key))
	return "ha-" + hex.EncodeToString(sum[:12])
}

// parseEventTime parses an HA start/end value. It tries date-only format
// first ("2006-01-02"), then falls back to RFC 3339.
func parseEventTime(s string) (model.EventTime, error) {
	if _, err := time.Parse(model.DateLayout, s); err == nil {
		return model.EventTime{Date: s}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return model.EventTime{}, err
	}
	return model.EventTime{DateTime: t.UTC()}, nil
}

// formatDateTime renders t in the event's zone when HA should show local
// time, and in UTC otherwise.
func formatDateTime(t time.Time, zone string) string {
	if zone != "" {
		if loc, err := time.LoadLocation(zone); err == nil {
			return t.In(loc).Format(time.RFC3339)
		}
	}
	return t.UTC().Format(time.RFC3339)
}
