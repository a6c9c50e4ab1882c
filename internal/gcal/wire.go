package gcal

import (
	"time"

	"github.com/njoerd114/eventsync/internal/model"
)

// Wire shapes of the calendar v3 REST API. Only the fields this adapter
// reads or writes are declared.

type gEvent struct {
	ID                 string      `json:"id,omitempty"`
	Status             string      `json:"status,omitempty"`
	Summary            string      `json:"summary,omitempty"`
	Description        string      `json:"description,omitempty"`
	Location           string      `json:"location,omitempty"`
	Start              *gTime      `json:"start,omitempty"`
	End                *gTime      `json:"end,omitempty"`
	Recurrence         []string    `json:"recurrence,omitempty"`
	Attendees          []gAttendee `json:"attendees,omitempty"`
	Organizer          *gPerson    `json:"organizer,omitempty"`
	Reminders          *gReminders `json:"reminders,omitempty"`
	ExtendedProperties *gExtended  `json:"extendedProperties,omitempty"`
	Source             *gSource    `json:"source,omitempty"`
	ETag               string      `json:"etag,omitempty"`
	Updated            string      `json:"updated,omitempty"`
}

type gTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type gAttendee struct {
	Email          string `json:"email"`
	DisplayName    string `json:"displayName,omitempty"`
	ResponseStatus string `json:"responseStatus,omitempty"`
	Organizer      bool   `json:"organizer,omitempty"`
}

type gPerson struct {
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type gReminders struct {
	UseDefault bool             `json:"useDefault"`
	Overrides  []gReminderEntry `json:"overrides,omitempty"`
}

type gReminderEntry struct {
	Method  string `json:"method"`
	Minutes int    `json:"minutes"`
}

type gExtended struct {
	Private map[string]string `json:"private,omitempty"`
}

type gSource struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

type gEventList struct {
	Items         []gEvent `json:"items"`
	NextPageToken string   `json:"nextPageToken,omitempty"`
	NextSyncToken string   `json:"nextSyncToken,omitempty"`
}

type gChannel struct {
	ID         string            `json:"id"`
	ResourceID string            `json:"resourceId,omitempty"`
	Type       string            `json:"type,omitempty"`
	Address    string            `json:"address,omitempty"`
	Expiration string            `json:"expiration,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

// toExternal converts a wire event. The internal ID is read from the private
// extended properties.
func toExternal(g *gEvent) (model.ExternalEvent, error) {
	ext := model.ExternalEvent{
		ID:          g.ID,
		Summary:     g.Summary,
		Description: g.Description,
		Location:    g.Location,
		Status:      g.Status,
		Recurrence:  g.Recurrence,
		ETag:        g.ETag,
	}
	if ext.Status == "" {
		ext.Status = model.ExternalStatusConfirmed
	}
	var err error
	if g.Start != nil {
		if ext.Start, err = fromGTime(g.Start); err != nil {
			return ext, err
		}
	}
	if g.End != nil {
		if ext.End, err = fromGTime(g.End); err != nil {
			return ext, err
		}
	}
	if g.Updated != "" {
		if t, perr := time.Parse(time.RFC3339, g.Updated); perr == nil {
			ext.Updated = t.UTC()
		}
	}
	for _, a := range g.Attendees {
		if a.Organizer {
			continue
		}
		ext.Attendees = append(ext.Attendees, model.Attendee{
			Email:          a.Email,
			DisplayName:    a.DisplayName,
			ResponseStatus: a.ResponseStatus,
		})
	}
	if g.Organizer != nil && g.Organizer.Email != "" {
		ext.Organizer = &model.Person{Name: g.Organizer.DisplayName, Email: g.Organizer.Email}
	}
	if g.Reminders != nil {
		for _, r := range g.Reminders.Overrides {
			ext.Reminders = append(ext.Reminders, model.Reminder{Method: r.Method, Minutes: r.Minutes})
		}
	}
	if g.ExtendedProperties != nil && len(g.ExtendedProperties.Private) > 0 {
		ext.Metadata = make(map[string]string, len(g.ExtendedProperties.Private))
		for k, v := range g.ExtendedProperties.Private {
			ext.Metadata[k] = v
		}
	}
	if g.Source != nil {
		ext.SourceURL = g.Source.URL
	}
	return ext, nil
}

// fromExternal builds the request body for insert and update. The organizer
// is owned by the calendar and never written.
func fromExternal(ext *model.ExternalEvent) *gEvent {
	g := &gEvent{
		Summary:     ext.Summary,
		Description: ext.Description,
		Location:    ext.Location,
		Status:      ext.Status,
		Start:       toGTime(ext.Start),
		End:         toGTime(ext.End),
		Recurrence:  ext.Recurrence,
	}
	if g.Location == "" {
		g.Location = ext.Venue.String()
	}
	for _, a := range ext.Attendees {
		g.Attendees = append(g.Attendees, gAttendee{
			Email:          a.Email,
			DisplayName:    a.DisplayName,
			ResponseStatus: a.ResponseStatus,
		})
	}
	if len(ext.Reminders) > 0 {
		g.Reminders = &gReminders{}
		for _, r := range ext.Reminders {
			g.Reminders.Overrides = append(g.Reminders.Overrides, gReminderEntry{Method: r.Method, Minutes: r.Minutes})
		}
	}
	if len(ext.Metadata) > 0 {
		g.ExtendedProperties = &gExtended{Private: ext.Metadata}
	}
	if ext.SourceURL != "" {
		g.Source = &gSource{Title: ext.Summary, URL: ext.SourceURL}
	}
	return g
}

func fromGTime(t *gTime) (model.EventTime, error) {
	if t.Date != "" {
		return model.EventTime{Date: t.Date, TimeZone: t.TimeZone}, nil
	}
	if t.DateTime == "" {
		return model.EventTime{}, nil
	}
	ts, err := time.Parse(time.RFC3339, t.DateTime)
	if err != nil {
		return model.EventTime{}, err
	}
	return model.EventTime{DateTime: ts.UTC(), TimeZone: t.TimeZone}, nil
}

func toGTime(t model.EventTime) *gTime {
	switch {
	case t.IsAllDay():
		return &gTime{Date: t.Date}
	case t.IsZero():
		return nil
	}
	return &gTime{DateTime: t.DateTime.UTC().Format(time.RFC3339), TimeZone: t.TimeZone}
}
