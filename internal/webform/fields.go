package webform

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
)

const (
	formDate = "2006-01-02"
	formTime = "15:04"
)

// detailFields are the descriptive inputs shared by both sites.
func detailFields(ev *model.ExternalEvent) url.Values {
	v := url.Values{}
	v.Set("title", ev.Summary)
	v.Set("description", ev.Description)
	location := ev.Location
	if location == "" {
		location = ev.Venue.String()
	}
	v.Set("location", location)
	if ev.ImageURL != "" {
		v.Set("image_url", ev.ImageURL)
	}
	if ev.SourceURL != "" {
		v.Set("website", ev.SourceURL)
	}
	if len(ev.Tags) > 0 {
		v.Set("tags", strings.Join(ev.Tags, ","))
	}
	if ev.TicketPrice != nil {
		v.Set("price", strconv.FormatFloat(*ev.TicketPrice, 'f', 2, 64))
	}
	return v
}

// scheduleFields are the date and time inputs. Sites take wall-clock values
// in the event's zone; all-day events leave the time inputs empty.
func scheduleFields(ev *model.ExternalEvent) url.Values {
	v := url.Values{}
	if ev.Start.IsAllDay() {
		v.Set("all_day", "1")
		v.Set("start_date", ev.Start.Date)
		end := ev.End.Date
		if end == "" {
			end = ev.Start.Date
		} else if t, err := time.Parse(model.DateLayout, end); err == nil && end > ev.Start.Date {
			// Forms take the inclusive last day.
			end = t.AddDate(0, 0, -1).Format(formDate)
		}
		v.Set("end_date", end)
		return v
	}

	loc := time.UTC
	if ev.Start.TimeZone != "" {
		if l, err := time.LoadLocation(ev.Start.TimeZone); err == nil {
			loc = l
		}
		v.Set("timezone", ev.Start.TimeZone)
	}
	start := ev.Start.DateTime.In(loc)
	end := ev.End.DateTime
	if end.IsZero() || end.Before(ev.Start.DateTime) {
		end = ev.Start.DateTime
	}
	end = end.In(loc)
	v.Set("start_date", start.Format(formDate))
	v.Set("start_time", start.Format(formTime))
	v.Set("end_date", end.Format(formDate))
	v.Set("end_time", end.Format(formTime))
	return v
}

func merge(sets ...url.Values) url.Values {
	out := url.Values{}
	for _, s := range sets {
		for k, v := range s {
			out[k] = v
		}
	}
	return out
}
