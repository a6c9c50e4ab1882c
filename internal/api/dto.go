package api

import (
	"encoding/json"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
)

// EventDTO is the wire form of an internal event.
type EventDTO struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	StartAt     time.Time `json:"start_at"`
	EndAt       time.Time `json:"end_at"`
	AllDay      bool      `json:"all_day"`
	TimeZone    string    `json:"time_zone,omitempty"`
	Status      string    `json:"status"`
	Recurrence  string    `json:"recurrence,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	TicketPrice *float64  `json:"ticket_price,omitempty"`
	SourceURL   string    `json:"source_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toEventDTO(ev *model.Event) EventDTO {
	return EventDTO{
		ID:          ev.ID,
		Title:       ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		StartAt:     ev.StartAt,
		EndAt:       ev.EndAt,
		AllDay:      ev.AllDay,
		TimeZone:    ev.TimeZone,
		Status:      string(ev.Status),
		Recurrence:  ev.Recurrence,
		ImageURL:    ev.ImageURL,
		Tags:        ev.Tags,
		TicketPrice: ev.TicketPrice,
		SourceURL:   ev.SourceURL,
		CreatedAt:   ev.CreatedAt,
		UpdatedAt:   ev.UpdatedAt,
	}
}

// eventRequest is the body of event create and update calls.
type eventRequest struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	StartAt     time.Time `json:"start_at"`
	EndAt       time.Time `json:"end_at"`
	AllDay      bool      `json:"all_day"`
	TimeZone    string    `json:"time_zone"`
	Status      string    `json:"status"`
	Recurrence  string    `json:"recurrence"`
	ImageURL    string    `json:"image_url"`
	Tags        []string  `json:"tags"`
	TicketPrice *float64  `json:"ticket_price"`
	SourceURL   string    `json:"source_url"`
}

func (r eventRequest) validate() string {
	switch {
	case r.Title == "":
		return "title is required"
	case r.StartAt.IsZero():
		return "start_at is required"
	case !r.EndAt.IsZero() && r.EndAt.Before(r.StartAt):
		return "end_at must not be before start_at"
	}
	switch model.EventStatus(r.Status) {
	case "", model.EventStatusConfirmed, model.EventStatusTentative, model.EventStatusCancelled:
		return ""
	}
	return "unknown status " + r.Status
}

// apply copies the request onto ev.
func (r eventRequest) apply(ev *model.Event) {
	ev.Title = r.Title
	ev.Description = r.Description
	ev.Location = r.Location
	ev.StartAt = r.StartAt.UTC()
	ev.EndAt = r.EndAt.UTC()
	if r.EndAt.IsZero() {
		ev.EndAt = ev.StartAt
	}
	ev.AllDay = r.AllDay
	ev.TimeZone = r.TimeZone
	ev.Status = model.EventStatus(r.Status)
	if ev.Status == "" {
		ev.Status = model.EventStatusConfirmed
	}
	ev.Recurrence = r.Recurrence
	ev.ImageURL = r.ImageURL
	ev.Tags = r.Tags
	ev.TicketPrice = r.TicketPrice
	ev.SourceURL = r.SourceURL
}

// ConfigurationDTO is the wire form of a sync configuration. Credentials
// are never returned.
type ConfigurationDTO struct {
	ID           string          `json:"id"`
	ProviderID   string          `json:"provider_id,omitempty"`
	ProviderType string          `json:"provider_type"`
	Direction    string          `json:"direction"`
	Enabled      bool            `json:"enabled"`
	Settings     json.RawMessage `json:"settings"`
	HasWebhook   bool            `json:"has_webhook"`
	LastSyncAt   *time.Time      `json:"last_sync_at,omitempty"`
	NextSyncAt   *time.Time      `json:"next_sync_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func toConfigurationDTO(cfg *model.SyncConfiguration) (ConfigurationDTO, error) {
	settings, err := model.EncodeSettings(cfg.Settings)
	if err != nil {
		return ConfigurationDTO{}, err
	}
	return ConfigurationDTO{
		ID:           cfg.ID,
		ProviderID:   cfg.ProviderID,
		ProviderType: string(cfg.ProviderType),
		Direction:    string(cfg.Direction),
		Enabled:      cfg.Enabled,
		Settings:     settings,
		HasWebhook:   cfg.WebhookID != "",
		LastSyncAt:   optionalTime(cfg.LastSyncAt),
		NextSyncAt:   optionalTime(cfg.NextSyncAt),
		CreatedAt:    cfg.CreatedAt,
	}, nil
}

// configurationRequest is the body of a configuration create call.
type configurationRequest struct {
	ProviderID   string            `json:"provider_id"`
	ProviderType string            `json:"provider_type"`
	Direction    string            `json:"direction"`
	Enabled      *bool             `json:"enabled"`
	Credentials  model.Credentials `json:"credentials"`
	Settings     json.RawMessage   `json:"settings"`
}

// OperationDTO is the wire form of a sync operation.
type OperationDTO struct {
	ID          string     `json:"id"`
	ConfigID    string     `json:"config_id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	EntityType  string     `json:"entity_type"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Errors      []string   `json:"errors,omitempty"`
	RetryCount  int        `json:"retry_count"`
}

func toOperationDTO(op *model.SyncOperation) OperationDTO {
	return OperationDTO{
		ID:          op.ID,
		ConfigID:    op.ConfigID,
		Kind:        string(op.Kind),
		Status:      string(op.Status),
		EntityType:  string(op.EntityType),
		StartedAt:   op.StartedAt,
		CompletedAt: optionalTime(op.CompletedAt),
		Errors:      op.Errors,
		RetryCount:  op.RetryCount,
	}
}

func toOperationDTOs(ops []*model.SyncOperation) []OperationDTO {
	out := make([]OperationDTO, 0, len(ops))
	for _, op := range ops {
		out = append(out, toOperationDTO(op))
	}
	return out
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
