package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Settings is the provider-specific part of a SyncConfiguration. Each
// provider type has exactly one concrete settings struct; DecodeSettings
// selects it by type so a mismatched blob fails at load time.
type Settings interface {
	Provider() ProviderType
	// Interval returns the configured sync interval, or zero for the default.
	Interval() time.Duration
}

// Schedule carries the settings common to every provider.
type Schedule struct {
	SyncIntervalMinutes int `json:"sync_interval_minutes,omitempty"`
}

// Interval implements part of [Settings].
func (s Schedule) Interval() time.Duration {
	return time.Duration(s.SyncIntervalMinutes) * time.Minute
}

// GoogleCalendarSettings configures the calendar API adapter.
type GoogleCalendarSettings struct {
	Schedule
	CalendarID string `json:"calendar_id"`
}

func (GoogleCalendarSettings) Provider() ProviderType { return ProviderGoogleCalendar }

// HomeAssistantSettings configures the Home Assistant calendar adapter.
type HomeAssistantSettings struct {
	Schedule
	EntityID string `json:"entity_id"`
}

func (HomeAssistantSettings) Provider() ProviderType { return ProviderHomeAssistant }

// CommunityBoardSettings configures the anonymous community-board form adapter.
type CommunityBoardSettings struct {
	Schedule
	FormPath     string `json:"form_path,omitempty"`
	Category     string `json:"category,omitempty"`
	ContactEmail string `json:"contact_email"`
}

func (CommunityBoardSettings) Provider() ProviderType { return ProviderCommunityBoard }

// AdminPanelSettings configures the authenticated admin-panel adapter.
type AdminPanelSettings struct {
	Schedule
	Organization string `json:"organization"`
	Category     string `json:"category,omitempty"`
}

func (AdminPanelSettings) Provider() ProviderType { return ProviderAdminPanel }

// TicketingSettings configures the ticketing REST adapter.
type TicketingSettings struct {
	Schedule
	OrganizationID string `json:"organization_id"`
	VenueID        string `json:"venue_id,omitempty"`
	Currency       string `json:"currency,omitempty"`
}

func (TicketingSettings) Provider() ProviderType { return ProviderTicketing }

// GraphQLListingSettings configures the GraphQL listing adapter.
type GraphQLListingSettings struct {
	Schedule
	CommunityID string `json:"community_id"`
}

func (GraphQLListingSettings) Provider() ProviderType { return ProviderGraphQLListing }

// EmailCampaignSettings configures the e-mail campaign adapter.
type EmailCampaignSettings struct {
	Schedule
	ListID        string   `json:"list_id,omitempty"`
	Recipients    []string `json:"recipients,omitempty"`
	SubjectPrefix string   `json:"subject_prefix,omitempty"`
}

func (EmailCampaignSettings) Provider() ProviderType { return ProviderEmailCampaign }

// NewSettings returns the zero settings value for t.
func NewSettings(t ProviderType) (Settings, error) {
	switch t {
	case ProviderGoogleCalendar:
		return &GoogleCalendarSettings{}, nil
	case ProviderHomeAssistant:
		return &HomeAssistantSettings{}, nil
	case ProviderCommunityBoard:
		return &CommunityBoardSettings{}, nil
	case ProviderAdminPanel:
		return &AdminPanelSettings{}, nil
	case ProviderTicketing:
		return &TicketingSettings{}, nil
	case ProviderGraphQLListing:
		return &GraphQLListingSettings{}, nil
	case ProviderEmailCampaign:
		return &EmailCampaignSettings{}, nil
	}
	return nil, fmt.Errorf("no settings shape for provider type %q", t)
}

// DecodeSettings parses a stored settings blob into the struct belonging to t.
// An empty blob yields the zero settings.
func DecodeSettings(t ProviderType, raw []byte) (Settings, error) {
	s, err := NewSettings(t)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("decoding %s settings: %w", t, err)
	}
	return s, nil
}

// EncodeSettings serialises s for storage. A nil value encodes as "{}".
func EncodeSettings(s Settings) ([]byte, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding %s settings: %w", s.Provider(), err)
	}
	return b, nil
}
