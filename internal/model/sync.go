package model

import (
	"fmt"
	"time"
)

// ProviderType selects which adapter implementation serves a configuration.
type ProviderType string

const (
	ProviderGoogleCalendar ProviderType = "google_calendar"
	ProviderHomeAssistant  ProviderType = "home_assistant"
	ProviderCommunityBoard ProviderType = "community_board"
	ProviderAdminPanel     ProviderType = "admin_panel"
	ProviderTicketing      ProviderType = "ticketing"
	ProviderGraphQLListing ProviderType = "graphql_listing"
	ProviderEmailCampaign  ProviderType = "email_campaign"
)

// ProviderTypes lists every known provider type.
var ProviderTypes = []ProviderType{
	ProviderGoogleCalendar,
	ProviderHomeAssistant,
	ProviderCommunityBoard,
	ProviderAdminPanel,
	ProviderTicketing,
	ProviderGraphQLListing,
	ProviderEmailCampaign,
}

// ParseProviderType validates s as a known provider type.
func ParseProviderType(s string) (ProviderType, error) {
	for _, t := range ProviderTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown provider type %q", s)
}

// CarriesAttendees reports whether the provider's wire format has a
// participant list. Listing and form sites publish events, they do not invite.
func (t ProviderType) CarriesAttendees() bool {
	switch t {
	case ProviderGoogleCalendar, ProviderEmailCampaign:
		return true
	default:
		return false
	}
}

// Direction controls which phases a sync pass runs.
type Direction string

const (
	DirectionPull          Direction = "pull"
	DirectionPush          Direction = "push"
	DirectionBidirectional Direction = "bidirectional"
)

// ParseDirection validates s as a direction.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case DirectionPull, DirectionPush, DirectionBidirectional:
		return d, nil
	}
	return "", fmt.Errorf("unknown sync direction %q", s)
}

// Pulls reports whether the direction includes a pull phase.
func (d Direction) Pulls() bool {
	return d == DirectionPull || d == DirectionBidirectional
}

// Pushes reports whether the direction includes a push phase.
func (d Direction) Pushes() bool {
	return d == DirectionPush || d == DirectionBidirectional
}

// EntityType names the kind of internal object an operation or mapping
// refers to.
type EntityType string

const (
	EntityEvent        EntityType = "event"
	EntityAnnouncement EntityType = "announcement"
	EntityLocation     EntityType = "location"
	EntityContact      EntityType = "contact"
	EntityTag          EntityType = "tag"
)

// OperationKind is the kind of work a SyncOperation records.
type OperationKind string

const (
	OperationPull     OperationKind = "pull"
	OperationPush     OperationKind = "push"
	OperationFull     OperationKind = "full"
	OperationTargeted OperationKind = "targeted"
)

// OperationStatus is the state of a SyncOperation.
type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
)

// Credentials is the per-configuration secret material. Which fields are
// required depends on the provider.
type Credentials struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Username     string    `json:"username,omitempty"`
	Password     string    `json:"password,omitempty"`
	APIKey       string    `json:"api_key,omitempty"`
}

// SyncConfiguration is one user ↔ provider connection.
type SyncConfiguration struct {
	ID           string
	UserID       string
	ProviderID   string
	ProviderType ProviderType
	Direction    Direction
	Enabled      bool
	Credentials  Credentials
	Settings     Settings
	LastSyncAt   time.Time
	NextSyncAt   time.Time
	SyncToken    string
	WebhookID    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SyncOperation is the audit record of one sync attempt.
type SyncOperation struct {
	ID          string
	ConfigID    string
	Kind        OperationKind
	Status      OperationStatus
	EntityType  EntityType
	StartedAt   time.Time
	CompletedAt time.Time
	Errors      []string
	RetryCount  int
}

// SyncMapping links one internal entity to one external identifier on one
// configuration. Exactly one of the entity ID fields is set.
type SyncMapping struct {
	ID             int64
	ConfigID       string
	EventID        string
	AnnouncementID string
	LocationID     string
	ContactID      string
	TagID          string
	ExternalID     string
	ProviderID     string
	LastSyncedAt   time.Time
	ETag           string
	Metadata       map[string]string
}

// EntityType returns the kind of entity the mapping points at.
func (m *SyncMapping) EntityType() EntityType {
	switch {
	case m.EventID != "":
		return EntityEvent
	case m.AnnouncementID != "":
		return EntityAnnouncement
	case m.LocationID != "":
		return EntityLocation
	case m.ContactID != "":
		return EntityContact
	case m.TagID != "":
		return EntityTag
	}
	return ""
}

// WebhookSubscription is a push-notification registration at a provider.
type WebhookSubscription struct {
	ID         string
	ConfigID   string
	ProviderID string
	ResourceID string
	ChannelID  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}
