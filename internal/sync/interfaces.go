// Package sync implements the eventsync engine: the per-event reconciliation
// of pulled provider data against the internal event store, the orchestrator
// that runs pull and push passes per configuration, and the webhook
// lifecycle.
//
// The package contains four main components:
//
//   - [Reconciler] decides what one pulled external event means locally.
//   - [Service] runs sync passes, targeted syncs and configuration changes.
//   - [Dispatcher] executes fire-and-forget work on a bounded worker pool.
//   - The webhook methods of [Service] register, renew and consume
//     provider push subscriptions.
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
	"github.com/njoerd114/eventsync/internal/state"
)

// Notification kinds passed to [Publisher.Publish].
const (
	KindCreated = "created"
	KindUpdated = "updated"
	KindDeleted = "deleted"
)

// Store provides access to the sync state and the internal event store.
// Implemented by [state.Store].
type Store interface {
	GetConfiguration(ctx context.Context, id string) (*model.SyncConfiguration, error)
	CreateConfiguration(ctx context.Context, cfg *model.SyncConfiguration) error
	ListConfigurationsByUser(ctx context.Context, userID string) ([]*model.SyncConfiguration, error)
	ListEnabledConfigurationsByType(ctx context.Context, t model.ProviderType) ([]*model.SyncConfiguration, error)
	ListDueConfigurations(ctx context.Context, now time.Time) ([]*model.SyncConfiguration, error)
	UpdateSyncToken(ctx context.Context, id, token string) error
	MarkSynced(ctx context.Context, id string, lastSyncAt, nextSyncAt time.Time) error
	UpdateCredentials(ctx context.Context, id string, creds model.Credentials) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	DeleteConfiguration(ctx context.Context, id string) error

	CreateEvent(ctx context.Context, ev *model.Event) error
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	UpdateEvent(ctx context.Context, ev *model.Event) error
	DeleteEvent(ctx context.Context, id string) error
	ListUnmappedEvents(ctx context.Context, configID, userID string) ([]*model.Event, error)
	ListStaleMappedEvents(ctx context.Context, configID string) ([]state.MappedEvent, error)
	FindMatchCandidates(ctx context.Context, userID, title string, from, to time.Time) ([]*model.Event, error)

	ListUnmappedAnnouncements(ctx context.Context, configID, userID string) ([]*model.Announcement, error)
	ListStaleMappedAnnouncements(ctx context.Context, configID string) ([]state.MappedAnnouncement, error)

	CreateContact(ctx context.Context, c *model.Contact) error
	FindContactByEmail(ctx context.Context, userID, email string) (*model.Contact, error)
	AssociateContact(ctx context.Context, eventID, contactID, participation string) error
	UpdateParticipation(ctx context.Context, eventID, email, participation string) (bool, error)

	GetMappingByExternalID(ctx context.Context, configID, externalID string) (*model.SyncMapping, error)
	GetMappingByEvent(ctx context.Context, configID, eventID string) (*model.SyncMapping, error)
	ListMappingsByEvent(ctx context.Context, eventID string) ([]*model.SyncMapping, error)
	UpsertMapping(ctx context.Context, m *model.SyncMapping) error
	TouchMapping(ctx context.Context, id int64, at time.Time) error
	UpdateMappingMetadata(ctx context.Context, id int64, metadata map[string]string) error
	DeleteMapping(ctx context.Context, id int64) error
	DeleteMappingsByEvent(ctx context.Context, eventID string) error

	CreateOperation(ctx context.Context, op *model.SyncOperation) error
	FinishOperation(ctx context.Context, op *model.SyncOperation) error
	GetOperation(ctx context.Context, id string) (*model.SyncOperation, error)

	InsertWebhook(ctx context.Context, sub *model.WebhookSubscription) error
	ReplaceWebhook(ctx context.Context, oldID string, sub *model.WebhookSubscription) error
	ListWebhooksByConfig(ctx context.Context, configID string) ([]*model.WebhookSubscription, error)
	ListExpiringWebhooks(ctx context.Context, before time.Time) ([]*model.WebhookSubscription, error)
	GetWebhookByChannel(ctx context.Context, channelID string) (*model.WebhookSubscription, error)
	DeleteWebhook(ctx context.Context, id string) error
}

// EventMapper translates events between the internal and external shapes.
// Implemented by [mapping.Mapper].
type EventMapper interface {
	ToExternal(ctx context.Context, ev *model.Event, t model.ProviderType) (*model.ExternalEvent, error)
	ToInternal(ctx context.Context, ext *model.ExternalEvent, defaultUserID string) (*model.Event, error)
}

// Publisher broadcasts local changes to connected clients. Publish must not
// block. Implemented by [realtime.Hub].
type Publisher interface {
	Publish(kind string, ids []string)
}

// AssetGenerator writes the downloadable calendar file of an event after it
// was pushed. Implemented by [ics.Assets].
type AssetGenerator interface {
	Generate(eventID string, ext *model.ExternalEvent, sequence int) (string, error)
	Remove(eventID string) error
}

// AdapterOpener builds initialised adapters. Implemented by
// [provider.Registry].
type AdapterOpener interface {
	Open(ctx context.Context, cfg *model.SyncConfiguration) (provider.Adapter, error)
	Capabilities(t model.ProviderType) (provider.Capabilities, error)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, []string) {}
