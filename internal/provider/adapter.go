// Package provider defines the contract every external calendar or listing
// service adapter implements, the capability flags the orchestrator consults
// before calling it, and the typed errors adapters report.
//
// Concrete adapters live in their own packages and are registered with a
// [Registry] at process start.
package provider

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
)

// Capabilities declares what an adapter can do. The orchestrator checks them
// before attempting an operation.
type Capabilities struct {
	Directions  []model.Direction
	EntityTypes []model.EntityType
	Webhooks    bool
}

// SupportsDirection reports whether d is one of the declared directions.
func (c Capabilities) SupportsDirection(d model.Direction) bool {
	return slices.Contains(c.Directions, d)
}

// SupportsEntity reports whether the adapter can push entities of type e.
func (c Capabilities) SupportsEntity(e model.EntityType) bool {
	return slices.Contains(c.EntityTypes, e)
}

// CanPull reports whether any declared direction includes a pull phase.
func (c Capabilities) CanPull() bool {
	return slices.ContainsFunc(c.Directions, model.Direction.Pulls)
}

// PushOnlyCapabilities is the capability set of adapters that only submit
// events.
func PushOnlyCapabilities() Capabilities {
	return Capabilities{
		Directions:  []model.Direction{model.DirectionPush},
		EntityTypes: []model.EntityType{model.EntityEvent},
	}
}

// PullResult is the outcome of a pull.
type PullResult struct {
	Events []model.ExternalEvent
	// NextSyncToken is the cursor for the next incremental pull. Empty when
	// the provider issued none.
	NextSyncToken string
}

// PushResult is the outcome of a create or update.
type PushResult struct {
	ExternalID string
	ETag       string
	// Metadata is merged into the mapping metadata, e.g. a submission
	// reference or recipient count.
	Metadata map[string]string
}

// WebhookRegistration describes a subscription created at the provider.
type WebhookRegistration struct {
	ChannelID  string
	ResourceID string
	ExpiresAt  time.Time
}

// Notification is an inbound webhook request as received by the HTTP layer.
type Notification struct {
	Headers http.Header
	Body    []byte
}

// DeliveryEvent is one tracking event reported by a provider that fans out
// to recipients (delivered, opened, clicked, bounced).
type DeliveryEvent struct {
	ExternalID string
	Recipient  string
	Kind       string
	At         time.Time
}

// WebhookResult tells the orchestrator what an inbound notification means.
type WebhookResult struct {
	// Resync asks for a full sync of the configuration.
	Resync bool
	// ChannelID identifies the subscription the notification belongs to,
	// when the provider sends one.
	ChannelID string
	// Deliveries are recorded into the mapping metadata of the matching
	// external IDs.
	Deliveries []DeliveryEvent
}

// Adapter wraps one external service behind the uniform sync contract.
//
// An adapter instance serves a single configuration: [Adapter.Initialize] is
// called once with it before any other method.
type Adapter interface {
	Type() model.ProviderType
	Capabilities() Capabilities

	// Initialize validates credentials and settings and prepares the client.
	// Missing secrets fail with a [*ConfigError].
	Initialize(ctx context.Context, cfg *model.SyncConfiguration) error

	// ValidateConnection is a best-effort reachability and auth check.
	// Expected failures return (false, nil).
	ValidateConnection(ctx context.Context) (bool, error)

	// PullEvents returns events changed since syncToken, or all events in the
	// adapter's window when syncToken is empty. An invalidated token yields
	// [ErrSyncTokenInvalid].
	PullEvents(ctx context.Context, syncToken string) (*PullResult, error)

	PushEvent(ctx context.Context, ev *model.ExternalEvent) (*PushResult, error)
	UpdateEvent(ctx context.Context, externalID string, ev *model.ExternalEvent) (*PushResult, error)
	DeleteEvent(ctx context.Context, externalID string) error

	SetupWebhook(ctx context.Context, callbackURL string) (*WebhookRegistration, error)
	RenewWebhook(ctx context.Context, sub *model.WebhookSubscription, callbackURL string) (*WebhookRegistration, error)
	CancelWebhook(ctx context.Context, sub *model.WebhookSubscription) error
	ProcessWebhook(ctx context.Context, n Notification) (*WebhookResult, error)
}

// AnnouncementPusher is implemented by adapters whose capabilities include
// [model.EntityAnnouncement].
type AnnouncementPusher interface {
	PushAnnouncement(ctx context.Context, a *model.Announcement) (*PushResult, error)
	UpdateAnnouncement(ctx context.Context, externalID string, a *model.Announcement) (*PushResult, error)
}

// CredentialRefresher is implemented by adapters that may renew their
// credentials while working, e.g. an OAuth access token. The orchestrator
// persists the new value after each pass.
type CredentialRefresher interface {
	// RefreshedCredentials returns the current credentials and whether they
	// differ from the ones passed to Initialize.
	RefreshedCredentials() (model.Credentials, bool)
}

// PushOnly implements the pull half of [Adapter] for adapters that cannot
// read back what they submitted.
type PushOnly struct{}

// PullEvents always fails with a [NotSupportedError].
func (PushOnly) PullEvents(context.Context, string) (*PullResult, error) {
	return nil, &NotSupportedError{Operation: "pull events"}
}

// NoWebhooks implements the webhook methods of [Adapter] for adapters
// without push notifications.
type NoWebhooks struct{}

func (NoWebhooks) SetupWebhook(context.Context, string) (*WebhookRegistration, error) {
	return nil, &NotSupportedError{Operation: "setup webhook"}
}

func (NoWebhooks) RenewWebhook(context.Context, *model.WebhookSubscription, string) (*WebhookRegistration, error) {
	return nil, &NotSupportedError{Operation: "renew webhook"}
}

func (NoWebhooks) CancelWebhook(context.Context, *model.WebhookSubscription) error {
	return &NotSupportedError{Operation: "cancel webhook"}
}

func (NoWebhooks) ProcessWebhook(context.Context, Notification) (*WebhookResult, error) {
	return nil, &NotSupportedError{Operation: "process webhook"}
}
