// Package ticketing publishes events to a ticket-sales platform through its
// JSON REST API. The platform is push-only: events can be created, edited
// and withdrawn, but nothing is read back.
package ticketing

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
)

const defaultCurrency = "EUR"

// Options are the process-wide API settings.
type Options struct {
	BaseURL string
	// APIKey is used when a configuration carries no key of its own.
	APIKey     string
	HTTPClient *http.Client
}

type venue struct {
	Name       string `json:"name"`
	Address    string `json:"address,omitempty"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

type price struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// listing is the event payload of the ticketing API.
type listing struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	StartsAt    string            `json:"starts_at"`
	EndsAt      string            `json:"ends_at,omitempty"`
	Timezone    string            `json:"timezone,omitempty"`
	AllDay      bool              `json:"all_day"`
	VenueID     string            `json:"venue_id,omitempty"`
	Venue       *venue            `json:"venue,omitempty"`
	Location    string            `json:"location,omitempty"`
	ImageURL    string            `json:"image_url,omitempty"`
	URL         string            `json:"url,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Price       *price            `json:"ticket_price,omitempty"`
	Status      string            `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type listingResponse struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// Adapter serves one organization of one configuration.
type Adapter struct {
	provider.PushOnly
	provider.NoWebhooks

	opts     Options
	logger   *slog.Logger
	rest     *resty.Client
	settings *model.TicketingSettings
}

// New returns an uninitialised adapter.
func New(opts Options, logger *slog.Logger) *Adapter {
	return &Adapter{opts: opts, logger: logger}
}

func (a *Adapter) Type() model.ProviderType { return model.ProviderTicketing }

func (a *Adapter) Capabilities() provider.Capabilities { return provider.PushOnlyCapabilities() }

func (a *Adapter) Initialize(_ context.Context, cfg *model.SyncConfiguration) error {
	key := cfg.Credentials.APIKey
	if key == "" {
		key = a.opts.APIKey
	}
	if key == "" {
		return &provider.ConfigError{Provider: model.ProviderTicketing, Field: "api_key"}
	}
	settings, ok := cfg.Settings.(*model.TicketingSettings)
	if !ok || settings.OrganizationID == "" {
		return &provider.ConfigError{Provider: model.ProviderTicketing, Field: "settings.organization_id"}
	}
	if a.opts.BaseURL == "" {
		return &provider.ConfigError{Provider: model.ProviderTicketing, Field: "providers.ticketing.base_url"}
	}
	if settings.Currency == "" {
		settings.Currency = defaultCurrency
	}
	a.settings = settings
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("provider", model.ProviderTicketing, "organization_id", settings.OrganizationID)
	a.rest = provider.NewRESTClient(a.opts.HTTPClient, a.opts.BaseURL).SetAuthToken(key)
	return nil
}

func (a *Adapter) orgPath() string {
	return "/v1/organizations/" + url.PathEscape(a.settings.OrganizationID)
}

func (a *Adapter) eventPath(id string) string {
	return a.orgPath() + "/events/" + url.PathEscape(id)
}

// do sends one request with backoff. A rejected key is not retried.
func (a *Adapter) do(ctx context.Context, op string, send func(r *resty.Request) (*resty.Response, error)) error {
	return provider.WithAuthRetry(ctx, model.ProviderTicketing, nil, func() error {
		return provider.Retry(ctx, provider.DefaultMaxAttempts, func() error {
			resp, err := send(a.rest.R().SetContext(ctx))
			return provider.CheckResponse(model.ProviderTicketing, op, resp, err)
		})
	})
}

// ValidateConnection reads the organization.
func (a *Adapter) ValidateConnection(ctx context.Context) (bool, error) {
	resp, err := a.rest.R().SetContext(ctx).Get(a.orgPath())
	if err := provider.CheckResponse(model.ProviderTicketing, "get organization", resp, err); err != nil {
		a.logger.Warn("ticketing connection check failed", "error", err)
		return false, nil
	}
	return true, nil
}

func (a *Adapter) PushEvent(ctx context.Context, ev *model.ExternalEvent) (*provider.PushResult, error) {
	var out listingResponse
	err := a.do(ctx, "create event", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(a.toListing(ev)).SetResult(&out).Post(a.orgPath() + "/events")
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("event listed", "external_id", out.ID, "summary", ev.Summary)
	return a.result(out, ev), nil
}

func (a *Adapter) UpdateEvent(ctx context.Context, externalID string, ev *model.ExternalEvent) (*provider.PushResult, error) {
	var out listingResponse
	err := a.do(ctx, "update event", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(a.toListing(ev)).SetResult(&out).Put(a.eventPath(externalID))
	})
	if err != nil {
		return nil, err
	}
	if out.ID == "" {
		out.ID = externalID
	}
	return a.result(out, ev), nil
}

// DeleteEvent withdraws the listing. Unknown listings count as deleted.
func (a *Adapter) DeleteEvent(ctx context.Context, externalID string) error {
	err := a.do(ctx, "delete event", func(r *resty.Request) (*resty.Response, error) {
		return r.Delete(a.eventPath(externalID))
	})
	var httpErr *provider.HTTPError
	if errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusNotFound || httpErr.StatusCode == http.StatusGone) {
		a.logger.Debug("listing already gone", "external_id", externalID)
		return nil
	}
	return err
}

func (a *Adapter) result(out listingResponse, ev *model.ExternalEvent) *provider.PushResult {
	etag := out.Version
	if etag == "" {
		etag = ev.ContentHash()
	}
	return &provider.PushResult{ExternalID: out.ID, ETag: etag}
}

func (a *Adapter) toListing(ev *model.ExternalEvent) listing {
	l := listing{
		Name:        ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		VenueID:     a.settings.VenueID,
		ImageURL:    ev.ImageURL,
		URL:         ev.SourceURL,
		Tags:        ev.Tags,
		Status:      "published",
		Metadata:    ev.Metadata,
	}
	if ev.IsCancelled() {
		l.Status = "cancelled"
	}
	if ev.Venue != nil && l.VenueID == "" {
		l.Venue = &venue{
			Name:       ev.Venue.Name,
			Address:    ev.Venue.Address,
			City:       ev.Venue.City,
			PostalCode: ev.Venue.PostalCode,
			Country:    ev.Venue.Country,
		}
	}
	if ev.TicketPrice != nil {
		l.Price = &price{Amount: *ev.TicketPrice, Currency: a.settings.Currency}
	}

	if ev.Start.IsAllDay() {
		l.AllDay = true
		l.StartsAt = ev.Start.Date
		l.EndsAt = ev.End.Date
		return l
	}
	l.StartsAt = ev.Start.DateTime.UTC().Format(time.RFC3339)
	if !ev.End.DateTime.IsZero() {
		l.EndsAt = ev.End.DateTime.UTC().Format(time.RFC3339)
	}
	l.Timezone = ev.Start.TimeZone
	return l
}
