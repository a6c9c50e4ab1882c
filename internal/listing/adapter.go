// Package listing publishes events to a community listing site through its
// GraphQL API. Only mutations are used; the site is push-only.
package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
)

const (
	communityQuery = `query Community($id: ID!) { community(id: $id) { id name } }`

	createMutation = `mutation CreateEvent($communityId: ID!, $input: EventInput!) {
  createEvent(communityId: $communityId, input: $input) { event { id updatedAt } }
}`
	updateMutation = `mutation UpdateEvent($id: ID!, $input: EventInput!) {
  updateEvent(id: $id, input: $input) { event { id updatedAt } }
}`
	deleteMutation = `mutation DeleteEvent($id: ID!) { deleteEvent(id: $id) { deletedId } }`
)

// Error codes the API reports in extensions.code.
const (
	codeUnauthenticated = "UNAUTHENTICATED"
	codeNotFound        = "NOT_FOUND"
)

// Options are the process-wide API settings.
type Options struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
}

type gqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type gqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

type eventInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	StartsAt    string   `json:"startsAt"`
	EndsAt      string   `json:"endsAt,omitempty"`
	AllDay      bool     `json:"allDay"`
	Timezone    string   `json:"timezone,omitempty"`
	Location    string   `json:"location,omitempty"`
	ImageURL    string   `json:"imageUrl,omitempty"`
	Link        string   `json:"link,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Price       *float64 `json:"price,omitempty"`
	Cancelled   bool     `json:"cancelled"`
	ExternalRef string   `json:"externalRef,omitempty"`
}

type eventPayload struct {
	Event struct {
		ID        string `json:"id"`
		UpdatedAt string `json:"updatedAt"`
	} `json:"event"`
}

// Adapter serves one community of one configuration.
type Adapter struct {
	provider.PushOnly
	provider.NoWebhooks

	opts        Options
	logger      *slog.Logger
	rest        *resty.Client
	communityID string
}

// New returns an uninitialised adapter.
func New(opts Options, logger *slog.Logger) *Adapter {
	return &Adapter{opts: opts, logger: logger}
}

func (a *Adapter) Type() model.ProviderType { return model.ProviderGraphQLListing }

func (a *Adapter) Capabilities() provider.Capabilities { return provider.PushOnlyCapabilities() }

func (a *Adapter) Initialize(_ context.Context, cfg *model.SyncConfiguration) error {
	key := cfg.Credentials.APIKey
	if key == "" {
		key = a.opts.APIKey
	}
	if key == "" {
		return &provider.ConfigError{Provider: model.ProviderGraphQLListing, Field: "api_key"}
	}
	settings, ok := cfg.Settings.(*model.GraphQLListingSettings)
	if !ok || settings.CommunityID == "" {
		return &provider.ConfigError{Provider: model.ProviderGraphQLListing, Field: "settings.community_id"}
	}
	if a.opts.Endpoint == "" {
		return &provider.ConfigError{Provider: model.ProviderGraphQLListing, Field: "providers.graphql_listing.endpoint"}
	}
	a.communityID = settings.CommunityID
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("provider", model.ProviderGraphQLListing, "community_id", a.communityID)
	a.rest = provider.NewRESTClient(a.opts.HTTPClient, "").SetAuthToken(key)
	return nil
}

// call posts one GraphQL document and decodes data into out. GraphQL errors
// are mapped onto HTTP statuses so the retry and auth handling apply.
func (a *Adapter) call(ctx context.Context, op, query string, vars map[string]interface{}, out interface{}) error {
	return provider.WithAuthRetry(ctx, model.ProviderGraphQLListing, nil, func() error {
		return provider.Retry(ctx, provider.DefaultMaxAttempts, func() error {
			var body gqlResponse
			resp, err := a.rest.R().
				SetContext(ctx).
				SetBody(gqlRequest{Query: query, Variables: vars}).
				SetResult(&body).
				Post(a.opts.Endpoint)
			if err := provider.CheckResponse(model.ProviderGraphQLListing, op, resp, err); err != nil {
				return err
			}
			if len(body.Errors) > 0 {
				return a.gqlErr(op, body.Errors)
			}
			if out == nil || len(body.Data) == 0 {
				return nil
			}
			if err := json.Unmarshal(body.Data, out); err != nil {
				return fmt.Errorf("%s %s: decoding data: %w", model.ProviderGraphQLListing, op, err)
			}
			return nil
		})
	})
}

func (a *Adapter) gqlErr(op string, errs []gqlError) error {
	status := http.StatusUnprocessableEntity
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Message)
		switch e.Extensions.Code {
		case codeUnauthenticated:
			status = http.StatusUnauthorized
		case codeNotFound:
			status = http.StatusNotFound
		}
	}
	return &provider.HTTPError{
		Provider:   model.ProviderGraphQLListing,
		Operation:  op,
		StatusCode: status,
		Body:       strings.Join(msgs, "; "),
	}
}

// ValidateConnection looks up the configured community.
func (a *Adapter) ValidateConnection(ctx context.Context) (bool, error) {
	var out struct {
		Community *struct {
			ID string `json:"id"`
		} `json:"community"`
	}
	if err := a.call(ctx, "query community", communityQuery, map[string]interface{}{"id": a.communityID}, &out); err != nil {
		a.logger.Warn("listing connection check failed", "error", err)
		return false, nil
	}
	return out.Community != nil, nil
}

func (a *Adapter) PushEvent(ctx context.Context, ev *model.ExternalEvent) (*provider.PushResult, error) {
	var out struct {
		CreateEvent eventPayload `json:"createEvent"`
	}
	vars := map[string]interface{}{"communityId": a.communityID, "input": toInput(ev)}
	if err := a.call(ctx, "create event", createMutation, vars, &out); err != nil {
		return nil, err
	}
	a.logger.Info("event listed", "external_id", out.CreateEvent.Event.ID, "summary", ev.Summary)
	return result(out.CreateEvent, "", ev), nil
}

func (a *Adapter) UpdateEvent(ctx context.Context, externalID string, ev *model.ExternalEvent) (*provider.PushResult, error) {
	var out struct {
		UpdateEvent eventPayload `json:"updateEvent"`
	}
	vars := map[string]interface{}{"id": externalID, "input": toInput(ev)}
	if err := a.call(ctx, "update event", updateMutation, vars, &out); err != nil {
		return nil, err
	}
	return result(out.UpdateEvent, externalID, ev), nil
}

// DeleteEvent removes the listing. NOT_FOUND counts as deleted.
func (a *Adapter) DeleteEvent(ctx context.Context, externalID string) error {
	err := a.call(ctx, "delete event", deleteMutation, map[string]interface{}{"id": externalID}, nil)
	var httpErr *provider.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func result(p eventPayload, fallbackID string, ev *model.ExternalEvent) *provider.PushResult {
	id := p.Event.ID
	if id == "" {
		id = fallbackID
	}
	etag := p.Event.UpdatedAt
	if etag == "" {
		etag = ev.ContentHash()
	}
	return &provider.PushResult{ExternalID: id, ETag: etag}
}

func toInput(ev *model.ExternalEvent) eventInput {
	in := eventInput{
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		ImageURL:    ev.ImageURL,
		Link:        ev.SourceURL,
		Tags:        ev.Tags,
		Price:       ev.TicketPrice,
		Cancelled:   ev.IsCancelled(),
		ExternalRef: ev.InternalID(),
	}
	if in.Location == "" {
		in.Location = ev.Venue.String()
	}
	if ev.Start.IsAllDay() {
		in.AllDay = true
		in.StartsAt = ev.Start.Date
		in.EndsAt = ev.End.Date
		return in
	}
	in.StartsAt = ev.Start.DateTime.UTC().Format(time.RFC3339)
	if !ev.End.DateTime.IsZero() {
		in.EndsAt = ev.End.DateTime.UTC().Format(time.RFC3339)
	}
	in.Timezone = ev.Start.TimeZone
	return in
}
