// Package homeassistant adapts a Home Assistant calendar entity to the
// provider contract. HA exposes calendar.get_events and
// calendar.create_event but no update or delete service, so updates are
// submitted as new events and deletes are logged and skipped.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	haclient "github.com/mkelcik/go-ha-client/v2"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
)

const (
	pullBack    = 365 * 24 * time.Hour
	pullForward = 2 * 365 * 24 * time.Hour
)

// RESTClient is the subset of the HA REST API used by the adapter.
// Defining it as an interface allows mock injection in tests.
type RESTClient interface {
	Ping(ctx context.Context) error
	// CallService POSTs to /api/services/<domain>/<service> without
	// return_response. Used for calendar.create_event.
	CallService(ctx context.Context, domain, service string, body io.Reader) error
	// ServiceResponse POSTs with ?return_response=true and returns the
	// response section of entityID. Used for calendar.get_events.
	ServiceResponse(ctx context.Context, domain, service, entityID string, body io.Reader) ([]byte, error)
}

// haClientWrapper wraps [haclient.Client] and adds a plain CallService method
// that POSTs without ?return_response, required for HA services that don't
// support responses (e.g. calendar.create_event).
type haClientWrapper struct {
	client  *haclient.Client
	baseURL string
	token   string
	hc      *http.Client
}

func (w *haClientWrapper) Ping(ctx context.Context) error {
	return w.client.Ping(ctx)
}

// CallService POSTs the body to /api/services/<domain>/<service> without
// appending ?return_response, so HA does not try to return data.
func (w *haClientWrapper) CallService(ctx context.Context, domain, service string, body io.Reader) error {
	endpoint := fmt.Sprintf("%s/api/services/%s/%s",
		strings.TrimRight(w.baseURL, "/"),
		url.PathEscape(domain),
		url.PathEscape(service),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("create service request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.hc.Do(req)
	if err != nil {
		return fmt.Errorf("execute service request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var br struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&br)
		return &provider.HTTPError{
			Provider:   model.ProviderHomeAssistant,
			Operation:  domain + "." + service,
			StatusCode: resp.StatusCode,
			Body:       br.Message,
		}
	}
	return nil
}

func (w *haClientWrapper) ServiceResponse(ctx context.Context, domain, service, entityID string, body io.Reader) ([]byte, error) {
	resp, err := w.client.CallServiceWithResponse(ctx, domain, service, body)
	if err != nil {
		return nil, err
	}
	raw, ok := resp.ServiceResponse[entityID]
	if !ok {
		return nil, fmt.Errorf("no service response for entity %s", entityID)
	}
	return []byte(raw), nil
}

// Options are the process-wide HA connection defaults. A configuration's
// credentials override the token.
type Options struct {
	URL   string
	Token string
}

// Ping checks that the instance at baseURL accepts token. It needs no
// configuration and backs the connection check of the setup wizard.
func Ping(ctx context.Context, baseURL, token string, logger *slog.Logger) error {
	client, err := haclient.NewClient(baseURL, haclient.WithToken(token), haclient.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create HA REST client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("pinging %s: %w", baseURL, err)
	}
	return nil
}

// Adapter syncs one HA calendar entity. Create one with [New] or
// [NewWithClient].
type Adapter struct {
	provider.NoWebhooks

	opts     Options
	rest     RESTClient
	entityID string
	now      func() time.Time
	logger   *slog.Logger
}

// New returns an uninitialised adapter that connects with opts on
// [Adapter.Initialize].
func New(opts Options, logger *slog.Logger) *Adapter {
	return &Adapter{opts: opts, now: time.Now, logger: logger}
}

// NewWithClient returns an adapter with a caller-supplied REST client.
// Intended for testing with a mock [RESTClient].
func NewWithClient(rest RESTClient, logger *slog.Logger) *Adapter {
	return &Adapter{rest: rest, now: time.Now, logger: logger}
}

func (a *Adapter) Type() model.ProviderType { return model.ProviderHomeAssistant }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Directions:  []model.Direction{model.DirectionPull, model.DirectionPush, model.DirectionBidirectional},
		EntityTypes: []model.EntityType{model.EntityEvent},
	}
}

// Initialize resolves the calendar entity and builds the REST client.
func (a *Adapter) Initialize(_ context.Context, cfg *model.SyncConfiguration) error {
	settings, ok := cfg.Settings.(*model.HomeAssistantSettings)
	if !ok || settings.EntityID == "" {
		return &provider.ConfigError{Provider: model.ProviderHomeAssistant, Field: "settings.entity_id"}
	}
	a.entityID = settings.EntityID
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("provider", model.ProviderHomeAssistant, "entity_id", a.entityID)
	if a.rest != nil {
		return nil
	}

	token := cfg.Credentials.AccessToken
	if token == "" {
		token = a.opts.Token
	}
	if a.opts.URL == "" {
		return &provider.ConfigError{Provider: model.ProviderHomeAssistant, Field: "providers.home_assistant.url"}
	}
	if token == "" {
		return &provider.ConfigError{Provider: model.ProviderHomeAssistant, Field: "access_token"}
	}

	client, err := haclient.NewClient(a.opts.URL,
		haclient.WithToken(token),
		haclient.WithLogger(a.logger),
	)
	if err != nil {
		return fmt.Errorf("create HA REST client: %w", err)
	}
	a.rest = &haClientWrapper{
		client:  client,
		baseURL: a.opts.URL,
		token:   token,
		hc:      &http.Client{Timeout: provider.DefaultTimeout},
	}
	return nil
}

// ValidateConnection pings HA with retry. Unreachable or unauthorised
// instances report false without an error.
func (a *Adapter) ValidateConnection(ctx context.Context) (bool, error) {
	err := provider.Retry(ctx, provider.DefaultMaxAttempts, func() error {
		return a.rest.Ping(ctx)
	})
	if err != nil {
		a.logger.Warn("HA connection check failed", "error", err)
		return false, nil
	}
	return true, nil
}

// PullEvents fetches every event of the entity inside the sync window. HA
// has no incremental cursor, so syncToken is ignored.
func (a *Adapter) PullEvents(ctx context.Context, _ string) (*provider.PullResult, error) {
	now := a.now()
	data := buildGetEventsData(a.entityID, now.Add(-pullBack), now.Add(pullForward))

	var raw []byte
	err := provider.Retry(ctx, provider.DefaultMaxAttempts, func() error {
		var callErr error
		raw, callErr = a.rest.ServiceResponse(ctx, domainCalendar, serviceGetEvents, a.entityID, serviceBody(data))
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("get events for %s: %w", a.entityID, err)
	}

	var haResp haEventsResponse
	if err := json.Unmarshal(raw, &haResp); err != nil {
		return nil, fmt.Errorf("parse events response for %s: %w", a.entityID, err)
	}

	events := make([]model.ExternalEvent, 0, len(haResp.Events))
	for _, h := range haResp.Events {
		ext, err := haEventToExternal(h)
		if err != nil {
			a.logger.Warn("skipping unparseable HA event", "summary", h.Summary, "error", err)
			continue
		}
		events = append(events, ext)
	}
	return &provider.PullResult{Events: events}, nil
}

// PushEvent creates the event in HA.
func (a *Adapter) PushEvent(ctx context.Context, ev *model.ExternalEvent) (*provider.PushResult, error) {
	if ev.Start.IsZero() {
		return nil, errors.New("home assistant: event has no start")
	}
	data := buildCreateEventData(a.entityID, ev)
	err := provider.Retry(ctx, provider.DefaultMaxAttempts, func() error {
		return a.rest.CallService(ctx, domainCalendar, serviceCreateEvent, serviceBody(data))
	})
	if err != nil {
		return nil, fmt.Errorf("create event %q in %s: %w", ev.Summary, a.entityID, err)
	}
	return &provider.PushResult{
		ExternalID: derivedID(ev.Summary, ev.Start),
		ETag:       ev.ContentHash(),
	}, nil
}

// UpdateEvent submits the new version as a fresh event. The previous entry
// stays in HA.
func (a *Adapter) UpdateEvent(ctx context.Context, externalID string, ev *model.ExternalEvent) (*provider.PushResult, error) {
	a.logger.Info("HA cannot update calendar events, submitting new version", "external_id", externalID)
	return a.PushEvent(ctx, ev)
}

// DeleteEvent logs and succeeds; HA exposes no delete service.
func (a *Adapter) DeleteEvent(_ context.Context, externalID string) error {
	a.logger.Warn("HA cannot delete calendar events, skipping", "external_id", externalID)
	return nil
}

// serviceBody marshals data to a JSON [io.Reader] for service calls.
func serviceBody(data map[string]interface{}) io.Reader {
	b, _ := json.Marshal(data) //nolint:errcheck // map[string]interface{} always marshals
	return bytes.NewReader(b)
}
