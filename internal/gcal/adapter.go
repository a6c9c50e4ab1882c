// Package gcal is the bidirectional calendar REST adapter. It authenticates
// with OAuth2 access tokens that are refreshed on demand, pulls incrementally
// with sync tokens, and subscribes to push notifications through watch
// channels.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
)

const (
	defaultCalendarID = "primary"
	defaultTTL        = 7 * 24 * time.Hour

	pullBack    = 365 * 24 * time.Hour
	pullForward = 2 * 365 * 24 * time.Hour

	// expiryLeeway refreshes tokens that are about to expire.
	expiryLeeway = time.Minute
)

// Notification headers of watch channels.
const (
	headerChannelID     = "X-Goog-Channel-Id"
	headerResourceState = "X-Goog-Resource-State"
)

// Options are the process-wide OAuth client and API settings.
type Options struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	APIBaseURL   string
	WebhookTTL   time.Duration
	// HTTPClient is used for API and token requests. Nil uses a default
	// client with [provider.DefaultTimeout].
	HTTPClient *http.Client
}

// Adapter serves one calendar of one configuration.
type Adapter struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	rest       *resty.Client
	oauth      *oauth2.Config
	calendarID string

	mu      sync.Mutex
	token   *oauth2.Token
	initial model.Credentials
	renewed bool
}

// New returns an uninitialised adapter.
func New(opts Options, logger *slog.Logger) *Adapter {
	if opts.WebhookTTL <= 0 {
		opts.WebhookTTL = defaultTTL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: provider.DefaultTimeout}
	}
	return &Adapter{opts: opts, logger: logger, now: time.Now}
}

func (a *Adapter) Type() model.ProviderType { return model.ProviderGoogleCalendar }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Directions:  []model.Direction{model.DirectionPull, model.DirectionPush, model.DirectionBidirectional},
		EntityTypes: []model.EntityType{model.EntityEvent},
		Webhooks:    true,
	}
}

// Initialize validates the stored tokens and prepares the REST client.
func (a *Adapter) Initialize(_ context.Context, cfg *model.SyncConfiguration) error {
	creds := cfg.Credentials
	if creds.AccessToken == "" && creds.RefreshToken == "" {
		return &provider.ConfigError{Provider: model.ProviderGoogleCalendar, Field: "access_token"}
	}
	if a.opts.APIBaseURL == "" {
		return &provider.ConfigError{Provider: model.ProviderGoogleCalendar, Field: "providers.google_calendar.api_base_url"}
	}

	a.calendarID = defaultCalendarID
	if s, ok := cfg.Settings.(*model.GoogleCalendarSettings); ok && s.CalendarID != "" {
		a.calendarID = s.CalendarID
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("provider", model.ProviderGoogleCalendar, "calendar_id", a.calendarID)

	a.oauth = &oauth2.Config{
		ClientID:     a.opts.ClientID,
		ClientSecret: a.opts.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: a.opts.TokenURL},
	}
	a.initial = creds
	a.token = &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		TokenType:    creds.TokenType,
		Expiry:       creds.Expiry,
	}
	a.rest = provider.NewRESTClient(a.opts.HTTPClient, a.opts.APIBaseURL)
	return nil
}

// RefreshedCredentials implements [provider.CredentialRefresher].
func (a *Adapter) RefreshedCredentials() (model.Credentials, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	creds := a.initial
	creds.AccessToken = a.token.AccessToken
	creds.TokenType = a.token.TokenType
	creds.Expiry = a.token.Expiry
	if a.token.RefreshToken != "" {
		creds.RefreshToken = a.token.RefreshToken
	}
	return creds, a.renewed
}

// refresh exchanges the refresh token for a new access token.
func (a *Adapter) refresh(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token.RefreshToken == "" {
		return &provider.ConfigError{Provider: model.ProviderGoogleCalendar, Field: "refresh_token"}
	}
	if a.oauth.ClientID == "" || a.oauth.Endpoint.TokenURL == "" {
		return &provider.ConfigError{Provider: model.ProviderGoogleCalendar, Field: "providers.google_calendar.client_id"}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.opts.HTTPClient)
	// A token without access token forces the source to refresh.
	src := a.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: a.token.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return fmt.Errorf("refreshing access token: %w", err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = a.token.RefreshToken
	}
	a.token = tok
	a.renewed = true
	a.logger.Debug("access token refreshed", "expiry", tok.Expiry)
	return nil
}

func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	tok := a.token
	a.mu.Unlock()
	stale := tok.AccessToken == "" || (!tok.Expiry.IsZero() && tok.Expiry.Before(a.now().Add(expiryLeeway)))
	if stale && tok.RefreshToken != "" {
		if err := a.refresh(ctx); err != nil {
			return "", &provider.ReconnectError{Provider: model.ProviderGoogleCalendar, Err: err}
		}
		a.mu.Lock()
		tok = a.token
		a.mu.Unlock()
	}
	return tok.AccessToken, nil
}

// do runs one authenticated request with a single refresh-and-retry on 401.
func (a *Adapter) do(ctx context.Context, op string, send func(r *resty.Request) (*resty.Response, error)) error {
	return provider.WithAuthRetry(ctx, model.ProviderGoogleCalendar, a.refresh, func() error {
		token, err := a.accessToken(ctx)
		if err != nil {
			return err
		}
		resp, err := send(a.rest.R().SetContext(ctx).SetAuthToken(token))
		return provider.CheckResponse(model.ProviderGoogleCalendar, op, resp, err)
	})
}

func (a *Adapter) eventsPath() string {
	return "/calendars/" + url.PathEscape(a.calendarID) + "/events"
}

// ValidateConnection reads the calendar metadata.
func (a *Adapter) ValidateConnection(ctx context.Context) (bool, error) {
	err := a.do(ctx, "get calendar", func(r *resty.Request) (*resty.Response, error) {
		return r.Get("/calendars/" + url.PathEscape(a.calendarID))
	})
	if err != nil {
		a.logger.Warn("calendar connection check failed", "error", err)
		return false, nil
	}
	return true, nil
}

// PullEvents lists changed events. With a sync token only changes since the
// token are returned; without one the window from one year back to two
// years ahead is listed. A 410 response yields [provider.ErrSyncTokenInvalid].
func (a *Adapter) PullEvents(ctx context.Context, syncToken string) (*provider.PullResult, error) {
	res := &provider.PullResult{}
	pageToken := ""
	for {
		params := map[string]string{"showDeleted": "true", "maxResults": "250"}
		if syncToken != "" {
			params["syncToken"] = syncToken
		} else {
			now := a.now()
			params["timeMin"] = now.Add(-pullBack).UTC().Format(time.RFC3339)
			params["timeMax"] = now.Add(pullForward).UTC().Format(time.RFC3339)
		}
		if pageToken != "" {
			params["pageToken"] = pageToken
		}

		var page gEventList
		err := a.do(ctx, "list events", func(r *resty.Request) (*resty.Response, error) {
			return r.SetQueryParams(params).SetResult(&page).Get(a.eventsPath())
		})
		if err != nil {
			if isGone(err) {
				return nil, fmt.Errorf("list events: %w", provider.ErrSyncTokenInvalid)
			}
			return nil, err
		}

		for i := range page.Items {
			ext, err := toExternal(&page.Items[i])
			if err != nil {
				a.logger.Warn("skipping unparseable event", "external_id", page.Items[i].ID, "error", err)
				continue
			}
			res.Events = append(res.Events, ext)
		}
		if page.NextPageToken == "" {
			res.NextSyncToken = page.NextSyncToken
			return res, nil
		}
		pageToken = page.NextPageToken
	}
}

// PushEvent inserts the event. The internal ID is stored as a private
// extended property.
func (a *Adapter) PushEvent(ctx context.Context, ev *model.ExternalEvent) (*provider.PushResult, error) {
	var out gEvent
	err := a.do(ctx, "insert event", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(fromExternal(ev)).SetResult(&out).Post(a.eventsPath())
	})
	if err != nil {
		return nil, err
	}
	return &provider.PushResult{ExternalID: out.ID, ETag: out.ETag}, nil
}

// UpdateEvent replaces the event.
func (a *Adapter) UpdateEvent(ctx context.Context, externalID string, ev *model.ExternalEvent) (*provider.PushResult, error) {
	var out gEvent
	err := a.do(ctx, "update event", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(fromExternal(ev)).SetResult(&out).Put(a.eventsPath() + "/" + url.PathEscape(externalID))
	})
	if err != nil {
		return nil, err
	}
	return &provider.PushResult{ExternalID: out.ID, ETag: out.ETag}, nil
}

// DeleteEvent removes the event. Events that are already gone count as
// deleted.
func (a *Adapter) DeleteEvent(ctx context.Context, externalID string) error {
	err := a.do(ctx, "delete event", func(r *resty.Request) (*resty.Response, error) {
		return r.Delete(a.eventsPath() + "/" + url.PathEscape(externalID))
	})
	if isGone(err) || isNotFound(err) {
		return nil
	}
	return err
}

// SetupWebhook opens a watch channel on the calendar's events.
func (a *Adapter) SetupWebhook(ctx context.Context, callbackURL string) (*provider.WebhookRegistration, error) {
	req := gChannel{
		ID:      uuid.NewString(),
		Type:    "web_hook",
		Address: callbackURL,
		Params:  map[string]string{"ttl": strconv.FormatInt(int64(a.opts.WebhookTTL/time.Second), 10)},
	}
	var out gChannel
	err := a.do(ctx, "watch events", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(req).SetResult(&out).Post(a.eventsPath() + "/watch")
	})
	if err != nil {
		return nil, err
	}

	reg := &provider.WebhookRegistration{ChannelID: out.ID, ResourceID: out.ResourceID}
	if reg.ChannelID == "" {
		reg.ChannelID = req.ID
	}
	if ms, perr := strconv.ParseInt(out.Expiration, 10, 64); perr == nil {
		reg.ExpiresAt = time.UnixMilli(ms).UTC()
	} else {
		reg.ExpiresAt = a.now().Add(a.opts.WebhookTTL).UTC()
	}
	return reg, nil
}

// RenewWebhook opens a replacement channel and stops the old one. Watch
// channels cannot be extended in place.
func (a *Adapter) RenewWebhook(ctx context.Context, sub *model.WebhookSubscription, callbackURL string) (*provider.WebhookRegistration, error) {
	reg, err := a.SetupWebhook(ctx, callbackURL)
	if err != nil {
		return nil, err
	}
	if err := a.CancelWebhook(ctx, sub); err != nil {
		a.logger.Warn("failed to stop replaced channel", "channel_id", sub.ChannelID, "error", err)
	}
	return reg, nil
}

// CancelWebhook stops the channel of sub.
func (a *Adapter) CancelWebhook(ctx context.Context, sub *model.WebhookSubscription) error {
	body := gChannel{ID: sub.ChannelID, ResourceID: sub.ResourceID}
	err := a.do(ctx, "stop channel", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(body).Post("/channels/stop")
	})
	if isNotFound(err) {
		return nil
	}
	return err
}

// ProcessWebhook asks for a resync on every change notification. The
// initial "sync" handshake carries no change.
func (a *Adapter) ProcessWebhook(_ context.Context, n provider.Notification) (*provider.WebhookResult, error) {
	res := &provider.WebhookResult{ChannelID: n.Headers.Get(headerChannelID)}
	res.Resync = n.Headers.Get(headerResourceState) != "sync"
	return res, nil
}

func httpStatus(err error) int {
	var httpErr *provider.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

func isGone(err error) bool     { return httpStatus(err) == http.StatusGone }
func isNotFound(err error) bool { return httpStatus(err) == http.StatusNotFound }
