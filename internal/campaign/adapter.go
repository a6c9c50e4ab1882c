// Package campaign announces events by e-mail through a campaign-sending
// API. One push fans out to every attendee plus the configured recipients,
// with the event attached as a calendar file. Delivery, open and click
// tracking arrives through a signed webhook.
package campaign

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/go-resty/resty/v2"

	"github.com/njoerd114/eventsync/internal/ics"
	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Campaign-Signature"

// Tracking kinds recorded from delivery webhooks.
var trackedKinds = []string{"delivered", "opened", "clicked", "bounced"}

// Metadata keys written onto the mapping.
const (
	MetaRecipients       = "recipient_count"
	MetaPreviousCampaign = "previous_campaign_id"
)

// Options are the process-wide API settings.
type Options struct {
	BaseURL       string
	APIKey        string
	FromAddress   string
	WebhookSecret string
	// Assets, when set, supplies previously generated calendar files.
	Assets     *ics.Assets
	HTTPClient *http.Client
}

type recipient struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
}

type campaignRequest struct {
	From        string            `json:"from"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Subject     string            `json:"subject"`
	Text        string            `json:"text"`
	ListID      string            `json:"list_id,omitempty"`
	Recipients  []recipient       `json:"recipients,omitempty"`
	Attachments []attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	SendNow     bool              `json:"send_now"`
}

type campaignResponse struct {
	ID         string `json:"id"`
	Recipients int    `json:"recipient_count"`
}

type webhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type webhookResponse struct {
	ID string `json:"id"`
}

type deliveryPayload struct {
	Events []struct {
		Type       string `json:"type"`
		CampaignID string `json:"campaign_id"`
		Email      string `json:"email"`
		Timestamp  int64  `json:"timestamp"`
	} `json:"events"`
}

// Adapter serves one sender configuration.
type Adapter struct {
	provider.PushOnly

	opts     Options
	logger   *slog.Logger
	now      func() time.Time
	rest     *resty.Client
	settings *model.EmailCampaignSettings
}

// New returns an uninitialised adapter.
func New(opts Options, logger *slog.Logger) *Adapter {
	return &Adapter{opts: opts, logger: logger, now: time.Now}
}

func (a *Adapter) Type() model.ProviderType { return model.ProviderEmailCampaign }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Directions:  []model.Direction{model.DirectionPush},
		EntityTypes: []model.EntityType{model.EntityEvent},
		Webhooks:    true,
	}
}

func (a *Adapter) Initialize(_ context.Context, cfg *model.SyncConfiguration) error {
	key := cfg.Credentials.APIKey
	if key == "" {
		key = a.opts.APIKey
	}
	if key == "" {
		return &provider.ConfigError{Provider: model.ProviderEmailCampaign, Field: "api_key"}
	}
	if a.opts.BaseURL == "" {
		return &provider.ConfigError{Provider: model.ProviderEmailCampaign, Field: "providers.email_campaign.base_url"}
	}
	if a.opts.FromAddress == "" {
		return &provider.ConfigError{Provider: model.ProviderEmailCampaign, Field: "providers.email_campaign.from_address"}
	}
	settings, ok := cfg.Settings.(*model.EmailCampaignSettings)
	if !ok {
		settings = &model.EmailCampaignSettings{}
	}
	a.settings = settings
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("provider", model.ProviderEmailCampaign)
	a.rest = provider.NewRESTClient(a.opts.HTTPClient, a.opts.BaseURL).SetAuthToken(key)
	return nil
}

func (a *Adapter) do(ctx context.Context, op string, send func(r *resty.Request) (*resty.Response, error)) error {
	return provider.WithAuthRetry(ctx, model.ProviderEmailCampaign, nil, func() error {
		return provider.Retry(ctx, provider.DefaultMaxAttempts, func() error {
			resp, err := send(a.rest.R().SetContext(ctx))
			return provider.CheckResponse(model.ProviderEmailCampaign, op, resp, err)
		})
	})
}

// ValidateConnection reads the sender account.
func (a *Adapter) ValidateConnection(ctx context.Context) (bool, error) {
	resp, err := a.rest.R().SetContext(ctx).Get("/v3/account")
	if err := provider.CheckResponse(model.ProviderEmailCampaign, "get account", resp, err); err != nil {
		a.logger.Warn("campaign connection check failed", "error", err)
		return false, nil
	}
	return true, nil
}

// PushEvent sends the announcement campaign.
func (a *Adapter) PushEvent(ctx context.Context, ev *model.ExternalEvent) (*provider.PushResult, error) {
	return a.send(ctx, ev, false)
}

// UpdateEvent sends a follow-up campaign flagged as an update. Sent mail
// cannot be edited, so the mapping moves to the new campaign.
func (a *Adapter) UpdateEvent(ctx context.Context, externalID string, ev *model.ExternalEvent) (*provider.PushResult, error) {
	res, err := a.send(ctx, ev, true)
	if err != nil {
		return nil, err
	}
	res.Metadata[MetaPreviousCampaign] = externalID
	return res, nil
}

// DeleteEvent is a no-op; delivered mail cannot be recalled.
func (a *Adapter) DeleteEvent(_ context.Context, externalID string) error {
	a.logger.Warn("sent campaigns cannot be recalled, skipping delete", "external_id", externalID)
	return nil
}

func (a *Adapter) send(ctx context.Context, ev *model.ExternalEvent, update bool) (*provider.PushResult, error) {
	recipients := a.recipients(ev)
	if len(recipients) == 0 && a.settings.ListID == "" {
		return nil, &provider.ConfigError{Provider: model.ProviderEmailCampaign, Field: "settings.recipients", Reason: "resolve to no one"}
	}
	att, err := a.attachment(ev, update)
	if err != nil {
		return nil, err
	}

	req := campaignRequest{
		From:        a.opts.FromAddress,
		Subject:     a.subject(ev, update),
		Text:        body(ev),
		ListID:      a.settings.ListID,
		Recipients:  recipients,
		Attachments: []attachment{att},
		Metadata:    ev.Metadata,
		SendNow:     true,
	}
	if ev.Organizer != nil && ev.Organizer.Email != "" {
		req.ReplyTo = ev.Organizer.Email
	}

	var out campaignResponse
	err = a.do(ctx, "send campaign", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(req).SetResult(&out).Post("/v3/campaigns")
	})
	if err != nil {
		return nil, err
	}
	count := out.Recipients
	if count == 0 {
		count = len(recipients)
	}
	a.logger.Info("campaign sent", "campaign_id", out.ID, "recipients", count, "update", update)
	return &provider.PushResult{
		ExternalID: out.ID,
		ETag:       ev.ContentHash(),
		Metadata:   map[string]string{MetaRecipients: fmt.Sprint(count)},
	}, nil
}

// recipients merges attendees and configured addresses, deduplicated
// case-insensitively in first-seen order.
func (a *Adapter) recipients(ev *model.ExternalEvent) []recipient {
	seen := make(map[string]bool)
	var out []recipient
	add := func(email, name string) {
		key := strings.ToLower(strings.TrimSpace(email))
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, recipient{Email: strings.TrimSpace(email), Name: name})
	}
	for _, at := range ev.Attendees {
		add(at.Email, at.DisplayName)
	}
	for _, r := range a.settings.Recipients {
		add(r, "")
	}
	return out
}

func (a *Adapter) subject(ev *model.ExternalEvent, update bool) string {
	s := ev.Summary
	if update {
		s = "Updated: " + s
	}
	if ev.IsCancelled() {
		s = "Cancelled: " + ev.Summary
	}
	if a.settings.SubjectPrefix != "" {
		s = a.settings.SubjectPrefix + " " + s
	}
	return s
}

// attachment prefers the generated asset file of the event and renders a
// fresh invitation otherwise.
func (a *Adapter) attachment(ev *model.ExternalEvent, update bool) (attachment, error) {
	id := ev.InternalID()
	var data []byte
	if a.opts.Assets != nil && id != "" {
		b, err := a.opts.Assets.Read(id)
		if err != nil {
			a.logger.Warn("reading calendar asset failed, rendering inline", "event_id", id, "error", err)
		}
		data = b
	}
	if data == nil {
		uid := id
		if uid == "" {
			uid = ev.ContentHash()[:16]
		}
		seq := 0
		if update {
			seq = 1
		}
		b, err := ics.Build(ev, ics.Options{UID: uid + "@eventsync", Method: ical.MethodRequest, Sequence: seq, Stamp: a.now()})
		if err != nil {
			return attachment{}, fmt.Errorf("rendering invitation: %w", err)
		}
		data = b
	}
	name := "event.ics"
	if id != "" {
		name = ics.FileName(id)
	}
	return attachment{
		Filename:    name,
		ContentType: "text/calendar; charset=utf-8",
		Content:     base64.StdEncoding.EncodeToString(data),
	}, nil
}

func body(ev *model.ExternalEvent) string {
	var b strings.Builder
	b.WriteString(ev.Summary)
	b.WriteString("\n\n")
	if ev.Start.IsAllDay() {
		fmt.Fprintf(&b, "When: %s\n", ev.Start.Date)
	} else {
		start := ev.Start.DateTime
		if ev.Start.TimeZone != "" {
			if loc, err := time.LoadLocation(ev.Start.TimeZone); err == nil {
				start = start.In(loc)
			}
		}
		fmt.Fprintf(&b, "When: %s\n", start.Format("Mon, 02 Jan 2006 15:04 MST"))
	}
	where := ev.Location
	if where == "" {
		where = ev.Venue.String()
	}
	if where != "" {
		fmt.Fprintf(&b, "Where: %s\n", where)
	}
	if ev.Description != "" {
		b.WriteString("\n")
		b.WriteString(ev.Description)
		b.WriteString("\n")
	}
	if ev.SourceURL != "" {
		fmt.Fprintf(&b, "\nMore: %s\n", ev.SourceURL)
	}
	return b.String()
}

// SetupWebhook subscribes callbackURL to delivery events. Subscriptions do
// not expire.
func (a *Adapter) SetupWebhook(ctx context.Context, callbackURL string) (*provider.WebhookRegistration, error) {
	var out webhookResponse
	err := a.do(ctx, "create webhook", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(webhookRequest{URL: callbackURL, Events: trackedKinds}).SetResult(&out).Post("/v3/webhooks")
	})
	if err != nil {
		return nil, err
	}
	return &provider.WebhookRegistration{ChannelID: out.ID, ResourceID: out.ID}, nil
}

// RenewWebhook replaces the subscription.
func (a *Adapter) RenewWebhook(ctx context.Context, sub *model.WebhookSubscription, callbackURL string) (*provider.WebhookRegistration, error) {
	reg, err := a.SetupWebhook(ctx, callbackURL)
	if err != nil {
		return nil, err
	}
	if err := a.CancelWebhook(ctx, sub); err != nil {
		a.logger.Warn("removing replaced webhook failed", "channel_id", sub.ChannelID, "error", err)
	}
	return reg, nil
}

// CancelWebhook deletes the subscription. Unknown subscriptions count as
// deleted.
func (a *Adapter) CancelWebhook(ctx context.Context, sub *model.WebhookSubscription) error {
	err := a.do(ctx, "delete webhook", func(r *resty.Request) (*resty.Response, error) {
		return r.Delete("/v3/webhooks/" + url.PathEscape(sub.ChannelID))
	})
	var httpErr *provider.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// ProcessWebhook verifies the signature and converts tracked events into
// deliveries. Tracking never asks for a resync.
func (a *Adapter) ProcessWebhook(_ context.Context, n provider.Notification) (*provider.WebhookResult, error) {
	if err := a.verify(n); err != nil {
		return nil, err
	}
	var payload deliveryPayload
	if err := json.Unmarshal(n.Body, &payload); err != nil {
		return nil, fmt.Errorf("%s webhook: decoding payload: %w", model.ProviderEmailCampaign, err)
	}
	res := &provider.WebhookResult{}
	for _, e := range payload.Events {
		kind := strings.ToLower(e.Type)
		if !slices.Contains(trackedKinds, kind) || e.CampaignID == "" {
			continue
		}
		at := a.now().UTC()
		if e.Timestamp > 0 {
			at = time.Unix(e.Timestamp, 0).UTC()
		}
		res.Deliveries = append(res.Deliveries, provider.DeliveryEvent{
			ExternalID: e.CampaignID,
			Recipient:  e.Email,
			Kind:       kind,
			At:         at,
		})
	}
	return res, nil
}

func (a *Adapter) verify(n provider.Notification) error {
	if a.opts.WebhookSecret == "" {
		return &provider.ConfigError{Provider: model.ProviderEmailCampaign, Field: "providers.email_campaign.webhook_secret"}
	}
	got, err := hex.DecodeString(n.Headers.Get(SignatureHeader))
	if err != nil || len(got) == 0 {
		return fmt.Errorf("%s webhook: missing or malformed signature", model.ProviderEmailCampaign)
	}
	if !hmac.Equal(got, Sign(a.opts.WebhookSecret, n.Body)) {
		return fmt.Errorf("%s webhook: signature mismatch", model.ProviderEmailCampaign)
	}
	return nil
}

// Sign returns the HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
