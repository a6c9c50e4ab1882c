package webform

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
)

const (
	defaultFormPath   = "/events/submit"
	communityFormSel  = "form#event-submission, form[data-event-form]"
	submissionRefAttr = "data-submission-id"
)

// CommunityBoard submits events through the anonymous public form of a
// community board. Each submission is moderated by the site; updates are
// submitted again and deletes are not possible.
type CommunityBoard struct {
	provider.PushOnly
	provider.NoWebhooks

	baseURL  string
	hc       *http.Client
	logger   *slog.Logger
	settings *model.CommunityBoardSettings
	sess     *session
}

// NewCommunityBoard returns an uninitialised adapter for the board at
// baseURL. A nil hc uses a default client.
func NewCommunityBoard(baseURL string, hc *http.Client, logger *slog.Logger) *CommunityBoard {
	return &CommunityBoard{baseURL: baseURL, hc: hc, logger: logger}
}

func (c *CommunityBoard) Type() model.ProviderType { return model.ProviderCommunityBoard }

func (c *CommunityBoard) Capabilities() provider.Capabilities { return provider.PushOnlyCapabilities() }

func (c *CommunityBoard) Initialize(_ context.Context, cfg *model.SyncConfiguration) error {
	settings, ok := cfg.Settings.(*model.CommunityBoardSettings)
	if !ok || settings.ContactEmail == "" {
		return &provider.ConfigError{Provider: model.ProviderCommunityBoard, Field: "settings.contact_email"}
	}
	if c.baseURL == "" {
		return &provider.ConfigError{Provider: model.ProviderCommunityBoard, Field: "providers.community_board.base_url"}
	}
	if settings.FormPath == "" {
		settings.FormPath = defaultFormPath
	}
	c.settings = settings
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("provider", model.ProviderCommunityBoard)

	sess, err := newSession(model.ProviderCommunityBoard, c.hc, c.baseURL)
	if err != nil {
		return err
	}
	c.sess = sess
	return nil
}

// ValidateConnection loads the submission form.
func (c *CommunityBoard) ValidateConnection(ctx context.Context) (bool, error) {
	p, err := c.sess.get(ctx, "load form", c.settings.FormPath)
	if err != nil {
		c.logger.Warn("community board unreachable", "error", err)
		return false, nil
	}
	if _, err := p.form(communityFormSel); err != nil {
		c.logger.Warn("community board form missing", "error", err)
		return false, nil
	}
	return true, nil
}

// PushEvent fetches a fresh form for its CSRF token and submits the event.
func (c *CommunityBoard) PushEvent(ctx context.Context, ev *model.ExternalEvent) (*provider.PushResult, error) {
	var res *provider.PushResult
	err := provider.Retry(ctx, provider.DefaultMaxAttempts, func() error {
		var err error
		res, err = c.submit(ctx, ev)
		return err
	})
	return res, err
}

func (c *CommunityBoard) submit(ctx context.Context, ev *model.ExternalEvent) (*provider.PushResult, error) {
	p, err := c.sess.get(ctx, "load form", c.settings.FormPath)
	if err != nil {
		return nil, err
	}
	f, err := p.form(communityFormSel)
	if err != nil {
		return nil, &provider.ConfigError{Provider: model.ProviderCommunityBoard, Field: "settings.form_path", Reason: err.Error()}
	}

	values := merge(detailFields(ev), scheduleFields(ev))
	values.Set("contact_email", c.settings.ContactEmail)
	if c.settings.Category != "" {
		values.Set("category", c.settings.Category)
	}

	confirm, err := c.sess.submit(ctx, "submit event", f, values)
	if err != nil {
		return nil, err
	}
	if msg := confirm.errorText(); msg != "" {
		return nil, &provider.HTTPError{Provider: model.ProviderCommunityBoard, Operation: "submit event", StatusCode: http.StatusUnprocessableEntity, Body: msg}
	}

	ref := confirm.reference(submissionRefAttr, "/events/", c.settings.FormPath, f.Action)
	if ref == "" {
		// The board confirmed without a reference; keep the mapping unique.
		ref = "submission-" + uuid.NewString()
	}
	c.logger.Info("event submitted to community board", "reference", ref, "summary", ev.Summary)
	return &provider.PushResult{
		ExternalID: ref,
		ETag:       ev.ContentHash(),
		Metadata:   map[string]string{"submitted_via": "community_form"},
	}, nil
}

// UpdateEvent resubmits the event; the board has no edit form.
func (c *CommunityBoard) UpdateEvent(ctx context.Context, externalID string, ev *model.ExternalEvent) (*provider.PushResult, error) {
	c.logger.Info("community board cannot edit submissions, resubmitting", "external_id", externalID)
	res, err := c.PushEvent(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("resubmitting %s: %w", externalID, err)
	}
	return res, nil
}

// DeleteEvent is a no-op; submissions can only be withdrawn by moderators.
func (c *CommunityBoard) DeleteEvent(_ context.Context, externalID string) error {
	c.logger.Warn("community board cannot delete submissions, skipping", "external_id", externalID)
	return nil
}
