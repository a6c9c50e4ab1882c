package webform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
)

// Admin panel paths and selectors.
const (
	adminLoginPath = "/login"
	adminEvents    = "/admin/events"
	adminNews      = "/admin/announcements"

	loginFormSel    = "form#login-form"
	detailsFormSel  = "form#event-details"
	scheduleFormSel = "form#event-schedule"
	confirmFormSel  = "form#event-confirm"
	deleteFormSel   = "form#event-delete"
	newsFormSel     = "form#announcement-form"

	eventRefAttr = "data-event-id"
	newsRefAttr  = "data-announcement-id"
)

// AdminPanel publishes events and announcements through the session-based
// back office of a venue site. Event creation is a three-step wizard:
// details, schedule, confirmation.
type AdminPanel struct {
	provider.PushOnly
	provider.NoWebhooks

	baseURL  string
	hc       *http.Client
	logger   *slog.Logger
	creds    model.Credentials
	settings *model.AdminPanelSettings

	mu       sync.Mutex
	sess     *session
	loggedIn bool
}

// NewAdminPanel returns an uninitialised adapter for the panel at baseURL.
func NewAdminPanel(baseURL string, hc *http.Client, logger *slog.Logger) *AdminPanel {
	return &AdminPanel{baseURL: baseURL, hc: hc, logger: logger}
}

func (a *AdminPanel) Type() model.ProviderType { return model.ProviderAdminPanel }

func (a *AdminPanel) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Directions:  []model.Direction{model.DirectionPush},
		EntityTypes: []model.EntityType{model.EntityEvent, model.EntityAnnouncement},
	}
}

func (a *AdminPanel) Initialize(_ context.Context, cfg *model.SyncConfiguration) error {
	if cfg.Credentials.Username == "" {
		return &provider.ConfigError{Provider: model.ProviderAdminPanel, Field: "username"}
	}
	if cfg.Credentials.Password == "" {
		return &provider.ConfigError{Provider: model.ProviderAdminPanel, Field: "password"}
	}
	settings, ok := cfg.Settings.(*model.AdminPanelSettings)
	if !ok || settings.Organization == "" {
		return &provider.ConfigError{Provider: model.ProviderAdminPanel, Field: "settings.organization"}
	}
	if a.baseURL == "" {
		return &provider.ConfigError{Provider: model.ProviderAdminPanel, Field: "providers.admin_panel.base_url"}
	}
	a.creds = cfg.Credentials
	a.settings = settings
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("provider", model.ProviderAdminPanel, "organization", settings.Organization)

	sess, err := newSession(model.ProviderAdminPanel, a.hc, a.baseURL)
	if err != nil {
		return err
	}
	sess.loginPath = adminLoginPath
	a.sess = sess
	return nil
}

// login opens a session. Rejected credentials are reported as unauthorized.
func (a *AdminPanel) login(ctx context.Context) error {
	a.loggedIn = false
	p, err := a.sess.get(ctx, "load login", adminLoginPath)
	if err != nil {
		return err
	}
	f, err := p.form(loginFormSel)
	if err != nil {
		return fmt.Errorf("admin panel login: %w", err)
	}
	after, err := a.sess.submit(ctx, "login", f, url.Values{
		"username": {a.creds.Username},
		"password": {a.creds.Password},
	})
	if err != nil {
		return err
	}
	if after.URL.Path == adminLoginPath || after.Doc.Find(loginFormSel).Length() > 0 {
		return &provider.HTTPError{Provider: model.ProviderAdminPanel, Operation: "login", StatusCode: http.StatusUnauthorized, Body: after.errorText()}
	}
	a.loggedIn = true
	a.logger.Debug("admin panel session opened")
	return nil
}

// withSession runs fn inside a logged-in session. An expired session is
// re-established once; a second rejection asks the user to reconnect.
func (a *AdminPanel) withSession(ctx context.Context, fn func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.loggedIn {
		if err := a.login(ctx); err != nil {
			if errors.Is(err, provider.ErrUnauthorized) {
				return &provider.ReconnectError{Provider: model.ProviderAdminPanel, Err: err}
			}
			return err
		}
	}
	return provider.WithAuthRetry(ctx, model.ProviderAdminPanel, a.login, fn)
}

// ValidateConnection logs in.
func (a *AdminPanel) ValidateConnection(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.login(ctx); err != nil {
		a.logger.Warn("admin panel login failed", "error", err)
		return false, nil
	}
	return true, nil
}

// PushEvent runs the creation wizard.
func (a *AdminPanel) PushEvent(ctx context.Context, ev *model.ExternalEvent) (*provider.PushResult, error) {
	var res *provider.PushResult
	err := a.withSession(ctx, func() error {
		var err error
		res, err = a.wizard(ctx, adminEvents+"/new", ev)
		return err
	})
	if err == nil && res.ExternalID == "" {
		res.ExternalID = "submission-" + uuid.NewString()
		a.logger.Warn("admin panel reported no event id", "external_id", res.ExternalID, "summary", ev.Summary)
	}
	return res, err
}

// UpdateEvent runs the wizard on the edit form of externalID.
func (a *AdminPanel) UpdateEvent(ctx context.Context, externalID string, ev *model.ExternalEvent) (*provider.PushResult, error) {
	var res *provider.PushResult
	err := a.withSession(ctx, func() error {
		var err error
		res, err = a.wizard(ctx, adminEvents+"/"+url.PathEscape(externalID)+"/edit", ev)
		return err
	})
	if err == nil && res.ExternalID == "" {
		res.ExternalID = externalID
	}
	return res, err
}

func (a *AdminPanel) wizard(ctx context.Context, start string, ev *model.ExternalEvent) (*provider.PushResult, error) {
	p, err := a.sess.get(ctx, "load event form", start)
	if err != nil {
		return nil, err
	}

	details := detailFields(ev)
	details.Set("organization", a.settings.Organization)
	if a.settings.Category != "" {
		details.Set("category", a.settings.Category)
	}

	steps := []struct {
		op       string
		selector string
		values   url.Values
	}{
		{"submit details", detailsFormSel, details},
		{"submit schedule", scheduleFormSel, a.schedule(ev)},
		{"confirm event", confirmFormSel, url.Values{"confirm": {"1"}}},
	}
	forms := []string{start}
	for _, step := range steps {
		f, err := p.form(step.selector)
		if err != nil {
			if msg := p.errorText(); msg != "" {
				return nil, &provider.HTTPError{Provider: model.ProviderAdminPanel, Operation: step.op, StatusCode: http.StatusUnprocessableEntity, Body: msg}
			}
			return nil, fmt.Errorf("admin panel %s: %w", step.op, err)
		}
		forms = append(forms, f.Action)
		if p, err = a.sess.submit(ctx, step.op, f, step.values); err != nil {
			return nil, err
		}
	}

	ref := p.reference(eventRefAttr, adminEvents+"/", forms...)
	a.logger.Info("event published to admin panel", "external_id", ref, "summary", ev.Summary)
	return &provider.PushResult{ExternalID: ref, ETag: ev.ContentHash()}, nil
}

func (a *AdminPanel) schedule(ev *model.ExternalEvent) url.Values {
	v := scheduleFields(ev)
	for _, line := range ev.Recurrence {
		if strings.HasPrefix(line, "RRULE:") {
			v.Set("recurrence", strings.TrimPrefix(line, "RRULE:"))
			break
		}
	}
	return v
}

// DeleteEvent submits the delete form of externalID. Already deleted
// events count as done.
func (a *AdminPanel) DeleteEvent(ctx context.Context, externalID string) error {
	return a.withSession(ctx, func() error {
		p, err := a.sess.get(ctx, "load event", adminEvents+"/"+url.PathEscape(externalID))
		var httpErr *provider.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		f, err := p.form(deleteFormSel)
		if err != nil {
			return fmt.Errorf("admin panel delete event: %w", err)
		}
		_, err = a.sess.submit(ctx, "delete event", f, nil)
		return err
	})
}

// PushAnnouncement implements [provider.AnnouncementPusher].
func (a *AdminPanel) PushAnnouncement(ctx context.Context, ann *model.Announcement) (*provider.PushResult, error) {
	return a.announcement(ctx, adminNews+"/new", "", ann)
}

// UpdateAnnouncement implements [provider.AnnouncementPusher].
func (a *AdminPanel) UpdateAnnouncement(ctx context.Context, externalID string, ann *model.Announcement) (*provider.PushResult, error) {
	return a.announcement(ctx, adminNews+"/"+url.PathEscape(externalID)+"/edit", externalID, ann)
}

func (a *AdminPanel) announcement(ctx context.Context, path, externalID string, ann *model.Announcement) (*provider.PushResult, error) {
	var res *provider.PushResult
	err := a.withSession(ctx, func() error {
		p, err := a.sess.get(ctx, "load announcement form", path)
		if err != nil {
			return err
		}
		f, err := p.form(newsFormSel)
		if err != nil {
			return fmt.Errorf("admin panel announcement: %w", err)
		}
		values := url.Values{
			"title":        {ann.Title},
			"body":         {ann.Body},
			"organization": {a.settings.Organization},
		}
		if !ann.PublishAt.IsZero() {
			values.Set("publish_date", ann.PublishAt.UTC().Format(formDate))
			values.Set("publish_time", ann.PublishAt.UTC().Format(formTime))
		}
		done, err := a.sess.submit(ctx, "submit announcement", f, values)
		if err != nil {
			return err
		}
		ref := done.reference(newsRefAttr, adminNews+"/", path, f.Action)
		switch {
		case ref != "":
		case externalID != "":
			ref = externalID
		default:
			ref = "submission-" + uuid.NewString()
			a.logger.Warn("admin panel reported no announcement id", "external_id", ref)
		}
		res = &provider.PushResult{ExternalID: ref}
		return nil
	})
	return res, err
}
