package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/eventsync/internal/mapping"
	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
	"github.com/njoerd114/eventsync/internal/state"
)

// --- Clock -------------------------------------------------------------------

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// --- Mock Adapter ------------------------------------------------------------

type mockAdapter struct {
	mu   sync.Mutex
	caps provider.Capabilities

	initErr error

	pullEvents   []model.ExternalEvent
	nextToken    string
	invalidToken string
	pullTokens   []string

	nextID    int
	pushed    []*model.ExternalEvent
	pushErr   map[string]error // by summary
	updates   []string         // external IDs
	updateErr error
	deleted   []string
	deleteErr error

	announcements []string

	webhookSeq    int
	webhookTTL    time.Duration
	now           func() time.Time
	cancelled     []string // channel IDs
	cancelErr     error
	webhookResult *provider.WebhookResult
	processed     int

	refreshed *model.Credentials
}

func newMockAdapter(caps provider.Capabilities) *mockAdapter {
	return &mockAdapter{
		caps:       caps,
		pushErr:    make(map[string]error),
		webhookTTL: 7 * 24 * time.Hour,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func bidirectionalCaps() provider.Capabilities {
	return provider.Capabilities{
		Directions:  []model.Direction{model.DirectionPull, model.DirectionPush, model.DirectionBidirectional},
		EntityTypes: []model.EntityType{model.EntityEvent},
		Webhooks:    true,
	}
}

func (m *mockAdapter) Type() model.ProviderType { return model.ProviderGoogleCalendar }

func (m *mockAdapter) Capabilities() provider.Capabilities { return m.caps }

func (m *mockAdapter) Initialize(context.Context, *model.SyncConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initErr
}

func (m *mockAdapter) ValidateConnection(context.Context) (bool, error) { return true, nil }

func (m *mockAdapter) PullEvents(_ context.Context, token string) (*provider.PullResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pullTokens = append(m.pullTokens, token)
	if !m.caps.CanPull() {
		return nil, &provider.NotSupportedError{Operation: "pull events"}
	}
	if token != "" && token == m.invalidToken {
		return nil, provider.ErrSyncTokenInvalid
	}
	events := append([]model.ExternalEvent(nil), m.pullEvents...)
	return &provider.PullResult{Events: events, NextSyncToken: m.nextToken}, nil
}

func (m *mockAdapter) PushEvent(_ context.Context, ev *model.ExternalEvent) (*provider.PushResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.pushErr[ev.Summary]; err != nil {
		return nil, err
	}
	m.nextID++
	cp := *ev
	m.pushed = append(m.pushed, &cp)
	return &provider.PushResult{ExternalID: fmt.Sprintf("mock-%d", m.nextID), ETag: "etag-1"}, nil
}

func (m *mockAdapter) UpdateEvent(_ context.Context, externalID string, _ *model.ExternalEvent) (*provider.PushResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	m.updates = append(m.updates, externalID)
	return &provider.PushResult{ExternalID: externalID, ETag: fmt.Sprintf("etag-%d", len(m.updates)+1)}, nil
}

func (m *mockAdapter) DeleteEvent(_ context.Context, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, externalID)
	return m.deleteErr
}

func (m *mockAdapter) PushAnnouncement(_ context.Context, a *model.Announcement) (*provider.PushResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.announcements = append(m.announcements, a.ID)
	return &provider.PushResult{ExternalID: "news-" + a.ID}, nil
}

func (m *mockAdapter) UpdateAnnouncement(_ context.Context, externalID string, a *model.Announcement) (*provider.PushResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.announcements = append(m.announcements, a.ID)
	return &provider.PushResult{ExternalID: externalID}, nil
}

func (m *mockAdapter) SetupWebhook(_ context.Context, callbackURL string) (*provider.WebhookRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.caps.Webhooks {
		return nil, &provider.NotSupportedError{Operation: "setup webhook"}
	}
	m.webhookSeq++
	return &provider.WebhookRegistration{
		ChannelID:  fmt.Sprintf("chan-%d", m.webhookSeq),
		ResourceID: callbackURL,
		ExpiresAt:  m.now().Add(m.webhookTTL),
	}, nil
}

func (m *mockAdapter) RenewWebhook(ctx context.Context, sub *model.WebhookSubscription, callbackURL string) (*provider.WebhookRegistration, error) {
	reg, err := m.SetupWebhook(ctx, callbackURL)
	if err != nil {
		return nil, err
	}
	_ = m.CancelWebhook(ctx, sub)
	return reg, nil
}

func (m *mockAdapter) CancelWebhook(_ context.Context, sub *model.WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, sub.ChannelID)
	return m.cancelErr
}

func (m *mockAdapter) ProcessWebhook(context.Context, provider.Notification) (*provider.WebhookResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed++
	if m.webhookResult == nil {
		return &provider.WebhookResult{Resync: true}, nil
	}
	res := *m.webhookResult
	return &res, nil
}

func (m *mockAdapter) RefreshedCredentials() (model.Credentials, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refreshed == nil {
		return model.Credentials{}, false
	}
	return *m.refreshed, true
}

func (m *mockAdapter) counts() (pulls, pushes, updates, deletes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pullTokens), len(m.pushed), len(m.updates), len(m.deleted)
}

// --- Mock Publisher ----------------------------------------------------------

type published struct {
	kind string
	ids  []string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(kind string, ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{kind: kind, ids: ids})
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.kind)
	}
	return out
}

// --- Mock Assets -------------------------------------------------------------

type recordingAssets struct {
	mu        sync.Mutex
	generated map[string]int // event ID -> sequence
	removed   []string
}

func (a *recordingAssets) Generate(eventID string, _ *model.ExternalEvent, seq int) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.generated == nil {
		a.generated = make(map[string]int)
	}
	a.generated[eventID] = seq
	return "https://events.example.org/assets/" + eventID + ".ics", nil
}

func (a *recordingAssets) Remove(eventID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removed = append(a.removed, eventID)
	return nil
}

// --- Test environment --------------------------------------------------------

const testUser = "user-1"

var testStart = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	store   *state.Store
	clock   *fakeClock
	adapter *mockAdapter
	pub     *recordingPublisher
	assets  *recordingAssets
	svc     *Service
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func openTestStore(t *testing.T, clock *fakeClock) *state.Store {
	t.Helper()
	s, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	s.SetClock(clock.Now)
	return s
}

func newTestEnv(t *testing.T, caps provider.Capabilities) *testEnv {
	t.Helper()
	clock := newFakeClock(testStart)
	store := openTestStore(t, clock)
	adapter := newMockAdapter(caps)
	adapter.now = clock.Now

	reg := provider.NewRegistry()
	reg.Register(model.ProviderGoogleCalendar, func() provider.Adapter { return adapter })

	env := &testEnv{
		store:   store,
		clock:   clock,
		adapter: adapter,
		pub:     &recordingPublisher{},
		assets:  &recordingAssets{},
	}
	env.svc = NewService(Deps{
		Store:     store,
		Adapters:  reg,
		Mapper:    mapping.New(store, discardLogger()),
		Publisher: env.pub,
		Assets:    env.assets,
		Logger:    discardLogger(),
	}, Options{BaseURL: "https://events.example.org/"})
	env.svc.SetClock(clock.Now)
	return env
}

func (e *testEnv) addConfig(t *testing.T, dir model.Direction) *model.SyncConfiguration {
	t.Helper()
	cfg := &model.SyncConfiguration{
		UserID:       testUser,
		ProviderID:   "primary",
		ProviderType: model.ProviderGoogleCalendar,
		Direction:    dir,
		Enabled:      true,
		Settings:     &model.GoogleCalendarSettings{CalendarID: "primary"},
	}
	if err := e.store.CreateConfiguration(context.Background(), cfg); err != nil {
		t.Fatalf("CreateConfiguration: %v", err)
	}
	return cfg
}

// addEvent stores a local event created an hour before the current clock, so
// pulls are outside the echo window.
func (e *testEnv) addEvent(t *testing.T, title string, start time.Time) *model.Event {
	t.Helper()
	return createEvent(t, e.store, e.clock, title, start)
}

func createEvent(t *testing.T, store *state.Store, clock *fakeClock, title string, start time.Time) *model.Event {
	t.Helper()
	created := clock.Now().Add(-time.Hour)
	ev := &model.Event{
		UserID:    testUser,
		Title:     title,
		StartAt:   start,
		EndAt:     start.Add(time.Hour),
		CreatedAt: created,
		UpdatedAt: created,
	}
	if err := store.CreateEvent(context.Background(), ev); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	return ev
}

func timedExternal(id, summary string, start time.Time) model.ExternalEvent {
	return model.ExternalEvent{
		ID:      id,
		Summary: summary,
		Start:   model.EventTime{DateTime: start},
		End:     model.EventTime{DateTime: start.Add(time.Hour)},
		Status:  model.ExternalStatusConfirmed,
		ETag:    "etag-" + id,
	}
}

func mustEvents(t *testing.T, store *state.Store) []*model.Event {
	t.Helper()
	evs, err := store.ListEventsByUser(context.Background(), testUser)
	if err != nil {
		t.Fatalf("ListEventsByUser: %v", err)
	}
	return evs
}

func mustMappings(t *testing.T, store *state.Store, configID string) []*model.SyncMapping {
	t.Helper()
	ms, err := store.ListMappingsByConfig(context.Background(), configID)
	if err != nil {
		t.Fatalf("ListMappingsByConfig: %v", err)
	}
	return ms
}
