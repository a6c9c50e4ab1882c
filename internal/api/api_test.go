package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
	"github.com/njoerd114/eventsync/internal/state"
	syncp "github.com/njoerd114/eventsync/internal/sync"
)

// fakeService records calls and answers from canned values.
type fakeService struct {
	store *state.Store

	mu          sync.Mutex
	webhooks    []model.ProviderType
	eventSyncs  [][]string
	cleanups    []string
	synced      []string
	disabled    []string
	deleted     []string
	syncErr     error
	retryErr    error
	createErr   error
	notifyCount int
}

func (f *fakeService) HandleWebhook(_ context.Context, t model.ProviderType, n provider.Notification) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks = append(f.webhooks, t)
	return f.notifyCount, nil
}

func (f *fakeService) SyncConfiguration(_ context.Context, id string) (*model.SyncOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	f.synced = append(f.synced, id)
	return &model.SyncOperation{ID: "op-1", ConfigID: id, Kind: model.OperationFull, Status: model.OperationCompleted}, nil
}

func (f *fakeService) SyncUser(_ context.Context, userID string) ([]*model.SyncOperation, error) {
	return []*model.SyncOperation{{ID: "op-u", ConfigID: "cfg-" + userID, Status: model.OperationCompleted}}, nil
}

func (f *fakeService) RetryOperation(_ context.Context, id string) (*model.SyncOperation, error) {
	if f.retryErr != nil {
		return nil, f.retryErr
	}
	return &model.SyncOperation{ID: "op-retry", RetryCount: 1, Status: model.OperationCompleted}, nil
}

func (f *fakeService) CreateConfiguration(ctx context.Context, cfg *model.SyncConfiguration) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.store.CreateConfiguration(ctx, cfg)
}

func (f *fakeService) DisableConfiguration(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled = append(f.disabled, id)
	return nil
}

func (f *fakeService) DeleteConfiguration(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeService) EnqueueEventSync(userID string, ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventSyncs = append(f.eventSyncs, append([]string{userID}, ids...))
}

func (f *fakeService) EnqueueMappingCleanup(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, id)
}

type testServer struct {
	svc   *fakeService
	store *state.Store
	srv   *httptest.Server
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	svc := &fakeService{store: store}
	srv := httptest.NewServer(NewRouter(svc, store, opts, slog.New(slog.DiscardHandler)))
	t.Cleanup(srv.Close)
	return &testServer{svc: svc, store: store, srv: srv}
}

func (ts *testServer) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status = %d, want %d", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want)
	}
}

func (ts *testServer) addConfig(t *testing.T, user string) *model.SyncConfiguration {
	t.Helper()
	cfg := &model.SyncConfiguration{
		UserID:       user,
		ProviderType: model.ProviderGoogleCalendar,
		Direction:    model.DirectionBidirectional,
		Enabled:      true,
		Settings:     &model.GoogleCalendarSettings{CalendarID: "primary"},
	}
	if err := ts.store.CreateConfiguration(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, Options{})
	resp := ts.do(t, http.MethodGet, "/api/health", "", nil)
	wantStatus(t, resp, http.StatusOK)
	if got := decode[map[string]string](t, resp); got["status"] != "ok" {
		t.Errorf("body = %v", got)
	}
}

func TestWebhook(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.svc.notifyCount = 2

	resp := ts.do(t, http.MethodPost, "/api/sync/webhook/google_calendar", "", "{}")
	wantStatus(t, resp, http.StatusAccepted)
	if got := decode[map[string]int](t, resp); got["notified"] != 2 {
		t.Errorf("notified = %d, want 2", got["notified"])
	}
	if !slices.Equal(ts.svc.webhooks, []model.ProviderType{model.ProviderGoogleCalendar}) {
		t.Errorf("webhooks = %v", ts.svc.webhooks)
	}

	resp = ts.do(t, http.MethodPost, "/api/sync/webhook/carrier_pigeon", "", "{}")
	wantStatus(t, resp, http.StatusNotFound)
}

func TestRequiresUser(t *testing.T) {
	ts := newTestServer(t, Options{})
	for _, path := range []string{"/api/events", "/api/sync/configurations"} {
		resp := ts.do(t, http.MethodGet, path, "", nil)
		wantStatus(t, resp, http.StatusUnauthorized)
		if got := decode[ErrorResponse](t, resp); got.Error != codeUnauthorized {
			t.Errorf("%s: error = %q", path, got.Error)
		}
	}
}

func TestEventLifecycle(t *testing.T) {
	ts := newTestServer(t, Options{})
	start := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

	resp := ts.do(t, http.MethodPost, "/api/events", "u1", map[string]any{
		"title":    "Open mic",
		"start_at": start,
		"end_at":   start.Add(2 * time.Hour),
		"tags":     []string{"music"},
	})
	wantStatus(t, resp, http.StatusCreated)
	created := decode[EventDTO](t, resp)
	if created.ID == "" || created.Status != string(model.EventStatusConfirmed) {
		t.Fatalf("created = %+v", created)
	}

	resp = ts.do(t, http.MethodPut, "/api/events/"+created.ID, "u1", map[string]any{
		"title":    "Open mic night",
		"start_at": start,
	})
	wantStatus(t, resp, http.StatusOK)
	if got := decode[EventDTO](t, resp); got.Title != "Open mic night" || !got.EndAt.Equal(start) {
		t.Errorf("updated = %+v", got)
	}

	resp = ts.do(t, http.MethodGet, "/api/events", "u1", nil)
	wantStatus(t, resp, http.StatusOK)
	if got := decode[[]EventDTO](t, resp); len(got) != 1 {
		t.Errorf("listed %d events, want 1", len(got))
	}

	// Another user's event reads as missing.
	resp = ts.do(t, http.MethodGet, "/api/events/"+created.ID, "u2", nil)
	wantStatus(t, resp, http.StatusNotFound)

	resp = ts.do(t, http.MethodDelete, "/api/events/"+created.ID, "u1", nil)
	wantStatus(t, resp, http.StatusNoContent)
	ev, err := ts.store.GetEvent(context.Background(), created.ID)
	if err != nil || ev != nil {
		t.Errorf("event after delete = %v, %v", ev, err)
	}

	wantSyncs := [][]string{{"u1", created.ID}, {"u1", created.ID}}
	if len(ts.svc.eventSyncs) != 2 || !slices.Equal(ts.svc.eventSyncs[0], wantSyncs[0]) || !slices.Equal(ts.svc.eventSyncs[1], wantSyncs[1]) {
		t.Errorf("event syncs = %v, want %v", ts.svc.eventSyncs, wantSyncs)
	}
	if !slices.Equal(ts.svc.cleanups, []string{created.ID}) {
		t.Errorf("cleanups = %v", ts.svc.cleanups)
	}
}

func TestCreateEventValidation(t *testing.T) {
	ts := newTestServer(t, Options{})
	start := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		body any
	}{
		{"malformed", "{"},
		{"no title", map[string]any{"start_at": start}},
		{"no start", map[string]any{"title": "x"}},
		{"end before start", map[string]any{"title": "x", "start_at": start, "end_at": start.Add(-time.Hour)}},
		{"bad status", map[string]any{"title": "x", "start_at": start, "status": "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/api/events", "u1", tt.body)
			wantStatus(t, resp, http.StatusBadRequest)
		})
	}
	if len(ts.svc.eventSyncs) != 0 {
		t.Errorf("invalid requests enqueued syncs: %v", ts.svc.eventSyncs)
	}
}

func TestCreateConfiguration(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp := ts.do(t, http.MethodPost, "/api/sync/configurations", "u1", map[string]any{
		"provider_type": "ticketing",
		"direction":     "push",
		"credentials":   map[string]string{"api_key": "secret"},
		"settings":      map[string]any{"organization_id": "org-9", "sync_interval_minutes": 15},
	})
	wantStatus(t, resp, http.StatusCreated)
	dto := decode[ConfigurationDTO](t, resp)
	if !dto.Enabled || dto.ProviderType != "ticketing" {
		t.Errorf("dto = %+v", dto)
	}
	if strings.Contains(string(dto.Settings), "secret") {
		t.Error("credentials leaked into response")
	}

	cfg, err := ts.store.GetConfiguration(context.Background(), dto.ID)
	if err != nil || cfg == nil {
		t.Fatalf("stored configuration = %v, %v", cfg, err)
	}
	settings, ok := cfg.Settings.(*model.TicketingSettings)
	if !ok || settings.OrganizationID != "org-9" || settings.Interval() != 15*time.Minute {
		t.Errorf("settings = %#v", cfg.Settings)
	}
	if cfg.Credentials.APIKey != "secret" {
		t.Errorf("api key = %q", cfg.Credentials.APIKey)
	}

	resp = ts.do(t, http.MethodGet, "/api/sync/configurations", "u1", nil)
	wantStatus(t, resp, http.StatusOK)
	if got := decode[[]ConfigurationDTO](t, resp); len(got) != 1 || got[0].ID != dto.ID {
		t.Errorf("listed = %+v", got)
	}
}

func TestCreateConfiguration_Errors(t *testing.T) {
	ts := newTestServer(t, Options{})

	tests := []struct {
		name      string
		body      map[string]any
		createErr error
		want      int
	}{
		{"unknown provider", map[string]any{"provider_type": "fax", "direction": "pull"}, nil, http.StatusBadRequest},
		{"unknown direction", map[string]any{"provider_type": "ticketing", "direction": "sideways"}, nil, http.StatusBadRequest},
		{"settings of wrong shape", map[string]any{"provider_type": "ticketing", "direction": "push", "settings": []int{1}}, nil, http.StatusBadRequest},
		{
			"unsupported direction",
			map[string]any{"provider_type": "community_board", "direction": "pull"},
			&provider.NotSupportedError{Provider: model.ProviderCommunityBoard, Operation: "sync direction pull"},
			http.StatusUnprocessableEntity,
		},
		{
			"missing secret",
			map[string]any{"provider_type": "home_assistant", "direction": "pull"},
			&provider.ConfigError{Provider: model.ProviderHomeAssistant, Field: "token"},
			http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts.svc.createErr = tt.createErr
			resp := ts.do(t, http.MethodPost, "/api/sync/configurations", "u1", tt.body)
			wantStatus(t, resp, tt.want)
		})
	}
}

func TestConfigurationActions(t *testing.T) {
	ts := newTestServer(t, Options{})
	cfg := ts.addConfig(t, "u1")
	base := "/api/sync/configurations/" + cfg.ID

	resp := ts.do(t, http.MethodPost, base+"/sync", "u1", nil)
	wantStatus(t, resp, http.StatusOK)
	if got := decode[OperationDTO](t, resp); got.ConfigID != cfg.ID || got.Status != "completed" {
		t.Errorf("operation = %+v", got)
	}

	resp = ts.do(t, http.MethodPost, base+"/disable", "u1", nil)
	wantStatus(t, resp, http.StatusNoContent)

	resp = ts.do(t, http.MethodDelete, base, "u1", nil)
	wantStatus(t, resp, http.StatusNoContent)

	// Foreign users cannot act on the configuration.
	for _, req := range []struct{ method, path string }{
		{http.MethodPost, base + "/sync"},
		{http.MethodPost, base + "/disable"},
		{http.MethodDelete, base},
		{http.MethodGet, base + "/operations"},
	} {
		resp := ts.do(t, req.method, req.path, "intruder", nil)
		wantStatus(t, resp, http.StatusNotFound)
	}

	if !slices.Equal(ts.svc.synced, []string{cfg.ID}) ||
		!slices.Equal(ts.svc.disabled, []string{cfg.ID}) ||
		!slices.Equal(ts.svc.deleted, []string{cfg.ID}) {
		t.Errorf("calls: synced=%v disabled=%v deleted=%v", ts.svc.synced, ts.svc.disabled, ts.svc.deleted)
	}
}

func TestSyncErrorsMapToStatus(t *testing.T) {
	ts := newTestServer(t, Options{})
	cfg := ts.addConfig(t, "u1")

	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("configuration %s: %w", cfg.ID, syncp.ErrConfigDisabled), http.StatusConflict},
		{fmt.Errorf("configuration %s: %w", cfg.ID, syncp.ErrConfigNotFound), http.StatusNotFound},
		{fmt.Errorf("opening: %w", &provider.ConfigError{Provider: model.ProviderGoogleCalendar, Field: "client_id"}), http.StatusBadRequest},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		ts.svc.syncErr = tt.err
		resp := ts.do(t, http.MethodPost, "/api/sync/configurations/"+cfg.ID+"/sync", "u1", nil)
		wantStatus(t, resp, tt.want)
	}
}

func TestListOperations(t *testing.T) {
	ts := newTestServer(t, Options{})
	ctx := context.Background()
	cfg := ts.addConfig(t, "u1")
	for range 3 {
		op := &model.SyncOperation{ConfigID: cfg.ID, Kind: model.OperationPull, EntityType: model.EntityEvent}
		if err := ts.store.CreateOperation(ctx, op); err != nil {
			t.Fatal(err)
		}
	}

	resp := ts.do(t, http.MethodGet, "/api/sync/configurations/"+cfg.ID+"/operations?limit=2", "u1", nil)
	wantStatus(t, resp, http.StatusOK)
	if got := decode[[]OperationDTO](t, resp); len(got) != 2 {
		t.Errorf("got %d operations, want 2", len(got))
	}

	resp = ts.do(t, http.MethodGet, "/api/sync/configurations/"+cfg.ID+"/operations?limit=zero", "u1", nil)
	wantStatus(t, resp, http.StatusBadRequest)
}

func TestRetryOperation(t *testing.T) {
	ts := newTestServer(t, Options{})
	cfg := ts.addConfig(t, "u1")
	op := &model.SyncOperation{ConfigID: cfg.ID, Kind: model.OperationPull, EntityType: model.EntityEvent}
	if err := ts.store.CreateOperation(context.Background(), op); err != nil {
		t.Fatal(err)
	}
	path := "/api/sync/operations/" + op.ID + "/retry"

	resp := ts.do(t, http.MethodPost, path, "u1", nil)
	wantStatus(t, resp, http.StatusOK)
	if got := decode[OperationDTO](t, resp); got.RetryCount != 1 {
		t.Errorf("retry count = %d", got.RetryCount)
	}

	resp = ts.do(t, http.MethodPost, path, "intruder", nil)
	wantStatus(t, resp, http.StatusNotFound)

	resp = ts.do(t, http.MethodPost, "/api/sync/operations/missing/retry", "u1", nil)
	wantStatus(t, resp, http.StatusNotFound)

	ts.svc.retryErr = fmt.Errorf("operation %s: %w", op.ID, syncp.ErrNotRetryable)
	resp = ts.do(t, http.MethodPost, path, "u1", nil)
	wantStatus(t, resp, http.StatusConflict)
}

func TestSyncNow(t *testing.T) {
	ts := newTestServer(t, Options{})
	resp := ts.do(t, http.MethodPost, "/api/sync/now", "u1", nil)
	wantStatus(t, resp, http.StatusOK)
	if got := decode[[]OperationDTO](t, resp); len(got) != 1 || got[0].ConfigID != "cfg-u1" {
		t.Errorf("operations = %+v", got)
	}
}

func TestAssetsAndRealtime(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ev-1.ics"), []byte("BEGIN:VCALENDAR\r\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	rt := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	ts := newTestServer(t, Options{AssetsDir: dir, Realtime: rt})

	resp := ts.do(t, http.MethodGet, "/assets/ev-1.ics", "", nil)
	wantStatus(t, resp, http.StatusOK)

	resp = ts.do(t, http.MethodGet, "/api/ws", "", nil)
	wantStatus(t, resp, http.StatusTeapot)
}

func TestRecoveryMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := recovery(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}
