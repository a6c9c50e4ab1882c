package listing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
)

type fakeGraph struct {
	mu       sync.Mutex
	events   map[string]eventInput
	requests []gqlRequest
	nextID   int
}

type received struct {
	Query     string          `json:"query"`
	Variables json.RawMessage `json:"variables"`
}

func (f *fakeGraph) reply(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (f *fakeGraph) fail(w http.ResponseWriter, code, msg string) {
	f.reply(w, map[string]interface{}{
		"data":   nil,
		"errors": []map[string]interface{}{{"message": msg, "extensions": map[string]string{"code": code}}},
	})
}

func (f *fakeGraph) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/graphql" {
		http.NotFound(w, r)
		return
	}
	var req received
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, gqlRequest{Query: req.Query})

	if r.Header.Get("Authorization") != "Bearer gql-key" {
		f.fail(w, codeUnauthenticated, "invalid token")
		return
	}

	var vars struct {
		ID          string     `json:"id"`
		CommunityID string     `json:"communityId"`
		Input       eventInput `json:"input"`
	}
	_ = json.Unmarshal(req.Variables, &vars)

	switch {
	case strings.HasPrefix(req.Query, "query Community"):
		if vars.ID != "springfield" {
			f.reply(w, map[string]interface{}{"data": map[string]interface{}{"community": nil}})
			return
		}
		f.reply(w, map[string]interface{}{"data": map[string]interface{}{"community": map[string]string{"id": "springfield", "name": "Springfield"}}})
	case strings.HasPrefix(req.Query, "mutation CreateEvent"):
		if vars.Input.Title == "" {
			f.fail(w, "BAD_USER_INPUT", "title must not be blank")
			return
		}
		f.nextID++
		id := "gql-" + strconv.Itoa(f.nextID)
		f.events[id] = vars.Input
		f.reply(w, map[string]interface{}{"data": map[string]interface{}{
			"createEvent": map[string]interface{}{"event": map[string]string{"id": id, "updatedAt": "2026-05-01T10:00:00Z"}},
		}})
	case strings.HasPrefix(req.Query, "mutation UpdateEvent"):
		if _, ok := f.events[vars.ID]; !ok {
			f.fail(w, codeNotFound, "no such event")
			return
		}
		f.events[vars.ID] = vars.Input
		f.reply(w, map[string]interface{}{"data": map[string]interface{}{
			"updateEvent": map[string]interface{}{"event": map[string]string{"id": vars.ID, "updatedAt": "2026-05-02T10:00:00Z"}},
		}})
	case strings.HasPrefix(req.Query, "mutation DeleteEvent"):
		if _, ok := f.events[vars.ID]; !ok {
			f.fail(w, codeNotFound, "no such event")
			return
		}
		delete(f.events, vars.ID)
		f.reply(w, map[string]interface{}{"data": map[string]interface{}{"deleteEvent": map[string]string{"deletedId": vars.ID}}})
	default:
		f.fail(w, "GRAPHQL_PARSE_FAILED", "unknown operation")
	}
}

func newTestAdapter(t *testing.T, key, community string) (*Adapter, *fakeGraph) {
	t.Helper()
	fake := &fakeGraph{events: make(map[string]eventInput)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	a := New(Options{Endpoint: srv.URL + "/graphql", HTTPClient: srv.Client()}, slog.New(slog.DiscardHandler))
	cfg := &model.SyncConfiguration{
		ProviderType: model.ProviderGraphQLListing,
		Credentials:  model.Credentials{APIKey: key},
		Settings:     &model.GraphQLListingSettings{CommunityID: community},
	}
	if err := a.Initialize(context.Background(), cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return a, fake
}

func market() *model.ExternalEvent {
	return &model.ExternalEvent{
		Summary:  "Farmers market",
		Venue:    &model.Venue{Name: "Main square"},
		Start:    model.EventTime{DateTime: time.Date(2026, 6, 6, 8, 0, 0, 0, time.UTC)},
		End:      model.EventTime{DateTime: time.Date(2026, 6, 6, 13, 0, 0, 0, time.UTC)},
		Tags:     []string{"market"},
		Metadata: map[string]string{model.MetadataInternalID: "ev-3"},
	}
}

func TestInitialize_Validation(t *testing.T) {
	err := New(Options{Endpoint: "http://g/graphql"}, nil).Initialize(context.Background(),
		&model.SyncConfiguration{Settings: &model.GraphQLListingSettings{CommunityID: "c"}})
	var cfgErr *provider.ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "api_key" {
		t.Errorf("err = %v, want ConfigError on api_key", err)
	}
	err = New(Options{Endpoint: "http://g/graphql", APIKey: "k"}, nil).Initialize(context.Background(),
		&model.SyncConfiguration{Settings: &model.GraphQLListingSettings{}})
	if !errors.As(err, &cfgErr) || cfgErr.Field != "settings.community_id" {
		t.Errorf("err = %v, want ConfigError on community_id", err)
	}
}

func TestCreateUpdateDelete(t *testing.T) {
	a, fake := newTestAdapter(t, "gql-key", "springfield")
	ctx := context.Background()

	res, err := a.PushEvent(ctx, market())
	if err != nil {
		t.Fatalf("PushEvent: %v", err)
	}
	if res.ExternalID != "gql-1" || res.ETag != "2026-05-01T10:00:00Z" {
		t.Errorf("push result = %+v", res)
	}
	fake.mu.Lock()
	in := fake.events["gql-1"]
	fake.mu.Unlock()
	if in.Location != "Main square" || in.StartsAt != "2026-06-06T08:00:00Z" || in.ExternalRef != "ev-3" {
		t.Errorf("input = %+v", in)
	}

	ev := market()
	ev.Summary = "Farmers market (moved)"
	res, err = a.UpdateEvent(ctx, "gql-1", ev)
	if err != nil {
		t.Fatalf("UpdateEvent: %v", err)
	}
	if res.ETag != "2026-05-02T10:00:00Z" {
		t.Errorf("update etag = %q", res.ETag)
	}

	if err := a.DeleteEvent(ctx, "gql-1"); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if err := a.DeleteEvent(ctx, "gql-1"); err != nil {
		t.Errorf("deleting missing event: %v", err)
	}
}

func TestGraphQLErrorsBecomeErrors(t *testing.T) {
	a, fake := newTestAdapter(t, "gql-key", "springfield")
	ev := market()
	ev.Summary = ""
	_, err := a.PushEvent(context.Background(), ev)
	var httpErr *provider.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("err = %v, want 422 HTTPError", err)
	}
	if httpErr.Body != "title must not be blank" {
		t.Errorf("body = %q", httpErr.Body)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.requests) != 1 {
		t.Errorf("requests = %d, want 1", len(fake.requests))
	}
}

func TestUpdateMissingEventFails(t *testing.T) {
	a, _ := newTestAdapter(t, "gql-key", "springfield")
	_, err := a.UpdateEvent(context.Background(), "gql-404", market())
	var httpErr *provider.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v, want 404", err)
	}
}

func TestUnauthenticatedRequiresReconnect(t *testing.T) {
	a, _ := newTestAdapter(t, "expired", "springfield")
	_, err := a.PushEvent(context.Background(), market())
	if !errors.Is(err, provider.ErrReconnectRequired) {
		t.Fatalf("err = %v, want reconnect required", err)
	}
}

func TestValidateConnection(t *testing.T) {
	a, _ := newTestAdapter(t, "gql-key", "springfield")
	if ok, err := a.ValidateConnection(context.Background()); err != nil || !ok {
		t.Errorf("ValidateConnection = %v, %v", ok, err)
	}
	b, _ := newTestAdapter(t, "gql-key", "shelbyville")
	if ok, err := b.ValidateConnection(context.Background()); err != nil || ok {
		t.Errorf("unknown community ValidateConnection = %v, %v; want false, nil", ok, err)
	}
}
