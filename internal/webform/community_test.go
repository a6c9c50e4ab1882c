package webform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
)

const submissionForm = `<html><body>
<form id="event-submission" action="/events/submit" method="post">
  <input type="hidden" name="_token" value="csrf-abc">
  <input type="text" name="title">
  %s
</form></body></html>`

type fakeBoard struct {
	mu          sync.Mutex
	submissions []url.Values
	noReference bool
}

func (b *fakeBoard) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events/submit", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, submissionForm, "")
	})
	mux.HandleFunc("POST /events/submit", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("_token") != "csrf-abc" {
			http.Error(w, "bad token", http.StatusForbidden)
			return
		}
		b.mu.Lock()
		b.submissions = append(b.submissions, r.PostForm)
		n := len(b.submissions)
		noRef := b.noReference
		b.mu.Unlock()

		if r.PostForm.Get("title") == "" {
			fmt.Fprintf(w, submissionForm, `<div class="alert-danger">Title is required</div>`)
			return
		}
		if noRef {
			fmt.Fprint(w, `<p>Thank you for your submission.</p>`)
			return
		}
		fmt.Fprintf(w, `<div class="notice" data-submission-id="sub-%d">Thank you!</div>`, n)
	})
	return mux
}

func (b *fakeBoard) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.submissions)
}

func (b *fakeBoard) last() url.Values {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submissions[len(b.submissions)-1]
}

func newBoard(t *testing.T) (*CommunityBoard, *fakeBoard) {
	t.Helper()
	fake := &fakeBoard{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	c := NewCommunityBoard(srv.URL, srv.Client(), slog.New(slog.DiscardHandler))
	cfg := &model.SyncConfiguration{
		ProviderType: model.ProviderCommunityBoard,
		Settings:     &model.CommunityBoardSettings{ContactEmail: "events@example.org", Category: "music"},
	}
	if err := c.Initialize(context.Background(), cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return c, fake
}

func concert() *model.ExternalEvent {
	price := 12.5
	return &model.ExternalEvent{
		Summary:     "Spring concert",
		Description: "Brass band evening",
		Venue:       &model.Venue{Name: "Town hall", City: "Springfield"},
		Start:       model.EventTime{DateTime: time.Date(2026, 5, 20, 17, 30, 0, 0, time.UTC)},
		End:         model.EventTime{DateTime: time.Date(2026, 5, 20, 19, 0, 0, 0, time.UTC)},
		Recurrence:  []string{"RRULE:FREQ=WEEKLY;COUNT=2"},
		Tags:        []string{"music", "outdoor"},
		TicketPrice: &price,
	}
}

func TestCommunityBoard_InitializeRequiresContact(t *testing.T) {
	c := NewCommunityBoard("http://board.example", nil, nil)
	err := c.Initialize(context.Background(), &model.SyncConfiguration{Settings: &model.CommunityBoardSettings{}})
	var cfgErr *provider.ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "settings.contact_email" {
		t.Fatalf("err = %v, want ConfigError on contact_email", err)
	}
}

func TestCommunityBoard_PushSubmitsForm(t *testing.T) {
	c, fake := newBoard(t)
	res, err := c.PushEvent(context.Background(), concert())
	if err != nil {
		t.Fatalf("PushEvent: %v", err)
	}
	if res.ExternalID != "sub-1" {
		t.Errorf("ExternalID = %q, want sub-1", res.ExternalID)
	}
	if res.Metadata["submitted_via"] != "community_form" {
		t.Errorf("metadata = %v", res.Metadata)
	}

	got := fake.last()
	want := map[string]string{
		"_token":        "csrf-abc",
		"title":         "Spring concert",
		"location":      "Town hall, Springfield",
		"contact_email": "events@example.org",
		"category":      "music",
		"start_date":    "2026-05-20",
		"start_time":    "17:30",
		"end_time":      "19:00",
		"tags":          "music,outdoor",
		"price":         "12.50",
	}
	for k, v := range want {
		if got.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, got.Get(k), v)
		}
	}
}

func TestCommunityBoard_AllDayInclusiveEnd(t *testing.T) {
	c, fake := newBoard(t)
	ev := &model.ExternalEvent{
		Summary: "Fair",
		Start:   model.EventTime{Date: "2026-07-04"},
		End:     model.EventTime{Date: "2026-07-06"},
	}
	if _, err := c.PushEvent(context.Background(), ev); err != nil {
		t.Fatalf("PushEvent: %v", err)
	}
	got := fake.last()
	if got.Get("all_day") != "1" || got.Get("start_date") != "2026-07-04" || got.Get("end_date") != "2026-07-05" {
		t.Errorf("schedule = %v", got)
	}
	if got.Get("start_time") != "" {
		t.Errorf("start_time = %q, want empty", got.Get("start_time"))
	}
}

func TestCommunityBoard_ValidationErrorNotRetried(t *testing.T) {
	c, fake := newBoard(t)
	ev := concert()
	ev.Summary = ""
	_, err := c.PushEvent(context.Background(), ev)
	var httpErr *provider.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("err = %v, want 422 HTTPError", err)
	}
	if !strings.Contains(httpErr.Body, "Title is required") {
		t.Errorf("body = %q", httpErr.Body)
	}
	if fake.count() != 1 {
		t.Errorf("submissions = %d, want 1", fake.count())
	}
}

func TestCommunityBoard_UpdateResubmits(t *testing.T) {
	c, fake := newBoard(t)
	if _, err := c.PushEvent(context.Background(), concert()); err != nil {
		t.Fatalf("PushEvent: %v", err)
	}
	res, err := c.UpdateEvent(context.Background(), "sub-1", concert())
	if err != nil {
		t.Fatalf("UpdateEvent: %v", err)
	}
	if res.ExternalID != "sub-2" {
		t.Errorf("ExternalID = %q, want sub-2", res.ExternalID)
	}
	if fake.count() != 2 {
		t.Errorf("submissions = %d, want 2", fake.count())
	}
}

func TestCommunityBoard_MissingReferenceGetsUnique(t *testing.T) {
	c, fake := newBoard(t)
	fake.mu.Lock()
	fake.noReference = true
	fake.mu.Unlock()
	a, err := c.PushEvent(context.Background(), concert())
	if err != nil {
		t.Fatalf("PushEvent: %v", err)
	}
	b, err := c.PushEvent(context.Background(), concert())
	if err != nil {
		t.Fatalf("PushEvent: %v", err)
	}
	if !strings.HasPrefix(a.ExternalID, "submission-") || a.ExternalID == b.ExternalID {
		t.Errorf("references %q, %q: want distinct submission- ids", a.ExternalID, b.ExternalID)
	}
}

func TestCommunityBoard_DeleteIsNoOp(t *testing.T) {
	c, fake := newBoard(t)
	if err := c.DeleteEvent(context.Background(), "sub-1"); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if fake.count() != 0 {
		t.Errorf("submissions = %d, want 0", fake.count())
	}
}

func TestCommunityBoard_PullNotSupported(t *testing.T) {
	c, _ := newBoard(t)
	if _, err := c.PullEvents(context.Background(), ""); !provider.IsNotSupported(err) {
		t.Errorf("PullEvents err = %v, want not supported", err)
	}
	if c.Capabilities().CanPull() {
		t.Error("community board must be push-only")
	}
}

func TestCommunityBoard_ValidateConnection(t *testing.T) {
	c, _ := newBoard(t)
	ok, err := c.ValidateConnection(context.Background())
	if err != nil || !ok {
		t.Errorf("ValidateConnection = %v, %v", ok, err)
	}

	broken := NewCommunityBoard("http://127.0.0.1:1", nil, slog.New(slog.DiscardHandler))
	cfg := &model.SyncConfiguration{Settings: &model.CommunityBoardSettings{ContactEmail: "x@example.org"}}
	if err := broken.Initialize(context.Background(), cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	ok, err = broken.ValidateConnection(context.Background())
	if err != nil || ok {
		t.Errorf("unreachable ValidateConnection = %v, %v; want false, nil", ok, err)
	}
}
