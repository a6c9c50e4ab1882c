package sync

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
)

func mustSubscriptions(t *testing.T, env *testEnv, configID string) []*model.WebhookSubscription {
	t.Helper()
	subs, err := env.store.ListWebhooksByConfig(context.Background(), configID)
	if err != nil {
		t.Fatalf("ListWebhooksByConfig: %v", err)
	}
	return subs
}

func operationCount(t *testing.T, env *testEnv, configID string) int {
	t.Helper()
	ops, err := env.store.ListOperations(context.Background(), configID, 100)
	if err != nil {
		t.Fatalf("ListOperations: %v", err)
	}
	return len(ops)
}

func TestCallbackURL(t *testing.T) {
	env := newTestEnv(t, bidirectionalCaps())
	got := env.svc.CallbackURL(model.ProviderEmailCampaign)
	if want := "https://events.example.org/api/sync/webhook/email_campaign"; got != want {
		t.Errorf("CallbackURL = %q, want %q", got, want)
	}
}

func TestSetupWebhook_ReplacesPrevious(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, bidirectionalCaps())
	cfg := env.addConfig(t, model.DirectionBidirectional)

	for range 2 {
		if err := env.svc.SetupWebhook(ctx, cfg.ID); err != nil {
			t.Fatalf("SetupWebhook: %v", err)
		}
	}
	subs := mustSubscriptions(t, env, cfg.ID)
	if len(subs) != 1 || subs[0].ChannelID != "chan-2" {
		t.Fatalf("subscriptions = %+v, want only chan-2", subs)
	}
	if !slices.Equal(env.adapter.cancelled, []string{"chan-1"}) {
		t.Errorf("cancelled = %v, want [chan-1]", env.adapter.cancelled)
	}
	if !subs[0].ExpiresAt.Equal(env.clock.Now().Add(7 * 24 * time.Hour)) {
		t.Errorf("ExpiresAt = %v", subs[0].ExpiresAt)
	}
}

func TestSetupWebhook_NoopWithoutCapability(t *testing.T) {
	env := newTestEnv(t, pushCaps())
	cfg := env.addConfig(t, model.DirectionPush)
	if err := env.svc.SetupWebhook(context.Background(), cfg.ID); err != nil {
		t.Fatalf("SetupWebhook: %v", err)
	}
	if n := len(mustSubscriptions(t, env, cfg.ID)); n != 0 {
		t.Errorf("subscriptions = %d, want 0", n)
	}
}

func TestRenewExpiringWebhooks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, bidirectionalCaps())
	active := env.addConfig(t, model.DirectionBidirectional)
	inactive := env.addConfig(t, model.DirectionBidirectional)
	for _, id := range []string{active.ID, inactive.ID} {
		if err := env.svc.SetupWebhook(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.store.SetEnabled(ctx, inactive.ID, false); err != nil {
		t.Fatal(err)
	}
	before := mustSubscriptions(t, env, active.ID)[0]

	if n, err := env.svc.RenewExpiringWebhooks(ctx); err != nil || n != 0 {
		t.Fatalf("fresh subscriptions: renewed %d, %v; want 0", n, err)
	}

	env.clock.Advance(6*24*time.Hour + 12*time.Hour)
	n, err := env.svc.RenewExpiringWebhooks(ctx)
	if err != nil {
		t.Fatalf("RenewExpiringWebhooks: %v", err)
	}
	if n != 1 {
		t.Errorf("renewed = %d, want 1", n)
	}

	after := mustSubscriptions(t, env, active.ID)
	if len(after) != 1 {
		t.Fatalf("subscriptions = %d, want exactly one after the swap", len(after))
	}
	if after[0].ID == before.ID || after[0].ChannelID == before.ChannelID {
		t.Errorf("subscription not replaced: %+v", after[0])
	}
	if !after[0].ExpiresAt.After(before.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want later than %v", after[0].ExpiresAt, before.ExpiresAt)
	}
	if n := len(mustSubscriptions(t, env, inactive.ID)); n != 0 {
		t.Errorf("inactive configuration keeps %d subscriptions, want 0", n)
	}
}

func TestRemoveWebhook_LocalRowGoesEvenWhenCancelFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, bidirectionalCaps())
	cfg := env.addConfig(t, model.DirectionBidirectional)
	if err := env.svc.SetupWebhook(ctx, cfg.ID); err != nil {
		t.Fatal(err)
	}
	env.adapter.cancelErr = errors.New("channel already expired")

	if err := env.svc.RemoveWebhook(ctx, cfg.ID); err != nil {
		t.Fatalf("RemoveWebhook: %v", err)
	}
	if n := len(mustSubscriptions(t, env, cfg.ID)); n != 0 {
		t.Errorf("subscriptions = %d, want 0", n)
	}
}

func TestHandleWebhook_ResyncsEnabledConfigurations(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, bidirectionalCaps())
	a := env.addConfig(t, model.DirectionBidirectional)
	b := env.addConfig(t, model.DirectionPull)
	off := env.addConfig(t, model.DirectionPull)
	if err := env.store.SetEnabled(ctx, off.ID, false); err != nil {
		t.Fatal(err)
	}
	env.adapter.pullEvents = []model.ExternalEvent{timedExternal("g-1", "Announced by push", testStart)}

	n, err := env.svc.HandleWebhook(ctx, model.ProviderGoogleCalendar, provider.Notification{})
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if n != 2 {
		t.Errorf("notified = %d, want 2", n)
	}
	for _, id := range []string{a.ID, b.ID} {
		if c := operationCount(t, env, id); c != 1 {
			t.Errorf("operations of %s = %d, want 1", id, c)
		}
	}
	if c := operationCount(t, env, off.ID); c != 0 {
		t.Errorf("disabled configuration ran %d passes", c)
	}

	if n, _ := env.svc.HandleWebhook(ctx, model.ProviderTicketing, provider.Notification{}); n != 0 {
		t.Errorf("notified = %d for a type without configurations", n)
	}
}

func TestHandleWebhook_RecordsDeliveries(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, bidirectionalCaps())
	cfg := env.addConfig(t, model.DirectionPush)
	env.addEvent(t, "Newsletter night", testStart)
	mustSync(t, env, cfg.ID)

	first := testStart.Add(time.Hour)
	last := testStart.Add(2 * time.Hour)
	env.adapter.webhookResult = &provider.WebhookResult{
		Deliveries: []provider.DeliveryEvent{
			{ExternalID: "mock-1", Recipient: "a@example.org", Kind: "opened", At: last},
			{ExternalID: "mock-1", Recipient: "b@example.org", Kind: "opened", At: first},
			{ExternalID: "mock-1", Recipient: "b@example.org", Kind: "clicked", At: first},
			{ExternalID: "unknown", Recipient: "c@example.org", Kind: "opened", At: last},
		},
	}

	if _, err := env.svc.HandleWebhook(ctx, model.ProviderGoogleCalendar, provider.Notification{}); err != nil {
		t.Fatal(err)
	}
	m, err := env.store.GetMappingByExternalID(ctx, cfg.ID, "mock-1")
	if err != nil || m == nil {
		t.Fatalf("mapping = %v, %v", m, err)
	}
	want := map[string]string{
		"opened_count":    "2",
		"last_opened_at":  last.Format(time.RFC3339),
		"clicked_count":   "1",
		"last_clicked_at": first.Format(time.RFC3339),
	}
	for k, v := range want {
		if m.Metadata[k] != v {
			t.Errorf("metadata[%s] = %q, want %q", k, m.Metadata[k], v)
		}
	}
	if c := operationCount(t, env, cfg.ID); c != 1 {
		t.Errorf("operations = %d, a delivery report must not trigger a pass", c)
	}
}

func TestHandleWebhook_SkipsForeignChannel(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, bidirectionalCaps())
	owner := env.addConfig(t, model.DirectionPull)
	other := env.addConfig(t, model.DirectionPull)
	if err := env.svc.SetupWebhook(ctx, owner.ID); err != nil {
		t.Fatal(err)
	}
	env.adapter.webhookResult = &provider.WebhookResult{Resync: true, ChannelID: "chan-1"}

	if _, err := env.svc.HandleWebhook(ctx, model.ProviderGoogleCalendar, provider.Notification{}); err != nil {
		t.Fatal(err)
	}
	if c := operationCount(t, env, owner.ID); c != 1 {
		t.Errorf("owner operations = %d, want 1", c)
	}
	if c := operationCount(t, env, other.ID); c != 0 {
		t.Errorf("other operations = %d, want 0", c)
	}
}
