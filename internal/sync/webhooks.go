package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
)

// WebhookPath is the route prefix inbound provider notifications arrive on.
// The provider type is the final path segment.
const WebhookPath = "/api/sync/webhook/"

// CallbackURL returns the webhook callback registered for provider type t.
func (s *Service) CallbackURL(t model.ProviderType) string {
	return strings.TrimRight(s.opts.BaseURL, "/") + WebhookPath + string(t)
}

// SetupWebhook registers a push subscription for a configuration. It is a
// no-op when the provider has no webhooks. Any prior subscription of the
// configuration is cancelled first.
func (s *Service) SetupWebhook(ctx context.Context, configID string) error {
	cfg, err := s.loadConfiguration(ctx, configID)
	if err != nil {
		return err
	}
	caps, err := s.adapters.Capabilities(cfg.ProviderType)
	if err != nil {
		return err
	}
	if !caps.Webhooks {
		return nil
	}
	if err := s.RemoveWebhook(ctx, configID); err != nil {
		return err
	}

	a, err := s.adapters.Open(ctx, cfg)
	if err != nil {
		return err
	}
	reg, err := a.SetupWebhook(ctx, s.CallbackURL(cfg.ProviderType))
	if err != nil {
		return fmt.Errorf("registering webhook for %s: %w", configID, err)
	}
	sub := subscription(cfg, reg)
	if err := s.store.InsertWebhook(ctx, sub); err != nil {
		return err
	}
	s.log.Info("webhook registered", "config_id", cfg.ID, "channel_id", sub.ChannelID, "expires_at", sub.ExpiresAt)
	return nil
}

func subscription(cfg *model.SyncConfiguration, reg *provider.WebhookRegistration) *model.WebhookSubscription {
	return &model.WebhookSubscription{
		ConfigID:   cfg.ID,
		ProviderID: cfg.ProviderID,
		ResourceID: reg.ResourceID,
		ChannelID:  reg.ChannelID,
		ExpiresAt:  reg.ExpiresAt,
	}
}

// RenewExpiringWebhooks renews every subscription expiring within the
// renewal window. Subscriptions of missing or disabled configurations are
// deleted instead. It returns the number renewed.
func (s *Service) RenewExpiringWebhooks(ctx context.Context) (int, error) {
	subs, err := s.store.ListExpiringWebhooks(ctx, s.now().Add(s.opts.RenewBefore))
	if err != nil {
		return 0, err
	}

	renewed := 0
	var errs []error
	for _, sub := range subs {
		log := s.log.With("config_id", sub.ConfigID, "webhook_id", sub.ID)
		cfg, err := s.store.GetConfiguration(ctx, sub.ConfigID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if cfg == nil || !cfg.Enabled {
			log.Info("dropping webhook of inactive configuration")
			if err := s.store.DeleteWebhook(ctx, sub.ID); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		a, err := s.adapters.Open(ctx, cfg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reg, err := a.RenewWebhook(ctx, sub, s.CallbackURL(cfg.ProviderType))
		if err != nil {
			log.Warn("webhook renewal failed", "error", err)
			errs = append(errs, fmt.Errorf("renewing webhook %s: %w", sub.ID, err))
			continue
		}
		next := subscription(cfg, reg)
		if err := s.store.ReplaceWebhook(ctx, sub.ID, next); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Info("webhook renewed", "expires_at", next.ExpiresAt)
		renewed++
	}
	return renewed, errors.Join(errs...)
}

// RemoveWebhook cancels the subscriptions of a configuration at the provider
// and deletes them locally. The local rows are deleted even when the remote
// cancel fails, since the remote side may already have expired them.
func (s *Service) RemoveWebhook(ctx context.Context, configID string) error {
	subs, err := s.store.ListWebhooksByConfig(ctx, configID)
	if err != nil || len(subs) == 0 {
		return err
	}

	var a provider.Adapter
	cfg, err := s.store.GetConfiguration(ctx, configID)
	if err == nil && cfg != nil {
		a, err = s.adapters.Open(ctx, cfg)
	}
	if err != nil {
		s.log.Warn("cannot cancel webhooks remotely", "config_id", configID, "error", err)
	}

	var errs []error
	for _, sub := range subs {
		if a != nil {
			if err := a.CancelWebhook(ctx, sub); err != nil && !provider.IsNotSupported(err) {
				s.log.Warn("remote webhook cancel failed", "config_id", configID, "channel_id", sub.ChannelID, "error", err)
			}
		}
		if err := s.store.DeleteWebhook(ctx, sub.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleWebhook hands an inbound notification for provider type t to every
// enabled configuration of that type and returns at once. Each configuration
// processes it in the background and runs a pass when the adapter asks for
// one. It returns the number of configurations notified.
func (s *Service) HandleWebhook(ctx context.Context, t model.ProviderType, n provider.Notification) (int, error) {
	cfgs, err := s.store.ListEnabledConfigurationsByType(ctx, t)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for _, cfg := range cfgs {
		id := cfg.ID
		if s.background("webhook "+id, func(ctx context.Context) error {
			return s.processWebhook(ctx, id, n)
		}) {
			dispatched++
		}
	}
	s.log.Debug("webhook dispatched", "provider", t, "configurations", dispatched)
	return dispatched, nil
}

func (s *Service) processWebhook(ctx context.Context, configID string, n provider.Notification) error {
	ctx, span := s.inst.tracer.Start(ctx, spanWebhook, trace.WithAttributes(attribute.String("sync.config_id", configID)))
	defer span.End()

	cfg, err := s.loadConfiguration(ctx, configID)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return nil
	}
	a, err := s.adapters.Open(ctx, cfg)
	if err != nil {
		return err
	}
	res, err := a.ProcessWebhook(ctx, n)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("processing webhook for %s: %w", configID, err)
	}
	if res == nil {
		return nil
	}

	if res.ChannelID != "" {
		sub, err := s.store.GetWebhookByChannel(ctx, res.ChannelID)
		if err != nil {
			return err
		}
		if sub != nil && sub.ConfigID != cfg.ID {
			return nil
		}
	}

	if err := s.recordDeliveries(ctx, cfg, res.Deliveries); err != nil {
		return err
	}
	if !res.Resync {
		return nil
	}
	_, err = s.SyncConfiguration(ctx, cfg.ID)
	return err
}

// recordDeliveries counts tracking events per kind into the metadata of the
// mapping they refer to, as "<kind>_count" and "last_<kind>_at".
func (s *Service) recordDeliveries(ctx context.Context, cfg *model.SyncConfiguration, deliveries []provider.DeliveryEvent) error {
	if len(deliveries) == 0 {
		return nil
	}
	touched := make(map[string]*model.SyncMapping)
	var order []string
	for _, d := range deliveries {
		m, seen := touched[d.ExternalID]
		if !seen {
			var err error
			m, err = s.store.GetMappingByExternalID(ctx, cfg.ID, d.ExternalID)
			if err != nil {
				return err
			}
			touched[d.ExternalID] = m
			if m != nil {
				order = append(order, d.ExternalID)
			}
		}
		if m == nil {
			continue
		}
		if m.Metadata == nil {
			m.Metadata = make(map[string]string)
		}
		countKey := d.Kind + "_count"
		n, _ := strconv.Atoi(m.Metadata[countKey])
		m.Metadata[countKey] = strconv.Itoa(n + 1)

		lastKey := "last_" + d.Kind + "_at"
		prev, _ := time.Parse(time.RFC3339, m.Metadata[lastKey])
		if d.At.After(prev) {
			m.Metadata[lastKey] = d.At.UTC().Format(time.RFC3339)
		}
	}
	for _, id := range order {
		m := touched[id]
		if err := s.store.UpdateMappingMetadata(ctx, m.ID, m.Metadata); err != nil {
			return err
		}
	}
	return nil
}
