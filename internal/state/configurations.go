package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
)

const configColumns = `
	id, user_id, provider_id, provider_type, direction, enabled, credentials, settings,
	last_sync_at, next_sync_at, sync_token, webhook_id, created_at, updated_at`

// CreateConfiguration inserts cfg, assigning an ID when empty.
func (s *Store) CreateConfiguration(ctx context.Context, cfg *model.SyncConfiguration) error {
	if cfg.ID == "" {
		cfg.ID = newID()
	}
	now := s.now()
	cfg.CreatedAt, cfg.UpdatedAt = now, now

	settings, err := model.EncodeSettings(cfg.Settings)
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO sync_configurations (` + configColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q,
		cfg.ID, cfg.UserID, cfg.ProviderID, string(cfg.ProviderType), string(cfg.Direction),
		boolInt(cfg.Enabled), encodeJSON(cfg.Credentials), string(settings),
		formatTime(cfg.LastSyncAt), formatTime(cfg.NextSyncAt), cfg.SyncToken, cfg.WebhookID,
		formatTime(cfg.CreatedAt), formatTime(cfg.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting configuration %q: %w", cfg.ProviderID, err)
	}
	return nil
}

// GetConfiguration returns the configuration with the given ID, or (nil, nil)
// if no such configuration exists.
func (s *Store) GetConfiguration(ctx context.Context, id string) (*model.SyncConfiguration, error) {
	q := `SELECT ` + configColumns + ` FROM sync_configurations WHERE id = ?`
	return scanConfiguration(s.db.QueryRowContext(ctx, q, id))
}

// ListConfigurationsByUser returns every configuration owned by userID.
func (s *Store) ListConfigurationsByUser(ctx context.Context, userID string) ([]*model.SyncConfiguration, error) {
	q := `SELECT ` + configColumns + ` FROM sync_configurations WHERE user_id = ? ORDER BY created_at`
	return s.queryConfigurations(ctx, q, userID)
}

// ListEnabledConfigurationsByType returns the enabled configurations of one
// provider type.
func (s *Store) ListEnabledConfigurationsByType(ctx context.Context, t model.ProviderType) ([]*model.SyncConfiguration, error) {
	q := `SELECT ` + configColumns + ` FROM sync_configurations
		WHERE provider_type = ? AND enabled = 1 ORDER BY created_at`
	return s.queryConfigurations(ctx, q, string(t))
}

// ListDueConfigurations returns enabled configurations that were never synced
// or whose next sync time is not after now.
func (s *Store) ListDueConfigurations(ctx context.Context, now time.Time) ([]*model.SyncConfiguration, error) {
	q := `SELECT ` + configColumns + ` FROM sync_configurations
		WHERE enabled = 1 AND (next_sync_at = '' OR next_sync_at <= ?) ORDER BY next_sync_at`
	return s.queryConfigurations(ctx, q, formatTime(now))
}

// UpdateConfiguration writes all mutable fields of cfg.
func (s *Store) UpdateConfiguration(ctx context.Context, cfg *model.SyncConfiguration) error {
	settings, err := model.EncodeSettings(cfg.Settings)
	if err != nil {
		return err
	}
	cfg.UpdatedAt = s.now()

	const q = `
		UPDATE sync_configurations SET
		    provider_id = ?, direction = ?, enabled = ?, credentials = ?, settings = ?,
		    last_sync_at = ?, next_sync_at = ?, sync_token = ?, webhook_id = ?, updated_at = ?
		WHERE id = ?`
	_, err = s.db.ExecContext(ctx, q,
		cfg.ProviderID, string(cfg.Direction), boolInt(cfg.Enabled), encodeJSON(cfg.Credentials), string(settings),
		formatTime(cfg.LastSyncAt), formatTime(cfg.NextSyncAt), cfg.SyncToken, cfg.WebhookID,
		formatTime(cfg.UpdatedAt), cfg.ID,
	)
	if err != nil {
		return fmt.Errorf("updating configuration %s: %w", cfg.ID, err)
	}
	return nil
}

// UpdateSyncToken stores the incremental sync cursor of a configuration.
func (s *Store) UpdateSyncToken(ctx context.Context, id, token string) error {
	const q = `UPDATE sync_configurations SET sync_token = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, token, formatTime(s.now()), id); err != nil {
		return fmt.Errorf("updating sync token of %s: %w", id, err)
	}
	return nil
}

// MarkSynced stamps the last and next sync times of a configuration.
func (s *Store) MarkSynced(ctx context.Context, id string, lastSyncAt, nextSyncAt time.Time) error {
	const q = `UPDATE sync_configurations SET last_sync_at = ?, next_sync_at = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, formatTime(lastSyncAt), formatTime(nextSyncAt), formatTime(s.now()), id); err != nil {
		return fmt.Errorf("marking %s synced: %w", id, err)
	}
	return nil
}

// UpdateCredentials replaces the stored credentials of a configuration.
func (s *Store) UpdateCredentials(ctx context.Context, id string, creds model.Credentials) error {
	const q = `UPDATE sync_configurations SET credentials = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, encodeJSON(creds), formatTime(s.now()), id); err != nil {
		return fmt.Errorf("updating credentials of %s: %w", id, err)
	}
	return nil
}

// SetWebhookID stores the webhook reference of a configuration. An empty ID
// clears it.
func (s *Store) SetWebhookID(ctx context.Context, id, webhookID string) error {
	const q = `UPDATE sync_configurations SET webhook_id = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, webhookID, formatTime(s.now()), id); err != nil {
		return fmt.Errorf("setting webhook of %s: %w", id, err)
	}
	return nil
}

// SetEnabled toggles a configuration without deleting its history.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	const q = `UPDATE sync_configurations SET enabled = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, boolInt(enabled), formatTime(s.now()), id); err != nil {
		return fmt.Errorf("setting enabled=%t on %s: %w", enabled, id, err)
	}
	return nil
}

// DeleteConfiguration hard-deletes a configuration. Operations, mappings and
// webhook subscriptions cascade.
func (s *Store) DeleteConfiguration(ctx context.Context, id string) error {
	const q = `DELETE FROM sync_configurations WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("deleting configuration %s: %w", id, err)
	}
	return nil
}

func (s *Store) queryConfigurations(ctx context.Context, q string, args ...any) ([]*model.SyncConfiguration, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying configurations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.SyncConfiguration
	for rows.Next() {
		cfg, err := scanConfiguration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func scanConfiguration(sc scanner) (*model.SyncConfiguration, error) {
	var (
		cfg                                  model.SyncConfiguration
		providerType, direction              string
		enabled                              int
		creds, settings                      string
		lastSync, nextSync, created, updated string
	)
	err := sc.Scan(
		&cfg.ID, &cfg.UserID, &cfg.ProviderID, &providerType, &direction, &enabled,
		&creds, &settings, &lastSync, &nextSync, &cfg.SyncToken, &cfg.WebhookID,
		&created, &updated,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning configuration row: %w", err)
	}

	cfg.ProviderType = model.ProviderType(providerType)
	cfg.Direction = model.Direction(direction)
	cfg.Enabled = enabled == 1
	if creds != "" {
		if err := json.Unmarshal([]byte(creds), &cfg.Credentials); err != nil {
			return nil, fmt.Errorf("decoding credentials of %s: %w", cfg.ID, err)
		}
	}
	cfg.Settings, err = model.DecodeSettings(cfg.ProviderType, []byte(settings))
	if err != nil {
		return nil, fmt.Errorf("configuration %s: %w", cfg.ID, err)
	}
	cfg.LastSyncAt, _ = parseTime(lastSync)
	cfg.NextSyncAt, _ = parseTime(nextSync)
	cfg.CreatedAt, _ = parseTime(created)
	cfg.UpdatedAt, _ = parseTime(updated)
	return &cfg, nil
}
