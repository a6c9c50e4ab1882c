package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
)

const webhookColumns = `id, config_id, provider_id, resource_id, channel_id, expires_at, created_at`

// InsertWebhook stores a new webhook subscription and points its
// configuration at it.
func (s *Store) InsertWebhook(ctx context.Context, sub *model.WebhookSubscription) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		return s.insertWebhookTx(ctx, tx, sub)
	})
}

// ReplaceWebhook deletes oldID and inserts sub in one transaction, so a
// configuration never references zero or two live subscriptions after a
// renewal.
func (s *Store) ReplaceWebhook(ctx context.Context, oldID string, sub *model.WebhookSubscription) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = ?`, oldID); err != nil {
			return fmt.Errorf("deleting webhook %s: %w", oldID, err)
		}
		return s.insertWebhookTx(ctx, tx, sub)
	})
}

func (s *Store) insertWebhookTx(ctx context.Context, tx *sql.Tx, sub *model.WebhookSubscription) error {
	if sub.ID == "" {
		sub.ID = newID()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now()
	}
	const q = `INSERT INTO webhook_subscriptions (` + webhookColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		sub.ID, sub.ConfigID, sub.ProviderID, sub.ResourceID, sub.ChannelID,
		formatTime(sub.ExpiresAt), formatTime(sub.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting webhook for %s: %w", sub.ConfigID, err)
	}
	const upd = `UPDATE sync_configurations SET webhook_id = ?, updated_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, upd, sub.ID, formatTime(s.now()), sub.ConfigID); err != nil {
		return fmt.Errorf("linking webhook to %s: %w", sub.ConfigID, err)
	}
	return nil
}

// ListWebhooksByConfig returns the subscriptions of a configuration.
func (s *Store) ListWebhooksByConfig(ctx context.Context, configID string) ([]*model.WebhookSubscription, error) {
	q := `SELECT ` + webhookColumns + ` FROM webhook_subscriptions WHERE config_id = ? ORDER BY created_at`
	return s.queryWebhooks(ctx, q, configID)
}

// ListExpiringWebhooks returns subscriptions expiring at or before the given
// time.
func (s *Store) ListExpiringWebhooks(ctx context.Context, before time.Time) ([]*model.WebhookSubscription, error) {
	q := `SELECT ` + webhookColumns + ` FROM webhook_subscriptions
		WHERE expires_at != '' AND expires_at <= ? ORDER BY expires_at`
	return s.queryWebhooks(ctx, q, formatTime(before))
}

// GetWebhookByChannel returns the subscription with the given channel ID, or
// (nil, nil).
func (s *Store) GetWebhookByChannel(ctx context.Context, channelID string) (*model.WebhookSubscription, error) {
	q := `SELECT ` + webhookColumns + ` FROM webhook_subscriptions WHERE channel_id = ?`
	return scanWebhook(s.db.QueryRowContext(ctx, q, channelID))
}

// DeleteWebhook removes a subscription and clears the reference held by its
// configuration.
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting webhook %s: %w", id, err)
		}
		const upd = `UPDATE sync_configurations SET webhook_id = '' WHERE webhook_id = ?`
		if _, err := tx.ExecContext(ctx, upd, id); err != nil {
			return fmt.Errorf("unlinking webhook %s: %w", id, err)
		}
		return nil
	})
}

func (s *Store) queryWebhooks(ctx context.Context, q string, args ...any) ([]*model.WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying webhooks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.WebhookSubscription
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWebhook(sc scanner) (*model.WebhookSubscription, error) {
	var (
		w                  model.WebhookSubscription
		expires, createdAt string
	)
	err := sc.Scan(&w.ID, &w.ConfigID, &w.ProviderID, &w.ResourceID, &w.ChannelID, &expires, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning webhook row: %w", err)
	}
	w.ExpiresAt, _ = parseTime(expires)
	w.CreatedAt, _ = parseTime(createdAt)
	return &w, nil
}
