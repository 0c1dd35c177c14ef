package storage

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"wagate/internal/model"
)

// CreateWebhook inserts a subscription and returns its generated ID.
func (s *Store) CreateWebhook(instanceID, typ, event, url string, enabled bool) (string, error) {
	id := uuid.NewString()
	_, err := s.DB.Exec(`INSERT INTO webhooks (id,instance_id,type,event,url,enabled,created_at)
		VALUES (?,?,?,?,?,?,?)`,
		id, instanceID, typ, event, url, btoi(enabled), time.Now())
	if err != nil {
		return "", err
	}
	return id, nil
}

// WebhookByID returns one subscription, or nil when absent.
func (s *Store) WebhookByID(id string) (*model.Webhook, error) {
	row := s.DB.QueryRow(`SELECT id,instance_id,COALESCE(type,''),event,url,enabled,created_at FROM webhooks WHERE id=?`, id)
	var w model.Webhook
	var enabled int
	err := row.Scan(&w.ID, &w.InstanceID, &w.Type, &w.Event, &w.URL, &enabled, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.Enabled = enabled == 1
	return &w, nil
}

// ListWebhooks returns all subscriptions for an instance.
func (s *Store) ListWebhooks(instanceID string) ([]model.Webhook, error) {
	return s.queryWebhooks(`SELECT id,instance_id,COALESCE(type,''),event,url,enabled,created_at
		FROM webhooks WHERE instance_id=? ORDER BY created_at`, instanceID)
}

// EnabledWebhooksByEvent returns enabled subscriptions matching (instance, event).
func (s *Store) EnabledWebhooksByEvent(instanceID, event string) ([]model.Webhook, error) {
	return s.queryWebhooks(`SELECT id,instance_id,COALESCE(type,''),event,url,enabled,created_at
		FROM webhooks WHERE instance_id=? AND event=? AND enabled=1`, instanceID, event)
}

// UpdateWebhook patches url, event and enabled flag.
func (s *Store) UpdateWebhook(id, event, url string, enabled bool) error {
	res, err := s.DB.Exec(`UPDATE webhooks SET
		event=COALESCE(NULLIF(?, ''), event),
		url=COALESCE(NULLIF(?, ''), url),
		enabled=?
		WHERE id=?`, event, url, btoi(enabled), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteWebhook removes the subscription; its history rows cascade.
func (s *Store) DeleteWebhook(id string) error {
	res, err := s.DB.Exec(`DELETE FROM webhooks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) queryWebhooks(q string, args ...any) ([]model.Webhook, error) {
	rows, err := s.DB.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.Webhook
	for rows.Next() {
		var w model.Webhook
		var enabled int
		if err := rows.Scan(&w.ID, &w.InstanceID, &w.Type, &w.Event, &w.URL, &enabled, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.Enabled = enabled == 1
		list = append(list, w)
	}
	return list, rows.Err()
}
