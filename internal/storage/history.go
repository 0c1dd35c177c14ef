package storage

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"wagate/internal/model"
)

// CreateHistory inserts a pending delivery attempt row and returns its ID.
func (s *Store) CreateHistory(instanceID, webhookID, event, payload string, triggeredAt time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.DB.Exec(`INSERT INTO webhook_history (id,instance_id,webhook_id,event,payload,status,retry_count,triggered_at)
		VALUES (?,?,?,?,?,?,0,?)`,
		id, instanceID, webhookID, event, payload, model.DeliveryPending, triggeredAt)
	if err != nil {
		return "", err
	}
	return id, nil
}

// CompleteHistory finalizes an attempt row. Nil pointers stay NULL.
func (s *Store) CompleteHistory(id, status string, httpStatus *int, responseTimeMs *int64, response, errorMessage *string, completedAt time.Time) error {
	_, err := s.DB.Exec(`UPDATE webhook_history SET
		status=?, http_status=?, response_time_ms=?, response=?, error_message=?, completed_at=?
		WHERE id=?`,
		status, nullInt(httpStatus), nullInt64(responseTimeMs), nullStr(response), nullStr(errorMessage), completedAt, id)
	return err
}

// HistoryFilter narrows ListHistory. Zero values mean "no filter".
type HistoryFilter struct {
	InstanceID string
	WebhookID  string
	Status     string
	Event      string
	Since      *time.Time
	Until      *time.Time
	Limit      int
}

// ListHistory returns delivery attempts, newest first.
func (s *Store) ListHistory(f HistoryFilter) ([]model.WebhookHistory, error) {
	q := `SELECT id,instance_id,webhook_id,event,payload,status,http_status,response_time_ms,response,error_message,retry_count,triggered_at,completed_at
		FROM webhook_history WHERE 1=1`
	var args []any
	if f.InstanceID != "" {
		q += ` AND instance_id=?`
		args = append(args, f.InstanceID)
	}
	if f.WebhookID != "" {
		q += ` AND webhook_id=?`
		args = append(args, f.WebhookID)
	}
	if f.Status != "" {
		q += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.Event != "" {
		q += ` AND event=?`
		args = append(args, f.Event)
	}
	if f.Since != nil {
		q += ` AND triggered_at >= ?`
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		q += ` AND triggered_at <= ?`
		args = append(args, *f.Until)
	}
	q += ` ORDER BY triggered_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.DB.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.WebhookHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *h)
	}
	return list, rows.Err()
}

// HistoryByID returns one attempt row, or nil when absent.
func (s *Store) HistoryByID(id string) (*model.WebhookHistory, error) {
	rows, err := s.DB.Query(`SELECT id,instance_id,webhook_id,event,payload,status,http_status,response_time_ms,response,error_message,retry_count,triggered_at,completed_at
		FROM webhook_history WHERE id=?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanHistory(rows)
}

// HistoryStats aggregates outcome counts, per-event and per-status groups,
// and the average measured response time.
func (s *Store) HistoryStats(instanceID string) (*model.HistoryStats, error) {
	stats := &model.HistoryStats{
		ByEvent:  map[string]int64{},
		ByStatus: map[string]int64{},
	}
	where := ``
	var args []any
	if instanceID != "" {
		where = ` WHERE instance_id=?`
		args = append(args, instanceID)
	}

	row := s.DB.QueryRow(`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN status='success' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status IN ('failed','timeout') THEN 1 ELSE 0 END), 0),
		COALESCE(AVG(response_time_ms), 0)
		FROM webhook_history`+where, args...)
	if err := row.Scan(&stats.Total, &stats.Success, &stats.Failed, &stats.AvgResponseMs); err != nil {
		return nil, err
	}

	rows, err := s.DB.Query(`SELECT event, COUNT(*) FROM webhook_history`+where+` GROUP BY event`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var event string
		var n int64
		if err := rows.Scan(&event, &n); err != nil {
			return nil, err
		}
		stats.ByEvent[event] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows2, err := s.DB.Query(`SELECT status, COUNT(*) FROM webhook_history`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows2.Close()
	for rows2.Next() {
		var status string
		var n int64
		if err := rows2.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = n
	}
	return stats, rows2.Err()
}

// RecentFailures lists the latest non-success attempts for monitoring.
func (s *Store) RecentFailures(instanceID string, limit int) ([]model.WebhookHistory, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id,instance_id,webhook_id,event,payload,status,http_status,response_time_ms,response,error_message,retry_count,triggered_at,completed_at
		FROM webhook_history WHERE status IN ('failed','timeout')`
	var args []any
	if instanceID != "" {
		q += ` AND instance_id=?`
		args = append(args, instanceID)
	}
	q += ` ORDER BY triggered_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.WebhookHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *h)
	}
	return list, rows.Err()
}

func scanHistory(rows *sql.Rows) (*model.WebhookHistory, error) {
	var h model.WebhookHistory
	var httpStatus sql.NullInt64
	var respTime sql.NullInt64
	var response, errMsg sql.NullString
	var completed sql.NullTime
	if err := rows.Scan(&h.ID, &h.InstanceID, &h.WebhookID, &h.Event, &h.Payload, &h.Status,
		&httpStatus, &respTime, &response, &errMsg, &h.RetryCount, &h.TriggeredAt, &completed); err != nil {
		return nil, err
	}
	if httpStatus.Valid {
		v := int(httpStatus.Int64)
		h.HTTPStatus = &v
	}
	if respTime.Valid {
		v := respTime.Int64
		h.ResponseTimeMs = &v
	}
	if response.Valid {
		v := response.String
		h.Response = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		h.ErrorMessage = &v
	}
	if completed.Valid {
		t := completed.Time
		h.CompletedAt = &t
	}
	return &h, nil
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
