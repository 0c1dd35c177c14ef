package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"wagate/internal/model"
)

// CreateMessage persists an inbound or outbound message row.
func (s *Store) CreateMessage(m *model.Message) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	content, err := json.Marshal(m.Content)
	if err != nil {
		content = []byte(`{"__serialization_error":true}`)
	}
	var sentAt any
	if m.SentAt != nil {
		sentAt = *m.SentAt
	}
	_, err = s.DB.Exec(`INSERT INTO messages (id,instance_id,direction,from_jid,to_jid,type,content,status,sent_at,created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.InstanceID, m.Direction, m.From, m.To, m.Type, string(content), m.Status, sentAt, time.Now())
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

// MessageFilter narrows ListMessages. Zero values mean "no filter".
type MessageFilter struct {
	Direction string
	Status    string
	Type      string
	Limit     int
}

// ListMessages returns messages for an instance, newest first.
func (s *Store) ListMessages(instanceID string, f MessageFilter) ([]model.Message, error) {
	q := `SELECT id,instance_id,direction,COALESCE(from_jid,''),COALESCE(to_jid,''),type,content,status,sent_at,created_at
		FROM messages WHERE instance_id=?`
	args := []any{instanceID}
	if f.Direction != "" {
		q += ` AND direction=?`
		args = append(args, f.Direction)
	}
	if f.Status != "" {
		q += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.Type != "" {
		q += ` AND type=?`
		args = append(args, f.Type)
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryMessages(q, args...)
}

// Conversation returns all messages exchanged between the instance and one
// contact, oldest first.
func (s *Store) Conversation(instanceID, contact string) ([]model.Message, error) {
	return s.queryMessages(`SELECT id,instance_id,direction,COALESCE(from_jid,''),COALESCE(to_jid,''),type,content,status,sent_at,created_at
		FROM messages
		WHERE instance_id=? AND (from_jid=? OR to_jid=?)
		ORDER BY created_at ASC`, instanceID, contact, contact)
}

// UpdateMessageStatusByUpstreamID promotes the delivery status of an
// outgoing message identified by the upstream acknowledgement id.
func (s *Store) UpdateMessageStatusByUpstreamID(instanceID, upstreamID, status string) error {
	_, err := s.DB.Exec(`UPDATE messages SET status=?
		WHERE instance_id=? AND direction='outgoing' AND json_extract(content,'$.upstream_id')=?`,
		status, instanceID, upstreamID)
	return err
}

// UpdateMessageStatus mutates only the delivery status of one message.
func (s *Store) UpdateMessageStatus(id, status string) error {
	res, err := s.DB.Exec(`UPDATE messages SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) queryMessages(q string, args ...any) ([]model.Message, error) {
	rows, err := s.DB.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.Message
	for rows.Next() {
		var m model.Message
		var content string
		var sentAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.InstanceID, &m.Direction, &m.From, &m.To, &m.Type,
			&content, &m.Status, &sentAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Content = map[string]any{}
		_ = json.Unmarshal([]byte(content), &m.Content)
		if sentAt.Valid {
			t := sentAt.Time
			m.SentAt = &t
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

// MessageStats reports totals per direction for an instance (empty id = all).
func (s *Store) MessageStats(instanceID string) (incoming, outgoing int64, err error) {
	q := `SELECT
		COALESCE(SUM(CASE WHEN direction='incoming' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN direction='outgoing' THEN 1 ELSE 0 END), 0)
		FROM messages`
	var args []any
	if instanceID != "" {
		q += ` WHERE instance_id=?`
		args = append(args, instanceID)
	}
	err = s.DB.QueryRow(q, args...).Scan(&incoming, &outgoing)
	return
}
