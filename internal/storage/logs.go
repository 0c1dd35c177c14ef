package storage

import (
	"time"

	"github.com/google/uuid"

	"wagate/internal/model"
)

// AppendInstanceLog writes one append-only log line for an instance.
func (s *Store) AppendInstanceLog(instanceID, level, message string) error {
	_, err := s.DB.Exec(`INSERT INTO instance_logs (id,instance_id,level,message,ts)
		VALUES (?,?,?,?,?)`,
		uuid.NewString(), instanceID, level, message, time.Now())
	return err
}

// ListInstanceLogs returns recent log lines, newest first.
func (s *Store) ListInstanceLogs(instanceID string, limit int) ([]model.InstanceLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.Query(`SELECT id,instance_id,level,message,ts
		FROM instance_logs WHERE instance_id=? ORDER BY ts DESC LIMIT ?`, instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.InstanceLog
	for rows.Next() {
		var l model.InstanceLog
		if err := rows.Scan(&l.ID, &l.InstanceID, &l.Level, &l.Message, &l.TS); err != nil {
			return nil, err
		}
		list = append(list, l)
	}
	return list, rows.Err()
}
