package storage

import "time"

// PurgeResult reports how many rows each table lost in one retention sweep,
// plus the phones of deleted instances so callers can drop credential dirs.
type PurgeResult struct {
	WebhookHistory int64    `json:"webhook_history"`
	InstanceLogs   int64    `json:"instance_logs"`
	Messages       int64    `json:"messages"`
	Webhooks       int64    `json:"webhooks"`
	Instances      int64    `json:"instances"`
	DeletedPhones  []string `json:"deleted_phones,omitempty"`
}

// PurgeBefore deletes rows strictly older than cutoff across every table.
// Instances are swept last so that child rows of surviving instances are
// only removed by their own age, not by cascade.
func (s *Store) PurgeBefore(cutoff time.Time) (*PurgeResult, error) {
	res := &PurgeResult{}

	del := func(q string, args ...any) (int64, error) {
		r, err := s.DB.Exec(q, args...)
		if err != nil {
			return 0, err
		}
		return r.RowsAffected()
	}

	var err error
	if res.WebhookHistory, err = del(`DELETE FROM webhook_history WHERE triggered_at < ?`, cutoff); err != nil {
		return nil, err
	}
	if res.InstanceLogs, err = del(`DELETE FROM instance_logs WHERE ts < ?`, cutoff); err != nil {
		return nil, err
	}
	if res.Messages, err = del(`DELETE FROM messages WHERE created_at < ?`, cutoff); err != nil {
		return nil, err
	}
	if res.Webhooks, err = del(`DELETE FROM webhooks WHERE created_at < ?`, cutoff); err != nil {
		return nil, err
	}

	// Catat nomor yang akan ikut terhapus supaya credential dir bisa dibersihkan.
	rows, err := s.DB.Query(`SELECT phone FROM instances WHERE created_at < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var phone string
		if err := rows.Scan(&phone); err != nil {
			rows.Close()
			return nil, err
		}
		res.DeletedPhones = append(res.DeletedPhones, phone)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if res.Instances, err = del(`DELETE FROM instances WHERE created_at < ?`, cutoff); err != nil {
		return nil, err
	}
	return res, nil
}
