package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"wagate/internal/model"
)

// CreateInstance inserts a new instance row and returns its generated ID.
func (s *Store) CreateInstance(phone, name, alias string) (string, error) {
	id := uuid.NewString()
	now := time.Now()
	_, err := s.DB.Exec(`INSERT INTO instances (id,phone,name,alias,status,plugins,created_at,updated_at)
		VALUES (?,?,?,?,?,'{}',?,?)`,
		id, phone, name, alias, model.StatusPending, now, now)
	if err != nil {
		return "", err
	}
	return id, nil
}

// InstanceByPhone returns the persisted instance, or nil when absent.
func (s *Store) InstanceByPhone(phone string) (*model.Instance, error) {
	row := s.DB.QueryRow(`SELECT id,phone,name,COALESCE(alias,''),status,COALESCE(qr_code,''),plugins,created_at,updated_at
		FROM instances WHERE phone=?`, phone)
	return scanInstance(row)
}

// InstanceByID returns the persisted instance, or nil when absent.
func (s *Store) InstanceByID(id string) (*model.Instance, error) {
	row := s.DB.QueryRow(`SELECT id,phone,name,COALESCE(alias,''),status,COALESCE(qr_code,''),plugins,created_at,updated_at
		FROM instances WHERE id=?`, id)
	return scanInstance(row)
}

// ListInstances returns all persisted instances ordered by created_at.
func (s *Store) ListInstances() ([]model.Instance, error) {
	rows, err := s.DB.Query(`SELECT id,phone,name,COALESCE(alias,''),status,COALESCE(qr_code,''),plugins,created_at,updated_at
		FROM instances ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.Instance
	for rows.Next() {
		var inst model.Instance
		var pluginsRaw string
		if err := rows.Scan(&inst.ID, &inst.Phone, &inst.Name, &inst.Alias, &inst.Status,
			&inst.QRCode, &pluginsRaw, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return nil, err
		}
		inst.Plugins = decodePlugins(pluginsRaw)
		list = append(list, inst)
	}
	return list, rows.Err()
}

// UpdateInstance patches name and alias. Empty values keep the stored ones.
func (s *Store) UpdateInstance(phone, name, alias string) error {
	_, err := s.DB.Exec(`UPDATE instances SET
		name=COALESCE(NULLIF(?, ''), name),
		alias=COALESCE(NULLIF(?, ''), alias),
		updated_at=CURRENT_TIMESTAMP
		WHERE phone=?`, name, alias, phone)
	return err
}

// UpdateInstanceStatus persists a state transition. qr is cleared when empty.
func (s *Store) UpdateInstanceStatus(phone, status, qr string) error {
	_, err := s.DB.Exec(`UPDATE instances SET status=?, qr_code=NULLIF(?, ''), updated_at=CURRENT_TIMESTAMP WHERE phone=?`,
		status, qr, phone)
	return err
}

// UpdateInstancePlugins replaces the persisted plugin override map.
func (s *Store) UpdateInstancePlugins(phone string, plugins map[string]bool) error {
	raw, err := json.Marshal(plugins)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`UPDATE instances SET plugins=?, updated_at=CURRENT_TIMESTAMP WHERE phone=?`, string(raw), phone)
	return err
}

// DeleteInstance removes the row; related rows go with it via ON DELETE CASCADE.
func (s *Store) DeleteInstance(phone string) error {
	_, err := s.DB.Exec(`DELETE FROM instances WHERE phone=?`, phone)
	return err
}

func scanInstance(row *sql.Row) (*model.Instance, error) {
	var inst model.Instance
	var pluginsRaw string
	err := row.Scan(&inst.ID, &inst.Phone, &inst.Name, &inst.Alias, &inst.Status,
		&inst.QRCode, &pluginsRaw, &inst.CreatedAt, &inst.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	inst.Plugins = decodePlugins(pluginsRaw)
	return &inst, nil
}

func decodePlugins(raw string) map[string]bool {
	m := map[string]bool{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &m)
	}
	return m
}
