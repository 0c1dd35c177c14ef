package instance

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"wagate/internal/errs"
	"wagate/internal/model"
	"wagate/internal/plugin"
	"wagate/internal/storage"
	"wagate/internal/wa"
)

// Manager is the process-wide registry of live instances, keyed by phone.
// All registry mutation goes through its methods; it never holds the map
// lock across a per-instance call.
type Manager struct {
	store          *storage.Store
	dialer         wa.Dialer
	registry       *plugin.Registry
	authRoot       string
	transientCodes []string
	log            zerolog.Logger

	mu          sync.Mutex
	instances   map[string]*Instance
	initialized bool
}

// ManagerStatus is the summary served by the control plane.
type ManagerStatus struct {
	Initialized bool             `json:"initialized"`
	Total       int              `json:"total"`
	Connected   int              `json:"connected"`
	Instances   []model.Snapshot `json:"instances"`
}

func NewManager(store *storage.Store, dialer wa.Dialer, registry *plugin.Registry,
	authRoot string, transientCodes []string, log zerolog.Logger) *Manager {
	return &Manager{
		store:          store,
		dialer:         dialer,
		registry:       registry,
		authRoot:       authRoot,
		transientCodes: transientCodes,
		log:            log.With().Str("component", "manager").Logger(),
		instances:      map[string]*Instance{},
	}
}

// Init restores persisted instances. Those last seen active or connecting
// are started; per-instance failures are logged and do not abort the
// manager. Safe to call more than once.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true
	m.mu.Unlock()

	records, err := m.store.ListInstances()
	if err != nil {
		return errs.Wrap(errs.Storage, err, "failed to list instances")
	}

	for idx := range records {
		rec := records[idx]
		if rec.Status != model.StatusActive && rec.Status != model.StatusConnecting {
			continue
		}
		inst := newInstance(&rec, m.store, m.dialer, m.registry, m.authRoot, m.transientCodes, m.log)
		m.mu.Lock()
		m.instances[rec.Phone] = inst
		m.mu.Unlock()
		if err := inst.Start(ctx); err != nil {
			m.log.Error().Err(err).Str("phone", rec.Phone).Msg("instance restore failed")
		}
	}
	m.log.Info().Int("restored", len(m.instances)).Msg("manager initialized")
	return nil
}

// Create registers and starts a new instance. Phones are normalised to
// digits only; duplicates (in memory or persisted) are rejected.
func (m *Manager) Create(ctx context.Context, phone, name, alias string) (*Instance, error) {
	phone = wa.DigitsOnly(phone)
	if phone == "" {
		return nil, errs.New(errs.BadInput, "phone is required")
	}
	if name == "" {
		return nil, errs.New(errs.BadInput, "name is required")
	}

	m.mu.Lock()
	if _, ok := m.instances[phone]; ok {
		m.mu.Unlock()
		return nil, errs.New(errs.AlreadyExists, "instance %s already exists", phone)
	}
	m.mu.Unlock()

	existing, err := m.store.InstanceByPhone(phone)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, err, "failed to check instance %s", phone)
	}
	if existing != nil {
		return nil, errs.New(errs.AlreadyExists, "instance %s already exists", phone)
	}

	id, err := m.store.CreateInstance(phone, name, alias)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, err, "failed to persist instance %s", phone)
	}
	rec := &model.Instance{ID: id, Phone: phone, Name: name, Alias: alias, Plugins: map[string]bool{}}
	inst := newInstance(rec, m.store, m.dialer, m.registry, m.authRoot, m.transientCodes, m.log)

	m.mu.Lock()
	if _, ok := m.instances[phone]; ok {
		// Lost the race against a concurrent Create for the same phone.
		m.mu.Unlock()
		_ = m.store.DeleteInstance(phone)
		return nil, errs.New(errs.AlreadyExists, "instance %s already exists", phone)
	}
	m.instances[phone] = inst
	m.mu.Unlock()

	// Transport failures here are not fatal; the instance stays registered
	// with status error and can be restarted.
	if err := inst.Start(ctx); err != nil {
		m.log.Error().Err(err).Str("phone", phone).Msg("initial start failed")
	}
	m.log.Info().Str("phone", phone).Str("id", id).Msg("instance created")
	return inst, nil
}

// Get returns the live instance, or nil when not in memory.
func (m *Manager) Get(phone string) *Instance {
	phone = wa.DigitsOnly(phone)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instances[phone]
}

// get resolves a live instance or a typed NotFound error.
func (m *Manager) get(phone string) (*Instance, error) {
	inst := m.Get(phone)
	if inst == nil {
		return nil, errs.New(errs.NotFound, "instance %s not found", wa.DigitsOnly(phone))
	}
	return inst, nil
}

// GetView returns a status snapshot. Instances that are persisted but not
// loaded get a degraded snapshot derived from the row alone.
func (m *Manager) GetView(phone string) (*model.Snapshot, error) {
	phone = wa.DigitsOnly(phone)
	if inst := m.Get(phone); inst != nil {
		snap := inst.Snapshot()
		return &snap, nil
	}
	rec, err := m.store.InstanceByPhone(phone)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, err, "failed to load instance %s", phone)
	}
	if rec == nil {
		return nil, errs.New(errs.NotFound, "instance %s not found", phone)
	}
	return &model.Snapshot{
		ID:          rec.ID,
		Phone:       rec.Phone,
		Name:        rec.Name,
		Alias:       rec.Alias,
		Status:      model.StatusDisconnected,
		IsConnected: false,
	}, nil
}

// Update patches name/alias in the store and mirrors into memory.
func (m *Manager) Update(phone, name, alias string) error {
	phone = wa.DigitsOnly(phone)
	rec, err := m.store.InstanceByPhone(phone)
	if err != nil {
		return errs.Wrap(errs.Storage, err, "failed to load instance %s", phone)
	}
	if rec == nil {
		return errs.New(errs.NotFound, "instance %s not found", phone)
	}
	if err := m.store.UpdateInstance(phone, name, alias); err != nil {
		return errs.Wrap(errs.Storage, err, "failed to update instance %s", phone)
	}
	if inst := m.Get(phone); inst != nil {
		inst.setMeta(name, alias)
	}
	return nil
}

// Delete tears an instance down. keepRecord leaves the persisted row with
// status inactive (soft-clean); otherwise related rows cascade away.
func (m *Manager) Delete(phone string, keepRecord bool) error {
	phone = wa.DigitsOnly(phone)
	m.mu.Lock()
	inst := m.instances[phone]
	delete(m.instances, phone)
	m.mu.Unlock()

	if inst != nil {
		if err := inst.delete(keepRecord); err != nil {
			return errs.Wrap(errs.Storage, err, "failed to delete instance %s", phone)
		}
		m.log.Info().Str("phone", phone).Bool("keep_record", keepRecord).Msg("instance deleted")
		return nil
	}

	// Not in memory: clean up directly from the persisted record.
	rec, err := m.store.InstanceByPhone(phone)
	if err != nil {
		return errs.Wrap(errs.Storage, err, "failed to load instance %s", phone)
	}
	if rec == nil {
		return errs.New(errs.NotFound, "instance %s not found", phone)
	}
	if err := os.RemoveAll(filepath.Join(m.authRoot, phone)); err != nil {
		m.log.Error().Err(err).Str("phone", phone).Msg("credential cleanup failed")
	}
	if keepRecord {
		if err := m.store.UpdateInstanceStatus(phone, model.StatusInactive, ""); err != nil {
			return errs.Wrap(errs.Storage, err, "failed to update instance %s", phone)
		}
		return nil
	}
	if err := m.store.DeleteInstance(phone); err != nil {
		return errs.Wrap(errs.Storage, err, "failed to delete instance %s", phone)
	}
	return nil
}

// Restart bounces the transport of a live instance, keeping credentials.
// Dormant persisted instances are materialised first.
func (m *Manager) Restart(ctx context.Context, phone string) error {
	phone = wa.DigitsOnly(phone)
	inst := m.Get(phone)
	if inst == nil {
		rec, err := m.store.InstanceByPhone(phone)
		if err != nil {
			return errs.Wrap(errs.Storage, err, "failed to load instance %s", phone)
		}
		if rec == nil {
			return errs.New(errs.NotFound, "instance %s not found", phone)
		}
		inst = newInstance(rec, m.store, m.dialer, m.registry, m.authRoot, m.transientCodes, m.log)
		m.mu.Lock()
		if existing, ok := m.instances[phone]; ok {
			inst = existing
		} else {
			m.instances[phone] = inst
		}
		m.mu.Unlock()
	}
	return inst.Restart(ctx)
}

// SendText dispatches a direct text message through the target instance.
func (m *Manager) SendText(ctx context.Context, phone, to, text string) (*model.Message, error) {
	inst, err := m.get(phone)
	if err != nil {
		return nil, err
	}
	return inst.SendText(ctx, to, text)
}

// SendGroupText dispatches a group text message through the target instance.
func (m *Manager) SendGroupText(ctx context.Context, phone, groupID, text string) (*model.Message, error) {
	inst, err := m.get(phone)
	if err != nil {
		return nil, err
	}
	return inst.SendGroupText(ctx, groupID, text)
}

// SendMedia dispatches a media message through the target instance.
func (m *Manager) SendMedia(ctx context.Context, phone, to string, media model.Media) (*model.Message, error) {
	inst, err := m.get(phone)
	if err != nil {
		return nil, err
	}
	return inst.SendMedia(ctx, to, media)
}

// Status reports the manager summary with per-instance snapshots.
func (m *Manager) Status() ManagerStatus {
	m.mu.Lock()
	list := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		list = append(list, inst)
	}
	initialized := m.initialized
	m.mu.Unlock()

	st := ManagerStatus{Initialized: initialized, Total: len(list)}
	for _, inst := range list {
		snap := inst.Snapshot()
		if snap.IsConnected {
			st.Connected++
		}
		st.Instances = append(st.Instances, snap)
	}
	return st
}

// Shutdown closes every live session best-effort. Rows and credentials
// stay untouched so the next boot can restore.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	list := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		list = append(list, inst)
	}
	m.instances = map[string]*Instance{}
	m.mu.Unlock()

	for _, inst := range list {
		inst.shutdown()
	}
	m.log.Info().Int("closed", len(list)).Msg("manager shut down")
}

// RemoveCredentialDirs drops credential directories for phones deleted by
// the retention sweep.
func (m *Manager) RemoveCredentialDirs(phones []string) {
	for _, phone := range phones {
		m.mu.Lock()
		inst := m.instances[phone]
		delete(m.instances, phone)
		m.mu.Unlock()
		if inst != nil {
			inst.shutdown()
		}
		if err := os.RemoveAll(filepath.Join(m.authRoot, phone)); err != nil {
			m.log.Error().Err(err).Str("phone", phone).Msg("credential cleanup failed")
		}
	}
}
