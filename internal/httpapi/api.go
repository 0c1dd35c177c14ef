package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"wagate/internal/errs"
	"wagate/internal/instance"
	"wagate/internal/model"
	"wagate/internal/plugin"
	"wagate/internal/storage"
)

type API struct {
	Store    *storage.Store
	Manager  *instance.Manager
	Registry *plugin.Registry
	Router   *chi.Mux
	Log      zerolog.Logger
}

func NewRouter(store *storage.Store, manager *instance.Manager, registry *plugin.Registry, log zerolog.Logger) *chi.Mux {
	api := &API{
		Store:    store,
		Manager:  manager,
		Registry: registry,
		Router:   chi.NewRouter(),
		Log:      log.With().Str("component", "api").Logger(),
	}
	r := api.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(cors)

	api.routes()
	return r
}

func (a *API) routes() {
	a.Router.Get("/api/health", a.handleHealth)
	a.Router.Get("/api/status", a.handleManagerStatus)
	a.Router.Get("/api/stats", a.handleStats)

	// Instance lifecycle
	a.Router.Get("/api/instances", a.handleListInstances)
	a.Router.Post("/api/instances", a.handleCreateInstance)
	a.Router.Get("/api/instances/{phone}", a.handleGetInstance)
	a.Router.Put("/api/instances/{phone}", a.handleUpdateInstance)
	a.Router.Delete("/api/instances/{phone}", a.handleDeleteInstance)
	a.Router.Post("/api/instances/{phone}/restart", a.handleRestartInstance)
	a.Router.Get("/api/instances/{phone}/connection", a.handleConnection)
	a.Router.Get("/api/instances/{phone}/ping", a.handlePing)
	a.Router.Get("/api/instances/{phone}/logs", a.handleInstanceLogs)

	// Plugins
	a.Router.Get("/api/instances/{phone}/plugins", a.handleListPlugins)
	a.Router.Post("/api/instances/{phone}/plugins/{name}/enable", a.handleEnablePlugin)
	a.Router.Post("/api/instances/{phone}/plugins/{name}/disable", a.handleDisablePlugin)
	a.Router.Put("/api/instances/{phone}/plugins", a.handleSetPluginMap)
	a.Router.Post("/api/instances/{phone}/plugins/sync", a.handleSyncPlugins)
	a.Router.Post("/api/plugins/reload", a.handleReloadPlugins)

	// Messaging
	a.Router.Post("/api/instances/{phone}/send/text", a.handleSendText)
	a.Router.Post("/api/instances/{phone}/send/group", a.handleSendGroup)
	a.Router.Post("/api/instances/{phone}/send/media", a.handleSendMedia)
	a.Router.Get("/api/instances/{phone}/messages", a.handleListMessages)
	a.Router.Get("/api/instances/{phone}/messages/conversation", a.handleConversation)
	a.Router.Get("/api/instances/{phone}/groups/{gid}", a.handleGroupMetadata)

	// Webhooks & history
	a.Router.Get("/api/instances/{phone}/webhooks", a.handleListWebhooks)
	a.Router.Post("/api/instances/{phone}/webhooks", a.handleCreateWebhook)
	a.Router.Put("/api/instances/{phone}/webhooks/{id}", a.handleUpdateWebhook)
	a.Router.Delete("/api/instances/{phone}/webhooks/{id}", a.handleDeleteWebhook)
	a.Router.Get("/api/instances/{phone}/webhooks/history", a.handleInstanceHistory)
	a.Router.Get("/api/instances/{phone}/webhooks/stats", a.handleInstanceHistoryStats)
	a.Router.Get("/api/webhooks/history", a.handleGlobalHistory)
	a.Router.Get("/api/webhooks/history/{id}", a.handleHistoryByID)
	a.Router.Get("/api/webhooks/stats", a.handleGlobalHistoryStats)
	a.Router.Get("/api/webhooks/failures", a.handleRecentFailures)

	// Retention
	a.Router.Post("/api/admin/cleanup", a.handleCleanup)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// envelope is the uniform response shape of the control plane.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeData(w http.ResponseWriter, code int, data any, msg string) {
	writeJSON(w, code, envelope{Success: true, Data: data, Message: msg})
}

// writeErr maps the taxonomy onto HTTP status codes and hides internals.
func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, errs.HTTPStatus(err), envelope{
		Success: false,
		Error:   string(errs.CodeOf(err)),
		Message: errs.MessageOf(err),
	})
}

func writeBadInput(w http.ResponseWriter, msg string) {
	writeErr(w, errs.New(errs.BadInput, "%s", msg))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().Format(time.RFC3339),
	}, "")
}

func (a *API) handleManagerStatus(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, a.Manager.Status(), "")
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	in, out, err := a.Store.MessageStats(r.URL.Query().Get("instance_id"))
	if err != nil {
		writeErr(w, errs.Wrap(errs.Storage, err, "failed to aggregate messages"))
		return
	}
	writeData(w, http.StatusOK, map[string]int64{
		"incoming": in,
		"outgoing": out,
	}, "")
}

// instanceRecord resolves the persisted row for the phone route param.
func (a *API) instanceRecord(r *http.Request) (*model.Instance, error) {
	phone := chi.URLParam(r, "phone")
	rec, err := a.Store.InstanceByPhone(digits(phone))
	if err != nil {
		return nil, errs.Wrap(errs.Storage, err, "failed to load instance")
	}
	if rec == nil {
		return nil, errs.New(errs.NotFound, "instance %s not found", phone)
	}
	return rec, nil
}

func digits(phone string) string {
	out := make([]byte, 0, len(phone))
	for i := 0; i < len(phone); i++ {
		if phone[i] >= '0' && phone[i] <= '9' {
			out = append(out, phone[i])
		}
	}
	return string(out)
}

func (a *API) handleListInstances(w http.ResponseWriter, r *http.Request) {
	records, err := a.Store.ListInstances()
	if err != nil {
		writeErr(w, errs.Wrap(errs.Storage, err, "failed to list instances"))
		return
	}
	views := make([]model.Snapshot, 0, len(records))
	for _, rec := range records {
		snap, err := a.Manager.GetView(rec.Phone)
		if err != nil {
			continue
		}
		views = append(views, *snap)
	}
	writeData(w, http.StatusOK, views, "")
}

type createInstanceReq struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
	Alias string `json:"alias"`
}

func (a *API) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadInput(w, "invalid JSON")
		return
	}
	inst, err := a.Manager.Create(r.Context(), req.Phone, req.Name, req.Alias)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, inst.Snapshot(), "instance created")
}

func (a *API) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	snap, err := a.Manager.GetView(chi.URLParam(r, "phone"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, snap, "")
}

type updateInstanceReq struct {
	Name  string `json:"name"`
	Alias string `json:"alias"`
}

func (a *API) handleUpdateInstance(w http.ResponseWriter, r *http.Request) {
	var req updateInstanceReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadInput(w, "invalid JSON")
		return
	}
	if err := a.Manager.Update(chi.URLParam(r, "phone"), req.Name, req.Alias); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, nil, "instance updated")
}

func (a *API) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	keepRecord := r.URL.Query().Get("keep_record") == "true"
	if err := a.Manager.Delete(chi.URLParam(r, "phone"), keepRecord); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, nil, "instance deleted")
}

func (a *API) handleRestartInstance(w http.ResponseWriter, r *http.Request) {
	if err := a.Manager.Restart(r.Context(), chi.URLParam(r, "phone")); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, nil, "instance restarting")
}

func (a *API) handleConnection(w http.ResponseWriter, r *http.Request) {
	snap, err := a.Manager.GetView(chi.URLParam(r, "phone"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, snap, "")
}

func (a *API) handlePing(w http.ResponseWriter, r *http.Request) {
	snap, err := a.Manager.GetView(chi.URLParam(r, "phone"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"pong":      true,
		"status":    snap.Status,
		"connected": snap.IsConnected,
	}, "")
}

func (a *API) handleInstanceLogs(w http.ResponseWriter, r *http.Request) {
	rec, err := a.instanceRecord(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	limit := intQuery(r, "limit", 100)
	logs, err := a.Store.ListInstanceLogs(rec.ID, limit)
	if err != nil {
		writeErr(w, errs.Wrap(errs.Storage, err, "failed to list logs"))
		return
	}
	writeData(w, http.StatusOK, logs, "")
}

func (a *API) handleGroupMetadata(w http.ResponseWriter, r *http.Request) {
	inst := a.Manager.Get(chi.URLParam(r, "phone"))
	if inst == nil {
		writeErr(w, errs.New(errs.NotFound, "instance %s not found", chi.URLParam(r, "phone")))
		return
	}
	meta, err := inst.GroupMetadata(r.Context(), chi.URLParam(r, "gid"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, meta, "")
}

func intQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n := 0
	for i := 0; i < len(raw); i++ {
		if raw[i] < '0' || raw[i] > '9' {
			return def
		}
		n = n*10 + int(raw[i]-'0')
	}
	return n
}
