package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"wagate/internal/errs"
	"wagate/internal/storage"
)

type webhookReq struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	URL     string `json:"url"`
	Enabled *bool  `json:"enabled"`
}

func (a *API) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	rec, err := a.instanceRecord(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	hooks, err := a.Store.ListWebhooks(rec.ID)
	if err != nil {
		writeErr(w, errs.Wrap(errs.Storage, err, "failed to list webhooks"))
		return
	}
	writeData(w, http.StatusOK, hooks, "")
}

func (a *API) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	rec, err := a.instanceRecord(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var req webhookReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadInput(w, "invalid JSON")
		return
	}
	if req.Event == "" || req.URL == "" {
		writeBadInput(w, "event and url are required")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	id, err := a.Store.CreateWebhook(rec.ID, req.Type, req.Event, req.URL, enabled)
	if err != nil {
		writeErr(w, errs.Wrap(errs.Storage, err, "failed to create webhook"))
		return
	}
	writeData(w, http.StatusCreated, map[string]any{"id": id}, "webhook created")
}

func (a *API) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	if _, err := a.instanceRecord(r); err != nil {
		writeErr(w, err)
		return
	}
	var req webhookReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadInput(w, "invalid JSON")
		return
	}
	id := chi.URLParam(r, "id")
	hook, err := a.Store.WebhookByID(id)
	if err != nil {
		writeErr(w, errs.Wrap(errs.Storage, err, "failed to load webhook"))
		return
	}
	if hook == nil {
		writeErr(w, errs.New(errs.NotFound, "webhook %s not found", id))
		return
	}
	enabled := hook.Enabled
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	if err := a.Store.UpdateWebhook(id, req.Event, req.URL, enabled); err != nil {
		writeErr(w, errs.Wrap(errs.Storage, err, "failed to update webhook"))
		return
	}
	writeData(w, http.StatusOK, nil, "webhook updated")
}

func (a *API) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if _, err := a.instanceRecord(r); err != nil {
		writeErr(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.Store.DeleteWebhook(id); err != nil {
		writeErr(w, errs.New(errs.NotFound, "webhook %s not found", id))
		return
	}
	writeData(w, http.StatusOK, nil, "webhook deleted")
}

// historyFilter builds the shared filter from query params.
func historyFilter(r *http.Request) storage.HistoryFilter {
	q := r.URL.Query()
	f := storage.HistoryFilter{
		Status:    q.Get("status"),
		Event:     q.Get("event"),
		WebhookID: q.Get("webhook_id"),
		Limit:     intQuery(r, "limit", 50),
	}
	if raw := q.Get("since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			f.Since = &t
		}
	}
	if raw := q.Get("until"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			f.Until = &t
		}
	}
	return f
}

func (a *API) handleInstanceHistory(w http.ResponseWriter, r *http.Request) {
	rec, err := a.instanceRecord(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	f := historyFilter(r)
	f.InstanceID = rec.ID
	rows, err := a.Store.ListHistory(f)
	if err != nil {
		writeErr(w, errs.Wrap(errs.Storage, err, "failed to list history"))
		return
	}
	writeData(w, http.StatusOK, rows, "")
}

func (a *API) handleInstanceHistoryStats(w http.ResponseWriter, r *http.Request) {
	rec, err := a.instanceRecord(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	stats, err := a.Store.HistoryStats(rec.ID)
	if err != nil {
		writeErr(w, errs.Wrap(errs.Storage, err, "failed to aggregate history"))
		return
	}
	writeData(w, http.StatusOK, stats, "")
}

func (a *API) handleGlobalHistory(w http.ResponseWriter, r *http.Request) {
	rows, err := a.Store.ListHistory(historyFilter(r))
	if err != nil {
		writeErr(w, errs.Wrap(errs.Storage, err, "failed to list history"))
		return
	}
	writeData(w, http.StatusOK, rows, "")
}

func (a *API) handleHistoryByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	row, err := a.Store.HistoryByID(id)
	if err != nil {
		writeErr(w, errs.Wrap(errs.Storage, err, "failed to load history row"))
		return
	}
	if row == nil {
		writeErr(w, errs.New(errs.NotFound, "history %s not found", id))
		return
	}
	writeData(w, http.StatusOK, row, "")
}

func (a *API) handleGlobalHistoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Store.HistoryStats("")
	if err != nil {
		writeErr(w, errs.Wrap(errs.Storage, err, "failed to aggregate history"))
		return
	}
	writeData(w, http.StatusOK, stats, "")
}

func (a *API) handleRecentFailures(w http.ResponseWriter, r *http.Request) {
	rows, err := a.Store.RecentFailures(r.URL.Query().Get("instance_id"), intQuery(r, "limit", 20))
	if err != nil {
		writeErr(w, errs.Wrap(errs.Storage, err, "failed to list failures"))
		return
	}
	writeData(w, http.StatusOK, rows, "")
}

type cleanupReq struct {
	OlderThanMinutes int `json:"older_than_minutes"`
}

func (a *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadInput(w, "invalid JSON")
		return
	}
	if req.OlderThanMinutes <= 0 {
		writeBadInput(w, "older_than_minutes must be positive")
		return
	}
	cutoff := time.Now().Add(-time.Duration(req.OlderThanMinutes) * time.Minute)
	res, err := a.Store.PurgeBefore(cutoff)
	if err != nil {
		writeErr(w, errs.Wrap(errs.Storage, err, "retention sweep failed"))
		return
	}
	a.Manager.RemoveCredentialDirs(res.DeletedPhones)
	writeData(w, http.StatusOK, res, "retention sweep complete")
}
