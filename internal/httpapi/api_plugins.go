package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"wagate/internal/errs"
	"wagate/internal/instance"
)

// liveInstance resolves the in-memory instance for plugin operations;
// plugin chains only exist on loaded instances.
func (a *API) liveInstance(r *http.Request) (*instance.Instance, error) {
	phone := chi.URLParam(r, "phone")
	inst := a.Manager.Get(phone)
	if inst == nil {
		return nil, errs.New(errs.NotFound, "instance %s not loaded", phone)
	}
	return inst, nil
}

func (a *API) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	inst, err := a.liveInstance(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, inst.Chain().Statuses(), "")
}

func (a *API) handleEnablePlugin(w http.ResponseWriter, r *http.Request) {
	a.togglePlugin(w, r, true)
}

func (a *API) handleDisablePlugin(w http.ResponseWriter, r *http.Request) {
	a.togglePlugin(w, r, false)
}

func (a *API) togglePlugin(w http.ResponseWriter, r *http.Request, enabled bool) {
	inst, err := a.liveInstance(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	name := chi.URLParam(r, "name")
	if _, ok := a.Registry.Describe(name); !ok {
		writeErr(w, errs.New(errs.NotFound, "plugin %s not found", name))
		return
	}
	if err := inst.SetPluginMap(map[string]bool{name: enabled}); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, inst.Chain().Statuses(), "plugin updated")
}

func (a *API) handleSetPluginMap(w http.ResponseWriter, r *http.Request) {
	inst, err := a.liveInstance(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	var m map[string]bool
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeBadInput(w, "invalid JSON")
		return
	}
	if err := inst.SetPluginMap(m); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, inst.Chain().Statuses(), "plugin map updated")
}

func (a *API) handleSyncPlugins(w http.ResponseWriter, r *http.Request) {
	inst, err := a.liveInstance(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := inst.SyncPlugins(); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, inst.Chain().Statuses(), "plugin map synced from store")
}

func (a *API) handleReloadPlugins(w http.ResponseWriter, r *http.Request) {
	a.Registry.Reload()
	writeData(w, http.StatusOK, a.Registry.Names(), "plugin registry reloaded")
}
