package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"wagate/internal/errs"
	"wagate/internal/model"
	"wagate/internal/storage"
)

type sendTextReq struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (a *API) handleSendText(w http.ResponseWriter, r *http.Request) {
	var req sendTextReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadInput(w, "invalid JSON")
		return
	}
	msg, err := a.Manager.SendText(r.Context(), chi.URLParam(r, "phone"), req.To, req.Message)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, msg, "message sent")
}

type sendGroupReq struct {
	GroupID string `json:"groupId"`
	Message string `json:"message"`
}

func (a *API) handleSendGroup(w http.ResponseWriter, r *http.Request) {
	var req sendGroupReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadInput(w, "invalid JSON")
		return
	}
	msg, err := a.Manager.SendGroupText(r.Context(), chi.URLParam(r, "phone"), req.GroupID, req.Message)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, msg, "group message sent")
}

type sendMediaReq struct {
	To    string      `json:"to"`
	Media model.Media `json:"media"`
}

func (a *API) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	var req sendMediaReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadInput(w, "invalid JSON")
		return
	}
	msg, err := a.Manager.SendMedia(r.Context(), chi.URLParam(r, "phone"), req.To, req.Media)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, msg, "media sent")
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	rec, err := a.instanceRecord(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	q := r.URL.Query()
	msgs, err := a.Store.ListMessages(rec.ID, storage.MessageFilter{
		Direction: q.Get("direction"),
		Status:    q.Get("status"),
		Type:      q.Get("type"),
		Limit:     intQuery(r, "limit", 50),
	})
	if err != nil {
		writeErr(w, errs.Wrap(errs.Storage, err, "failed to list messages"))
		return
	}
	writeData(w, http.StatusOK, msgs, "")
}

func (a *API) handleConversation(w http.ResponseWriter, r *http.Request) {
	rec, err := a.instanceRecord(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	with := r.URL.Query().Get("with")
	if with == "" {
		writeBadInput(w, "query param 'with' is required")
		return
	}
	msgs, err := a.Store.Conversation(rec.ID, with)
	if err != nil {
		writeErr(w, errs.Wrap(errs.Storage, err, "failed to load conversation"))
		return
	}
	writeData(w, http.StatusOK, msgs, "")
}
