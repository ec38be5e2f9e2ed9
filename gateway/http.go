package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cyverse-de/budget-alerts/db"
	"github.com/cyverse-de/budget-alerts/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// userHeader carries the already-resolved user identity. Authentication happens
// upstream of this service.
const userHeader = "X-User-ID"

// RecordStore is the part of the notification store the pull API needs.
type RecordStore interface {
	List(ctx context.Context, user string) ([]*model.Notification, error)
	MarkRead(ctx context.Context, id, user string) error
	MarkAllRead(ctx context.Context, user string) error
	Delete(ctx context.Context, id, user string) error
	ClearAll(ctx context.Context, user string) error
	Count(ctx context.Context, user string, unreadOnly bool) (int64, error)
}

// API serves the pull side of notification delivery: the full-list fetch clients
// reconcile against, plus read-state and deletion operations.
type API struct {
	store RecordStore
	log   *logrus.Entry
}

// NewAPI returns the pull API backed by the given store.
func NewAPI(store RecordStore, log *logrus.Entry) *API {
	return &API{store: store, log: log}
}

// Register adds the API's routes to a mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /notifications", a.list)
	mux.HandleFunc("GET /notifications/count", a.counts)
	mux.HandleFunc("PUT /notifications/read-all", a.markAllRead)
	mux.HandleFunc("PUT /notifications/{id}/read", a.markRead)
	mux.HandleFunc("DELETE /notifications/{id}", a.delete)
	mux.HandleFunc("DELETE /notifications", a.clearAll)
}

// requireUser extracts the user identity header, writing a 400 response if it's
// missing.
func (a *API) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.Header.Get(userHeader)
	if user == "" {
		http.Error(w, "missing user identity header", http.StatusBadRequest)
		return "", false
	}
	return user, true
}

func (a *API) list(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	notifications, err := a.store.List(r.Context(), user)
	if err != nil {
		a.serverError(w, err)
		return
	}
	if notifications == nil {
		notifications = []*model.Notification{}
	}
	a.writeJSON(w, notifications)
}

func (a *API) counts(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	unread, err := a.store.Count(r.Context(), user, true)
	if err != nil {
		a.serverError(w, err)
		return
	}
	total, err := a.store.Count(r.Context(), user, false)
	if err != nil {
		a.serverError(w, err)
		return
	}
	a.writeJSON(w, map[string]int64{"unreadCount": unread, "totalCount": total})
}

func (a *API) markRead(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	err := a.store.MarkRead(r.Context(), r.PathValue("id"), user)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "notification not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) markAllRead(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	if err := a.store.MarkAllRead(r.Context(), user); err != nil {
		a.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) delete(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	err := a.store.Delete(r.Context(), r.PathValue("id"), user)
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "notification not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) clearAll(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	if err := a.store.ClearAll(r.Context(), user); err != nil {
		a.serverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.log.WithError(err).Error("unable to write the response body")
	}
}

func (a *API) serverError(w http.ResponseWriter, err error) {
	a.log.WithError(err).Error("request failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
