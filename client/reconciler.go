package client

import (
	"sync"

	"github.com/cyverse-de/budget-alerts/model"
)

// Reconciler maintains the client-side notification list by merging real-time
// pushes with the authoritative list pulled from the server. Entries are
// deduplicated by ID; the unread count is always derived from the list rather than
// tracked separately.
type Reconciler struct {
	mutex sync.Mutex
	list  []*model.Notification
	byID  map[string]*model.Notification
}

// NewReconciler returns an empty reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{byID: make(map[string]*model.Notification)}
}

// ApplyPush merges a pushed notification into the list. A notification whose ID is
// already present is ignored entirely: the first write wins, and in particular the
// read state of the existing entry is left alone. New notifications go to the head
// of the list.
func (r *Reconciler) ApplyPush(notification *model.Notification) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.byID[notification.ID]; ok {
		return
	}
	r.list = append([]*model.Notification{notification}, r.list...)
	r.byID[notification.ID] = notification
}

// Refresh replaces the list wholesale with the server's, preserving the server's
// order. The pulled list is authoritative for existence and read state: entries the
// server no longer has (including push-only entries with locally generated IDs)
// disappear here.
func (r *Reconciler) Refresh(notifications []*model.Notification) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.list = make([]*model.Notification, 0, len(notifications))
	r.byID = make(map[string]*model.Notification, len(notifications))
	for _, notification := range notifications {
		if _, ok := r.byID[notification.ID]; ok {
			continue
		}
		r.list = append(r.list, notification)
		r.byID[notification.ID] = notification
	}
}

// MarkRead flips the read flag on a single notification.
func (r *Reconciler) MarkRead(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if notification, ok := r.byID[id]; ok {
		notification.Seen = true
	}
}

// MarkAllRead flips the read flag on every notification.
func (r *Reconciler) MarkAllRead() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, notification := range r.list {
		notification.Seen = true
	}
}

// Remove deletes a single notification from the list.
func (r *Reconciler) Remove(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	for i, notification := range r.list {
		if notification.ID == id {
			r.list = append(r.list[:i], r.list[i+1:]...)
			break
		}
	}
}

// Clear removes every notification.
func (r *Reconciler) Clear() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.list = nil
	r.byID = make(map[string]*model.Notification)
}

// Notifications returns a copy of the current list, most recent first.
func (r *Reconciler) Notifications() []*model.Notification {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	notifications := make([]*model.Notification, len(r.list))
	copy(notifications, r.list)
	return notifications
}

// UnreadCount counts the notifications that haven't been marked as read. The count
// is derived on every call; it's never cached independently of the list.
func (r *Reconciler) UnreadCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	count := 0
	for _, notification := range r.list {
		if !notification.Seen {
			count++
		}
	}
	return count
}
