// Package dispatch delivers notifications: persist first, then push to every live
// connection the owning user has.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/cyverse-de/budget-alerts/model"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RecordStore persists notifications durably.
type RecordStore interface {
	Save(ctx context.Context, notification *model.Notification) error
}

// Connections looks up the live connections bound to a user.
type Connections interface {
	ConnectionsFor(userID string) []string
}

// Pusher sends a notification over a single live connection.
type Pusher interface {
	Push(connID string, notification *model.Notification) error
}

// item is a single queued dispatch.
type item struct {
	userID       string
	notification *model.Notification
}

// Dispatcher accepts fire-and-forget dispatch requests and processes them on a
// single worker goroutine. The single worker drains the queue in FIFO order, so two
// notifications dispatched for the same user are always delivered to a given
// connection in dispatch order.
type Dispatcher struct {
	store RecordStore
	conns Connections
	push  Pusher
	queue chan item
	log   *logrus.Entry
}

// New returns a dispatcher with a bounded queue of the given size. Run must be
// called before dispatches are processed.
func New(store RecordStore, conns Connections, push Pusher, queueSize int, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{
		store: store,
		conns: conns,
		push:  push,
		queue: make(chan item, queueSize),
		log:   log,
	}
}

// Dispatch queues a notification for delivery and returns immediately. Delivery is
// strictly best-effort: a full queue drops the notification with a log message
// rather than blocking the caller, and no delivery failure is ever reported back.
func (d *Dispatcher) Dispatch(userID string, notification *model.Notification) {
	select {
	case d.queue <- item{userID: userID, notification: notification}:
	default:
		d.log.WithFields(logrus.Fields{"user": userID, "kind": notification.Kind}).
			Warn("dispatch queue full; dropping notification")
	}
}

// Run processes queued dispatches until the context is canceled, then drains
// whatever is already queued before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case queued := <-d.queue:
			d.deliver(ctx, queued)
		}
	}
}

// drain delivers anything still queued at shutdown.
func (d *Dispatcher) drain() {
	for {
		select {
		case queued := <-d.queue:
			d.deliver(context.Background(), queued)
		default:
			return
		}
	}
}

// deliver persists a notification and pushes it to every live connection for the
// user. If persistence fails the push still happens with a locally generated ID so
// the user isn't denied a real-time alert merely because storage is unavailable;
// such a notification won't survive the client's next full refresh.
func (d *Dispatcher) deliver(ctx context.Context, queued item) {
	notification := queued.notification
	log := d.log.WithFields(logrus.Fields{"user": queued.userID, "kind": notification.Kind})

	// Persist the notification, stamping the durable ID and timestamp.
	err := d.store.Save(ctx, notification)
	if err != nil {
		log.WithError(err).Error("unable to persist the notification; pushing with a local ID")
		notification.ID = LocalID()
		notification.TimeCreated = time.Now()
	}

	// Push to every live connection. An offline user simply gets no push; the
	// persisted record is picked up by the next pull-based refresh.
	for _, connID := range d.conns.ConnectionsFor(queued.userID) {
		err = d.push.Push(connID, notification)
		if err != nil {
			log.WithError(err).WithField("connection", connID).Warn("unable to push the notification")
		}
	}
}

// LocalID generates a notification ID for a notification that could not be
// persisted. The prefix makes these identifiable in logs and client state.
func LocalID() string {
	return fmt.Sprintf("local-%s", uuid.NewString())
}
