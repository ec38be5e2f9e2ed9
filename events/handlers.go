// Package events consumes expense and budget mutation events and raises the
// notifications they call for.
package events

import (
	"context"

	"github.com/cyverse-de/budget-alerts/model"
	"github.com/streadway/amqp"
)

// MessageHandler describes the interface used to handle mutation event messages.
// The update type is the final segment of the AMQP routing key ("created" or
// "updated").
type MessageHandler interface {
	HandleMessage(ctx context.Context, updateType string, delivery amqp.Delivery) error
}

// Alerter accepts notifications for fire-and-forget delivery. Handlers never learn
// whether delivery succeeded; a mutation event must never fail because a
// notification couldn't be delivered.
type Alerter interface {
	Dispatch(userID string, notification *model.Notification)
}
