package events

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// AMQPSettings represents the settings that we require in order to consume mutation
// events from the AMQP exchange.
type AMQPSettings struct {
	URI          string
	ExchangeName string
	ExchangeType string
	QueueName    string
}

// Consumer binds message handlers to routing keys and feeds deliveries to them.
type Consumer struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	queueName  string
	handlerFor map[string]MessageHandler
	log        *logrus.Entry
}

// NewConsumer connects to the AMQP broker and binds a queue for every routing key
// that has a handler.
func NewConsumer(
	settings *AMQPSettings, handlerFor map[string]MessageHandler, log *logrus.Entry,
) (*Consumer, error) {
	wrapMsg := "unable to create the event consumer"

	// Connect to the broker.
	conn, err := amqp.Dial(settings.URI)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, wrapMsg)
	}

	// Declare the exchange and the queue, and bind the queue for each handled
	// routing key.
	err = channel.ExchangeDeclare(settings.ExchangeName, settings.ExchangeType, true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, wrapMsg)
	}
	queue, err := channel.QueueDeclare(settings.QueueName, true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, wrapMsg)
	}
	for routingKey := range handlerFor {
		err = channel.QueueBind(queue.Name, routingKey, settings.ExchangeName, false, nil)
		if err != nil {
			conn.Close()
			return nil, errors.Wrap(err, wrapMsg)
		}
	}

	return &Consumer{
		conn:       conn,
		channel:    channel,
		queueName:  queue.Name,
		handlerFor: handlerFor,
		log:        log,
	}, nil
}

// Listen consumes deliveries until the context is canceled or the channel closes.
func (c *Consumer) Listen(ctx context.Context) error {
	deliveries, err := c.channel.Consume(c.queueName, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "unable to consume from the event queue")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(ctx, delivery)
		}
	}
}

// handle routes a single delivery to its handler and settles it. Recoverable
// failures are requeued once; anything else is rejected.
func (c *Consumer) handle(ctx context.Context, delivery amqp.Delivery) {
	log := c.log.WithField("routingKey", delivery.RoutingKey)

	handler, ok := c.handlerFor[delivery.RoutingKey]
	if !ok {
		log.Warn("no handler registered; rejecting the message")
		_ = delivery.Reject(false)
		return
	}

	err := handler.HandleMessage(ctx, updateType(delivery.RoutingKey), delivery)
	switch {
	case err == nil:
		_ = delivery.Ack(false)
	case IsRecoverable(err):
		log.WithError(err).Warn("message handling failed")
		_ = delivery.Nack(false, !delivery.Redelivered)
	default:
		log.WithError(err).Error("message handling failed permanently")
		_ = delivery.Reject(false)
	}
}

// Close closes the event consumer.
func (c *Consumer) Close() {
	_ = c.channel.Close()
	_ = c.conn.Close()
}

// updateType extracts the mutation kind from a routing key, e.g.
// "events.expense.created" yields "created".
func updateType(routingKey string) string {
	parts := strings.Split(routingKey, ".")
	return parts[len(parts)-1]
}
