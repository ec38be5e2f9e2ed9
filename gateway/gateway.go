// Package gateway exposes the transport surface: the WebSocket endpoint that pushes
// notifications in real time and the HTTP endpoints clients pull from to reconcile.
package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cyverse-de/budget-alerts/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// writeTimeout bounds a single write to a connection so one stuck client can't wedge
// its writer goroutine forever.
const writeTimeout = 10 * time.Second

// sendBufferSize is the per-connection outbound buffer. A client that falls this far
// behind gets its pushes dropped.
const sendBufferSize = 16

// Registry is the part of the connection registry the gateway needs.
type Registry interface {
	Register(userID, connID string)
	Unregister(connID string)
}

// inboundMessage is a message received from a client. Only join and leave are
// recognized.
type inboundMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// joinedMessage acknowledges a successful join.
type joinedMessage struct {
	Type         string `json:"type"`
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

// notificationMessage carries a pushed notification.
type notificationMessage struct {
	Type         string              `json:"type"`
	Notification *model.Notification `json:"notification"`
}

// connection is a single live WebSocket connection. All writes go through the send
// channel so a connection only ever has one writer.
type connection struct {
	id     string
	ws     *websocket.Conn
	mutex  sync.Mutex
	closed bool
	send   chan []byte
}

// enqueue queues outbound data for the connection's writer goroutine. An error is
// returned if the connection is closed or its buffer is full.
func (c *connection) enqueue(data []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return errors.New("connection is closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("connection send buffer is full")
	}
}

// close shuts down the connection's send channel exactly once.
func (c *connection) close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Gateway upgrades WebSocket connections, binds them to users via join and leave
// messages, and pushes notifications to them on behalf of the dispatcher.
type Gateway struct {
	registry Registry
	upgrader websocket.Upgrader
	mutex    sync.Mutex
	conns    map[string]*connection
	log      *logrus.Entry
}

// New returns a gateway that records join and leave events in the given registry.
func New(registry Registry, log *logrus.Entry) *Gateway {
	return &Gateway{
		registry: registry,
		upgrader: websocket.Upgrader{
			// Identity resolution happens upstream; the gateway accepts any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*connection),
		log:   log,
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and services it until it
// drops.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.WithError(err).Warn("unable to upgrade the connection")
		return
	}

	conn := &connection{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
	}
	g.mutex.Lock()
	g.conns[conn.id] = conn
	g.mutex.Unlock()
	g.log.WithField("connection", conn.id).Debug("client connected")

	go g.writeLoop(conn)
	g.readLoop(conn)
}

// readLoop processes inbound messages until the connection drops, then cleans up.
// The registry is always unregistered on the way out, which covers transport-level
// disconnects where the join handshake never completed or no leave was sent.
func (g *Gateway) readLoop(conn *connection) {
	defer func() {
		g.registry.Unregister(conn.id)
		g.mutex.Lock()
		delete(g.conns, conn.id)
		g.mutex.Unlock()
		conn.close()
		g.log.WithField("connection", conn.id).Debug("client disconnected")
	}()

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			g.log.WithError(err).WithField("connection", conn.id).Warn("ignoring unparseable message")
			continue
		}

		switch msg.Type {
		case "join":
			g.handleJoin(conn, msg.UserID)
		case "leave":
			g.registry.Unregister(conn.id)
			g.log.WithFields(logrus.Fields{"connection": conn.id, "user": msg.UserID}).Debug("user left")
		default:
			g.log.WithFields(logrus.Fields{"connection": conn.id, "type": msg.Type}).Warn("ignoring unrecognized message")
		}
	}
}

// handleJoin binds the connection to a user and acknowledges the join.
func (g *Gateway) handleJoin(conn *connection, userID string) {
	if userID == "" {
		return
	}

	g.registry.Register(userID, conn.id)
	g.log.WithFields(logrus.Fields{"connection": conn.id, "user": userID}).Debug("user joined")

	ack, err := json.Marshal(&joinedMessage{Type: "joined", UserID: userID, ConnectionID: conn.id})
	if err != nil {
		g.log.WithError(err).Error("unable to marshal the join acknowledgement")
		return
	}
	if err := conn.enqueue(ack); err != nil {
		g.log.WithError(err).WithField("connection", conn.id).Warn("unable to acknowledge the join")
	}
}

// writeLoop writes queued outbound data to the connection until the send channel is
// closed or a write fails.
func (g *Gateway) writeLoop(conn *connection) {
	defer conn.ws.Close()

	for data := range conn.send {
		_ = conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			g.log.WithError(err).WithField("connection", conn.id).Debug("write failed")
			return
		}
	}
}

// Push sends a notification over a single live connection. It implements the
// dispatcher's Pusher interface.
func (g *Gateway) Push(connID string, notification *model.Notification) error {
	wrapMsg := "unable to push the notification"

	g.mutex.Lock()
	conn, ok := g.conns[connID]
	g.mutex.Unlock()
	if !ok {
		return errors.Errorf("%s: no such connection: %s", wrapMsg, connID)
	}

	data, err := json.Marshal(&notificationMessage{Type: "notification", Notification: notification})
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	if err := conn.enqueue(data); err != nil {
		return errors.Wrap(err, wrapMsg)
	}
	return nil
}
