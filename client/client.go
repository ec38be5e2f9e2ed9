// Package client maintains a live notification connection for a single user,
// reconnecting with exponential backoff when the network drops, and reconciles
// pushed notifications with the authoritative pulled list.
package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cyverse-de/budget-alerts/model"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// State describes where the connection state machine currently is.
type State int

// The connection states.
const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

// String returns a human-readable name for a state.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Reconnection tuning. The delay starts at the floor, doubles on each consecutive
// failure up to the ceiling, and the machine gives up silently after the maximum
// number of attempts until the caller explicitly reconnects.
const (
	reconnectFloor       = time.Second
	reconnectCeiling     = 30 * time.Second
	maxReconnectAttempts = 5
	dialTimeout          = 10 * time.Second
)

// NotificationListener receives pushed notifications.
type NotificationListener func(notification *model.Notification)

// ConnectionListener receives connection status changes.
type ConnectionListener func(connected bool)

// wire is the transport connection. Tests substitute a fake.
type wire interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v interface{}) error
	Close() error
}

// dialFunc opens a transport connection, failing if it can neither succeed nor error
// within the timeout.
type dialFunc func(rawURL string, timeout time.Duration) (wire, error)

// userMessage is the join/leave handshake binding a connection to a user.
type userMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// envelope is a message received from the server.
type envelope struct {
	Type         string              `json:"type"`
	Notification *model.Notification `json:"notification"`
}

// Client is the connection state machine. Only one user identity may be bound to a
// client at a time.
type Client struct {
	url string
	log *logrus.Entry

	// Seams for tests.
	dial  dialFunc
	after func(d time.Duration, f func()) *time.Timer

	mutex      sync.Mutex
	state      State
	userID     string
	conn       wire
	generation int
	attempts   int
	delay      time.Duration
	timer      *time.Timer

	listenersMutex        sync.Mutex
	nextListenerKey       int
	notificationListeners map[int]NotificationListener
	connectionListeners   map[int]ConnectionListener
}

// New returns a disconnected client for the given WebSocket URL.
func New(rawURL string, log *logrus.Entry) *Client {
	return &Client{
		url:                   rawURL,
		log:                   log,
		dial:                  dialWebSocket,
		after:                 time.AfterFunc,
		state:                 Disconnected,
		delay:                 reconnectFloor,
		notificationListeners: make(map[int]NotificationListener),
		connectionListeners:   make(map[int]ConnectionListener),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

// IsConnected reports whether the client currently has a live connection.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// Connect binds the client to a user and opens a connection. Connecting again for
// the same user while connected is a no-op; connecting for a different user tears
// down the existing connection first.
func (c *Client) Connect(userID string) {
	c.mutex.Lock()
	if c.state == Connected && c.userID == userID {
		c.mutex.Unlock()
		return
	}
	hadConn := c.teardownLocked()
	c.userID = userID
	c.attempts = 0
	c.delay = reconnectFloor
	c.state = Connecting
	gen := c.generation
	c.mutex.Unlock()

	if hadConn {
		c.notifyConnection(false)
	}
	c.establish(gen)
}

// Disconnect tears the connection down for good: any pending reconnect timer is
// canceled so a zombie reconnect can't fire after the user intentionally left.
func (c *Client) Disconnect() {
	c.mutex.Lock()
	hadConn := c.teardownLocked()
	c.userID = ""
	c.attempts = 0
	c.delay = reconnectFloor
	c.state = Disconnected
	c.mutex.Unlock()

	if hadConn {
		c.notifyConnection(false)
	}
}

// teardownLocked cancels any pending reconnect, sends a leave message if a
// connection is open, and closes it. Bumping the generation invalidates the read
// loop and any scheduled retry for the old connection. The caller must hold the
// mutex; the return value reports whether a connection was actually open.
func (c *Client) teardownLocked() bool {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.generation++
	if c.conn == nil {
		return false
	}
	if c.userID != "" {
		_ = c.conn.WriteJSON(&userMessage{Type: "leave", UserID: c.userID})
	}
	_ = c.conn.Close()
	c.conn = nil
	return true
}

// establish dials the server and completes the Connecting to Connected transition,
// sending the join handshake and resetting the backoff. A failed dial counts as a
// reconnection failure.
func (c *Client) establish(gen int) {
	conn, err := c.dial(c.url, dialTimeout)

	c.mutex.Lock()
	if gen != c.generation || c.state != Connecting {
		// The caller disconnected or reconnected while the dial was in flight.
		c.mutex.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.log.WithError(err).Warn("connection attempt failed")
		c.scheduleReconnectLocked()
		c.mutex.Unlock()
		c.notifyConnection(false)
		return
	}
	c.conn = conn
	c.state = Connected
	c.attempts = 0
	c.delay = reconnectFloor
	userID := c.userID
	c.mutex.Unlock()

	_ = conn.WriteJSON(&userMessage{Type: "join", UserID: userID})
	go c.readLoop(conn, gen)
	c.notifyConnection(true)
}

// readLoop delivers pushed notifications until the connection drops.
func (c *Client) readLoop(conn wire, gen int) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(gen, isServerClose(err))
			return
		}

		var msg envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.WithError(err).Warn("ignoring unparseable message")
			continue
		}
		switch msg.Type {
		case "notification":
			if msg.Notification != nil {
				c.notifyNotification(msg.Notification)
			}
		case "joined":
			c.log.Debug("join acknowledged")
		}
	}
}

// connectionLost handles a dropped connection. A server-initiated close is terminal:
// the server intentionally dropped us, so no reconnect is scheduled. Anything else
// is treated as a network blip and retried with backoff.
func (c *Client) connectionLost(gen int, terminal bool) {
	c.mutex.Lock()
	if gen != c.generation {
		// An explicit disconnect or reconnect already superseded this connection.
		c.mutex.Unlock()
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.generation++
	if terminal {
		c.state = Disconnected
		c.log.Info("server closed the connection; not reconnecting")
	} else {
		c.scheduleReconnectLocked()
	}
	c.mutex.Unlock()

	c.notifyConnection(false)
}

// scheduleReconnectLocked schedules the next connection attempt, doubling the delay
// up to the ceiling. After the maximum number of attempts the machine gives up and
// waits for an explicit Connect. The caller must hold the mutex.
func (c *Client) scheduleReconnectLocked() {
	if c.attempts >= maxReconnectAttempts {
		c.state = Disconnected
		c.log.Warn("maximum reconnection attempts reached; giving up")
		return
	}
	c.attempts++
	c.state = Reconnecting

	delay := c.delay
	c.delay *= 2
	if c.delay > reconnectCeiling {
		c.delay = reconnectCeiling
	}

	gen := c.generation
	c.log.WithFields(logrus.Fields{"attempt": c.attempts, "delay": delay}).Info("scheduling reconnection attempt")
	c.timer = c.after(delay, func() { c.retry(gen) })
}

// retry fires when the reconnect timer elapses.
func (c *Client) retry(gen int) {
	c.mutex.Lock()
	if gen != c.generation || c.state != Reconnecting {
		c.mutex.Unlock()
		return
	}
	c.state = Connecting
	c.mutex.Unlock()

	c.establish(gen)
}

// AddNotificationListener registers a callback for pushed notifications, returning
// a function that removes it.
func (c *Client) AddNotificationListener(listener NotificationListener) func() {
	c.listenersMutex.Lock()
	defer c.listenersMutex.Unlock()

	key := c.nextListenerKey
	c.nextListenerKey++
	c.notificationListeners[key] = listener
	return func() {
		c.listenersMutex.Lock()
		defer c.listenersMutex.Unlock()
		delete(c.notificationListeners, key)
	}
}

// AddConnectionListener registers a callback for connection status changes,
// returning a function that removes it.
func (c *Client) AddConnectionListener(listener ConnectionListener) func() {
	c.listenersMutex.Lock()
	defer c.listenersMutex.Unlock()

	key := c.nextListenerKey
	c.nextListenerKey++
	c.connectionListeners[key] = listener
	return func() {
		c.listenersMutex.Lock()
		defer c.listenersMutex.Unlock()
		delete(c.connectionListeners, key)
	}
}

// notifyNotification fans a pushed notification out to the registered listeners. A
// panicking listener is isolated so the rest still run.
func (c *Client) notifyNotification(notification *model.Notification) {
	c.listenersMutex.Lock()
	listeners := make([]NotificationListener, 0, len(c.notificationListeners))
	for _, listener := range c.notificationListeners {
		listeners = append(listeners, listener)
	}
	c.listenersMutex.Unlock()

	for _, listener := range listeners {
		c.invoke(func() { listener(notification) })
	}
}

// notifyConnection fans a connection status change out to the registered listeners.
func (c *Client) notifyConnection(connected bool) {
	c.listenersMutex.Lock()
	listeners := make([]ConnectionListener, 0, len(c.connectionListeners))
	for _, listener := range c.connectionListeners {
		listeners = append(listeners, listener)
	}
	c.listenersMutex.Unlock()

	for _, listener := range listeners {
		c.invoke(func() { listener(connected) })
	}
}

// invoke runs a listener callback, recovering from panics.
func (c *Client) invoke(f func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("listener panicked")
		}
	}()
	f()
}

// isServerClose reports whether a read error indicates an intentional,
// server-initiated close rather than a network failure.
func isServerClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// gorillaWire adapts a gorilla WebSocket connection to the wire interface.
type gorillaWire struct {
	conn *websocket.Conn
}

func (w *gorillaWire) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *gorillaWire) WriteJSON(v interface{}) error {
	return w.conn.WriteJSON(v)
}

func (w *gorillaWire) Close() error {
	return w.conn.Close()
}

// dialWebSocket is the production dial function.
func dialWebSocket(rawURL string, timeout time.Duration) (wire, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.Dial(rawURL, nil)
	if err != nil {
		return nil, err
	}
	return &gorillaWire{conn: conn}, nil
}
