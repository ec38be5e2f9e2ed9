package client

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cyverse-de/budget-alerts/model"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readResult struct {
	data []byte
	err  error
}

// fakeWire is an in-memory transport connection scripted by the test.
type fakeWire struct {
	mutex   sync.Mutex
	inbound chan readResult
	written []userMessage
	closed  bool
}

func newFakeWire() *fakeWire {
	return &fakeWire{inbound: make(chan readResult, 8)}
}

func (w *fakeWire) ReadMessage() ([]byte, error) {
	result, ok := <-w.inbound
	if !ok {
		return nil, errors.New("connection closed")
	}
	return result.data, result.err
}

func (w *fakeWire) WriteJSON(v interface{}) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if msg, ok := v.(*userMessage); ok {
		w.written = append(w.written, *msg)
	}
	return nil
}

func (w *fakeWire) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.closed {
		w.closed = true
		close(w.inbound)
	}
	return nil
}

func (w *fakeWire) messages() []userMessage {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return append([]userMessage(nil), w.written...)
}

func (w *fakeWire) isClosed() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.closed
}

// push delivers a pushed notification to the wire's reader.
func (w *fakeWire) push(t *testing.T, notification *model.Notification) {
	t.Helper()
	data, err := json.Marshal(&envelope{Type: "notification", Notification: notification})
	require.NoError(t, err, "unable to marshal the test notification")
	w.inbound <- readResult{data: data}
}

// fail delivers a read error to the wire's reader, simulating a dropped connection.
func (w *fakeWire) fail(err error) {
	w.inbound <- readResult{err: err}
}

// fakeDialer hands out scripted connections. An exhausted script refuses the dial.
type fakeDialer struct {
	mutex sync.Mutex
	queue []*fakeWire
	dials int
}

func (d *fakeDialer) dial(string, time.Duration) (wire, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.dials++
	if len(d.queue) == 0 {
		return nil, errors.New("dial refused")
	}
	next := d.queue[0]
	d.queue = d.queue[1:]
	return next, nil
}

func (d *fakeDialer) serve(wires ...*fakeWire) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.queue = append(d.queue, wires...)
}

func (d *fakeDialer) count() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.dials
}

// timerCapture records scheduled reconnect timers without letting them fire on their
// own; the test fires them explicitly.
type timerCapture struct {
	mutex  sync.Mutex
	delays []time.Duration
	funcs  []func()
}

func (tc *timerCapture) after(d time.Duration, f func()) *time.Timer {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	tc.delays = append(tc.delays, d)
	tc.funcs = append(tc.funcs, f)
	return time.NewTimer(time.Hour)
}

func (tc *timerCapture) captured() []time.Duration {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()
	return append([]time.Duration(nil), tc.delays...)
}

func (tc *timerCapture) fire(i int) {
	tc.mutex.Lock()
	f := tc.funcs[i]
	tc.mutex.Unlock()
	f()
}

func newTestClient(dialer *fakeDialer, timers *timerCapture) *Client {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	c := New("ws://localhost:8080/ws", logrus.NewEntry(logger))
	c.dial = dialer.dial
	c.after = timers.after
	return c
}

func TestConnectSendsJoin(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	w := newFakeWire()
	dialer := &fakeDialer{}
	dialer.serve(w)
	c := newTestClient(dialer, &timerCapture{})

	var events []bool
	c.AddConnectionListener(func(connected bool) { events = append(events, connected) })

	c.Connect("sarahr")
	assert.Equal(Connected, c.State())
	assert.True(c.IsConnected())
	require.Equal([]userMessage{{Type: "join", UserID: "sarahr"}}, w.messages())
	assert.Equal([]bool{true}, events)
}

func TestConnectSameUserIsANoOp(t *testing.T) {
	assert := assert.New(t)

	dialer := &fakeDialer{}
	dialer.serve(newFakeWire())
	c := newTestClient(dialer, &timerCapture{})

	c.Connect("sarahr")
	c.Connect("sarahr")
	assert.Equal(1, dialer.count())
	assert.Equal(Connected, c.State())
}

func TestConnectRebindsToANewUser(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	w1 := newFakeWire()
	w2 := newFakeWire()
	dialer := &fakeDialer{}
	dialer.serve(w1, w2)
	c := newTestClient(dialer, &timerCapture{})

	c.Connect("sarahr")
	c.Connect("ipcdev")

	// The old connection gets a leave for the old user and is closed; the new one
	// gets a join for the new user.
	require.Equal(
		[]userMessage{{Type: "join", UserID: "sarahr"}, {Type: "leave", UserID: "sarahr"}},
		w1.messages(),
	)
	assert.True(w1.isClosed())
	require.Equal([]userMessage{{Type: "join", UserID: "ipcdev"}}, w2.messages())
	assert.Equal(Connected, c.State())
}

func TestPushedNotificationsReachListeners(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	w := newFakeWire()
	dialer := &fakeDialer{}
	dialer.serve(w)
	c := newTestClient(dialer, &timerCapture{})

	received := make(chan *model.Notification, 1)
	c.AddNotificationListener(func(notification *model.Notification) { received <- notification })

	c.Connect("sarahr")
	w.push(t, &model.Notification{
		ID: "n1", Kind: model.KindGeneral, User: "sarahr", Title: "Hello", TimeCreated: time.Now(),
	})

	select {
	case notification := <-received:
		assert.Equal("n1", notification.ID)
		assert.Equal(model.KindGeneral, notification.Kind)
	case <-time.After(5 * time.Second):
		require.Fail("the pushed notification never arrived")
	}
}

func TestRemovedListenerStopsReceiving(t *testing.T) {
	require := require.New(t)

	w := newFakeWire()
	dialer := &fakeDialer{}
	dialer.serve(w)
	c := newTestClient(dialer, &timerCapture{})

	removed := make(chan *model.Notification, 1)
	kept := make(chan *model.Notification, 1)
	remove := c.AddNotificationListener(func(notification *model.Notification) { removed <- notification })
	c.AddNotificationListener(func(notification *model.Notification) { kept <- notification })
	remove()

	c.Connect("sarahr")
	w.push(t, &model.Notification{ID: "n1", Kind: model.KindGeneral, User: "sarahr"})

	select {
	case <-kept:
	case <-time.After(5 * time.Second):
		require.Fail("the remaining listener never received the notification")
	}
	select {
	case <-removed:
		require.Fail("the removed listener received a notification")
	default:
	}
}

func TestListenerPanicIsIsolated(t *testing.T) {
	require := require.New(t)

	w := newFakeWire()
	dialer := &fakeDialer{}
	dialer.serve(w)
	c := newTestClient(dialer, &timerCapture{})

	received := make(chan *model.Notification, 1)
	c.AddNotificationListener(func(*model.Notification) { panic("listener bug") })
	c.AddNotificationListener(func(notification *model.Notification) { received <- notification })

	c.Connect("sarahr")
	w.push(t, &model.Notification{ID: "n1", Kind: model.KindGeneral, User: "sarahr"})

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		require.Fail("the panicking listener took the other listeners down with it")
	}
}

func TestReconnectBackoff(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	// Every dial is refused. The delay starts at one second and doubles on each
	// consecutive failure; after the maximum number of attempts the machine gives up.
	dialer := &fakeDialer{}
	timers := &timerCapture{}
	c := newTestClient(dialer, timers)

	c.Connect("sarahr")
	assert.Equal(Reconnecting, c.State())

	for i := 0; i < maxReconnectAttempts; i++ {
		timers.fire(i)
	}
	require.Equal(
		[]time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second},
		timers.captured(),
	)
	assert.Equal(Disconnected, c.State())
	assert.Equal(maxReconnectAttempts+1, dialer.count())
}

func TestReconnectDelayIsCapped(t *testing.T) {
	require := require.New(t)

	dialer := &fakeDialer{}
	timers := &timerCapture{}
	c := newTestClient(dialer, timers)

	c.Connect("sarahr")

	// Force the next delay near the ceiling; the one after it must be clamped.
	c.mutex.Lock()
	c.delay = 25 * time.Second
	c.mutex.Unlock()

	timers.fire(0)
	timers.fire(1)
	require.Equal([]time.Duration{time.Second, 25 * time.Second, 30 * time.Second}, timers.captured())
}

func TestNetworkDropReconnects(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	w1 := newFakeWire()
	w2 := newFakeWire()
	dialer := &fakeDialer{}
	dialer.serve(w1, w2)
	timers := &timerCapture{}
	c := newTestClient(dialer, timers)

	c.Connect("sarahr")
	w1.fail(errors.New("the network blipped"))

	// The drop is noticed on the read loop's goroutine.
	require.Eventually(
		func() bool { return len(timers.captured()) == 1 },
		5*time.Second, 10*time.Millisecond,
		"no reconnection attempt was scheduled",
	)
	assert.Equal(Reconnecting, c.State())

	timers.fire(0)
	assert.Equal(Connected, c.State())
	require.Equal([]userMessage{{Type: "join", UserID: "sarahr"}}, w2.messages())

	// A successful reconnection resets the backoff.
	w2.fail(errors.New("the network blipped again"))
	require.Eventually(
		func() bool { return len(timers.captured()) == 2 },
		5*time.Second, 10*time.Millisecond,
		"no second reconnection attempt was scheduled",
	)
	assert.Equal([]time.Duration{time.Second, time.Second}, timers.captured())
}

func TestServerCloseIsTerminal(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	w := newFakeWire()
	dialer := &fakeDialer{}
	dialer.serve(w)
	timers := &timerCapture{}
	c := newTestClient(dialer, timers)

	c.Connect("sarahr")
	w.fail(&websocket.CloseError{Code: websocket.CloseNormalClosure})

	// The server hung up on purpose, so no reconnection is scheduled.
	require.Eventually(
		func() bool { return c.State() == Disconnected },
		5*time.Second, 10*time.Millisecond,
		"the client never noticed the close",
	)
	assert.Empty(timers.captured())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	dialer := &fakeDialer{}
	timers := &timerCapture{}
	c := newTestClient(dialer, timers)

	c.Connect("sarahr")
	require.Len(timers.captured(), 1)

	c.Disconnect()
	assert.Equal(Disconnected, c.State())

	// Even if the canceled timer's callback fires anyway, it must not dial.
	timers.fire(0)
	assert.Equal(Disconnected, c.State())
	assert.Equal(1, dialer.count())
}

func TestDisconnectSendsLeave(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	w := newFakeWire()
	dialer := &fakeDialer{}
	dialer.serve(w)
	c := newTestClient(dialer, &timerCapture{})

	c.Connect("sarahr")
	c.Disconnect()
	require.Equal(
		[]userMessage{{Type: "join", UserID: "sarahr"}, {Type: "leave", UserID: "sarahr"}},
		w.messages(),
	)
	assert.True(w.isClosed())
	assert.Equal(Disconnected, c.State())
}

func TestStateString(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("disconnected", Disconnected.String())
	assert.Equal("connecting", Connecting.String())
	assert.Equal("connected", Connected.String())
	assert.Equal("reconnecting", Reconnecting.String())
}
