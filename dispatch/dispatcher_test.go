package dispatch

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/cyverse-de/budget-alerts/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockStore records saved notifications, assigning sequential IDs.
type MockStore struct {
	mutex sync.Mutex
	Saved []*model.Notification
	Err   error
}

func (s *MockStore) Save(_ context.Context, notification *model.Notification) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.Err != nil {
		return s.Err
	}
	notification.ID = fmt.Sprintf("n%d", len(s.Saved)+1)
	s.Saved = append(s.Saved, notification)
	return nil
}

// MockConnections returns a fixed set of connections per user.
type MockConnections struct {
	Conns map[string][]string
}

func (c *MockConnections) ConnectionsFor(userID string) []string {
	return c.Conns[userID]
}

// MockPusher records every push it receives.
type MockPusher struct {
	mutex  sync.Mutex
	Pushed []string // "connID:notificationID"
	Err    error
}

func (p *MockPusher) Push(connID string, notification *model.Notification) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.Err != nil {
		return p.Err
	}
	p.Pushed = append(p.Pushed, fmt.Sprintf("%s:%s", connID, notification.ID))
	return nil
}

func testLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// runQueued processes everything already queued and returns. A canceled context
// makes Run drain the queue synchronously.
func runQueued(d *Dispatcher) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)
}

func TestDispatchPersistsAndPushes(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	store := &MockStore{}
	pusher := &MockPusher{}
	conns := &MockConnections{Conns: map[string][]string{"sarahr": {"c1", "c2"}}}
	d := New(store, conns, pusher, 8, testLog())

	d.Dispatch("sarahr", &model.Notification{Kind: model.KindGeneral, User: "sarahr"})
	runQueued(d)

	require.Len(store.Saved, 1)
	assert.ElementsMatch([]string{"c1:n1", "c2:n1"}, pusher.Pushed)
}

func TestDispatchToOfflineUserStillPersists(t *testing.T) {
	assert := assert.New(t)

	store := &MockStore{}
	pusher := &MockPusher{}
	conns := &MockConnections{Conns: map[string][]string{}}
	d := New(store, conns, pusher, 8, testLog())

	// No live connections: the push step is a no-op and the record awaits the next
	// pull-based refresh.
	d.Dispatch("sarahr", &model.Notification{Kind: model.KindGeneral, User: "sarahr"})
	runQueued(d)

	assert.Len(store.Saved, 1)
	assert.Empty(pusher.Pushed)
}

func TestDispatchPushesDespiteStoreFailure(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	store := &MockStore{Err: errors.New("storage is unavailable")}
	pusher := &MockPusher{}
	conns := &MockConnections{Conns: map[string][]string{"sarahr": {"c1"}}}
	d := New(store, conns, pusher, 8, testLog())

	notification := &model.Notification{Kind: model.KindBudgetWarning, User: "sarahr"}
	d.Dispatch("sarahr", notification)
	runQueued(d)

	// The push still happens, carrying a locally generated ID and timestamp.
	require.Len(pusher.Pushed, 1)
	assert.True(strings.HasPrefix(notification.ID, "local-"), "expected a local ID, got %q", notification.ID)
	assert.False(notification.TimeCreated.IsZero())
}

func TestDispatchPreservesOrder(t *testing.T) {
	assert := assert.New(t)

	store := &MockStore{}
	pusher := &MockPusher{}
	conns := &MockConnections{Conns: map[string][]string{"sarahr": {"c1"}}}
	d := New(store, conns, pusher, 8, testLog())

	// Two alerts raised from the same mutation must reach a connection in dispatch
	// order.
	d.Dispatch("sarahr", &model.Notification{Kind: model.KindExpenseCreated, User: "sarahr"})
	d.Dispatch("sarahr", &model.Notification{Kind: model.KindBudgetWarning, User: "sarahr"})
	runQueued(d)

	assert.Equal([]string{"c1:n1", "c1:n2"}, pusher.Pushed)
}

func TestDispatchDropsWhenQueueIsFull(t *testing.T) {
	assert := assert.New(t)

	store := &MockStore{}
	pusher := &MockPusher{}
	conns := &MockConnections{Conns: map[string][]string{}}
	d := New(store, conns, pusher, 1, testLog())

	// The second dispatch overflows the queue. It must return immediately rather
	// than blocking the caller; the overflowing notification is dropped.
	d.Dispatch("sarahr", &model.Notification{Kind: model.KindGeneral, User: "sarahr"})
	d.Dispatch("sarahr", &model.Notification{Kind: model.KindGeneral, User: "sarahr"})
	runQueued(d)

	assert.Len(store.Saved, 1)
}

func TestDispatchPushFailureIsIsolated(t *testing.T) {
	assert := assert.New(t)

	store := &MockStore{}
	pusher := &MockPusher{Err: errors.New("connection is gone")}
	conns := &MockConnections{Conns: map[string][]string{"sarahr": {"c1"}}}
	d := New(store, conns, pusher, 8, testLog())

	// A failed push is logged and skipped; nothing propagates to the caller.
	d.Dispatch("sarahr", &model.Notification{Kind: model.KindGeneral, User: "sarahr"})
	runQueued(d)

	assert.Len(store.Saved, 1)
}
