package internal_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/pong-server/internal"
)

// TestHub_Publish 測試記憶體廣播
func TestHub_Publish(t *testing.T) {
	ctx := context.Background()
	hub := internal.NewHub(testLogger())

	a1 := newMockSubscriber("a1")
	a2 := newMockSubscriber("a2")
	b1 := newMockSubscriber("b1")
	require.NoError(t, hub.Subscribe("A", a1))
	require.NoError(t, hub.Subscribe("A", a2))
	require.NoError(t, hub.Subscribe("B", b1))
	assert.Equal(t, 2, hub.Rooms())

	require.NoError(t, hub.Publish(ctx, "A", []byte("m1")))
	require.NoError(t, hub.Relay(ctx, "A", "a1", []byte("m2")))
	require.NoError(t, hub.Publish(ctx, "A", []byte("m3")))

	assert.Equal(t, []string{"m1", "m3"}, a1.messages())
	assert.Equal(t, []string{"m1", "m2", "m3"}, a2.messages())
	assert.Empty(t, b1.messages())
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := internal.NewHub(testLogger())

	require.NoError(t, hub.Subscribe("A", newMockSubscriber("a1")))
	require.NoError(t, hub.Subscribe("A", newMockSubscriber("a2")))
	assert.Equal(t, 2, hub.Subscribers("A"))

	hub.Unsubscribe("A", "a1")
	assert.Equal(t, 1, hub.Subscribers("A"))

	hub.Unsubscribe("A", "missing")
	hub.Unsubscribe("missing", "a2")
	assert.Equal(t, 1, hub.Subscribers("A"))

	hub.Unsubscribe("A", "a2")
	assert.Equal(t, 0, hub.Subscribers("A"))
	assert.Equal(t, 0, hub.Rooms())
}

// TestHub_DropsFailingSubscriber 送出失敗的訂閱者會被移除
func TestHub_DropsFailingSubscriber(t *testing.T) {
	hub := internal.NewHub(testLogger())

	ok := newMockSubscriber("ok")
	bad := newMockSubscriber("bad")
	bad.fail = true
	require.NoError(t, hub.Subscribe("A", ok))
	require.NoError(t, hub.Subscribe("A", bad))

	require.NoError(t, hub.Publish(context.Background(), "A", []byte("m1")))

	assert.Equal(t, 1, hub.Subscribers("A"))
	assert.Equal(t, []string{"m1"}, ok.messages())
}

// fakeTransport 同步投遞的代理
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]map[int]func([]byte)
	nextID   int
	opened   int
	closed   bool
	failSub  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]map[int]func([]byte))}
}

func (f *fakeTransport) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	var hs []func([]byte)
	for _, h := range f.handlers[subject] {
		hs = append(hs, h)
	}
	f.mu.Unlock()

	for _, h := range hs {
		h(data)
	}
	return nil
}

func (f *fakeTransport) Subscribe(subject string, handler func([]byte)) (internal.BrokerSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failSub {
		return nil, errors.New("broker unavailable")
	}
	if f.handlers[subject] == nil {
		f.handlers[subject] = make(map[int]func([]byte))
	}
	f.nextID++
	f.opened++
	f.handlers[subject][f.nextID] = handler
	return &fakeSubscription{f: f, subject: subject, id: f.nextID}, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) active(subject string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[subject])
}

type fakeSubscription struct {
	f       *fakeTransport
	subject string
	id      int
}

func (s *fakeSubscription) Unsubscribe() error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	delete(s.f.handlers[s.subject], s.id)
	return nil
}

func TestRelayBroadcaster_Subject(t *testing.T) {
	b := internal.NewRelayBroadcaster(newFakeTransport(), "pong.room", testLogger())

	assert.Equal(t, "pong.room.ZGVmYXVsdA", b.Subject("default"))
	assert.NotContains(t, b.Subject("a.b *>"), " ")
	assert.NotEqual(t, b.Subject("a.b"), b.Subject("a_b"))
}

// TestRelayBroadcaster_Fanout 兩個節點經由同一個代理互相轉發
func TestRelayBroadcaster_Fanout(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	node1 := internal.NewRelayBroadcaster(transport, "pong.room", testLogger())
	node2 := internal.NewRelayBroadcaster(transport, "pong.room", testLogger())

	p1 := newMockSubscriber("c1")
	p2 := newMockSubscriber("c2")
	require.NoError(t, node1.Subscribe("A", p1))
	require.NoError(t, node2.Subscribe("A", p2))
	assert.Equal(t, 2, transport.active(node1.Subject("A")))

	require.NoError(t, node1.Publish(ctx, "A", []byte("snapshot")))
	require.NoError(t, node2.Relay(ctx, "A", "c2", []byte(`{"key":"ArrowUp"}`)))

	assert.Equal(t, []string{"snapshot", `{"key":"ArrowUp"}`}, p1.messages())
	assert.Equal(t, []string{"snapshot"}, p2.messages())
	assert.Equal(t, 1, node1.Subscribers("A"))
}

// TestRelayBroadcaster_SubscriptionLifecycle 每個房間只向代理訂閱一次
func TestRelayBroadcaster_SubscriptionLifecycle(t *testing.T) {
	transport := newFakeTransport()
	b := internal.NewRelayBroadcaster(transport, "pong.room", testLogger())
	subject := b.Subject("A")

	require.NoError(t, b.Subscribe("A", newMockSubscriber("c1")))
	require.NoError(t, b.Subscribe("A", newMockSubscriber("c2")))
	assert.Equal(t, 1, transport.active(subject))
	assert.Equal(t, 1, transport.opened)

	b.Unsubscribe("A", "c1")
	assert.Equal(t, 1, transport.active(subject))

	b.Unsubscribe("A", "c2")
	assert.Equal(t, 0, transport.active(subject))

	require.NoError(t, b.Subscribe("B", newMockSubscriber("c3")))
	require.NoError(t, b.Close())
	assert.Equal(t, 0, transport.active(b.Subject("B")))
	assert.True(t, transport.closed)
}

func TestRelayBroadcaster_SubscribeError(t *testing.T) {
	transport := newFakeTransport()
	transport.failSub = true
	b := internal.NewRelayBroadcaster(transport, "pong.room", testLogger())

	err := b.Subscribe("A", newMockSubscriber("c1"))
	assert.Error(t, err)
	assert.Equal(t, 0, b.Subscribers("A"))
}

func TestNewBroadcaster(t *testing.T) {
	ctx := context.Background()

	b, err := internal.NewBroadcaster(ctx, internal.BroadcastConfig{Driver: internal.DriverMemory}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &internal.Hub{}, b)
	require.NoError(t, b.Close())

	_, err = internal.NewBroadcaster(ctx, internal.BroadcastConfig{Driver: "kafka"}, testLogger())
	assert.Error(t, err)
}
