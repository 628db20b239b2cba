package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/config"
	"github.com/Tyrowin/gochat-relay/internal/natstest"
)

func TestTopicSubject(t *testing.T) {
	tests := []struct {
		topic Topic
		want  string
	}{
		{TopicChatMessage, "chat.chat.message"},
		{TopicTypingStart, "chat.typing.start"},
		{TopicTypingStop, "chat.typing.stop"},
		{TopicPresenceChange, "chat.presence.change"},
		{TopicCallSignal, "chat.call.signal"},
	}
	for _, tt := range tests {
		t.Run(string(tt.topic), func(t *testing.T) {
			assert.True(t, tt.topic.Valid())
			assert.Equal(t, tt.want, tt.topic.Subject("chat"))
		})
	}
	assert.False(t, Topic("room-join").Valid())
}

type collector struct {
	mu  sync.Mutex
	got [][]byte
}

func (c *collector) handle(_ context.Context, payload []byte) {
	c.mu.Lock()
	c.got = append(c.got, payload)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestMemory_FanOutWithoutEcho(t *testing.T) {
	net := NewNetwork()
	a, b, c := net.Join(), net.Join(), net.Join()

	var gotA, gotB, gotC collector
	require.NoError(t, a.Subscribe(TopicChatMessage, gotA.handle))
	require.NoError(t, b.Subscribe(TopicChatMessage, gotB.handle))
	require.NoError(t, c.Subscribe(TopicChatMessage, gotC.handle))

	require.NoError(t, a.Publish(context.Background(), TopicChatMessage, []byte(`{"x":1}`)))

	assert.Equal(t, 0, gotA.count(), "publisher must not receive its own event")
	assert.Equal(t, 1, gotB.count())
	assert.Equal(t, 1, gotC.count())
	assert.Equal(t, 1, a.Published(TopicChatMessage))
	assert.Equal(t, 0, b.Published(TopicChatMessage))
}

func TestMemory_TopicsAreIsolated(t *testing.T) {
	net := NewNetwork()
	a, b := net.Join(), net.Join()

	var typing collector
	require.NoError(t, b.Subscribe(TopicTypingStart, typing.handle))
	require.NoError(t, a.Publish(context.Background(), TopicTypingStop, []byte(`{}`)))

	assert.Equal(t, 0, typing.count())
}

func TestMemory_Errors(t *testing.T) {
	m := NewMemory()

	assert.ErrorIs(t, m.Publish(context.Background(), Topic("nope"), nil), ErrUnknownTopic)
	assert.ErrorIs(t, m.Subscribe(Topic("nope"), func(context.Context, []byte) {}), ErrUnknownTopic)

	m.SetAvailable(false)
	assert.ErrorIs(t, m.Publish(context.Background(), TopicCallSignal, nil), ErrUnavailable)
	assert.False(t, m.Healthy())
	m.SetAvailable(true)
	assert.True(t, m.Healthy())

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Publish(context.Background(), TopicCallSignal, nil), ErrClosed)
}

func TestMemory_ClosedMemberStopsReceiving(t *testing.T) {
	net := NewNetwork()
	a, b := net.Join(), net.Join()

	var got collector
	require.NoError(t, b.Subscribe(TopicPresenceChange, got.handle))
	require.NoError(t, b.Close())
	require.NoError(t, a.Publish(context.Background(), TopicPresenceChange, []byte(`{}`)))

	assert.Equal(t, 0, got.count())
}

func newNATSPair(t *testing.T) (*NATS, *nats.Conn, *NATS, *nats.Conn) {
	t.Helper()
	s := natstest.RunServer(t)
	cfg := config.NATSConfig{URL: s.ClientURL()}

	ncA, err := Connect(cfg, "node-a", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(ncA.Close)
	ncB, err := Connect(cfg, "node-b", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(ncB.Close)

	return NewNATS(ncA, "chat", zerolog.Nop(), nil), ncA, NewNATS(ncB, "chat", zerolog.Nop(), nil), ncB
}

func TestNATS_DeliversToOtherNodesOnly(t *testing.T) {
	a, ncA, b, ncB := newNATSPair(t)

	gotA := make(chan []byte, 1)
	gotB := make(chan []byte, 1)
	require.NoError(t, a.Subscribe(TopicChatMessage, func(_ context.Context, p []byte) { gotA <- p }))
	require.NoError(t, b.Subscribe(TopicChatMessage, func(_ context.Context, p []byte) { gotB <- p }))
	require.NoError(t, ncA.Flush())
	require.NoError(t, ncB.Flush())

	require.NoError(t, a.Publish(context.Background(), TopicChatMessage, []byte(`{"id":"m1"}`)))

	select {
	case p := <-gotB:
		assert.JSONEq(t, `{"id":"m1"}`, string(p))
	case <-time.After(2 * time.Second):
		t.Fatal("node b did not receive the event")
	}

	select {
	case <-gotA:
		t.Fatal("node a received its own event")
	case <-time.After(100 * time.Millisecond):
	}
	assert.True(t, a.Healthy())
}

func TestNATS_CloseUnsubscribes(t *testing.T) {
	a, _, b, ncB := newNATSPair(t)

	got := make(chan []byte, 1)
	require.NoError(t, b.Subscribe(TopicTypingStart, func(_ context.Context, p []byte) { got <- p }))
	require.NoError(t, b.Close())
	require.NoError(t, ncB.Flush())
	assert.ErrorIs(t, b.Subscribe(TopicTypingStart, func(context.Context, []byte) {}), ErrClosed)

	require.NoError(t, a.Publish(context.Background(), TopicTypingStart, []byte(`{}`)))
	select {
	case <-got:
		t.Fatal("closed bus still delivered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNATS_UnknownTopic(t *testing.T) {
	a, _, _, _ := newNATSPair(t)
	assert.ErrorIs(t, a.Publish(context.Background(), Topic("room-join"), nil), ErrUnknownTopic)
}

func assertBounded(t *testing.T, ctx context.Context) {
	t.Helper()
	deadline, ok := ctx.Deadline()
	require.True(t, ok, "handler context has no deadline")
	assert.WithinDuration(t, time.Now().Add(HandlerTimeout), deadline, time.Second)
}

func TestMemory_HandlerContextIsBounded(t *testing.T) {
	net := NewNetwork()
	a, b := net.Join(), net.Join()

	var got context.Context
	require.NoError(t, b.Subscribe(TopicChatMessage, func(ctx context.Context, _ []byte) { got = ctx }))
	require.NoError(t, a.Publish(context.Background(), TopicChatMessage, []byte(`{}`)))

	require.NotNil(t, got)
	assertBounded(t, got)
}

func TestNATS_HandlerContextIsBounded(t *testing.T) {
	a, ncA, b, ncB := newNATSPair(t)

	got := make(chan context.Context, 1)
	require.NoError(t, b.Subscribe(TopicChatMessage, func(ctx context.Context, _ []byte) { got <- ctx }))
	require.NoError(t, ncB.Flush())

	require.NoError(t, a.Publish(context.Background(), TopicChatMessage, []byte(`{}`)))
	require.NoError(t, ncA.Flush())

	select {
	case ctx := <-got:
		assertBounded(t, ctx)
	case <-time.After(2 * time.Second):
		t.Fatal("node b did not receive the event")
	}
}
