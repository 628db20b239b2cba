package bus

import (
	"context"
	"fmt"
	"sync"
)

// Network connects in-process Memory buses the way a NATS cluster connects
// nodes: a publish on one member reaches every other member, never itself.
type Network struct {
	mu      sync.RWMutex
	members []*Memory
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{}
}

// Join adds a new member bus to the network.
func (n *Network) Join() *Memory {
	m := &Memory{
		net:       n,
		handlers:  make(map[Topic][]Handler),
		published: make(map[Topic]int),
	}
	n.mu.Lock()
	n.members = append(n.members, m)
	n.mu.Unlock()
	return m
}

func (n *Network) peers(of *Memory) []*Memory {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Memory, 0, len(n.members))
	for _, m := range n.members {
		if m != of {
			out = append(out, m)
		}
	}
	return out
}

// Memory is a Bus member of a Network. Delivery is synchronous: Publish
// returns after every peer handler has run.
type Memory struct {
	net *Network

	mu        sync.RWMutex
	handlers  map[Topic][]Handler
	published map[Topic]int
	closed    bool
	down      bool
}

// NewMemory returns a bus alone on its own network, which makes every
// publish a no-op delivery. It serves single-process deployments.
func NewMemory() *Memory {
	return NewNetwork().Join()
}

// SetAvailable makes Publish fail with ErrUnavailable while false.
func (m *Memory) SetAvailable(ok bool) {
	m.mu.Lock()
	m.down = !ok
	m.mu.Unlock()
}

// Published returns how many events this member has published on topic.
func (m *Memory) Published(topic Topic) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.published[topic]
}

func (m *Memory) Publish(ctx context.Context, topic Topic, payload []byte) error {
	if !topic.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.down:
		m.mu.Unlock()
		return ErrUnavailable
	}
	m.published[topic]++
	m.mu.Unlock()

	data := append([]byte(nil), payload...)
	for _, peer := range m.net.peers(m) {
		peer.deliver(ctx, topic, data)
	}
	return nil
}

func (m *Memory) deliver(ctx context.Context, topic Topic, payload []byte) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	hs := append([]Handler(nil), m.handlers[topic]...)
	m.mu.RUnlock()

	for _, h := range hs {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), HandlerTimeout)
		h(hctx, payload)
		cancel()
	}
}

func (m *Memory) Subscribe(topic Topic, h Handler) error {
	if !topic.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.handlers[topic] = append(m.handlers[topic], h)
	return nil
}

// Healthy reports whether Publish currently succeeds.
func (m *Memory) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed && !m.down
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.handlers = make(map[Topic][]Handler)
	m.mu.Unlock()
	return nil
}
