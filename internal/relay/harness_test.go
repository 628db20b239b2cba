package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/bus"
	"github.com/Tyrowin/gochat-relay/internal/directory"
	"github.com/Tyrowin/gochat-relay/internal/registry"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

// fakeEmitter records every frame emitted to the connections it holds.
type fakeEmitter struct {
	mu     sync.Mutex
	users  map[registry.Handle]string
	frames map[registry.Handle][]Event
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{
		users:  make(map[registry.Handle]string),
		frames: make(map[registry.Handle][]Event),
	}
}

func (f *fakeEmitter) bind(h registry.Handle, userID string) {
	f.mu.Lock()
	f.users[h] = userID
	f.mu.Unlock()
}

func (f *fakeEmitter) drop(h registry.Handle) {
	f.mu.Lock()
	delete(f.users, h)
	f.mu.Unlock()
}

func (f *fakeEmitter) Emit(h registry.Handle, ev Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[h]; !ok {
		return false
	}
	f.frames[h] = append(f.frames[h], ev)
	return true
}

func (f *fakeEmitter) Broadcast(ev Event) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for h := range f.users {
		f.frames[h] = append(f.frames[h], ev)
	}
	return len(f.users)
}

func (f *fakeEmitter) UserOf(h registry.Handle) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[h]
	return u, ok
}

func (f *fakeEmitter) named(h registry.Handle, name string) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, ev := range f.frames[h] {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeEmitter) count(h registry.Handle, name string) int {
	return len(f.named(h, name))
}

// memStore is a MessageStore and UserStore with failure injection.
type memStore struct {
	mu         sync.Mutex
	msgs       map[string]store.Message
	lastSeen   map[string]time.Time
	failCreate error
}

func newMemStore() *memStore {
	return &memStore{msgs: make(map[string]store.Message), lastSeen: make(map[string]time.Time)}
}

func (s *memStore) Create(_ context.Context, m *store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return s.failCreate
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Status = store.StatusSent
	s.msgs[m.ID] = *m
	return nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, status store.MessageStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !status.Valid() {
		return false, store.ErrInvalidStatus
	}
	m, ok := s.msgs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if !m.Status.CanAdvanceTo(status) {
		return false, nil
	}
	m.Status = status
	s.msgs[id] = m
	return true, nil
}

func (s *memStore) MarkSeen(_ context.Context, senderID, recipientID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.msgs {
		if m.SenderID == senderID && m.RecipientID == recipientID && m.Status == store.StatusDelivered {
			m.Status = store.StatusSeen
			s.msgs[id] = m
			n++
		}
	}
	return n, nil
}

func (s *memStore) Get(_ context.Context, id string) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &m, nil
}

func (s *memStore) UpdateLastSeen(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	s.lastSeen[userID] = at
	s.mu.Unlock()
	return nil
}

func (s *memStore) status(t *testing.T, id string) store.MessageStatus {
	t.Helper()
	m, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return m.Status
}

type testNode struct {
	*Node
	emitter  *fakeEmitter
	bus      *bus.Memory
	registry *registry.Registry
}

// connect opens a connection for userID on the node and announces it.
func (n *testNode) connect(t *testing.T, userID string) registry.Handle {
	t.Helper()
	h := registry.NewHandle()
	n.emitter.bind(h, userID)
	n.Presence.AnnounceOnline(context.Background(), userID, h)
	return h
}

// disconnect closes the connection the way the transport does.
func (n *testNode) disconnect(userID string, h registry.Handle) {
	n.emitter.drop(h)
	n.Presence.ConnectionClosed(context.Background(), userID, h)
}

// stepClock is shared by every node of a cluster. Each reading is one
// millisecond later than the last, so registrations are strictly ordered.
type stepClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Millisecond)
	return c.cur
}

// cluster is a set of relay nodes sharing one bus network, one directory,
// one message store and one clock.
type cluster struct {
	clock       *stepClock
	dir         *directory.Memory
	store       *memStore
	network     *bus.Network
	callTimeout time.Duration
	nodes       []*testNode
}

func newCluster(t *testing.T, size int, callTimeout time.Duration) *cluster {
	t.Helper()
	c := &cluster{
		clock:       &stepClock{cur: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		dir:         directory.NewMemory(),
		store:       newMemStore(),
		network:     bus.NewNetwork(),
		callTimeout: callTimeout,
	}
	for i := 0; i < size; i++ {
		c.addNode(t)
	}
	return c
}

// addNode starts another node on the cluster. It only sees bus events
// published after it joined.
func (c *cluster) addNode(t *testing.T) *testNode {
	t.Helper()
	b := c.network.Join()
	reg := registry.New()
	em := newFakeEmitter()
	n := New(Deps{
		NodeID:      uuid.NewString(),
		Registry:    reg,
		Directory:   c.dir,
		Bus:         b,
		Messages:    c.store,
		Users:       c.store,
		Emitter:     em,
		Log:         zerolog.Nop(),
		CallTimeout: c.callTimeout,
		Now:         c.clock.now,
	})
	if err := n.Start(); err != nil {
		t.Fatalf("start node %d: %v", len(c.nodes), err)
	}
	t.Cleanup(n.Stop)

	tn := &testNode{Node: n, emitter: em, bus: b, registry: reg}
	c.nodes = append(c.nodes, tn)
	return tn
}
