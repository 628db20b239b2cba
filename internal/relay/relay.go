// Package relay implements presence, chat message relay, typing indicators
// and WebRTC call signaling across relay nodes.
//
// Every operation first tries the connections held by this node and falls
// back to the event bus when the target lives elsewhere. Each node filters
// bus traffic for targets it holds.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/bus"
	"github.com/Tyrowin/gochat-relay/internal/directory"
	"github.com/Tyrowin/gochat-relay/internal/logging"
	"github.com/Tyrowin/gochat-relay/internal/registry"
	"github.com/Tyrowin/gochat-relay/internal/store"
	"github.com/Tyrowin/gochat-relay/internal/telemetry"
)

// Emitter delivers frames to connections held by this node.
type Emitter interface {
	// Emit queues ev for handle and reports whether the connection accepted it.
	Emit(handle registry.Handle, ev Event) bool
	// Broadcast queues ev for every connection and returns how many accepted it.
	Broadcast(ev Event) int
	// UserOf reports whether handle is connected here and the user bound to it.
	UserOf(handle registry.Handle) (string, bool)
}

// Deps are the collaborators a Node needs. Registry, Directory, Bus,
// Messages, Users and Emitter are required.
type Deps struct {
	NodeID      string
	Registry    *registry.Registry
	Directory   directory.Directory
	Bus         bus.Bus
	Messages    store.MessageStore
	Users       store.UserStore
	Emitter     Emitter
	Log         zerolog.Logger
	Metrics     *telemetry.Metrics
	CallTimeout time.Duration
	Now         func() time.Time
}

// Node is one relay process: the four relays sharing a registry, directory and bus.
type Node struct {
	Presence *Presence
	Messages *Messages
	Typing   *Typing
	Calls    *Calls

	deps Deps
}

// New wires the relays. Call Start to begin consuming bus events.
func New(d Deps) *Node {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.CallTimeout <= 0 {
		d.CallTimeout = 30 * time.Second
	}

	n := &Node{deps: d}
	n.Calls = newCalls(n)
	n.Presence = newPresence(n)
	n.Messages = &Messages{node: n, log: logging.Component(d.Log, "messages")}
	n.Typing = &Typing{node: n, log: logging.Component(d.Log, "typing")}
	return n
}

// Start subscribes every relay to its bus topic.
func (n *Node) Start() error {
	subs := map[bus.Topic]bus.Handler{
		bus.TopicChatMessage:    n.Messages.handleBus,
		bus.TopicTypingStart:    n.Typing.handleStart,
		bus.TopicTypingStop:     n.Typing.handleStop,
		bus.TopicPresenceChange: n.Presence.handleBus,
		bus.TopicCallSignal:     n.Calls.handleBus,
	}
	for _, topic := range bus.Topics {
		if err := n.deps.Bus.Subscribe(topic, subs[topic]); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// Stop cancels pending call timers.
func (n *Node) Stop() {
	n.Calls.stopAll()
}

func (n *Node) publish(ctx context.Context, topic bus.Topic, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	if err := n.deps.Bus.Publish(ctx, topic, data); err != nil {
		n.deps.Log.Warn().Err(err).Str("topic", string(topic)).Msg("bus publish failed")
		return err
	}
	return nil
}

// emitToUser delivers ev to the connection this node has registered for userID.
func (n *Node) emitToUser(userID string, ev Event) bool {
	h, ok := n.deps.Registry.Lookup(userID)
	if !ok {
		return false
	}
	return n.deps.Emitter.Emit(h, ev)
}
