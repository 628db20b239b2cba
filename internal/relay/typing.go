package relay

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/bus"
)

// Typing relays typing indicators. Nothing is stored and loss is tolerated.
type Typing struct {
	node *Node
	log  zerolog.Logger
}

func (t *Typing) StartTyping(ctx context.Context, senderID, recipientID string) {
	t.relay(ctx, bus.TopicTypingStart, EventUserTyping, senderID, recipientID)
}

func (t *Typing) StopTyping(ctx context.Context, senderID, recipientID string) {
	t.relay(ctx, bus.TopicTypingStop, EventUserStopTyping, senderID, recipientID)
}

func (t *Typing) relay(ctx context.Context, topic bus.Topic, name, senderID, recipientID string) {
	if senderID == "" || recipientID == "" {
		return
	}
	if t.node.emitToUser(recipientID, Event{Name: name, Data: TypingPayload{SenderID: senderID}}) {
		return
	}
	_ = t.node.publish(ctx, topic, TypingSignal{SenderID: senderID, RecipientID: recipientID})
}

func (t *Typing) handleStart(_ context.Context, payload []byte) {
	t.deliver(payload, EventUserTyping)
}

func (t *Typing) handleStop(_ context.Context, payload []byte) {
	t.deliver(payload, EventUserStopTyping)
}

func (t *Typing) deliver(payload []byte, name string) {
	var sig TypingSignal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return
	}
	t.node.emitToUser(sig.RecipientID, Event{Name: name, Data: TypingPayload{SenderID: sig.SenderID}})
}
