// Package bus is the cross-process event bus. It carries a fixed set of
// topics, delivers at most once to every other process, and never echoes an
// event back to its publisher.
package bus

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Topic names one of the fixed relay event streams.
type Topic string

const (
	TopicChatMessage    Topic = "chat-message"
	TopicTypingStart    Topic = "typing-start"
	TopicTypingStop     Topic = "typing-stop"
	TopicPresenceChange Topic = "presence-change"
	TopicCallSignal     Topic = "call-signal"
)

// Topics lists every topic a relay node subscribes to.
var Topics = []Topic{
	TopicChatMessage,
	TopicTypingStart,
	TopicTypingStop,
	TopicPresenceChange,
	TopicCallSignal,
}

var (
	ErrUnknownTopic = errors.New("unknown bus topic")
	ErrClosed       = errors.New("bus closed")
	ErrUnavailable  = errors.New("bus unavailable")
)

// Valid reports whether t is one of Topics.
func (t Topic) Valid() bool {
	for _, known := range Topics {
		if t == known {
			return true
		}
	}
	return false
}

// Subject maps t to a NATS subject under prefix, e.g. chat-message under
// "chat" becomes "chat.chat.message".
func (t Topic) Subject(prefix string) string {
	return prefix + "." + strings.ReplaceAll(string(t), "-", ".")
}

// HandlerTimeout bounds the context each Handler runs with.
const HandlerTimeout = 10 * time.Second

// Handler consumes one event payload. Handlers run on the bus delivery
// goroutine and must not block for long.
type Handler func(ctx context.Context, payload []byte)

// Bus publishes and subscribes to topics.
type Bus interface {
	Publish(ctx context.Context, topic Topic, payload []byte) error
	Subscribe(topic Topic, h Handler) error
	Close() error
}
