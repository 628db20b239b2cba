package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/bus"
	"github.com/Tyrowin/gochat-relay/internal/store"
	"github.com/Tyrowin/gochat-relay/internal/telemetry"
)

// SendRequest is a chat message as submitted by its sender.
type SendRequest struct {
	SenderID    string            `json:"senderId"`
	RecipientID string            `json:"recipientId"`
	CipherText  string            `json:"cipherText"`
	Nonce       string            `json:"nonce"`
	Attachment  *store.Attachment `json:"attachment,omitempty"`
}

func (r SendRequest) validate() error {
	switch {
	case strings.TrimSpace(r.SenderID) == "":
		return fmt.Errorf("%w: senderId is required", ErrInvalidEvent)
	case strings.TrimSpace(r.RecipientID) == "":
		return fmt.Errorf("%w: recipientId is required", ErrInvalidEvent)
	case r.CipherText == "" && r.Attachment == nil:
		return fmt.Errorf("%w: cipherText or attachment is required", ErrInvalidEvent)
	case r.CipherText != "" && r.Nonce == "":
		return fmt.Errorf("%w: nonce is required", ErrInvalidEvent)
	}
	return nil
}

// Messages relays chat messages and read receipts.
type Messages struct {
	node *Node
	log  zerolog.Logger
}

// Send persists the message as sent, then delivers it to the recipient's
// connection here or publishes it for the node holding the recipient.
// The returned message reflects the status reached before Send returned.
func (m *Messages) Send(ctx context.Context, req SendRequest) (*store.Message, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	d := m.node.deps

	msg := &store.Message{
		SenderID:    req.SenderID,
		RecipientID: req.RecipientID,
		CipherText:  req.CipherText,
		Nonce:       req.Nonce,
		Attachment:  req.Attachment,
		CreatedAt:   d.Now().UTC(),
	}
	if err := d.Messages.Create(ctx, msg); err != nil {
		m.log.Error().Err(err).Str("sender_id", req.SenderID).Msg("failed to persist message")
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	if m.deliverLocal(ctx, msg) {
		d.Metrics.MessageRelayed(ctx, telemetry.PathLocal)
		return msg, nil
	}

	// The row stays sent if the publish fails; history fetch still shows it.
	if err := m.node.publish(ctx, bus.TopicChatMessage, ChatMessage{
		ID:          msg.ID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		CipherText:  msg.CipherText,
		Nonce:       msg.Nonce,
		Attachment:  msg.Attachment,
		CreatedAt:   msg.CreatedAt,
	}); err == nil {
		d.Metrics.MessageRelayed(ctx, telemetry.PathBus)
	}
	return msg, nil
}

// deliverLocal emits to the recipient if connected here and marks the row delivered.
func (m *Messages) deliverLocal(ctx context.Context, msg *store.Message) bool {
	ev := Event{Name: EventNewMessage, Data: newMessagePayload(msg, store.StatusDelivered)}
	if !m.node.emitToUser(msg.RecipientID, ev) {
		return false
	}

	if _, err := m.node.deps.Messages.UpdateStatus(ctx, msg.ID, store.StatusDelivered); err != nil {
		m.log.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to mark message delivered")
		return true
	}
	if msg.Status.CanAdvanceTo(store.StatusDelivered) {
		msg.Status = store.StatusDelivered
	}
	return true
}

func (m *Messages) handleBus(ctx context.Context, payload []byte) {
	var ev ChatMessage
	if err := json.Unmarshal(payload, &ev); err != nil || ev.ID == "" {
		m.log.Warn().Err(err).Msg("dropping malformed chat message event")
		return
	}
	if !m.node.deps.Registry.Has(ev.RecipientID) {
		return
	}

	msg := &store.Message{
		ID:          ev.ID,
		SenderID:    ev.SenderID,
		RecipientID: ev.RecipientID,
		CipherText:  ev.CipherText,
		Nonce:       ev.Nonce,
		Attachment:  ev.Attachment,
		Status:      store.StatusSent,
		CreatedAt:   ev.CreatedAt,
	}
	if m.deliverLocal(ctx, msg) {
		m.log.Debug().Str("message_id", ev.ID).Msg("delivered message from bus")
	}
}

// MarkSeen moves every delivered message from counterpartyID to readerID to
// seen and tells the counterparty if it is connected here. There is no bus
// fallback: remote counterparties see the status on their next history fetch.
func (m *Messages) MarkSeen(ctx context.Context, readerID, counterpartyID string) (int64, error) {
	if readerID == "" || counterpartyID == "" {
		return 0, fmt.Errorf("%w: senderId and recipientId are required", ErrInvalidEvent)
	}

	n, err := m.node.deps.Messages.MarkSeen(ctx, counterpartyID, readerID)
	if err != nil {
		return 0, fmt.Errorf("mark seen: %w", err)
	}

	m.node.emitToUser(counterpartyID, Event{Name: EventMessageSeen, Data: SeenPayload{SenderID: readerID}})
	return n, nil
}
