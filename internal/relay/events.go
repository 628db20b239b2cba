package relay

import (
	"encoding/json"
	"time"

	"github.com/Tyrowin/gochat-relay/internal/registry"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

// Inbound event names.
const (
	InUserOnline        = "user_online"
	InUserOffline       = "user_offline"
	InTyping            = "typing"
	InStopTyping        = "stop_typing"
	InSendMessage       = "send_message"
	InMarkAsRead        = "mark_as_read"
	InFetchUserSocketID = "fetch_user_socket_id"
	InCallUser          = "call_user"
	InAnswerCall        = "answer_call"
	InIceCandidate      = "ice_candidate"
	InEndCall           = "end_call"
	InRejectCall        = "reject_call"
)

// Outbound event names.
const (
	EventUserTyping              = "user_typing"
	EventUserStopTyping          = "user_stop_typing"
	EventNewMessage              = "new_message"
	EventMessageSeen             = "message_seen"
	EventUserStatusUpdate        = "user_status_update"
	EventUserStatusUpdateForCall = "user_status_update_for_call"
	EventIncomingCall            = "incoming_call"
	EventCallAnswered            = "call_answered"
	EventCallRinging             = "call_ringing"
	EventCallEnded               = "call_ended"
	EventCallRejected            = "call_rejected"
	EventIceCandidate            = "ice_candidate"
	EventAck                     = "ack"
	EventError                   = "error"
)

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Call end and rejection reasons.
const (
	ReasonTimeout       = "timeout"
	ReasonBusy          = "busy"
	ReasonAlreadyInCall = "already_in_call"
	ReasonHangup        = "hangup"
	ReasonDisconnected  = "disconnected"
	ReasonUnavailable   = "unavailable"
)

// Event is one outbound frame.
type Event struct {
	Name  string `json:"event"`
	Ack   string `json:"ack,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type TypingPayload struct {
	SenderID string `json:"senderId"`
}

type NewMessagePayload struct {
	ID          string              `json:"id"`
	SenderID    string              `json:"senderId"`
	RecipientID string              `json:"recipientId"`
	CipherText  string              `json:"cipherText"`
	Nonce       string              `json:"nonce"`
	Attachment  *store.Attachment   `json:"attachment,omitempty"`
	Status      store.MessageStatus `json:"status"`
	Timestamp   time.Time           `json:"timestamp"`
}

func newMessagePayload(m *store.Message, status store.MessageStatus) NewMessagePayload {
	return NewMessagePayload{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		CipherText:  m.CipherText,
		Nonce:       m.Nonce,
		Attachment:  m.Attachment,
		Status:      status,
		Timestamp:   m.CreatedAt,
	}
}

type SeenPayload struct {
	SenderID string `json:"senderId"`
}

type StatusPayload struct {
	UserID   string     `json:"userId"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type IncomingCallPayload struct {
	From          registry.Handle `json:"from"`
	Offer         json.RawMessage `json:"offer"`
	CallerDetails json.RawMessage `json:"callerDetails,omitempty"`
	CallType      string          `json:"callType"`
}

type CallAnsweredPayload struct {
	From   registry.Handle `json:"from"`
	Answer json.RawMessage `json:"answer"`
}

type IceCandidatePayload struct {
	From      registry.Handle `json:"from"`
	Candidate json.RawMessage `json:"candidate"`
}

type CallClosedPayload struct {
	Reason string `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Event     string `json:"event"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Bus payloads.

// ChatMessage travels on chat-message. It carries the persisted ID so the
// receiving node updates exactly that row.
type ChatMessage struct {
	ID          string            `json:"id"`
	SenderID    string            `json:"senderId"`
	RecipientID string            `json:"recipientId"`
	CipherText  string            `json:"cipherText"`
	Nonce       string            `json:"nonce"`
	Attachment  *store.Attachment `json:"attachment,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

type TypingSignal struct {
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
}

type PresenceChange struct {
	UserID string          `json:"userId"`
	Status string          `json:"status"`
	Handle registry.Handle `json:"handle,omitempty"`
	Node   string          `json:"node"`
	At     time.Time       `json:"at"`
}

// Call signal kinds.
const (
	SignalOffer   = "offer"
	SignalRinging = "ringing"
	SignalAnswer  = "answer"
	SignalReject  = "reject"
	SignalIce     = "ice"
	SignalEnd     = "end"
)

// CallSignal travels on call-signal, addressed to one connection handle.
type CallSignal struct {
	Kind          string          `json:"kind"`
	CallID        string          `json:"callId,omitempty"`
	FromUser      string          `json:"fromUser"`
	FromHandle    registry.Handle `json:"fromHandle"`
	ToHandle      registry.Handle `json:"toHandle"`
	Offer         json.RawMessage `json:"offer,omitempty"`
	Answer        json.RawMessage `json:"answer,omitempty"`
	Candidate     json.RawMessage `json:"candidate,omitempty"`
	CallerDetails json.RawMessage `json:"callerDetails,omitempty"`
	CallType      string          `json:"callType,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}
