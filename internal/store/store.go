// Package store persists chat message envelopes and user last-seen times.
// It is the narrow write path the relay needs; history reads and the rest of
// the document schema live elsewhere.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidStatus = errors.New("invalid message status")
)

// MessageStatus is the delivery state of a message. It only moves forward.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusSeen      MessageStatus = "seen"
)

// Rank orders statuses; unknown statuses rank -1.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusSeen:
		return 2
	default:
		return -1
	}
}

func (s MessageStatus) Valid() bool {
	return s.Rank() >= 0
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	return s.Valid() && next.Valid() && next.Rank() > s.Rank()
}

// Attachment is opaque upload metadata carried alongside an encrypted body.
type Attachment struct {
	FileURL    string     `json:"fileUrl"`
	FileName   string     `json:"fileName,omitempty"`
	FileSize   int64      `json:"fileSize,omitempty"`
	FileType   string     `json:"fileType,omitempty"`
	UploadedAt *time.Time `json:"uploadedAt,omitempty"`
	ExpiredAt  *time.Time `json:"expiredAt,omitempty"`
	IV         string     `json:"iv,omitempty"`
}

// Message is a persisted chat envelope. CipherText and Nonce are never
// interpreted here.
type Message struct {
	ID          string        `json:"id"`
	SenderID    string        `json:"senderId"`
	RecipientID string        `json:"recipientId"`
	CipherText  string        `json:"cipherText"`
	Nonce       string        `json:"nonce"`
	Attachment  *Attachment   `json:"attachment,omitempty"`
	Status      MessageStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// MessageStore is the message write path used by the relay.
type MessageStore interface {
	// Create persists m with status sent, filling ID and CreatedAt when empty.
	Create(ctx context.Context, m *Message) error
	// UpdateStatus advances message id to status. It reports false when the
	// stored status is already at or past status.
	UpdateStatus(ctx context.Context, id string, status MessageStatus) (bool, error)
	// MarkSeen moves every delivered message from sender to recipient to seen
	// and returns how many changed.
	MarkSeen(ctx context.Context, senderID, recipientID string) (int64, error)
	Get(ctx context.Context, id string) (*Message, error)
}

// UserStore records when a user was last connected.
type UserStore interface {
	UpdateLastSeen(ctx context.Context, userID string, at time.Time) error
}
