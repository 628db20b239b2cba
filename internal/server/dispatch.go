package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/registry"
	"github.com/Tyrowin/gochat-relay/internal/relay"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

// inbound is one client frame. Frames carrying Ack get exactly one ack reply.
type inbound struct {
	Event string          `json:"event"`
	Ack   string          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// pairPayload addresses one user from another. userId and receiverId are
// accepted as older spellings of senderId and recipientId.
type pairPayload struct {
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	UserID      string `json:"userId"`
	ReceiverID  string `json:"receiverId"`
}

func (p *pairPayload) normalize() {
	if p.SenderID == "" {
		p.SenderID = p.UserID
	}
	if p.RecipientID == "" {
		p.RecipientID = p.ReceiverID
	}
}

type sendPayload struct {
	relay.SendRequest
	UserID     string `json:"userId"`
	ReceiverID string `json:"receiverId"`
}

type fetchPayload struct {
	TargetUserID string `json:"targetUserId"`
}

// callPayload covers every call event. targetSocketId and cType are
// accepted as aliases of targetLocatorHint and callType.
type callPayload struct {
	TargetLocatorHint registry.Handle `json:"targetLocatorHint"`
	TargetSocketID    registry.Handle `json:"targetSocketId"`
	Offer             json.RawMessage `json:"offer"`
	Answer            json.RawMessage `json:"answer"`
	Candidate         json.RawMessage `json:"candidate"`
	CallerDetails     json.RawMessage `json:"callerDetails"`
	CallType          string          `json:"callType"`
	CType             string          `json:"cType"`
}

func (p callPayload) target() registry.Handle {
	if p.TargetLocatorHint != "" {
		return p.TargetLocatorHint
	}
	return p.TargetSocketID
}

func (p callPayload) callType() string {
	if p.CallType != "" {
		return p.CallType
	}
	return p.CType
}

type socketIDReply struct {
	SocketID *registry.Handle `json:"socketId"`
}

type sendReply struct {
	ID     string              `json:"id"`
	Status store.MessageStatus `json:"status"`
}

type markReadReply struct {
	Updated int64 `json:"updated"`
}

// dispatcher routes inbound frames to the relay node.
type dispatcher struct {
	node *relay.Node
	log  zerolog.Logger
}

func newDispatcher(node *relay.Node, log zerolog.Logger) *dispatcher {
	return &dispatcher{node: node, log: log}
}

// dispatch handles one raw frame from c and writes the ack or error reply.
func (d *dispatcher) dispatch(ctx context.Context, c *Client, raw []byte) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.Event == "" {
		d.log.Debug().Err(err).Str("handle", c.handle.String()).Msg("malformed frame")
		c.sendEvent(relay.Event{Name: relay.EventError, Data: relay.ErrorPayload{
			Message: fmt.Sprintf("%v: malformed frame", relay.ErrInvalidEvent),
		}})
		return
	}

	reply, err := d.handle(ctx, c, in)
	if err != nil {
		d.log.Debug().Err(err).Str("event", in.Event).Str("handle", c.handle.String()).Msg("frame rejected")
	}

	switch {
	case in.Ack != "" && err != nil:
		c.sendEvent(relay.Event{Name: relay.EventAck, Ack: in.Ack, Error: err.Error()})
	case in.Ack != "":
		c.sendEvent(relay.Event{Name: relay.EventAck, Ack: in.Ack, Data: reply})
	case err != nil:
		c.sendEvent(relay.Event{Name: relay.EventError, Data: relay.ErrorPayload{
			Event:     in.Event,
			Message:   err.Error(),
			Retryable: relay.Retryable(err),
		}})
	}
}

func (d *dispatcher) handle(ctx context.Context, c *Client, in inbound) (any, error) {
	n := d.node

	switch in.Event {
	case relay.InUserOnline:
		userID, err := decodeUserID(in.Data)
		if err != nil {
			return nil, err
		}
		if c.subject != "" && c.subject != userID {
			return nil, relay.ErrUserMismatch
		}
		if prev := c.bind(userID); prev != "" && prev != userID {
			n.Presence.ConnectionClosed(ctx, prev, c.handle)
		}
		n.Presence.AnnounceOnline(ctx, userID, c.handle)
		return nil, nil

	case relay.InUserOffline:
		userID, err := decodeUserID(in.Data)
		if err != nil {
			return nil, err
		}
		if _, err := requireUser(c, userID); err != nil {
			return nil, err
		}
		c.bind("")
		n.Presence.AnnounceOffline(ctx, userID)
		return nil, nil

	case relay.InTyping, relay.InStopTyping:
		var p pairPayload
		if err := decode(in.Data, &p); err != nil {
			return nil, err
		}
		p.normalize()
		sender, err := requireUser(c, p.SenderID)
		if err != nil {
			return nil, err
		}
		if in.Event == relay.InTyping {
			n.Typing.StartTyping(ctx, sender, p.RecipientID)
		} else {
			n.Typing.StopTyping(ctx, sender, p.RecipientID)
		}
		return nil, nil

	case relay.InSendMessage:
		var p sendPayload
		if err := decode(in.Data, &p); err != nil {
			return nil, err
		}
		req := p.SendRequest
		if req.SenderID == "" {
			req.SenderID = p.UserID
		}
		if req.RecipientID == "" {
			req.RecipientID = p.ReceiverID
		}
		sender, err := requireUser(c, req.SenderID)
		if err != nil {
			return nil, err
		}
		req.SenderID = sender
		msg, err := n.Messages.Send(ctx, req)
		if err != nil {
			return nil, err
		}
		return sendReply{ID: msg.ID, Status: msg.Status}, nil

	case relay.InMarkAsRead:
		var p pairPayload
		if err := decode(in.Data, &p); err != nil {
			return nil, err
		}
		p.normalize()
		reader, err := requireUser(c, p.SenderID)
		if err != nil {
			return nil, err
		}
		updated, err := n.Messages.MarkSeen(ctx, reader, p.RecipientID)
		if err != nil {
			return nil, err
		}
		return markReadReply{Updated: updated}, nil

	case relay.InFetchUserSocketID:
		var p fetchPayload
		if err := decode(in.Data, &p); err != nil {
			return nil, err
		}
		if p.TargetUserID == "" {
			return nil, fmt.Errorf("%w: targetUserId is required", relay.ErrInvalidEvent)
		}
		if h, ok := n.Presence.Locate(ctx, p.TargetUserID); ok {
			return socketIDReply{SocketID: &h}, nil
		}
		return socketIDReply{}, nil

	case relay.InCallUser, relay.InAnswerCall, relay.InIceCandidate, relay.InEndCall, relay.InRejectCall:
		return nil, d.handleCall(ctx, c, in)

	default:
		return nil, fmt.Errorf("%w: unknown event %q", relay.ErrInvalidEvent, in.Event)
	}
}

func (d *dispatcher) handleCall(ctx context.Context, c *Client, in inbound) error {
	user, err := requireUser(c, "")
	if err != nil {
		return err
	}
	var p callPayload
	if err := decode(in.Data, &p); err != nil {
		return err
	}
	calls := d.node.Calls

	switch in.Event {
	case relay.InCallUser:
		err := calls.Initiate(ctx, relay.CallRequest{
			CallerID:      user,
			CallerHandle:  c.handle,
			Target:        p.target(),
			Offer:         p.Offer,
			CallerDetails: p.CallerDetails,
			CallType:      p.callType(),
		})
		// The caller already got call_rejected.
		if errors.Is(err, relay.ErrSessionActive) {
			return nil
		}
		return err
	case relay.InAnswerCall:
		return calls.Answer(ctx, user, c.handle, p.target(), p.Answer)
	case relay.InIceCandidate:
		calls.RelayIceCandidate(ctx, user, c.handle, p.target(), p.Candidate)
	case relay.InEndCall:
		calls.End(ctx, user, c.handle)
	case relay.InRejectCall:
		return calls.Reject(ctx, user, c.handle, p.target())
	}
	return nil
}

// closed runs once the socket is gone.
func (d *dispatcher) closed(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()
	d.node.Presence.ConnectionClosed(ctx, c.UserID(), c.handle)
}

// requireUser returns the user bound to c. A non-empty claimed user must
// match it.
func requireUser(c *Client, claimed string) (string, error) {
	bound := c.UserID()
	if bound == "" {
		return "", relay.ErrNotBound
	}
	if claimed != "" && claimed != bound {
		return "", relay.ErrUserMismatch
	}
	return bound, nil
}

// decodeUserID accepts {"userId": "..."} or a bare JSON string.
func decodeUserID(data json.RawMessage) (string, error) {
	var userID string
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte(`"`)) {
		if err := json.Unmarshal(data, &userID); err != nil {
			return "", fmt.Errorf("%w: %v", relay.ErrInvalidEvent, err)
		}
	} else {
		var p struct {
			UserID string `json:"userId"`
		}
		if err := decode(data, &p); err != nil {
			return "", err
		}
		userID = p.UserID
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: userId is required", relay.ErrInvalidEvent)
	}
	return userID, nil
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: data is required", relay.ErrInvalidEvent)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", relay.ErrInvalidEvent, err)
	}
	return nil
}
