package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/bus"
	"github.com/Tyrowin/gochat-relay/internal/registry"
	"github.com/Tyrowin/gochat-relay/internal/relay"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

func TestChat_SameNode(t *testing.T) {
	cl := newCluster(t)
	n := cl.startNode(t, nil)
	alice := n.online(t, "alice")
	bob := n.online(t, "bob")

	reply := alice.request(relay.InSendMessage, map[string]any{
		"senderId":    "alice",
		"recipientId": "bob",
		"cipherText":  "Y2lwaGVy",
		"nonce":       "bm9uY2U=",
	})
	require.Empty(t, reply.Error)
	var sent sendReply
	require.NoError(t, json.Unmarshal(reply.Data, &sent))
	assert.NotEmpty(t, sent.ID)
	assert.Equal(t, store.StatusDelivered, sent.Status)
	assert.Zero(t, n.bus.Published(bus.TopicChatMessage))

	var msg relay.NewMessagePayload
	bob.nextInto(relay.EventNewMessage, &msg)
	assert.Equal(t, sent.ID, msg.ID)
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, "Y2lwaGVy", msg.CipherText)

	seen := bob.request(relay.InMarkAsRead, map[string]string{"senderId": "bob", "recipientId": "alice"})
	require.Empty(t, seen.Error)

	var receipt relay.SeenPayload
	alice.nextInto(relay.EventMessageSeen, &receipt)
	assert.Equal(t, "bob", receipt.SenderID)

	stored, err := cl.store.Get(context.Background(), sent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSeen, stored.Status)
}

func TestChat_AcrossNodes(t *testing.T) {
	cl := newCluster(t)
	n1 := cl.startNode(t, nil)
	n2 := cl.startNode(t, nil)
	alice := n1.online(t, "alice")
	bob := n2.online(t, "bob")

	// Older clients spell the pair userId/receiverId.
	alice.emit(relay.InTyping, map[string]string{"userId": "alice", "receiverId": "bob"}, "")
	var typing relay.TypingPayload
	bob.nextInto(relay.EventUserTyping, &typing)
	assert.Equal(t, "alice", typing.SenderID)

	reply := alice.request(relay.InSendMessage, map[string]any{
		"senderId":    "alice",
		"recipientId": "bob",
		"cipherText":  "Y2lwaGVy",
		"nonce":       "bm9uY2U=",
		"attachment":  map[string]any{"fileUrl": "https://files.example.com/a.png", "fileName": "a.png"},
	})
	require.Empty(t, reply.Error)
	var sent sendReply
	require.NoError(t, json.Unmarshal(reply.Data, &sent))

	var msg relay.NewMessagePayload
	bob.nextInto(relay.EventNewMessage, &msg)
	assert.Equal(t, sent.ID, msg.ID)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, "a.png", msg.Attachment.FileName)

	stored, err := cl.store.Get(context.Background(), sent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDelivered, stored.Status)
}

func TestCall_AcrossNodes(t *testing.T) {
	cl := newCluster(t)
	n1 := cl.startNode(t, nil)
	n2 := cl.startNode(t, nil)
	alice := n1.online(t, "alice")
	bob := n2.online(t, "bob")

	reply := alice.request(relay.InFetchUserSocketID, map[string]string{"targetUserId": "bob"})
	require.Empty(t, reply.Error)
	var located socketIDReply
	require.NoError(t, json.Unmarshal(reply.Data, &located))
	require.NotNil(t, located.SocketID)

	alice.emit(relay.InCallUser, map[string]any{
		"targetSocketId": *located.SocketID,
		"offer":          map[string]string{"type": "offer", "sdp": "v=0"},
		"callerDetails":  map[string]string{"userId": "alice", "username": "alice"},
		"cType":          "video",
	}, "")

	var incoming relay.IncomingCallPayload
	bob.nextInto(relay.EventIncomingCall, &incoming)
	assert.Equal(t, relay.CallVideo, incoming.CallType)
	assert.JSONEq(t, `{"userId":"alice","username":"alice"}`, string(incoming.CallerDetails))
	alice.next(relay.EventCallRinging)

	bob.emit(relay.InAnswerCall, map[string]any{
		"targetLocatorHint": incoming.From,
		"answer":            map[string]string{"type": "answer", "sdp": "v=0"},
	}, "")
	var answered relay.CallAnsweredPayload
	alice.nextInto(relay.EventCallAnswered, &answered)
	assert.Equal(t, *located.SocketID, answered.From)

	alice.emit(relay.InIceCandidate, map[string]any{
		"targetLocatorHint": *located.SocketID,
		"candidate":         map[string]string{"candidate": "candidate:1"},
	}, "")
	var ice relay.IceCandidatePayload
	bob.nextInto(relay.EventIceCandidate, &ice)
	assert.Equal(t, incoming.From, ice.From)

	bob.emit(relay.InEndCall, map[string]any{"targetLocatorHint": incoming.From}, "")
	alice.next(relay.EventCallEnded)
}

func TestFetchUserSocketID_Offline(t *testing.T) {
	n := newCluster(t).startNode(t, nil)
	alice := n.online(t, "alice")

	reply := alice.request(relay.InFetchUserSocketID, map[string]string{"targetUserId": "ghost"})
	require.Empty(t, reply.Error)
	assert.JSONEq(t, `{"socketId":null}`, string(reply.Data))
}

func TestDisconnect_AnnouncesOffline(t *testing.T) {
	cl := newCluster(t)
	n1 := cl.startNode(t, nil)
	n2 := cl.startNode(t, nil)
	bob := n2.online(t, "bob")
	alice := n1.online(t, "alice")

	require.NoError(t, alice.conn.Close())

	for {
		var st relay.StatusPayload
		bob.nextInto(relay.EventUserStatusUpdate, &st)
		if st.UserID == "alice" && st.Status == relay.StatusOffline {
			assert.NotNil(t, st.LastSeen)
			break
		}
	}
	_, ok, err := cl.dir.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDispatch_Rejections(t *testing.T) {
	n := newCluster(t).startNode(t, nil)
	c := n.dial(t)

	var p relay.ErrorPayload

	c.emit(relay.InSendMessage, map[string]string{"senderId": "alice", "recipientId": "bob", "cipherText": "x", "nonce": "n"}, "")
	c.nextInto(relay.EventError, &p)
	assert.Equal(t, relay.InSendMessage, p.Event)
	assert.Equal(t, relay.ErrNotBound.Error(), p.Message)
	assert.False(t, p.Retryable)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	c.nextInto(relay.EventError, &p)
	assert.Contains(t, p.Message, "malformed frame")

	reply := c.request(relay.InUserOnline, "alice")
	require.Empty(t, reply.Error, "a bare string announces too")

	c.emit(relay.InTyping, map[string]string{"senderId": "mallory", "recipientId": "bob"}, "")
	c.nextInto(relay.EventError, &p)
	assert.Equal(t, relay.ErrUserMismatch.Error(), p.Message)

	c.emit("teleport", map[string]string{}, "")
	c.nextInto(relay.EventError, &p)
	assert.Contains(t, p.Message, "unknown event")

	reply = c.request(relay.InSendMessage, map[string]string{"senderId": "alice", "recipientId": "bob"})
	assert.Contains(t, reply.Error, "cipherText or attachment")

	reply = c.request(relay.InAnswerCall, map[string]string{"targetLocatorHint": "nobody"})
	assert.Equal(t, relay.ErrNoSession.Error(), reply.Error)
}

func TestDispatch_UserOfflineUnbinds(t *testing.T) {
	n := newCluster(t).startNode(t, nil)
	c := n.online(t, "alice")

	reply := c.request(relay.InUserOffline, map[string]string{"userId": "alice"})
	require.Empty(t, reply.Error)

	reply = c.request(relay.InFetchUserSocketID, map[string]string{"targetUserId": "alice"})
	assert.JSONEq(t, `{"socketId":null}`, string(reply.Data))

	reply = c.request(relay.InTyping, map[string]string{"senderId": "alice", "recipientId": "bob"})
	assert.Equal(t, relay.ErrNotBound.Error(), reply.Error)
}

func TestHub_EmitterContract(t *testing.T) {
	n := newCluster(t).startNode(t, nil)
	n.online(t, "alice")

	unknown := registry.NewHandle()
	assert.False(t, n.hub.Emit(unknown, relay.Event{Name: relay.EventCallRinging}))
	_, ok := n.hub.UserOf(unknown)
	assert.False(t, ok)

	h, ok := n.node.Presence.Locate(context.Background(), "alice")
	require.True(t, ok)
	user, ok := n.hub.UserOf(h)
	require.True(t, ok)
	assert.Equal(t, "alice", user)
	assert.Equal(t, 1, n.hub.Len())
}
