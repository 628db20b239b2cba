package relay

import (
	"encoding/json"
	"time"

	"github.com/Tyrowin/gochat-relay/internal/registry"
)

// CallState is where one participant stands in a call.
type CallState string

const (
	CallIdle       CallState = "idle"
	CallConnecting CallState = "connecting"
	CallRinging    CallState = "ringing"
	CallInCall     CallState = "in_call"
	CallRejected   CallState = "rejected"
	CallEnded      CallState = "ended"
)

// CallRole tells which side of the call a session belongs to.
type CallRole string

const (
	RoleCaller CallRole = "caller"
	RoleCallee CallRole = "callee"
)

var callTransitions = map[CallState][]CallState{
	CallIdle:       {CallConnecting, CallRinging},
	CallConnecting: {CallInCall, CallRejected, CallEnded},
	CallRinging:    {CallInCall, CallRejected, CallEnded},
	CallInCall:     {CallEnded},
	CallRejected:   {CallIdle},
	CallEnded:      {CallIdle},
}

// CanTransition reports whether a session may move from s to next.
func (s CallState) CanTransition(next CallState) bool {
	for _, allowed := range callTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Session is one participant's view of a call on the node holding that
// participant's connection. Sessions are never persisted.
type Session struct {
	CallID     string
	UserID     string
	Handle     registry.Handle
	PeerUser   string
	PeerHandle registry.Handle
	Role       CallRole
	CallType   string
	Offer      json.RawMessage
	Answer     json.RawMessage
	State      CallState
	StartedAt  time.Time

	timer *time.Timer
}

func (s *Session) transition(next CallState) bool {
	if !s.State.CanTransition(next) {
		return false
	}
	s.State = next
	return true
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
