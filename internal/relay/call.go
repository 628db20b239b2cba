package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/bus"
	"github.com/Tyrowin/gochat-relay/internal/logging"
	"github.com/Tyrowin/gochat-relay/internal/registry"
)

// Call types.
const (
	CallAudio = "audio"
	CallVideo = "video"
)

// CallRequest starts a call from the caller's connection to the connection
// handle it located for the callee.
type CallRequest struct {
	CallerID      string
	CallerHandle  registry.Handle
	Target        registry.Handle
	Offer         json.RawMessage
	CallerDetails json.RawMessage
	CallType      string
}

// Calls relays WebRTC signaling between two connection handles and keeps the
// per-participant call state machine for participants connected here.
type Calls struct {
	node    *Node
	log     zerolog.Logger
	timeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

func newCalls(n *Node) *Calls {
	return &Calls{
		node:     n,
		log:      logging.Component(n.deps.Log, "calls"),
		timeout:  n.deps.CallTimeout,
		sessions: make(map[string]*Session),
	}
}

// Session returns a copy of userID's current session. A user without one is idle.
func (c *Calls) Session(userID string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[userID]
	if !ok {
		return Session{UserID: userID, State: CallIdle}, false
	}
	cp := *s
	cp.timer = nil
	return cp, true
}

// State returns userID's call state.
func (c *Calls) State(userID string) CallState {
	s, _ := c.Session(userID)
	return s.State
}

// Initiate opens a call. A caller who already has a session is refused
// with call_rejected and nothing changes. An empty target is accepted and
// simply runs into the answer timeout.
func (c *Calls) Initiate(ctx context.Context, req CallRequest) error {
	if req.CallerID == "" {
		return ErrNotBound
	}
	switch req.CallType {
	case "":
		req.CallType = CallAudio
	case CallAudio, CallVideo:
	default:
		return fmt.Errorf("%w: callType must be audio or video", ErrInvalidEvent)
	}
	if req.Target != "" && req.Target == req.CallerHandle {
		return fmt.Errorf("%w: cannot call own connection", ErrInvalidEvent)
	}

	c.mu.Lock()
	if _, busy := c.sessions[req.CallerID]; busy {
		c.mu.Unlock()
		c.node.deps.Emitter.Emit(req.CallerHandle, Event{Name: EventCallRejected, Data: CallClosedPayload{Reason: ReasonAlreadyInCall}})
		return ErrSessionActive
	}
	s := &Session{
		CallID:     uuid.NewString(),
		UserID:     req.CallerID,
		Handle:     req.CallerHandle,
		PeerHandle: req.Target,
		Role:       RoleCaller,
		CallType:   req.CallType,
		Offer:      req.Offer,
		State:      CallIdle,
		StartedAt:  c.node.deps.Now(),
	}
	s.transition(CallConnecting)
	callID, caller := s.CallID, req.CallerID
	s.timer = time.AfterFunc(c.timeout, func() { c.expire(caller, callID) })
	c.sessions[req.CallerID] = s
	c.mu.Unlock()

	c.log.Info().Str("call_id", callID).Str("caller_id", caller).Str("target", req.Target.String()).Msg("call initiated")

	c.send(ctx, CallSignal{
		Kind:          SignalOffer,
		CallID:        callID,
		FromUser:      caller,
		FromHandle:    req.CallerHandle,
		ToHandle:      req.Target,
		Offer:         req.Offer,
		CallerDetails: req.CallerDetails,
		CallType:      req.CallType,
	})
	return nil
}

// Answer accepts the ringing call on the callee's connection.
func (c *Calls) Answer(ctx context.Context, calleeID string, calleeHandle, target registry.Handle, answer json.RawMessage) error {
	c.mu.Lock()
	s, ok := c.sessions[calleeID]
	if !ok || s.Role != RoleCallee || s.Handle != calleeHandle || (target != "" && s.PeerHandle != target) || !s.transition(CallInCall) {
		c.mu.Unlock()
		return ErrNoSession
	}
	s.stopTimer()
	s.Answer = answer
	sig := CallSignal{
		Kind:       SignalAnswer,
		CallID:     s.CallID,
		FromUser:   calleeID,
		FromHandle: s.Handle,
		ToHandle:   s.PeerHandle,
		Answer:     answer,
	}
	c.mu.Unlock()

	c.log.Info().Str("call_id", sig.CallID).Msg("call answered")
	c.send(ctx, sig)
	return nil
}

// Reject declines the ringing call. Rejecting without a session is a no-op.
func (c *Calls) Reject(ctx context.Context, calleeID string, calleeHandle, target registry.Handle) error {
	c.mu.Lock()
	s, ok := c.sessions[calleeID]
	if !ok || s.Handle != calleeHandle || (target != "" && s.PeerHandle != target) {
		c.mu.Unlock()
		return nil
	}
	if !s.transition(CallRejected) {
		c.mu.Unlock()
		return fmt.Errorf("%w: call is %s", ErrInvalidEvent, s.State)
	}
	c.closeLocked(s)
	sig := CallSignal{
		Kind:       SignalReject,
		CallID:     s.CallID,
		FromUser:   calleeID,
		FromHandle: s.Handle,
		ToHandle:   s.PeerHandle,
	}
	c.mu.Unlock()

	c.send(ctx, sig)
	return nil
}

// RelayIceCandidate forwards a candidate to target. Unknown targets drop it.
func (c *Calls) RelayIceCandidate(ctx context.Context, fromUser string, fromHandle, target registry.Handle, candidate json.RawMessage) {
	c.send(ctx, CallSignal{
		Kind:       SignalIce,
		FromUser:   fromUser,
		FromHandle: fromHandle,
		ToHandle:   target,
		Candidate:  candidate,
	})
}

// End hangs up userID's call on handle. Ending with no session is a no-op.
func (c *Calls) End(ctx context.Context, userID string, handle registry.Handle) {
	c.dropOwn(ctx, userID, handle, ReasonHangup)
}

// PeerOffline ends every session here whose peer is userID (or the given
// handle) and tells the surviving participant once.
func (c *Calls) PeerOffline(userID string, handle registry.Handle) {
	c.mu.Lock()
	var hit []*Session
	for u, s := range c.sessions {
		if s.PeerUser == userID || (handle != "" && s.PeerHandle == handle) {
			s.transition(CallEnded)
			c.closeLocked(s)
			delete(c.sessions, u)
			hit = append(hit, s)
		}
	}
	c.mu.Unlock()

	for _, s := range hit {
		c.log.Info().Str("call_id", s.CallID).Str("peer_id", userID).Msg("call ended, peer went offline")
		c.node.deps.Emitter.Emit(s.Handle, Event{
			Name: EventUserStatusUpdateForCall,
			Data: StatusPayload{UserID: userID, Status: StatusOffline},
		})
	}
}

// dropOwn ends userID's own session (only the one on handle, when given)
// and tells the peer.
func (c *Calls) dropOwn(ctx context.Context, userID string, handle registry.Handle, reason string) {
	c.mu.Lock()
	s, ok := c.sessions[userID]
	if !ok || (handle != "" && s.Handle != handle) {
		c.mu.Unlock()
		return
	}
	s.transition(CallEnded)
	c.closeLocked(s)
	sig := CallSignal{
		Kind:       SignalEnd,
		CallID:     s.CallID,
		FromUser:   userID,
		FromHandle: s.Handle,
		ToHandle:   s.PeerHandle,
		Reason:     reason,
	}
	c.mu.Unlock()

	c.log.Info().Str("call_id", sig.CallID).Str("reason", reason).Msg("call ended")
	c.send(ctx, sig)
}

// closeLocked stops the timer and removes s. c.mu must be held.
func (c *Calls) closeLocked(s *Session) {
	s.stopTimer()
	if cur, ok := c.sessions[s.UserID]; ok && cur == s {
		delete(c.sessions, s.UserID)
	}
}

// expire fires when a call was neither answered nor rejected in time.
func (c *Calls) expire(userID, callID string) {
	c.mu.Lock()
	s, ok := c.sessions[userID]
	if !ok || s.CallID != callID || (s.State != CallConnecting && s.State != CallRinging) {
		c.mu.Unlock()
		return
	}
	s.transition(CallEnded)
	s.timer = nil
	delete(c.sessions, userID)
	c.mu.Unlock()

	ctx := context.Background()
	c.node.deps.Emitter.Emit(s.Handle, Event{Name: EventCallEnded, Data: CallClosedPayload{Reason: ReasonTimeout}})
	if s.Role != RoleCaller {
		return
	}

	c.node.deps.Metrics.CallTimedOut(ctx)
	c.log.Info().Str("call_id", callID).Msg("call not answered in time")
	c.send(ctx, CallSignal{
		Kind:       SignalEnd,
		CallID:     callID,
		FromUser:   userID,
		FromHandle: s.Handle,
		ToHandle:   s.PeerHandle,
		Reason:     ReasonTimeout,
	})
}

func (c *Calls) stopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		s.stopTimer()
	}
}

// send delivers sig directly when its target is connected here and
// publishes it otherwise.
func (c *Calls) send(ctx context.Context, sig CallSignal) {
	if sig.ToHandle == "" {
		return
	}
	if _, ok := c.node.deps.Emitter.UserOf(sig.ToHandle); ok {
		c.handleSignal(ctx, sig)
		return
	}
	_ = c.node.publish(ctx, bus.TopicCallSignal, sig)
}

func (c *Calls) handleBus(ctx context.Context, payload []byte) {
	var sig CallSignal
	if err := json.Unmarshal(payload, &sig); err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed call signal")
		return
	}
	if _, ok := c.node.deps.Emitter.UserOf(sig.ToHandle); !ok {
		return
	}
	c.handleSignal(ctx, sig)
}

func (c *Calls) handleSignal(ctx context.Context, sig CallSignal) {
	switch sig.Kind {
	case SignalOffer:
		c.onOffer(ctx, sig)
	case SignalRinging:
		c.onRinging(sig)
	case SignalAnswer:
		c.onAnswer(ctx, sig)
	case SignalReject:
		c.onClosed(sig, CallRejected, EventCallRejected)
	case SignalEnd:
		c.onClosed(sig, CallEnded, EventCallEnded)
	case SignalIce:
		c.node.deps.Emitter.Emit(sig.ToHandle, Event{
			Name: EventIceCandidate,
			Data: IceCandidatePayload{From: sig.FromHandle, Candidate: sig.Candidate},
		})
	default:
		c.log.Warn().Str("kind", sig.Kind).Msg("unknown call signal")
	}
}

// findLocked returns the session for callID held on handle. c.mu must be held.
func (c *Calls) findLocked(callID string, handle registry.Handle) *Session {
	for _, s := range c.sessions {
		if s.CallID == callID && s.Handle == handle {
			return s
		}
	}
	return nil
}

func (c *Calls) onOffer(ctx context.Context, sig CallSignal) {
	calleeID, _ := c.node.deps.Emitter.UserOf(sig.ToHandle)
	refuse := func(reason string) {
		c.send(ctx, CallSignal{
			Kind:       SignalReject,
			CallID:     sig.CallID,
			FromUser:   calleeID,
			FromHandle: sig.ToHandle,
			ToHandle:   sig.FromHandle,
			Reason:     reason,
		})
	}
	if calleeID == "" {
		refuse(ReasonUnavailable)
		return
	}

	c.mu.Lock()
	if _, busy := c.sessions[calleeID]; busy {
		c.mu.Unlock()
		refuse(ReasonBusy)
		return
	}
	s := &Session{
		CallID:     sig.CallID,
		UserID:     calleeID,
		Handle:     sig.ToHandle,
		PeerUser:   sig.FromUser,
		PeerHandle: sig.FromHandle,
		Role:       RoleCallee,
		CallType:   sig.CallType,
		Offer:      sig.Offer,
		State:      CallIdle,
		StartedAt:  c.node.deps.Now(),
	}
	s.transition(CallRinging)
	callID := s.CallID
	s.timer = time.AfterFunc(c.timeout, func() { c.expire(calleeID, callID) })
	c.sessions[calleeID] = s
	c.mu.Unlock()

	c.node.deps.Emitter.Emit(sig.ToHandle, Event{Name: EventIncomingCall, Data: IncomingCallPayload{
		From:          sig.FromHandle,
		Offer:         sig.Offer,
		CallerDetails: sig.CallerDetails,
		CallType:      sig.CallType,
	}})
	c.send(ctx, CallSignal{
		Kind:       SignalRinging,
		CallID:     callID,
		FromUser:   calleeID,
		FromHandle: sig.ToHandle,
		ToHandle:   sig.FromHandle,
	})
}

func (c *Calls) onRinging(sig CallSignal) {
	c.mu.Lock()
	s := c.findLocked(sig.CallID, sig.ToHandle)
	if s == nil || s.State != CallConnecting {
		c.mu.Unlock()
		return
	}
	s.PeerUser = sig.FromUser
	handle := s.Handle
	c.mu.Unlock()

	c.node.deps.Emitter.Emit(handle, Event{Name: EventCallRinging, Data: struct{}{}})
}

func (c *Calls) onAnswer(ctx context.Context, sig CallSignal) {
	c.mu.Lock()
	s := c.findLocked(sig.CallID, sig.ToHandle)
	if s == nil {
		c.mu.Unlock()
		// The caller already gave up; close the callee side too.
		callerID, _ := c.node.deps.Emitter.UserOf(sig.ToHandle)
		c.send(ctx, CallSignal{
			Kind:       SignalEnd,
			CallID:     sig.CallID,
			FromUser:   callerID,
			FromHandle: sig.ToHandle,
			ToHandle:   sig.FromHandle,
			Reason:     ReasonTimeout,
		})
		return
	}
	if !s.transition(CallInCall) {
		c.mu.Unlock()
		return
	}
	s.stopTimer()
	s.Answer = sig.Answer
	if sig.FromUser != "" {
		s.PeerUser = sig.FromUser
	}
	handle := s.Handle
	c.mu.Unlock()

	c.node.deps.Emitter.Emit(handle, Event{Name: EventCallAnswered, Data: CallAnsweredPayload{From: sig.FromHandle, Answer: sig.Answer}})
}

// onClosed applies a remote reject or end to the matching local session.
func (c *Calls) onClosed(sig CallSignal, state CallState, name string) {
	c.mu.Lock()
	s := c.findLocked(sig.CallID, sig.ToHandle)
	if s == nil || !s.transition(state) {
		c.mu.Unlock()
		return
	}
	c.closeLocked(s)
	handle := s.Handle
	c.mu.Unlock()

	c.node.deps.Emitter.Emit(handle, Event{Name: name, Data: CallClosedPayload{Reason: sig.Reason}})
}
