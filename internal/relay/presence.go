package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/bus"
	"github.com/Tyrowin/gochat-relay/internal/directory"
	"github.com/Tyrowin/gochat-relay/internal/logging"
	"github.com/Tyrowin/gochat-relay/internal/registry"
)

type seenState struct {
	handle registry.Handle
	online bool
	at     time.Time
}

// Presence tracks online/offline transitions. It keeps a cache of every
// presence change it has observed, which answers locate queries while the
// directory is unreachable.
type Presence struct {
	node *Node
	log  zerolog.Logger

	mu    sync.RWMutex
	cache map[string]seenState
}

func newPresence(n *Node) *Presence {
	return &Presence{
		node:  n,
		log:   logging.Component(n.deps.Log, "presence"),
		cache: make(map[string]seenState),
	}
}

func (p *Presence) remember(userID string, s seenState) {
	p.mu.Lock()
	p.cache[userID] = s
	p.mu.Unlock()
}

// AnnounceOnline registers handle for userID here, records it in the
// directory and tells every node.
func (p *Presence) AnnounceOnline(ctx context.Context, userID string, handle registry.Handle) {
	d := p.node.deps
	now := d.Now()

	if prev, replaced := d.Registry.Register(userID, handle); replaced {
		p.log.Debug().Str("user_id", userID).Str("previous", prev.String()).Msg("newer connection supersedes older one")
	}
	p.remember(userID, seenState{handle: handle, online: true, at: now})

	_ = d.Directory.Set(ctx, userID, directory.Entry{Handle: handle, Node: d.NodeID, UpdatedAt: now})
	_ = p.node.publish(ctx, bus.TopicPresenceChange, PresenceChange{
		UserID: userID,
		Status: StatusOnline,
		Handle: handle,
		Node:   d.NodeID,
		At:     now,
	})

	d.Emitter.Broadcast(Event{Name: EventUserStatusUpdate, Data: StatusPayload{UserID: userID, Status: StatusOnline}})
	d.Metrics.PresenceChanged(ctx, StatusOnline)
	p.log.Info().Str("user_id", userID).Str("handle", handle.String()).Msg("user online")
}

// AnnounceOffline handles an explicit logout. It is unconditional.
func (p *Presence) AnnounceOffline(ctx context.Context, userID string) {
	p.node.deps.Registry.Unregister(userID)
	p.goOffline(ctx, userID, "")
}

// ConnectionClosed runs when a socket bound to userID goes away. Offline is
// announced only if that socket was still the user's registered one here.
func (p *Presence) ConnectionClosed(ctx context.Context, userID string, handle registry.Handle) {
	if userID == "" {
		return
	}
	if !p.node.deps.Registry.UnregisterIf(userID, handle) {
		p.node.Calls.dropOwn(ctx, userID, handle, ReasonDisconnected)
		return
	}
	p.goOffline(ctx, userID, handle)
}

func (p *Presence) goOffline(ctx context.Context, userID string, handle registry.Handle) {
	d := p.node.deps
	now := d.Now()

	if handle == "" {
		_ = d.Directory.Delete(ctx, userID)
	} else {
		_, _ = d.Directory.DeleteIf(ctx, userID, handle)
	}
	if err := d.Users.UpdateLastSeen(ctx, userID, now); err != nil {
		p.log.Warn().Err(err).Str("user_id", userID).Msg("failed to persist last seen")
	}
	p.remember(userID, seenState{online: false, at: now})

	_ = p.node.publish(ctx, bus.TopicPresenceChange, PresenceChange{
		UserID: userID,
		Status: StatusOffline,
		Handle: handle,
		Node:   d.NodeID,
		At:     now,
	})

	d.Emitter.Broadcast(Event{Name: EventUserStatusUpdate, Data: StatusPayload{UserID: userID, Status: StatusOffline, LastSeen: &now}})
	d.Metrics.PresenceChanged(ctx, StatusOffline)

	p.node.Calls.PeerOffline(userID, handle)
	p.node.Calls.dropOwn(ctx, userID, handle, ReasonDisconnected)
	p.log.Info().Str("user_id", userID).Msg("user offline")
}

func (p *Presence) handleBus(ctx context.Context, payload []byte) {
	var ev PresenceChange
	if err := json.Unmarshal(payload, &ev); err != nil || ev.UserID == "" {
		p.log.Warn().Err(err).Msg("dropping malformed presence event")
		return
	}
	if ev.Node == p.node.deps.NodeID {
		return
	}
	d := p.node.deps

	switch ev.Status {
	case StatusOnline:
		if h, ok := d.Registry.Lookup(ev.UserID); ok && h != ev.Handle {
			since := p.localSince(ev.UserID, h)
			if supersedes(since, d.NodeID, ev.At, ev.Node) {
				// Crossed announcements: ours is newer, so the other node
				// has to give up its entry instead.
				p.reassert(ctx, ev.UserID, h, since)
				return
			}
			d.Registry.UnregisterIf(ev.UserID, h)
			p.log.Debug().Str("user_id", ev.UserID).Str("node", ev.Node).Msg("evicted stale local registration")
		}
		p.remember(ev.UserID, seenState{handle: ev.Handle, online: true, at: ev.At})
		d.Emitter.Broadcast(Event{Name: EventUserStatusUpdate, Data: StatusPayload{UserID: ev.UserID, Status: StatusOnline}})

	case StatusOffline:
		if h, ok := d.Registry.Lookup(ev.UserID); ok {
			// Stale offline from a node the user already left.
			p.reassert(ctx, ev.UserID, h, p.localSince(ev.UserID, h))
			return
		}
		at := ev.At
		p.remember(ev.UserID, seenState{online: false, at: at})
		d.Emitter.Broadcast(Event{Name: EventUserStatusUpdate, Data: StatusPayload{UserID: ev.UserID, Status: StatusOffline, LastSeen: &at}})
		p.node.Calls.PeerOffline(ev.UserID, ev.Handle)

	default:
		p.log.Warn().Str("status", ev.Status).Msg("unknown presence status")
	}
}

// localSince returns when handle was registered here for userID, or the
// zero time if the cache no longer holds that registration.
func (p *Presence) localSince(userID string, handle registry.Handle) time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.cache[userID]; ok && s.online && s.handle == handle {
		return s.at
	}
	return time.Time{}
}

// reassert republishes this node's registration of userID. It keeps the
// original registration time so every node orders it the same way.
func (p *Presence) reassert(ctx context.Context, userID string, handle registry.Handle, since time.Time) {
	d := p.node.deps
	if since.IsZero() {
		since = d.Now()
		p.remember(userID, seenState{handle: handle, online: true, at: since})
	}
	_ = d.Directory.Set(ctx, userID, directory.Entry{Handle: handle, Node: d.NodeID, UpdatedAt: since})
	_ = p.node.publish(ctx, bus.TopicPresenceChange, PresenceChange{
		UserID: userID, Status: StatusOnline, Handle: handle, Node: d.NodeID, At: since,
	})
	p.log.Debug().Str("user_id", userID).Msg("reasserted local registration")
}

// supersedes reports whether a registration made at localAt on localNode
// wins over one made at remoteAt on remoteNode. Equal times fall back to
// the node ID so both sides agree.
func supersedes(localAt time.Time, localNode string, remoteAt time.Time, remoteNode string) bool {
	if !localAt.Equal(remoteAt) {
		return localAt.After(remoteAt)
	}
	return localNode > remoteNode
}

// Locate resolves the connection handle a caller should address for userID:
// this node's registry first, then the directory, then the presence cache
// when the directory cannot be reached.
func (p *Presence) Locate(ctx context.Context, userID string) (registry.Handle, bool) {
	d := p.node.deps
	if h, ok := d.Registry.Lookup(userID); ok {
		return h, true
	}

	e, ok, err := d.Directory.Get(ctx, userID)
	if err == nil {
		return e.Handle, ok
	}

	p.mu.RLock()
	s, cached := p.cache[userID]
	p.mu.RUnlock()
	if cached && s.online && s.handle != "" {
		return s.handle, true
	}
	return "", false
}

// Warm seeds the presence cache from the directory so Locate can fall back
// to it even for users who came online before this node started.
func (p *Presence) Warm(ctx context.Context) (int, error) {
	entries, err := p.node.deps.Directory.GetAll(ctx)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for userID, e := range entries {
		if _, seen := p.cache[userID]; seen {
			continue
		}
		p.cache[userID] = seenState{handle: e.Handle, online: true, at: e.UpdatedAt}
	}
	return len(entries), nil
}
