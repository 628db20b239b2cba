package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/registry"
	"github.com/Tyrowin/gochat-relay/internal/relay"
	"github.com/Tyrowin/gochat-relay/internal/telemetry"
)

// Hub owns every WebSocket connection held by this process. It starts the
// pumps of registered clients, indexes them by connection handle and
// implements relay.Emitter on top of their send buffers.
type Hub struct {
	clients    map[*Client]bool
	handles    map[registry.Handle]*Client
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	log        zerolog.Logger
	metrics    *telemetry.Metrics
}

var _ relay.Emitter = (*Hub)(nil)

// NewHub creates a Hub. Run must be started before clients register.
func NewHub(log zerolog.Logger, metrics *telemetry.Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		handles:    make(map[registry.Handle]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log:        log,
		metrics:    metrics,
	}
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Msg("recovered in safeSend")
		}
	}()

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, exists := h.clients[client]; !exists || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Emit queues ev for the client holding handle. A client whose buffer is
// full is dropped.
func (h *Hub) Emit(handle registry.Handle, ev relay.Event) bool {
	h.mutex.RLock()
	client, ok := h.handles[handle]
	h.mutex.RUnlock()
	if !ok {
		return false
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("event", ev.Name).Msg("failed to encode event")
		return false
	}
	if !h.safeSend(client, payload) {
		h.removeFailedClients([]*Client{client})
		return false
	}
	return true
}

// Broadcast queues ev for every client and returns how many accepted it.
func (h *Hub) Broadcast(ev relay.Event) int {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("event", ev.Name).Msg("failed to encode event")
		return 0
	}

	clients := h.getClientSnapshot()
	failed := h.broadcastToClients(clients, payload)
	h.removeFailedClients(failed)
	return len(clients) - len(failed)
}

// UserOf reports whether handle is connected here and which user it announced.
func (h *Hub) UserOf(handle registry.Handle) (string, bool) {
	h.mutex.RLock()
	client, ok := h.handles[handle]
	h.mutex.RUnlock()
	if !ok {
		return "", false
	}
	return client.UserID(), true
}

// Run handles client registration and unregistration until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn().Msg("received nil client registration; skipping")
				continue
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client] = true
			h.handles[client.handle] = client
			clientCount := len(h.clients)
			h.mutex.Unlock()

			h.metrics.ConnectionOpened(h.ctx)
			h.log.Info().Str("addr", client.addr).Str("handle", client.handle.String()).Int("clients", clientCount).Msg("client registered")

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.remove(client)
		}
	}
}

// unregisterClient hands client to Run, or removes it directly once Run has stopped.
func (h *Hub) unregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		h.remove(client)
	}
}

func (h *Hub) remove(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	if h.handles[client.handle] == client {
		delete(h.handles, client.handle)
	}
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	close(client.send)
	h.metrics.ConnectionClosed(context.WithoutCancel(h.ctx))
	h.log.Info().Str("addr", client.addr).Str("handle", client.handle.String()).Int("clients", clientCount).Msg("client unregistered")
}

// getClientSnapshot returns a thread-safe snapshot of all current clients
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// broadcastToClients sends payload to every client and returns the ones that failed
func (h *Hub) broadcastToClients(clients []*Client, payload []byte) []*Client {
	var clientsToRemove []*Client
	for _, client := range clients {
		if !h.safeSend(client, payload) {
			clientsToRemove = append(clientsToRemove, client)
		}
	}
	return clientsToRemove
}

// removeFailedClients drops clients whose send buffer is full. Closing the
// send channel makes the write pump close the socket.
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range clientsToRemove {
		if _, exists := h.clients[client]; exists {
			delete(h.clients, client)
			if h.handles[client.handle] == client {
				delete(h.handles, client.handle)
			}
			client.closed = true
			channelsToClose = append(channelsToClose, client.send)
			h.log.Warn().Str("addr", client.addr).Msg("client removed due to full send buffer")
		}
	}
	h.mutex.Unlock()

	for _, ch := range channelsToClose {
		close(ch)
		h.metrics.ConnectionClosed(context.WithoutCancel(h.ctx))
	}
}

// shutdownClients closes every socket; the read pumps then clean up.
func (h *Hub) shutdownClients() {
	h.log.Info().Msg("shutting down all client connections")

	clients := h.getClientSnapshot()
	for _, client := range clients {
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.log.Warn().Err(err).Str("addr", client.addr).Msg("error closing client connection")
		}
	}

	h.log.Info().Int("clients", len(clients)).Msg("closed client connections")
}

// Shutdown stops Run and waits for every client goroutine, or for timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info().Msg("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Msg("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
