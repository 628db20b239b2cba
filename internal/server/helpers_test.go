package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/bus"
	"github.com/Tyrowin/gochat-relay/internal/config"
	"github.com/Tyrowin/gochat-relay/internal/directory"
	"github.com/Tyrowin/gochat-relay/internal/registry"
	"github.com/Tyrowin/gochat-relay/internal/relay"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

const testOrigin = "http://localhost:8080"

// cluster is the shared infrastructure several test nodes run against.
type cluster struct {
	network *bus.Network
	dir     *directory.Memory
	store   *store.SQL
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	s, err := store.Open(context.Background(), config.DatabaseConfig{
		Driver: config.DriverSQLite,
		URL:    filepath.Join(t.TempDir(), "relay.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return &cluster{network: bus.NewNetwork(), dir: directory.NewMemory(), store: s}
}

type testNode struct {
	url    string
	wsURL  string
	hub    *Hub
	node   *relay.Node
	bus    *bus.Memory
	server *Server
}

func (c *cluster) startNode(t *testing.T, mutate func(*config.Config)) *testNode {
	t.Helper()
	cfg := config.Default()
	cfg.NodeID = uuid.NewString()
	cfg.AllowedOrigins = []string{testOrigin}
	if mutate != nil {
		mutate(&cfg)
	}

	log := zerolog.Nop()
	hub := NewHub(log, nil)
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(2 * time.Second) })

	b := c.network.Join()
	node := relay.New(relay.Deps{
		NodeID:      cfg.NodeID,
		Registry:    registry.New(),
		Directory:   c.dir,
		Bus:         b,
		Messages:    c.store,
		Users:       c.store,
		Emitter:     hub,
		Log:         log,
		CallTimeout: cfg.CallAnswerTimeout,
	})
	require.NoError(t, node.Start())
	t.Cleanup(node.Stop)

	checks := map[string]Check{
		"bus": func(context.Context) error {
			if !b.Healthy() {
				return bus.ErrUnavailable
			}
			return nil
		},
		"store": c.store.Ping,
	}
	srv := New(&cfg, hub, node, checks, log)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &testNode{
		url:    ts.URL,
		wsURL:  "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		hub:    hub,
		node:   node,
		bus:    b,
		server: srv,
	}
}

// frame is an outbound event as a client sees it.
type frame struct {
	Event string          `json:"event"`
	Ack   string          `json:"ack"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	acks int
}

func dialWS(t *testing.T, url string, header http.Header) (*wsClient, *http.Response, error) {
	t.Helper()
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Origin") == "" {
		header.Set("Origin", testOrigin)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, resp, err
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}, resp, nil
}

func (n *testNode) dial(t *testing.T) *wsClient {
	t.Helper()
	c, _, err := dialWS(t, n.wsURL, nil)
	require.NoError(t, err)
	return c
}

// online dials and announces userID, waiting until the node has applied it.
func (n *testNode) online(t *testing.T, userID string) *wsClient {
	t.Helper()
	c := n.dial(t)
	reply := c.request(relay.InUserOnline, map[string]string{"userId": userID})
	require.Empty(t, reply.Error)
	return c
}

func (c *wsClient) emit(event string, data any, ack string) {
	c.t.Helper()
	payload := map[string]any{"event": event, "data": data}
	if ack != "" {
		payload["ack"] = ack
	}
	require.NoError(c.t, c.conn.WriteJSON(payload))
}

// request sends event with a fresh ack id and returns the matching ack frame.
func (c *wsClient) request(event string, data any) frame {
	c.t.Helper()
	c.acks++
	id := event + "-" + strconv.Itoa(c.acks)
	c.emit(event, data, id)
	for {
		f := c.next(relay.EventAck)
		if f.Ack == id {
			return f
		}
	}
}

// next reads frames until one named event arrives.
func (c *wsClient) next(event string) frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f frame
		require.NoError(c.t, c.conn.ReadJSON(&f), "waiting for %s", event)
		if f.Event == event {
			return f
		}
	}
}

func (c *wsClient) nextInto(event string, v any) {
	c.t.Helper()
	f := c.next(event)
	require.NoError(c.t, json.Unmarshal(f.Data, v))
}
