package control

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/NodePath81/lossmon/internal/metrics"
	"github.com/NodePath81/lossmon/internal/report"
	"github.com/NodePath81/lossmon/internal/util"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsTokenPrefix     = "lossmon-token."
	wsPrimaryProtocol = "lossmon"
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 30 * time.Second
	wsSendBuffer      = 32
)

type statusMessage struct {
	SchemaVersion int    `json:"schema_version"`
	Type          string `json:"type"`
	Timestamp     int64  `json:"timestamp"`
	NodeID        string `json:"node_id"`
	Received      uint64 `json:"received"`
	Lost          uint64 `json:"lost"`
	Devices       int    `json:"devices"`
}

func reportMessage(snap report.Snapshot) statusMessage {
	return statusMessage{
		SchemaVersion: 1,
		Type:          "report",
		Timestamp:     snap.Time.UnixMilli(),
		NodeID:        snap.NodeID,
		Received:      snap.Received,
		Lost:          snap.Lost,
		Devices:       snap.Devices,
	}
}

// StatusHub fans report snapshots out to websocket clients. It is a
// report.Sink.
type StatusHub struct {
	mu      sync.Mutex
	clients map[*statusClient]struct{}
	last    []byte
	closed  bool
	metrics *metrics.Metrics
}

type statusClient struct {
	id        string
	send      chan []byte
	closeOnce sync.Once
}

// NewStatusHub closes every client once ctxDone fires.
func NewStatusHub(ctxDone <-chan struct{}, metrics *metrics.Metrics) *StatusHub {
	h := &StatusHub{
		clients: make(map[*statusClient]struct{}),
		metrics: metrics,
	}
	go h.run(ctxDone)
	return h
}

func (h *StatusHub) run(ctxDone <-chan struct{}) {
	<-ctxDone
	h.mu.Lock()
	h.closed = true
	for client := range h.clients {
		client.close()
		h.metrics.DecStatusClients()
	}
	h.clients = make(map[*statusClient]struct{})
	h.mu.Unlock()
}

// Record broadcasts snap and remembers it for clients that connect later.
// Slow clients miss messages rather than block the reporter.
func (h *StatusHub) Record(_ context.Context, snap report.Snapshot) error {
	data, err := json.Marshal(reportMessage(snap))
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = data
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
	return nil
}

// Register adds client and queues the latest snapshot for it. It returns
// false once the hub has shut down.
func (h *StatusHub) Register(client *statusClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		client.close()
		return false
	}
	h.clients[client] = struct{}{}
	h.metrics.IncStatusClients()
	if h.last != nil {
		client.send <- h.last
	}
	return true
}

func (h *StatusHub) Unregister(client *statusClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		h.metrics.DecStatusClients()
	}
	h.mu.Unlock()
	client.close()
}

// Len returns the number of connected clients.
func (h *StatusHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (c *statusClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (c *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !c.checkStatusAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin:  c.originAllowed,
		Subprotocols: []string{wsPrimaryProtocol},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &statusClient{
		id:   uuid.NewString(),
		send: make(chan []byte, wsSendBuffer),
	}
	logger := c.logger.With("client_id", client.id, "client", clientIP(r))
	if !c.hub.Register(client) {
		_ = conn.Close()
		return
	}
	logger.Debug("status client connected")

	var closeOnce sync.Once
	done := make(chan struct{})
	cleanup := func() {
		closeOnce.Do(func() {
			close(done)
			_ = conn.Close()
			c.hub.Unregister(client)
			logger.Debug("status client disconnected")
		})
	}

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Clients do not send anything meaningful; reading drives pong
	// handling and notices closes.
	go func() {
		defer cleanup()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer cleanup()
		writeStatus(conn, client, done, logger)
	}()
}

func writeStatus(conn *websocket.Conn, client *statusClient, done <-chan struct{}, logger util.Logger) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case data, ok := <-client.send:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("status write failed", "error", err)
				return
			}
		}
	}
}
