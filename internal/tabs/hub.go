package tabs

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/llmbridge/gateway/internal/translator"
	"github.com/llmbridge/gateway/pkg/safego"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// OutboundRequest is the server->tab request envelope.
type OutboundRequest struct {
	RequestID     string              `json:"request_id"`
	Payload       translator.Envelope `json:"payload"`
	RetryConfig   map[string]interface{} `json:"retry_config,omitempty"`
	IsTransfer    bool                `json:"is_transfer,omitempty"`
	OriginalTabID string              `json:"original_tab_id,omitempty"`
	TransferCount int                 `json:"transfer_count,omitempty"`
}

// OutboundCommand is a control message pushed to a tab outside the
// request/response flow (refresh, cancel, id-capture activation).
type OutboundCommand struct {
	Command      string `json:"command"`
	Mode         string `json:"mode,omitempty"`
	BattleTarget string `json:"battle_target,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
}

// inboundEnvelope is the tab->server frame shape.
type inboundEnvelope struct {
	TabID     string          `json:"tab_id,omitempty"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

// Client wraps one tab's WebSocket connection.
type Client struct {
	TabID  string
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger
}

// Send marshals and enqueues a message for delivery to this tab.
func (c *Client) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return nil // best-effort; a wedged tab must not block senders
	}
}

// Hub wires the WebSocket transport to the Registry and Broker, and
// drives reassignment on disconnect.
type Hub struct {
	registry *Registry
	broker   *Broker
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[string]*Client

	maxTransfers int
	reassigner   func(ctx context.Context, tabID string)
	onConnect    func()
}

// NewHub constructs a Hub bound to the given registry and broker.
func NewHub(registry *Registry, broker *Broker, maxTransfers int, logger *zap.Logger) *Hub {
	return &Hub{
		registry:     registry,
		broker:       broker,
		logger:       logger.With(zap.String("component", "tab-hub")),
		clients:      map[string]*Client{},
		maxTransfers: maxTransfers,
	}
}

// SetReassigner installs the callback invoked after a tab disconnects,
// given the dead tab's id; the lifecycle package supplies the real
// ReassignPending implementation to avoid an import cycle.
func (h *Hub) SetReassigner(fn func(ctx context.Context, tabID string)) {
	h.reassigner = fn
}

// SetOnConnect installs a callback fired after every successful tab
// accept; the lifecycle package wires this to drain the pending-request
// queue now that a tab may be available.
func (h *Hub) SetOnConnect(fn func()) {
	h.onConnect = fn
}

// BroadcastCommand pushes a control message to every currently connected
// tab, best-effort (a slow or dead tab's send channel is skipped rather
// than blocking the broadcast).
func (h *Hub) BroadcastCommand(cmd OutboundCommand) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.Send(cmd); err != nil {
			h.logger.Warn("failed to deliver broadcast command", zap.String("tab_id", c.TabID), zap.Error(err))
		}
	}
}

// ActiveTabCount reports how many tabs currently have a live WebSocket,
// used by the observability surface's active-tabs gauge.
func (h *Hub) ActiveTabCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Refresh implements lifecycle.Refresher: tell every connected tab to
// reload, used once per human-verification challenge episode.
func (h *Hub) Refresh() {
	h.BroadcastCommand(OutboundCommand{Command: "refresh"})
}

// ServeWS upgrades an HTTP connection and starts the read/write pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{conn: conn, send: make(chan []byte, 256), logger: h.logger}

	// The tab is registered at once under the default id; if its first
	// frame carries a tab_id, readPump re-registers it under that id.
	client.TabID = h.registry.Connect("", client)
	h.mu.Lock()
	h.clients[client.TabID] = client
	h.mu.Unlock()

	safego.Go(h.logger, "tab-write-pump", func() { h.writePump(client) })
	safego.Go(h.logger, "tab-read-pump", func() { h.readPump(client) })

	if h.onConnect != nil {
		h.onConnect()
	}
}

func (h *Hub) readPump(c *Client) {
	defer func() {
		c.conn.Close()
		h.mu.Lock()
		delete(h.clients, c.TabID)
		h.mu.Unlock()
		residual, existed := h.registry.Disconnect(c.TabID)
		if existed {
			if residual > 0 {
				h.logger.Warn("tab disconnected with residual in-flight requests",
					zap.String("tab_id", c.TabID), zap.Int("residual", residual))
			}
			if h.reassigner != nil {
				h.reassigner(context.Background(), c.TabID)
			}
		}
	}()

	c.conn.SetReadLimit(16 * 1024 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	first := true
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", zap.Error(err), zap.String("tab_id", c.TabID))
			}
			return
		}

		var env inboundEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.logger.Warn("malformed tab frame", zap.Error(err))
			continue
		}

		if first && env.TabID != "" && env.TabID != c.TabID {
			h.mu.Lock()
			delete(h.clients, c.TabID)
			h.registry.Disconnect(c.TabID)
			c.TabID = h.registry.Connect(env.TabID, c)
			h.clients[c.TabID] = c
			h.mu.Unlock()
		}
		first = false

		if env.RequestID == "" {
			continue
		}

		var data interface{}
		_ = json.Unmarshal(env.Data, &data)
		h.broker.Dispatch(c.TabID, Frame{RequestID: env.RequestID, Data: data})
	}
}

func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
