// Package stream broadcasts price updates and fills to WebSocket clients.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-sim/internal/metrics"
	"github.com/atmx/trading-sim/internal/model"
)

// Message types.
const (
	TypePrice = "price_update"
	TypeTrade = "trade"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	clientQueue  = 32
)

// Message is a JSON message sent to WebSocket clients.
type Message struct {
	Type      string           `json:"type"`
	Symbol    string           `json:"symbol"`
	Price     decimal.Decimal  `json:"price"`
	Kind      model.TxKind     `json:"transaction_type,omitempty"`
	Quantity  int64            `json:"quantity,omitempty"`
	UserID    string           `json:"user_id,omitempty"`
	Total     *decimal.Decimal `json:"total_amount,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// client is one connection with its own outbound queue. Only the hub's Run
// loop closes send.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans committed price changes and fills out to every connected client.
// Slow clients are disconnected rather than allowed to stall the fan-out.
type Hub struct {
	events chan []byte
	join   chan *client
	leave  chan *client
	done   chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		events:  make(chan []byte, 256),
		join:    make(chan *client),
		leave:   make(chan *client),
		done:    make(chan struct{}),
		clients: make(map[*client]struct{}),
	}
}

// Run owns the client set until ctx is cancelled, then disconnects everyone.
// Connections arriving after Run returns are refused.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for c := range h.clients {
			h.drop(c)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.join:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := h.count()
			h.mu.Unlock()
			slog.Info("ws client connected", "total", n)

		case c := <-h.leave:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			h.mu.Unlock()

		case msg := <-h.events:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slog.Warn("ws client too slow, disconnecting")
					h.drop(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop removes c and stops its writer. Callers hold mu.
func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.count()
}

func (h *Hub) count() int {
	n := len(h.clients)
	metrics.WebSocketClients.Set(float64(n))
	return n
}

// Broadcast queues msg for every client. It never blocks: when the queue is
// full the message is dropped.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ws encode failed", "type", msg.Type, "err", err)
		return
	}
	select {
	case h.events <- data:
	default:
	}
}

// PriceUpdated broadcasts a committed price change.
func (h *Hub) PriceUpdated(r model.PriceRecord) {
	h.Broadcast(Message{
		Type:      TypePrice,
		Symbol:    r.Symbol,
		Price:     r.Price,
		Timestamp: r.Timestamp,
	})
}

// TradeExecuted broadcasts a committed fill.
func (h *Hub) TradeExecuted(t model.Transaction) {
	total := t.TotalAmount
	h.Broadcast(Message{
		Type:      TypeTrade,
		Symbol:    t.Symbol,
		Price:     t.Price,
		Kind:      t.Kind,
		Quantity:  t.Quantity,
		UserID:    t.UserID,
		Total:     &total,
		Timestamp: t.Timestamp,
	})
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleWS upgrades GET /api/v1/ws and streams messages until the client
// goes away or the hub stops.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientQueue)}

	select {
	case h.join <- c:
	case <-h.done:
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go c.writeLoop()
	go h.readLoop(c)
}

// readLoop discards inbound frames; it exists to process pongs and notice
// disconnects.
func (h *Hub) readLoop(c *client) {
	defer func() {
		select {
		case h.leave <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop is the connection's only writer.
func (c *client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
