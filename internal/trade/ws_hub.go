package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/amm-engine/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
	sendBuffer     = 64
)

// Message types pushed to WebSocket clients.
const (
	MsgTradeExecuted    = "trade_executed"
	MsgLiquidityAdded   = "liquidity_added"
	MsgLiquidityRemoved = "liquidity_removed"
	MsgMarketCreated    = "market_created"
	MsgMarketStatus     = "market_status"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type      string         `json:"type"`
	MarketID  string         `json:"market_id"`
	Outcome   string         `json:"outcome,omitempty"`
	Side      string         `json:"side,omitempty"`
	Amount    string         `json:"amount,omitempty"`
	Shares    string         `json:"shares,omitempty"`
	Status    string         `json:"status,omitempty"`
	Prices    []OutcomePrice `json:"prices,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	// market filters broadcasts to one market; empty receives all.
	market string
}

type outbound struct {
	marketID string
	data     []byte
}

// WSHub fans committed market updates out to connected clients. Only the
// Run goroutine touches the client set; each client has its own writer.
type WSHub struct {
	clients    map[*client]struct{}
	broadcast  chan outbound
	register   chan *client
	unregister chan *client
	done       chan struct{}
	count      atomic.Int64
	upgrader   websocket.Upgrader
}

// NewWSHub creates a hub accepting upgrades from allowedOrigins. "*" or an
// empty list accepts any origin.
func NewWSHub(allowedOrigins []string) *WSHub {
	h := &WSHub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Run owns the client set until ctx is cancelled, then closes every client.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.updateCount()
			slog.Info("ws client connected", "total", len(h.clients), "market", c.market)

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				if c.market != "" && c.market != msg.marketID {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// Slow reader; its writer exits when send closes.
					h.drop(c)
				}
			}
		}
	}
}

func (h *WSHub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.updateCount()
}

func (h *WSHub) updateCount() {
	h.count.Store(int64(len(h.clients)))
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	return int(h.count.Load())
}

// Broadcast queues msg for every subscribed client. It never blocks: when
// the queue is full the message is dropped.
func (h *WSHub) Broadcast(msg WSMessage) {
	if h == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ws marshal failed", "type", msg.Type, "err", err)
		return
	}
	select {
	case h.broadcast <- outbound{marketID: msg.MarketID, data: data}:
	default:
		slog.Warn("ws broadcast dropped", "type", msg.Type, "market_id", msg.MarketID)
	}
}

// HandleWS upgrades GET /api/v1/ws. An optional ?market= narrows the
// stream to one market.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer), market: r.URL.Query().Get("market")}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump discards client input and detects disconnects.
func (h *WSHub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on c.conn.
func (h *WSHub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
