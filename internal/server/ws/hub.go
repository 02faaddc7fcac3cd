// Package ws relays settlement, oracle and trade events from the signal bus
// to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
	// maxReplay caps the entries one replay request may return.
	maxReplay = 500
)

// streams maps each relayed channel to the stream that keeps its history.
// Trades are live only.
var streams = map[string]string{
	domain.ChannelJobs:   domain.StreamJobs,
	domain.ChannelOracle: domain.StreamOracle,
	domain.ChannelTrades: "",
}

// Channels relayed to clients. New clients are subscribed to all of them.
var Channels = []string{domain.ChannelJobs, domain.ChannelOracle, domain.ChannelTrades}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The endpoint sits behind HMAC auth; browsers never reach it directly.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// request is a client control message.
//
//	{"action":"subscribe","channels":["settlement.jobs"]}
//	{"action":"unsubscribe","channels":["markets.trades"]}
//	{"action":"filter","market_id":"m1","user_id":"alice"}
//	{"action":"replay","channels":["settlement.jobs"],"since":"0"}
type request struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels,omitempty"`
	MarketID string   `json:"market_id,omitempty"`
	UserID   string   `json:"user_id,omitempty"`
	Since    string   `json:"since,omitempty"`
}

// frame is what clients receive. ID is set for replayed stream entries.
type frame struct {
	Channel string          `json:"channel"`
	ID      string          `json:"id,omitempty"`
	Event   json.RawMessage `json:"event"`
}

// scope is the subset of event data used for filtering.
type scope struct {
	Data struct {
		MarketID string `json:"market_id"`
		UserID   string `json:"user_id"`
	} `json:"data"`
}

// Hub fans bus events out to connected clients. Each client picks its
// channels and may narrow them to one market or user.
type Hub struct {
	bus       domain.SignalBus
	mode      string
	startedAt time.Time
	logger    *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
	ready   chan struct{}
}

// NewHub creates a hub reading from bus. mode is reported in the hello frame.
func NewHub(bus domain.SignalBus, mode string, logger *slog.Logger) *Hub {
	return &Hub{
		bus:       bus,
		mode:      mode,
		startedAt: time.Now().UTC(),
		logger:    logger.With(slog.String("component", "ws_hub")),
		clients:   make(map[*client]struct{}),
		ready:     make(chan struct{}),
	}
}

// Ready is closed once Run has subscribed to every bus channel.
func (h *Hub) Ready() <-chan struct{} { return h.ready }

// Run subscribes to the bus and relays until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, ch := range Channels {
		in, err := h.bus.Subscribe(ctx, ch)
		if err != nil {
			h.logger.ErrorContext(ctx, "subscribe failed",
				slog.String("channel", ch),
				slog.String("error", err.Error()),
			)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for payload := range in {
				h.broadcast(ch, payload)
			}
		}()
	}
	close(h.ready)
	h.logger.InfoContext(ctx, "ws hub started", slog.Any("channels", Channels))

	<-ctx.Done()
	wg.Wait()

	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	h.logger.Info("ws hub stopped")
	return ctx.Err()
}

func (h *Hub) broadcast(channel string, payload []byte) {
	var sc scope
	_ = json.Unmarshal(payload, &sc)
	out, err := json.Marshal(frame{Channel: channel, Event: payload})
	if err != nil {
		h.logger.Warn("dropping malformed bus message",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.wants(channel, sc) {
			c.enqueue(out)
		}
	}
}

// HandleWS upgrades the request and registers the client.
// GET /v1/ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool, len(Channels)),
	}
	for _, ch := range Channels {
		c.subs[ch] = true
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client connected", slog.Int("total_clients", n))

	c.hello()
	go c.writePump()
	go c.readPump()
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client disconnected", slog.Int("total_clients", n))
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu       sync.RWMutex
	subs     map[string]bool
	marketID string
	userID   string
}

func (c *client) wants(channel string, sc scope) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.subs[channel] {
		return false
	}
	if c.marketID != "" && sc.Data.MarketID != c.marketID {
		return false
	}
	if c.userID != "" && sc.Data.UserID != c.userID {
		return false
	}
	return true
}

// enqueue drops the frame for a client that is not keeping up. Callers hold
// the hub read lock, so send is not closed underneath.
func (c *client) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		c.hub.logger.Warn("dropping message for slow client")
	}
}

func (c *client) hello() {
	msg, err := json.Marshal(map[string]any{
		"type": "hello",
		"payload": map[string]any{
			"mode":           c.hub.mode,
			"channels":       Channels,
			"uptime_seconds": max(int64(time.Since(c.hub.startedAt).Seconds()), 0),
		},
	})
	if err == nil {
		c.enqueue(msg)
	}
}

func (c *client) handle(ctx context.Context, req request) {
	switch req.Action {
	case "subscribe", "unsubscribe":
		c.mu.Lock()
		for _, ch := range req.Channels {
			if _, ok := streams[ch]; !ok {
				continue
			}
			c.subs[ch] = req.Action == "subscribe"
		}
		c.mu.Unlock()
	case "filter":
		c.mu.Lock()
		c.marketID, c.userID = req.MarketID, req.UserID
		c.mu.Unlock()
	case "replay":
		c.replay(ctx, req)
	}
}

// replay sends stream history after req.Since for each requested channel,
// filtered like live events.
func (c *client) replay(ctx context.Context, req request) {
	for _, ch := range req.Channels {
		stream := streams[ch]
		if stream == "" {
			continue
		}
		msgs, err := c.hub.bus.StreamRead(ctx, stream, req.Since, maxReplay)
		if err != nil {
			c.hub.logger.Warn("replay failed", slog.String("channel", ch), slog.String("error", err.Error()))
			continue
		}
		for _, m := range msgs {
			var sc scope
			_ = json.Unmarshal(m.Payload, &sc)
			if !c.wants(ch, sc) {
				continue
			}
			out, err := json.Marshal(frame{Channel: ch, ID: m.ID, Event: m.Payload})
			if err != nil {
				continue
			}
			c.hub.mu.RLock()
			if _, live := c.hub.clients[c]; live {
				c.enqueue(out)
			}
			c.hub.mu.RUnlock()
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.drop(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := context.Background()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var req request
		if json.Unmarshal(raw, &req) == nil {
			c.handle(ctx, req)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
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
