// Package websocket streams committed engine events to WebSocket clients
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/lx"
)

// ChannelAll receives every event
const ChannelAll = "all"

var _ lx.EventPublisher = (*Server)(nil)

// Server represents a WebSocket server for engine events
type Server struct {
	engine *lx.Engine
	logger log.Logger
	config Config

	// Client management
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	// Subscription management
	subscriptions map[string]map[*Client]bool // channel -> clients
	subMu         sync.RWMutex

	// Stats
	messagesOut uint64
	dropped     uint64
	sequence    uint64
	clientCount int32

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Client represents a WebSocket client connection
type Client struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	send     chan []byte
	channels map[string]bool
	closed   bool
	mu       sync.Mutex
}

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	PairIndex uint32      `json:"pairIndex,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence,omitempty"`
}

// SubscribeRequest represents a subscription request
type SubscribeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// PairSnapshot is sent when a client subscribes to a pair channel
type PairSnapshot struct {
	PairIndex uint32      `json:"pairIndex"`
	Vault     *lx.Vault   `json:"vault"`
	Tracker   *lx.Tracker `json:"tracker"`
	LPPrice   interface{} `json:"lpPrice"`
}

// Config holds WebSocket server configuration
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	SendBuffer      int
	BroadcastBuffer int
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
}

// DefaultConfig returns default WebSocket configuration
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  64 * 1024,
		SendBuffer:      256,
		BroadcastBuffer: 1024,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // Must be less than PongTimeout
	}
}

// NewServer creates a new WebSocket server. engine may be nil, in which
// case pair subscriptions get no snapshot.
func NewServer(engine *lx.Engine, logger log.Logger, config Config) *Server {
	if logger == nil {
		logger = log.Root().New("module", "websocket")
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		engine:        engine,
		logger:        logger,
		config:        config,
		clients:       make(map[*Client]bool),
		register:      make(chan *Client, 100),
		unregister:    make(chan *Client, 100),
		broadcast:     make(chan Message, config.BroadcastBuffer),
		subscriptions: make(map[string]map[*Client]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// SetEngine sets the engine snapshots are read from. Call it before Start.
func (s *Server) SetEngine(engine *lx.Engine) { s.engine = engine }

// Start launches the hub goroutine.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.runHub()
}

// Handler serves /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// ListenAndServe serves the handler on addr until Stop is called.
func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("WebSocket server starting", "addr", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-s.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("WebSocket server error: %w", err)
	}
	return nil
}

// Stop shuts down the WebSocket server
func (s *Server) Stop() {
	s.logger.Info("Stopping WebSocket server")
	s.cancel()
	s.wg.Wait()
}

// Publish queues an engine event for its subscribers. It never blocks the
// engine: when the queue is full the event is dropped.
func (s *Server) Publish(ev *lx.Event) error {
	msg := Message{
		Type:      ev.Type,
		PairIndex: ev.PairIndex,
		Data:      ev.Data,
		Timestamp: ev.Time.Unix(),
		Sequence:  atomic.AddUint64(&s.sequence, 1),
	}
	select {
	case s.broadcast <- msg:
		return nil
	default:
		atomic.AddUint64(&s.dropped, 1)
		return fmt.Errorf("websocket broadcast queue full, dropped %s", ev.Type)
	}
}

// runHub manages client connections and message routing
func (s *Server) runHub() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			for client := range s.clients {
				s.removeClient(client)
			}
			return

		case client := <-s.register:
			s.clients[client] = true
			atomic.AddInt32(&s.clientCount, 1)
			s.logger.Debug("Client connected", "id", client.id, "total", atomic.LoadInt32(&s.clientCount))

		case client := <-s.unregister:
			s.removeClient(client)
			s.logger.Debug("Client disconnected", "id", client.id, "total", atomic.LoadInt32(&s.clientCount))

		case message := <-s.broadcast:
			s.broadcastMessage(message)

		case <-ticker.C:
			s.logger.Debug("WebSocket stats",
				"clients", atomic.LoadInt32(&s.clientCount),
				"messages", atomic.LoadUint64(&s.messagesOut),
				"dropped", atomic.LoadUint64(&s.dropped))
		}
	}
}

// removeClient runs on the hub goroutine only.
func (s *Server) removeClient(client *Client) {
	if _, ok := s.clients[client]; !ok {
		return
	}
	delete(s.clients, client)
	atomic.AddInt32(&s.clientCount, -1)
	s.unsubscribeAll(client)

	client.mu.Lock()
	client.closed = true
	close(client.send)
	client.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket handles WebSocket upgrade and client connection
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	up := upgrader
	up.ReadBufferSize = s.config.ReadBufferSize
	up.WriteBufferSize = s.config.WriteBufferSize
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:       uuid.NewString(),
		conn:     conn,
		server:   s,
		send:     make(chan []byte, s.config.SendBuffer),
		channels: make(map[string]bool),
	}

	select {
	case s.register <- client:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()

	client.sendMessage(Message{
		Type:      "welcome",
		Data:      map[string]interface{}{"id": client.id},
		Timestamp: time.Now().Unix(),
	})
}

// handleHealth provides health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.GetStats())
}

// readPump handles incoming messages from client
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
		}
		c.conn.Close()
	}()

	cfg := c.server.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		return nil
	})

	for {
		var msg json.RawMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Error("WebSocket read error", "error", err)
			}
			return
		}
		c.handleMessage(msg)
	}
}

// writePump handles outgoing messages to client
func (c *Client) writePump() {
	cfg := c.server.config
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			atomic.AddUint64(&c.server.messagesOut, 1)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes incoming client messages
func (c *Client) handleMessage(raw json.RawMessage) {
	var req SubscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError("Invalid message format")
		return
	}

	switch req.Type {
	case "subscribe":
		c.handleSubscribe(req.Channels)
	case "unsubscribe":
		c.handleUnsubscribe(req.Channels)
	case "ping":
		c.sendMessage(Message{Type: "pong", Timestamp: time.Now().Unix()})
	case "":
		c.sendError("Missing message type")
	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", req.Type))
	}
}

// handleSubscribe handles subscription requests
func (c *Client) handleSubscribe(channels []string) {
	for _, channel := range channels {
		if _, ok := parseChannel(channel); !ok {
			c.sendError(fmt.Sprintf("Unknown channel: %s", channel))
			continue
		}
		c.mu.Lock()
		c.channels[channel] = true
		c.mu.Unlock()

		c.server.subscribe(channel, c)
		if pairIndex, ok := parseChannel(channel); ok && channel != ChannelAll {
			c.sendPairSnapshot(pairIndex)
		}
	}

	c.sendMessage(Message{
		Type:      "subscribed",
		Data:      map[string]interface{}{"channels": channels},
		Timestamp: time.Now().Unix(),
	})
}

// handleUnsubscribe handles unsubscription requests
func (c *Client) handleUnsubscribe(channels []string) {
	for _, channel := range channels {
		c.mu.Lock()
		delete(c.channels, channel)
		c.mu.Unlock()

		c.server.unsubscribe(channel, c)
	}

	c.sendMessage(Message{
		Type:      "unsubscribed",
		Data:      map[string]interface{}{"channels": channels},
		Timestamp: time.Now().Unix(),
	})
}

// sendPairSnapshot sends the current vault and tracker of a pair
func (c *Client) sendPairSnapshot(pairIndex uint32) {
	e := c.server.engine
	if e == nil {
		return
	}
	vault, err := e.GetVault(pairIndex)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	tracker, err := e.GetTracker(pairIndex)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	snap := PairSnapshot{PairIndex: pairIndex, Vault: vault, Tracker: tracker}
	if lpPrice, err := e.LPFairPrice(pairIndex); err == nil {
		snap.LPPrice = lpPrice
	}

	c.sendMessage(Message{
		Type:      "snapshot",
		Channel:   PairChannel(pairIndex),
		PairIndex: pairIndex,
		Data:      snap,
		Timestamp: time.Now().Unix(),
	})
}

// sendMessage queues a message for the client, dropping it if the client
// is gone or its buffer is full.
func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("Failed to marshal message", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		atomic.AddUint64(&c.server.dropped, 1)
	}
}

// sendError sends an error message to the client
func (c *Client) sendError(message string) {
	c.sendMessage(Message{
		Type:      "error",
		Data:      map[string]interface{}{"message": message},
		Timestamp: time.Now().Unix(),
	})
}

// PairChannel names the channel of one pair's events.
func PairChannel(pairIndex uint32) string {
	return "pair:" + strconv.FormatUint(uint64(pairIndex), 10)
}

func parseChannel(channel string) (uint32, bool) {
	if channel == ChannelAll {
		return 0, true
	}
	rest, ok := strings.CutPrefix(channel, "pair:")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// subscribe adds a client to a channel
func (s *Server) subscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subscriptions[channel] == nil {
		s.subscriptions[channel] = make(map[*Client]bool)
	}
	s.subscriptions[channel][client] = true
}

// unsubscribe removes a client from a channel
func (s *Server) unsubscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if clients, ok := s.subscriptions[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

// unsubscribeAll removes a client from all channels
func (s *Server) unsubscribeAll(client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for channel, clients := range s.subscriptions {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

// broadcastMessage sends an event to the clients of its pair channel and
// of the all channel, each client at most once.
func (s *Server) broadcastMessage(msg Message) {
	s.subMu.RLock()
	targets := make(map[*Client]string)
	for client := range s.subscriptions[ChannelAll] {
		targets[client] = ChannelAll
	}
	pairChannel := PairChannel(msg.PairIndex)
	for client := range s.subscriptions[pairChannel] {
		targets[client] = pairChannel
	}
	s.subMu.RUnlock()

	for client, channel := range targets {
		msg.Channel = channel
		data, err := json.Marshal(msg)
		if err != nil {
			s.logger.Error("Failed to marshal broadcast message", "error", err)
			return
		}
		select {
		case client.send <- data:
		default:
			// slow consumer
			s.logger.Warn("Dropping slow WebSocket client", "id", client.id)
			s.removeClient(client)
		}
	}
}

// GetStats returns server statistics
func (s *Server) GetStats() map[string]interface{} {
	s.subMu.RLock()
	numChannels := len(s.subscriptions)
	s.subMu.RUnlock()

	return map[string]interface{}{
		"clients":       atomic.LoadInt32(&s.clientCount),
		"messages_sent": atomic.LoadUint64(&s.messagesOut),
		"dropped":       atomic.LoadUint64(&s.dropped),
		"channels":      numChannels,
	}
}
