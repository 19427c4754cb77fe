// Package websocket pushes queue events to display boards. Clients subscribe
// to topics and receive every event published on them.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// Event is the envelope sent to subscribers.
type Event struct {
	Type         string          `json:"type"`
	Topic        string          `json:"topic"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscribe/unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// EventPublisher is implemented by anything that accepts queue events.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Client is one connected board.
type Client struct {
	ID     string
	UserID string
	Topics []string
	Send   chan []byte
}

func newClient(userID string, topics []string) *Client {
	return &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		Topics: topics,
		Send:   make(chan []byte, sendBuffer),
	}
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> subscribers
	all     map[*Client]struct{}
	dropped atomic.Int64
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "websocket").Logger(),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	h.subscribeLocked(client, client.Topics)
}

// Unregister removes the client everywhere and closes its Send channel.
// Calling it twice is harmless.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	h.unsubscribeLocked(client, client.Topics)
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var added []string
	for _, t := range topics {
		if !hasTopic(client.Topics, t) {
			added = append(added, t)
		}
	}
	h.subscribeLocked(client, added)
	client.Topics = append(client.Topics, added...)
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.unsubscribeLocked(client, topics)
	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if !hasTopic(topics, t) {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) subscribeLocked(client *Client, topics []string) {
	for _, topic := range topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
	}
}

func (h *Hub) unsubscribeLocked(client *Client, topics []string) {
	for _, topic := range topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}
}

func hasTopic(topics []string, t string) bool {
	for _, x := range topics {
		if x == t {
			return true
		}
	}
	return false
}

// ProcessMessage applies a client's subscribe or unsubscribe request.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	default:
		h.logger.Debug().Str("client_id", client.ID).Str("action", msg.Action).Msg("ignoring unknown action")
	}
}

// Broadcast sends event to every subscriber of topic. Slow clients whose
// buffer is full miss the message; boards recover by polling the snapshot.
func (h *Hub) Broadcast(topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", event.Type).Msg("marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
			h.dropped.Add(1)
			h.logger.Warn().Str("client_id", client.ID).Str("type", event.Type).Msg("client buffer full, event dropped")
		}
	}
}

// Publish implements EventPublisher.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event.Topic, event)
	return nil
}

// Close disconnects every client. Used on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.all {
		h.unsubscribeLocked(client, client.Topics)
		delete(h.all, client)
		close(client.Send)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Dropped returns how many messages were skipped because a client was slow.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler upgrades HTTP requests on /ws and pumps hub messages to the socket.
type Handler struct {
	hub           *Hub
	defaultTopics []string
	upgrader      gorillawebsocket.Upgrader
}

// NewHandler returns a handler that subscribes new clients to defaultTopics
// unless the request names its own with ?topics=a,b. An empty
// allowedOrigins accepts any origin.
func NewHandler(hub *Hub, defaultTopics, allowedOrigins []string) *Handler {
	return &Handler{
		hub:           hub,
		defaultTopics: defaultTopics,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if len(allowed) == 0 || origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// RegisterRoutes mounts GET /ws with route-level middleware such as auth.
func (wsh *Handler) RegisterRoutes(g *echo.Group, m ...echo.MiddlewareFunc) {
	g.GET("/ws", wsh.HandleConnect, m...)
}

// HandleConnect upgrades the connection, registers the client and starts
// its read and write pumps.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	topics := wsh.defaultTopics
	if q := c.QueryParam("topics"); q != "" {
		topics = nil
		for _, t := range strings.Split(q, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	userID, _ := c.Get("user_id").(string)
	client := newClient(userID, append([]string(nil), topics...))
	wsh.hub.Register(client)
	wsh.hub.logger.Info().Str("client_id", client.ID).Str("user_id", userID).
		Strs("topics", client.Topics).Msg("board connected")

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
		wsh.hub.logger.Info().Str("client_id", client.ID).Msg("board disconnected")
	}()

	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
