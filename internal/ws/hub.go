package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"messaging-service/internal/observability"
	"messaging-service/internal/rabbitmq"
)

const writeWait = 10 * time.Second

// Client is one upgraded connection. Writes are serialized.
type Client struct {
	conn *websocket.Conn
	info ConnInfo
	wmu  sync.Mutex
}

func (c *Client) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) close(code int, reason string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// Hub tracks live connections per subscription kind and reports their
// lifecycle to the event exchange.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[*Client]struct{}
	publisher rabbitmq.Publisher
	log       zerolog.Logger
}

// NewHub creates an empty hub. publisher may be nil.
func NewHub(publisher rabbitmq.Publisher, log zerolog.Logger) *Hub {
	return &Hub{
		clients:   make(map[string]map[*Client]struct{}),
		publisher: publisher,
		log:       log,
	}
}

// Add registers a connection.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kind := c.info.Kind
	if _, ok := h.clients[kind]; !ok {
		h.clients[kind] = make(map[*Client]struct{})
	}
	h.clients[kind][c] = struct{}{}
	observability.IncWSActive(kind)
}

// Remove forgets a connection. Removing twice is a no-op.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kind := c.info.Kind
	conns, ok := h.clients[kind]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, kind)
	}
	observability.DecWSActive(kind)
}

// Count returns the number of live connections of a kind.
func (h *Hub) Count(kind string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[kind])
}

// CloseAll sends a going-away close frame to every connection. Used on
// shutdown; the read loops clean up after themselves.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var all []*Client
	for _, conns := range h.clients {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) publishEvent(ctx context.Context, info ConnInfo, event, reason string) {
	observability.IncWSEvent(info.Kind, event)
	if h.publisher == nil {
		return
	}

	duration := int64(0)
	if event != "ws_connect" {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        info.Kind,
			"resource_id": info.ResourceID,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": duration,
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}

	err := h.publisher.PublishWithHeaders(ctx, wsRoutingKey(info.Kind), observability.EventEnvelope{
		EventType:  "ws_events",
		EventName:  event,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
	if err != nil {
		h.log.Warn().Err(err).Str("event", event).Str("conn_id", info.ConnID).Msg("ws event publish failed")
	}
}

func wsRoutingKey(kind string) string {
	return "ws_events." + kind
}
