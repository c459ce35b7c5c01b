package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// Event is a change notification delivered on a realtime channel.
type Event struct {
	// Type is the postgres change kind: INSERT, UPDATE or DELETE.
	Type string
	// Data is the raw event payload.
	Data []byte
}

// EventHandler handles realtime events.
type EventHandler func(event Event)

// RealtimeClient handles Supabase Realtime subscriptions over a single
// websocket connection.
type RealtimeClient struct {
	mu       sync.RWMutex
	url      string
	conn     *websocket.Conn
	channels map[string]*Channel
	handlers map[string][]EventHandler
	done     chan struct{}
	ref      int
}

// Channel represents one realtime topic subscription.
type Channel struct {
	client  *RealtimeClient
	topic   string
	joined  bool
	joinRef string
}

// NewRealtimeClient creates a realtime client for a Supabase project.
func NewRealtimeClient(supabaseURL, apiKey string) *RealtimeClient {
	wsURL := supabaseURL
	if strings.HasPrefix(wsURL, "https") {
		wsURL = "wss" + wsURL[5:]
	} else if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[4:]
	}
	wsURL = strings.TrimSuffix(wsURL, "/") + "/realtime/v1/websocket?apikey=" + apiKey + "&vsn=1.0.0"

	return &RealtimeClient{
		url:      wsURL,
		channels: make(map[string]*Channel),
		handlers: make(map[string][]EventHandler),
		done:     make(chan struct{}),
	}
}

// Connect establishes the websocket connection. Calling Connect on a
// connected client is a no-op.
func (r *RealtimeClient) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	r.conn = conn
	r.done = make(chan struct{})

	go r.readLoop()
	go r.heartbeat()

	return nil
}

// Disconnect closes the websocket connection.
func (r *RealtimeClient) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return nil
	}

	close(r.done)
	_ = r.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	err := r.conn.Close()
	r.conn = nil
	return err
}

// Channel returns or creates the channel for a topic.
func (r *RealtimeClient) Channel(topic string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[topic]; ok {
		return ch
	}
	ch := &Channel{client: r, topic: topic}
	r.channels[topic] = ch
	return ch
}

// Subscribe joins the channel's topic.
func (c *Channel) Subscribe(ctx context.Context) error {
	c.client.mu.Lock()
	defer c.client.mu.Unlock()

	if c.joined {
		return nil
	}
	if c.client.conn == nil {
		return fmt.Errorf("realtime client not connected")
	}

	c.client.ref++
	ref := fmt.Sprintf("%d", c.client.ref)
	c.joinRef = ref

	msg := map[string]any{
		"topic":    c.topic,
		"event":    "phx_join",
		"payload":  map[string]any{},
		"ref":      ref,
		"join_ref": ref,
	}
	if err := c.client.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	c.joined = true
	return nil
}

// Unsubscribe leaves the channel's topic and drops its handlers.
func (c *Channel) Unsubscribe(ctx context.Context) error {
	c.client.mu.Lock()
	defer c.client.mu.Unlock()

	if !c.joined {
		return nil
	}

	if c.client.conn != nil {
		c.client.ref++
		msg := map[string]any{
			"topic":    c.topic,
			"event":    "phx_leave",
			"payload":  map[string]any{},
			"ref":      fmt.Sprintf("%d", c.client.ref),
			"join_ref": c.joinRef,
		}
		if err := c.client.conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("send leave: %w", err)
		}
	}

	c.joined = false
	delete(c.client.channels, c.topic)
	delete(c.client.handlers, c.topic)
	return nil
}

// On registers an event handler for the channel.
func (c *Channel) On(handler EventHandler) *Channel {
	c.client.mu.Lock()
	defer c.client.mu.Unlock()
	c.client.handlers[c.topic] = append(c.client.handlers[c.topic], handler)
	return c
}

func (r *RealtimeClient) readLoop() {
	for {
		select {
		case <-r.done:
			return
		default:
		}

		r.mu.RLock()
		conn := r.conn
		r.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		r.dispatch(message)
	}
}

// dispatch routes a raw frame to the topic's handlers. Only postgres change
// events are forwarded; phoenix protocol frames (joins, heartbeats) are not.
func (r *RealtimeClient) dispatch(message []byte) {
	topic := gjson.GetBytes(message, "topic").String()
	eventType := changeType(message)
	if topic == "" || eventType == "" {
		return
	}

	r.mu.RLock()
	handlers := append([]EventHandler(nil), r.handlers[topic]...)
	r.mu.RUnlock()

	ev := Event{Type: eventType, Data: append([]byte(nil), message...)}
	for _, handler := range handlers {
		go handler(ev)
	}
}

// changeType extracts the postgres change kind from a realtime frame.
func changeType(message []byte) string {
	switch t := gjson.GetBytes(message, "payload.type").String(); t {
	case "INSERT", "UPDATE", "DELETE":
		return t
	}
	switch t := gjson.GetBytes(message, "event").String(); t {
	case "INSERT", "UPDATE", "DELETE":
		return t
	}
	return ""
}

func (r *RealtimeClient) heartbeat() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.conn != nil {
				r.ref++
				msg := map[string]any{
					"topic":   "phoenix",
					"event":   "heartbeat",
					"payload": map[string]any{},
					"ref":     fmt.Sprintf("%d", r.ref),
				}
				_ = r.conn.WriteJSON(msg)
			}
			r.mu.Unlock()
		}
	}
}

// PostgresChangesConfig configures a postgres changes subscription.
type PostgresChangesConfig struct {
	// Event is INSERT, UPDATE, DELETE or * (default *).
	Event  string
	Schema string // default "public"
	Table  string
	// Filter narrows the subscription, e.g. "store_id=eq.abc".
	Filter string
}

// Topic returns the realtime topic for the subscription.
func (cfg PostgresChangesConfig) Topic() string {
	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	topic := fmt.Sprintf("realtime:%s:%s", schema, cfg.Table)
	if cfg.Filter != "" {
		topic += ":" + cfg.Filter
	}
	return topic
}

// SubscribeToPostgresChanges subscribes to change events on a table. The
// handler receives every matching INSERT, UPDATE and DELETE.
func (r *RealtimeClient) SubscribeToPostgresChanges(ctx context.Context, cfg PostgresChangesConfig, handler EventHandler) (*Channel, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("table is required")
	}
	event := cfg.Event
	if event == "" {
		event = "*"
	}

	ch := r.Channel(cfg.Topic())
	ch.On(func(ev Event) {
		if event == "*" || ev.Type == event {
			handler(ev)
		}
	})

	if err := ch.Subscribe(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}
