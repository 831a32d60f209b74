package controller

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/canopy-network/riskgraph/app/livedata/types"
	"github.com/canopy-network/riskgraph/pkg/retry"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Wildcard subscribes a websocket client to every instrument.
const Wildcard = "*"

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// resubscribeBackoff paces reconnection to Redis pub/sub.
var resubscribeBackoff = retry.Config{
	InitialDelay:  time.Second,
	MaxDelay:      30 * time.Second,
	Multiplier:    2.0,
	JitterEnabled: true,
}

// ClientMessage is sent by websocket clients.
type ClientMessage struct {
	Action     string `json:"action"`     // "subscribe" or "unsubscribe"
	ExternalID string `json:"externalId"` // instrument id, or "*" for all
}

// ServerMessage is sent to websocket clients.
type ServerMessage struct {
	Type    string      `json:"type"` // "tick", "subscribed", "unsubscribed", "info", "error"
	Payload interface{} `json:"payload"`
}

// clientSubscriptions tracks the instruments one client follows.
type clientSubscriptions struct {
	mu  sync.RWMutex
	ids map[string]bool
}

func NewClientSubscriptions() *clientSubscriptions {
	return &clientSubscriptions{ids: make(map[string]bool)}
}

func (cs *clientSubscriptions) Subscribe(id string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.ids[id] = true
}

func (cs *clientSubscriptions) Unsubscribe(id string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.ids, id)
}

// IsSubscribed reports whether id is followed directly or through the
// wildcard.
func (cs *clientSubscriptions) IsSubscribed(id string) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.ids[Wildcard] || cs.ids[id]
}

// HandleWebSocket streams normalized ticks to the client.
//
// Client sends:
//
//	{"action": "subscribe", "externalId": "TICKER~AAPL"}
//	{"action": "subscribe", "externalId": "*"}
//	{"action": "unsubscribe", "externalId": "TICKER~AAPL"}
//
// Server sends {"type": "tick", "payload": {...}} for every tick applied to
// a followed instrument, plus subscribed/unsubscribed acknowledgements and
// error or info notices.
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if c.App.Redis == nil {
		http.Error(w, "Tick stream not available (Redis disabled)", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.App.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			c.App.Logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}()

	c.App.Logger.Info("WebSocket client connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := NewClientSubscriptions()
	send := make(chan ServerMessage, 256)

	var producers, writer sync.WaitGroup
	guarded := func(wg *sync.WaitGroup, name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					c.App.Logger.Error("Panic in WebSocket goroutine",
						zap.String("goroutine", name),
						zap.Any("panic", rec),
						zap.String("stack", string(debug.Stack())),
						zap.String("remote_addr", r.RemoteAddr))
					cancel()
				}
			}()
			fn()
		}()
	}
	guarded(&producers, "redis", func() { c.subscribeToRedis(ctx, send, subs) })
	guarded(&producers, "ping", func() { c.sendPings(ctx, conn) })
	guarded(&writer, "writer", func() {
		c.writeMessages(conn, send)
		cancel()
	})

	// blocks until the connection closes
	c.readClientMessages(ctx, conn, cancel, subs, send)

	// send is closed only once nothing can write to it anymore
	cancel()
	producers.Wait()
	close(send)
	writer.Wait()

	c.App.Logger.Info("WebSocket client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// subscribeToRedis follows the tick channels until ctx is done,
// re-subscribing with backoff whenever the subscription drops.
func (c *Controller) subscribeToRedis(ctx context.Context, send chan<- ServerMessage, subs *clientSubscriptions) {
	pattern := types.TickChannelPrefix + "*"

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		attempt++

		err := c.attemptRedisSubscription(ctx, pattern, send, subs, attempt)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// subscription was up, start the backoff over
			attempt = 1
		}
		delay := retry.Backoff(resubscribeBackoff, attempt)
		c.App.Logger.Warn("Redis subscription ended, will retry",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay))

		if !trySend(ctx, send, ServerMessage{
			Type: "error",
			Payload: map[string]interface{}{
				"message":     "Redis connection lost, attempting to reconnect...",
				"retryIn":     delay.Seconds(),
				"attempt":     attempt,
				"recoverable": true,
			},
		}) {
			return
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// attemptRedisSubscription returns an error if the subscription could not
// be confirmed, and nil once an established subscription closes.
func (c *Controller) attemptRedisSubscription(ctx context.Context, pattern string, send chan<- ServerMessage, subs *clientSubscriptions, attempt int) error {
	pubsub := c.App.Redis.Raw().PSubscribe(ctx, pattern)
	defer func() {
		if err := pubsub.Close(); err != nil {
			c.App.Logger.Debug("Error closing Redis subscription", zap.Error(err))
		}
	}()

	receiveCtx, receiveCancel := context.WithTimeout(ctx, 5*time.Second)
	defer receiveCancel()
	if _, err := pubsub.Receive(receiveCtx); err != nil {
		return fmt.Errorf("confirm subscription to %s: %w", pattern, err)
	}

	if attempt > 1 {
		if !trySend(ctx, send, ServerMessage{Type: "info", Payload: map[string]interface{}{
			"message": "Redis connection established",
			"attempt": attempt,
		}}) {
			return ctx.Err()
		}
	}

	return c.processRedisMessages(ctx, pubsub, send, subs)
}

func (c *Controller) processRedisMessages(ctx context.Context, pubsub *redis.PubSub, send chan<- ServerMessage, subs *clientSubscriptions) error {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			id := types.ExternalIDFromChannel(msg.Channel)
			if id == "" || !subs.IsSubscribed(id) {
				continue
			}
			var event types.TickEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				c.App.Logger.Warn("Failed to parse tick event",
					zap.Error(err),
					zap.String("channel", msg.Channel))
				continue
			}
			if !trySend(ctx, send, ServerMessage{Type: "tick", Payload: event}) {
				return ctx.Err()
			}
		}
	}
}

// sendPings keeps the connection alive; the pong resets the read deadline.
func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				c.App.Logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

func (c *Controller) writeMessages(conn *websocket.Conn, send <-chan ServerMessage) {
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			c.App.Logger.Debug("Failed to write WebSocket message", zap.Error(err))
			return
		}
	}
}

func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, subs *clientSubscriptions, send chan<- ServerMessage) {
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for ctx.Err() == nil {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.App.Logger.Warn("WebSocket read error", zap.Error(err))
			}
			cancel()
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			cancel()
			return
		}
		if !trySend(ctx, send, HandleClientMessage(subs, msg)) {
			return
		}
	}
}

// HandleClientMessage applies a subscribe or unsubscribe action and returns
// the acknowledgement for the client.
func HandleClientMessage(subs *clientSubscriptions, msg ClientMessage) ServerMessage {
	switch msg.Action {
	case "subscribe", "unsubscribe":
	default:
		return ServerMessage{Type: "error", Payload: map[string]string{"message": "unknown action: " + msg.Action}}
	}
	if msg.ExternalID == "" {
		return ServerMessage{Type: "error", Payload: map[string]string{"message": "externalId is required"}}
	}
	if msg.Action == "subscribe" {
		subs.Subscribe(msg.ExternalID)
		return ServerMessage{Type: "subscribed", Payload: map[string]string{"externalId": msg.ExternalID}}
	}
	subs.Unsubscribe(msg.ExternalID)
	return ServerMessage{Type: "unsubscribed", Payload: map[string]string{"externalId": msg.ExternalID}}
}

func trySend(ctx context.Context, send chan<- ServerMessage, msg ServerMessage) bool {
	select {
	case send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
