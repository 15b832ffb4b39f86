package controller

import (
	"context"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/collateralvault/vaultmirror/pkg/metrics"
	"github.com/collateralvault/vaultmirror/pkg/notify"
	"github.com/collateralvault/vaultmirror/pkg/utils"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ClientMessage represents messages sent by WebSocket clients.
type ClientMessage struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Vault  string `json:"vault"`  // vault key, or "*" for every vault
}

// ServerMessage represents messages sent to WebSocket clients.
type ServerMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// HandleWebSocket upgrades the connection and streams vault events.
//
// Protocol:
// Client sends: {"action": "subscribe", "vault": "<key>"}
// Client sends: {"action": "subscribe", "vault": "*"}
// Client sends: {"action": "unsubscribe", "vault": "<key>"}
//
// Server sends:
// - {"type": "balance_update" | "deposit" | "withdrawal" | "lock" | "unlock" | "tvl_update" | "alert", "payload": {...}}
// - {"type": "subscribed", "payload": {"vault": "<key>"}}
// - {"type": "unsubscribed", "payload": {"vault": "<key>"}}
// - {"type": "error", "payload": {"message": "..."}}
//
// A client that cannot keep up is disconnected by the hub.
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.App.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func(conn *websocket.Conn) {
		_ = conn.Close()
	}(conn)

	sub := c.App.Hub.Register()
	metrics.Subscribers.Set(float64(c.App.Hub.Count()))
	defer func() {
		c.App.Hub.Unregister(sub.ID)
		metrics.Subscribers.Set(float64(c.App.Hub.Count()))
	}()

	logger := c.App.Logger.With(zap.String("subscriber", sub.ID), zap.String("remote_addr", r.RemoteAddr))
	logger.Info("WebSocket client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	send := make(chan ServerMessage, 16)
	var wg sync.WaitGroup

	goSafe := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Panic in WebSocket goroutine",
						zap.String("goroutine", name),
						zap.Any("panic", rec),
						zap.String("stack", string(debug.Stack())))
				}
				cancel()
			}()
			fn()
		}()
	}

	goSafe("events", func() { c.forwardEvents(ctx, sub, send) })
	goSafe("pings", func() { c.sendPings(ctx, conn, logger) })
	goSafe("writer", func() { c.writeMessages(ctx, conn, send, logger) })

	// Unblock the reader once any goroutine gives up.
	goSafe("watchdog", func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	})

	c.readClientMessages(ctx, conn, sub.ID, send, logger)
	cancel()
	wg.Wait()

	logger.Info("WebSocket client disconnected")
}

// forwardEvents relays hub events until the hub drops the subscriber or ctx ends.
func (c *Controller) forwardEvents(ctx context.Context, sub *notify.Subscriber, send chan<- ServerMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			select {
			case send <- ServerMessage{Type: string(ev.Type), Payload: ev}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// sendPings sends periodic WebSocket ping frames to keep the connection alive.
func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn, logger *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeTimeout)); err != nil {
				logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

// writeMessages is the only writer of data frames on conn.
func (c *Controller) writeMessages(ctx context.Context, conn *websocket.Conn, send <-chan ServerMessage, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debug("Failed to write WebSocket message", zap.Error(err))
				return
			}
		}
	}
}

func reply(ctx context.Context, send chan<- ServerMessage, msg ServerMessage) {
	select {
	case send <- msg:
	case <-ctx.Done():
	}
}

func errorMessage(msg string) ServerMessage {
	return ServerMessage{Type: "error", Payload: map[string]string{"message": msg}}
}

// readClientMessages handles subscription requests until the connection closes.
func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, id string, send chan<- ServerMessage, logger *zap.Logger) {
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for ctx.Err() == nil {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}

		if msg.Vault == "" {
			reply(ctx, send, errorMessage("vault is required"))
			continue
		}
		if msg.Vault != notify.AllVaults {
			if err := utils.ValidatePubkey(msg.Vault); err != nil {
				reply(ctx, send, errorMessage(err.Error()))
				continue
			}
		}

		switch msg.Action {
		case "subscribe":
			if err := c.App.Hub.Subscribe(id, msg.Vault); err != nil {
				return
			}
			logger.Debug("Client subscribed", zap.String("vault", msg.Vault))
			reply(ctx, send, ServerMessage{Type: "subscribed", Payload: map[string]string{"vault": msg.Vault}})

		case "unsubscribe":
			if err := c.App.Hub.Unsubscribe(id, msg.Vault); err != nil {
				return
			}
			logger.Debug("Client unsubscribed", zap.String("vault", msg.Vault))
			reply(ctx, send, ServerMessage{Type: "unsubscribed", Payload: map[string]string{"vault": msg.Vault}})

		default:
			reply(ctx, send, errorMessage("unknown action: "+msg.Action))
		}
	}
}
