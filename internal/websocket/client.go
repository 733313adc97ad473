package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/entities"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Control messages are small JSON documents.
	maxMessageSize = 4 * 1024

	suggestionTimeout = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// SuggestionFunc asks the advisor for a suggestion on callID. The result is
// delivered through the hub like any other event.
type SuggestionFunc func(ctx context.Context, callID string) error

// Client is a middleman between a supervisor's websocket and its subscription.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	sub     *Subscription
	suggest SuggestionFunc

	// replies to control messages, separate from hub events
	control chan []byte
	done    chan struct{}

	logger *zap.Logger
}

// ServeSupervisor upgrades the request and subscribes the supervisor to the
// call named by the call_id path parameter. The optional mode query parameter
// selects the initial delivery mode; hybrid is the default.
func ServeSupervisor(hub *Hub, c echo.Context, suggest SuggestionFunc, logger *zap.Logger) error {
	callID := c.Param("call_id")
	if callID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "call_id is required")
	}
	mode := entities.ModeHybrid
	if raw := c.QueryParam("mode"); raw != "" {
		parsed, err := entities.ParseDeliveryMode(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		mode = parsed
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	sub, err := hub.Subscribe(callID, mode)
	if err != nil {
		conn.Close()
		return err
	}
	serve(hub, conn, sub, suggest, logger)
	return nil
}

// ServeMonitor upgrades the request and subscribes to lifecycle and alert
// events of every call.
func ServeMonitor(hub *Hub, c echo.Context, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}
	serve(hub, conn, hub.SubscribeAll(), nil, logger)
	return nil
}

func serve(hub *Hub, conn *websocket.Conn, sub *Subscription, suggest SuggestionFunc, logger *zap.Logger) {
	client := &Client{
		hub:     hub,
		conn:    conn,
		sub:     sub,
		suggest: suggest,
		control: make(chan []byte, 8),
		done:    make(chan struct{}),
		logger: logger.With(
			zap.String("component", "supervisor_client"),
			zap.String("callID", sub.CallID()),
			zap.String("subscriptionID", sub.ID())),
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads control messages until the peer goes away.
func (c *Client) readPump() {
	defer func() {
		close(c.done)
		c.hub.Unsubscribe(c.sub)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.logger.Warn("Ignoring non-text message", zap.Int("type", messageType))
			continue
		}
		c.processMessage(message)
	}
}

func (c *Client) processMessage(message []byte) {
	msg, err := ParseControlMessage(message)
	if err != nil {
		c.logger.Warn("Rejected control message", zap.Error(err))
		c.reply(newError(err.Error()))
		return
	}

	switch msg.Action {
	case ActionChangeMode:
		if c.sub.monitor {
			c.reply(newError("monitors cannot change mode"))
			return
		}
		if err := c.hub.SetMode(c.sub, msg.Mode); err != nil {
			c.reply(newError(err.Error()))
			return
		}
		c.reply(newAck(msg.Action, msg.Mode))

	case ActionRequestSuggestion:
		if c.suggest == nil {
			c.reply(newError("suggestions are not available"))
			return
		}
		c.reply(newAck(msg.Action, c.sub.Mode()))
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), suggestionTimeout)
			defer cancel()
			if err := c.suggest(ctx, c.sub.CallID()); err != nil {
				c.logger.Warn("Suggestion request failed", zap.Error(err))
			}
		}()
	}
}

func (c *Client) reply(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal reply", zap.Error(err))
		return
	}
	select {
	case c.control <- payload:
	default:
		c.logger.Warn("Control reply dropped")
	}
}

// writePump forwards hub events and control replies to the peer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	events := c.sub.Events()
	for {
		select {
		case ev, ok := <-events:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Error("Failed to write event", zap.Error(err))
				return
			}

		case payload := <-c.control:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Error("Failed to write reply", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
