package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"go-chat-realtime/internal/auth"
	"go-chat-realtime/internal/room"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 8192                // Maximum message size allowed from peer.

	actionTimeout = 5 * time.Second
)

// clientError is an action failure the client is told about.
type clientError struct {
	code    string
	message string
}

func (e *clientError) Error() string {
	return e.message
}

func fail(code, format string, args ...any) error {
	return &clientError{code: code, message: fmt.Sprintf(format, args...)}
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	handler *Handler
	conn    *websocket.Conn
	sock    *room.Conn
	log     *zap.Logger

	// done is closed when the write pump has exited.
	done chan struct{}

	// identity is set once by authenticate and only touched by the read pump.
	identity *auth.Identity
}

func (c *Client) member() room.Member {
	return room.Member{ConnID: c.sock.ID, UserID: c.identity.UserID, Username: c.identity.Username}
}

// readPump handles client events one at a time, so per-connection order holds.
func (c *Client) readPump() {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		c.handler.registry.OnDisconnect(ctx, c.sock.ID)
		// Covers sockets that never authenticated.
		c.handler.router.Hub().Unregister(c.sock.ID)

		// Let the write pump flush what is queued, such as a final error event.
		select {
		case <-c.done:
		case <-time.After(writeWait):
		}
		c.conn.Close()
		c.handler.untrack(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		if !c.dispatch(message) {
			return
		}
	}
}

// writePump drains the hub's outbound queue. It is the only writer on the socket.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.done)
	}()

	send := c.sock.Outbound()
	for {
		select {
		case message, ok := <-send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Coalesce whatever is already queued into the same frame.
			n := len(send)
			for i := 0; i < n; i++ {
				next, ok := <-send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch runs one client event. It returns false when the socket must close.
func (c *Client) dispatch(raw []byte) (keep bool) {
	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
		c.emitError(fail(CodeInvalidPayload, "malformed event"))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event handler panicked", zap.String("event", frame.Event), zap.Any("panic", r))
			c.emitError(fail(CodeInternal, "internal error"))
			keep = true
		}
	}()

	if frame.Event == EventAuthenticate {
		return c.onAuthenticate(ctx, frame.Data)
	}
	if c.identity == nil {
		c.emitError(fail(CodeNotAuthenticated, "not authenticated"))
		return true
	}
	if !c.allow(ctx) {
		return true
	}

	if err := c.handle(ctx, frame); err != nil {
		c.emitError(err)
	}
	c.handler.registry.OnActivity(ctx, c.sock.ID)
	return true
}

func (c *Client) handle(ctx context.Context, frame InboundFrame) error {
	h := c.handler
	switch frame.Event {
	case EventJoinRoom:
		return h.joinRoom(ctx, c, frame.Data)
	case EventLeaveRoom:
		return h.leaveRoom(ctx, c, frame.Data)
	case EventSendMessage:
		return h.sendMessage(ctx, c, frame.Data)
	case EventTypingStart:
		return h.typing(ctx, c, frame.Data, true)
	case EventTypingStop:
		return h.typing(ctx, c, frame.Data, false)
	case EventUpdatePresence:
		return h.updatePresence(ctx, c, frame.Data)
	case EventSetActiveChat:
		return h.setActiveChat(ctx, c, frame.Data)
	case EventGetPresence:
		return h.getPresence(ctx, c, frame.Data)
	case EventGetOnlineUsers:
		return h.getOnlineUsers(ctx, c, frame.Data)
	case EventReaction:
		return h.addReaction(ctx, c, frame.Data)
	default:
		return fail(CodeUnknownEvent, "unknown event %q", frame.Event)
	}
}

// onAuthenticate closes the socket when the token can never yield an identity.
func (c *Client) onAuthenticate(ctx context.Context, data json.RawMessage) bool {
	if c.identity != nil {
		c.emitError(fail(CodeInvalidPayload, "already authenticated"))
		return true
	}
	var req authenticateRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Token == "" {
		c.emitError(fail(CodeInvalidPayload, "token is required"))
		return true
	}

	id, err := c.handler.validator.Validate(req.Token)
	if err != nil {
		c.emitError(fail(CodeAuthFailed, "authentication failed"))
		c.handler.router.Hub().Unregister(c.sock.ID)
		return false
	}
	if err := c.authenticate(ctx, id); err != nil {
		c.log.Warn("connect rejected", zap.Error(err))
		return false
	}
	return true
}

// authenticate registers the socket under id. On failure the registry has
// already dropped the socket from the hub.
func (c *Client) authenticate(ctx context.Context, id *auth.Identity) error {
	if _, err := c.handler.registry.OnConnect(ctx, id, c.sock); err != nil {
		return err
	}
	c.identity = id
	c.log = c.log.With(zap.String("user_id", id.UserID))
	return nil
}

// allow applies the per-user budget. A limiter outage lets the action through.
func (c *Client) allow(ctx context.Context) bool {
	if c.handler.limiter == nil {
		return true
	}
	res, err := c.handler.limiter.Allow(ctx, c.identity.UserID)
	if err != nil {
		c.log.Warn("rate limiter unavailable", zap.Error(err))
		return true
	}
	if !res.Allowed {
		c.emitError(fail(CodeRateLimited, "rate limit exceeded, retry in %s", res.RetryAfter.Round(time.Second)))
		return false
	}
	return true
}

func (c *Client) emit(event string, payload any) {
	if err := c.handler.router.Emit(c.sock.ID, event, payload); err != nil {
		c.log.Warn("emit failed", zap.String("event", event), zap.Error(err))
	}
}

func (c *Client) emitError(err error) {
	p := ErrorPayload{Code: CodeInternal, Message: "internal error", Timestamp: time.Now()}
	var ce *clientError
	if errors.As(err, &ce) {
		p.Code, p.Message = ce.code, ce.message
	} else {
		c.log.Error("action failed", zap.Error(err))
	}
	c.emit(EventError, p)
}
