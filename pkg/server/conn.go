package server

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-dev/livestate/pkg/protocol"
)

// Conn is one client WebSocket connection. Writes are serialized by a mutex;
// reads happen on the read loop goroutine only.
type Conn struct {
	ID        string
	CreatedAt time.Time

	ws     *websocket.Conn
	server *Server
	config *ConnConfig
	logger *slog.Logger

	writeMu sync.Mutex

	compMu     sync.Mutex
	components map[string]struct{}

	lastActive atomic.Int64
	closed     atomic.Bool
	done       chan struct{}
	closeOnce  sync.Once

	// background tracks handler goroutines that outlive a single frame.
	// bgMu orders Add against Close so Shutdown can Wait safely.
	bgMu       sync.Mutex
	background sync.WaitGroup
}

func newConn(id string, ws *websocket.Conn, server *Server) *Conn {
	c := &Conn{
		ID:         id,
		CreatedAt:  time.Now(),
		ws:         ws,
		server:     server,
		config:     server.config.ConnConfig,
		logger:     server.logger.With("connection_id", id),
		components: make(map[string]struct{}),
		done:       make(chan struct{}),
	}
	c.lastActive.Store(time.Now().UnixNano())
	return c
}

// LastActive returns the time the last frame was received.
func (c *Conn) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send writes msg to the client.
func (c *Conn) Send(msg *protocol.Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.server.metrics.writeError()
		return err
	}
	c.server.metrics.messageSent(msg.Type)
	return nil
}

// sendTo sends an unsolicited message addressed to a component.
func (c *Conn) sendTo(t protocol.MessageType, componentID string, payload any) error {
	msg, err := protocol.NewMessage(t, componentID, payload)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// reply answers req with a message of type t.
func (c *Conn) reply(req *protocol.Message, t protocol.MessageType, payload any) {
	msg, err := protocol.ReplyTo(req, t, payload)
	if err == nil {
		err = c.Send(msg)
	}
	if err != nil {
		c.logger.Debug("reply not delivered",
			"type", t,
			"request_id", req.RequestID,
			"error", err)
	}
}

// replyResult answers req with a successful message-response.
func (c *Conn) replyResult(req *protocol.Message, result any) {
	resp := protocol.Response{Success: true}
	if result != nil {
		raw, err := marshalResult(result)
		if err != nil {
			c.replyError(req, protocol.ErrServerError, err, "")
			return
		}
		resp.Result = raw
	}
	c.reply(req, protocol.TypeResponse, resp)
}

// replyError answers req with an error frame.
func (c *Conn) replyError(req *protocol.Message, code protocol.ErrorCode, err error, reason string) {
	c.server.metrics.errorSent(code)
	c.reply(req, protocol.TypeError, protocol.ErrorPayload{
		Error:  err.Error(),
		Code:   code,
		Reason: reason,
	})
}

func (c *Conn) track(componentID string) {
	c.compMu.Lock()
	c.components[componentID] = struct{}{}
	c.compMu.Unlock()
}

func (c *Conn) untrack(componentID string) {
	c.compMu.Lock()
	delete(c.components, componentID)
	c.compMu.Unlock()
}

func (c *Conn) tracked() []string {
	c.compMu.Lock()
	defer c.compMu.Unlock()
	ids := make([]string, 0, len(c.components))
	for id := range c.components {
		ids = append(ids, id)
	}
	return ids
}

// readLoop reads frames until the socket fails, then closes the connection.
func (c *Conn) readLoop() {
	defer c.Close()

	c.ws.SetReadLimit(c.config.MaxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.lastActive.Store(time.Now().UnixNano())
		return c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	})

	for {
		c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.logger.Warn("read error", "error", err)
			}
			return
		}
		c.lastActive.Store(time.Now().UnixNano())

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Debug("frame decode error", "error", err)
			c.server.metrics.messageReceived("invalid")
			c.replyError(&protocol.Message{}, protocol.ErrInvalidFrame, err, "")
			continue
		}
		c.server.metrics.messageReceived(string(msg.Type))
		c.handle(msg)
	}
}

// goBackground runs fn on its own goroutine unless the connection is closing.
func (c *Conn) goBackground(fn func()) {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	if c.closed.Load() {
		return
	}
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		fn()
	}()
}

// heartbeat sends ping control frames until the connection closes.
func (c *Conn) heartbeat() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("ping failed", "error", err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close closes the socket and detaches every component bound to it.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.bgMu.Lock()
		c.closed.Store(true)
		c.bgMu.Unlock()
		close(c.done)

		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.ws.Close()

		c.server.sessions.Detach(c)
		c.server.removeConn(c)

		c.logger.Debug("connection closed",
			"components", len(c.tracked()),
			"duration", time.Since(c.CreatedAt))
	})
}
