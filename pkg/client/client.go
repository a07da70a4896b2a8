package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/looplab/fsm"
	"github.com/vango-dev/livestate/pkg/protocol"
)

// State is the connection state of a Client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	// StateFailed means reconnecting gave up. Only Open or Reconnect leave it.
	StateFailed State = "failed"
)

const (
	eventDial        = "dial"
	eventEstablished = "established"
	eventDrop        = "drop"
	eventExhaust     = "exhaust"
)

// flightTTL bounds how long a rehydration entry can outlive a stuck request.
const flightTTL = 30 * time.Second

// Handler receives messages addressed to one component id.
type Handler func(msg *protocol.Message)

type handlerEntry struct {
	fn Handler
	// inline handlers run on the read loop instead of the dispatcher.
	inline bool
}

// flight is one in-progress rehydration shared by every caller for a name.
type flight struct {
	done   chan struct{}
	result *protocol.Rehydrated
	err    error
}

// Client is a connection to a livestate server that reconnects on its own
// and resumes mounted components afterwards.
type Client struct {
	config *Config
	logger *slog.Logger
	fsm    *fsm.FSM
	events *dispatcher

	// openMu serializes connection attempts.
	openMu sync.Mutex

	mu         sync.Mutex
	ws         *websocket.Conn
	connID     string
	readDone   chan struct{}
	pending    map[string]chan *protocol.Message
	handlers   map[string]*handlerEntry
	components map[*Component]struct{}
	policy     backoff.BackOff
	timer      *time.Timer
	closed     bool

	writeMu sync.Mutex

	flightMu sync.Mutex
	flights  *lru.LRU[string, *flight]
}

// New creates a Client. Nothing is dialed until Open.
func New(config *Config) (*Client, error) {
	config = config.withDefaults()
	if config.URL == "" {
		return nil, errors.New("client: URL required")
	}

	c := &Client{
		config:     config,
		logger:     config.Logger.With("component", "client"),
		pending:    make(map[string]chan *protocol.Message),
		handlers:   make(map[string]*handlerEntry),
		components: make(map[*Component]struct{}),
		flights:    lru.NewLRU[string, *flight](1024, nil, flightTTL),
	}
	c.policy = c.newPolicy()
	c.events = newDispatcher(c.logger)
	c.fsm = fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events{
			{Name: eventDial, Src: []string{string(StateDisconnected), string(StateFailed)}, Dst: string(StateConnecting)},
			{Name: eventEstablished, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: eventDrop, Src: []string{string(StateConnecting), string(StateConnected)}, Dst: string(StateDisconnected)},
			{Name: eventExhaust, Src: []string{string(StateDisconnected)}, Dst: string(StateFailed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.logger.Debug("connection state", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
	return c, nil
}

func (c *Client) newPolicy() backoff.BackOff {
	return backoff.WithMaxRetries(
		backoff.NewConstantBackOff(c.config.ReconnectInterval),
		uint64(c.config.MaxReconnectAttempts))
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.fsm.Current())
}

// ConnectionID returns the id assigned by the server to the current socket.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Config returns the effective configuration.
func (c *Client) Config() *Config {
	return c.config
}

// Open establishes the socket. It returns immediately if already connected
// and waits for an attempt in progress. A failed attempt schedules a
// reconnect in the background and returns the dial error.
func (c *Client) Open(ctx context.Context) error {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	if c.isClosed() {
		return ErrClientClosed
	}
	switch c.State() {
	case StateConnected:
		return nil
	case StateFailed:
		c.resetPolicy()
	}
	c.stopTimer()

	if err := c.connect(ctx); err != nil {
		c.scheduleReconnect()
		return err
	}
	return nil
}

// Reconnect resets the attempt counter and, unless connected, dials now.
func (c *Client) Reconnect(ctx context.Context) error {
	c.resetPolicy()
	return c.Open(ctx)
}

func (c *Client) resetPolicy() {
	c.mu.Lock()
	c.policy.Reset()
	c.mu.Unlock()
}

func (c *Client) stopTimer() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// connect runs one attempt. openMu must be held.
func (c *Client) connect(ctx context.Context) error {
	if err := c.fsm.Event(ctx, eventDial); err != nil {
		return fmt.Errorf("client: cannot dial from %s: %w", c.State(), err)
	}

	ws, connID, err := c.dial(ctx)
	if err != nil {
		c.transition(eventDrop)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		c.transition(eventDrop)
		return ErrClientClosed
	}
	done := make(chan struct{})
	c.ws = ws
	c.connID = connID
	c.readDone = done
	c.policy.Reset()
	resume := make([]*Component, 0, len(c.components))
	for cp := range c.components {
		resume = append(resume, cp)
	}
	c.mu.Unlock()

	c.transition(eventEstablished)
	c.logger.Info("connected", "connection_id", connID)

	go c.readLoop(ws, done)
	go c.heartbeat(ws, done)

	if hook := c.config.OnConnect; hook != nil {
		c.events.push(func() { hook(connID) })
	}
	for _, cp := range resume {
		go cp.resume()
	}
	return nil
}

// dial opens the socket and waits for connection-established.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, string, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	ws, _, err := c.config.Dialer.DialContext(dialCtx, c.config.URL, c.config.Header)
	if err != nil {
		return nil, "", fmt.Errorf("client: dial %s: %w", c.config.URL, err)
	}

	ws.SetReadDeadline(time.Now().Add(c.config.RequestTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, "", fmt.Errorf("client: await connection-established: %w", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil || msg.Type != protocol.TypeConnectionEstablished {
		ws.Close()
		return nil, "", fmt.Errorf("%w: expected connection-established", ErrUnexpectedReply)
	}
	var hello protocol.ConnectionEstablished
	if err := msg.DecodePayload(&hello); err != nil {
		ws.Close()
		return nil, "", err
	}
	return ws, hello.ConnectionID, nil
}

func (c *Client) transition(event string) {
	if err := c.fsm.Event(context.Background(), event); err != nil {
		c.logger.Debug("state transition skipped", "event", event, "state", c.State(), "error", err)
	}
}

// scheduleReconnect arms the next attempt, or reports ErrMaxReconnectAttempts
// once the policy is exhausted.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	delay := c.policy.NextBackOff()
	if delay == backoff.Stop {
		c.mu.Unlock()
		c.transition(eventExhaust)
		c.logger.Warn("giving up reconnecting", "attempts", c.config.MaxReconnectAttempts)
		c.emitError(ErrMaxReconnectAttempts, true)
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, c.reconnectAttempt)
	c.mu.Unlock()

	c.logger.Debug("reconnect scheduled", "delay", delay)
}

func (c *Client) reconnectAttempt() {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	if c.isClosed() || c.State() != StateDisconnected {
		return
	}
	if err := c.connect(context.Background()); err != nil {
		c.logger.Debug("reconnect failed", "error", err)
		c.scheduleReconnect()
	}
}

func (c *Client) emitError(err error, fatal bool) {
	if hook := c.config.OnError; hook != nil {
		c.events.push(func() { hook(err, fatal) })
	}
}

func (c *Client) readLoop(ws *websocket.Conn, done chan struct{}) {
	deadline := 2 * c.config.HeartbeatInterval
	ws.SetReadDeadline(time.Now().Add(deadline))
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(deadline))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	var readErr error
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		ws.SetReadDeadline(time.Now().Add(deadline))

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Debug("dropping undecodable frame", "error", err)
			continue
		}
		c.route(msg)
	}

	c.socketClosed(ws, readErr)
	close(done)
}

// route resolves a pending request or hands the message to its component.
func (c *Client) route(msg *protocol.Message) {
	if msg.RequestID != "" {
		c.mu.Lock()
		ch, ok := c.pending[msg.RequestID]
		if ok {
			delete(c.pending, msg.RequestID)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}

	switch msg.Type {
	case protocol.TypePong:
		return
	case protocol.TypeError:
		if msg.ComponentID == "" {
			c.logger.Warn("server error", "payload", string(msg.Payload))
			return
		}
	}

	if msg.ComponentID == "" {
		c.logger.Debug("dropping unaddressed message", "type", msg.Type)
		return
	}
	c.mu.Lock()
	entry := c.handlers[msg.ComponentID]
	c.mu.Unlock()
	if entry == nil {
		c.logger.Debug("no handler for component", "component_id", msg.ComponentID, "type", msg.Type)
		return
	}
	if entry.inline {
		entry.fn(msg)
		return
	}
	c.events.push(func() { entry.fn(msg) })
}

func (c *Client) socketClosed(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
		c.connID = ""
	}
	pending := c.pending
	c.pending = make(map[string]chan *protocol.Message)
	closed := c.closed
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}

	c.transition(eventDrop)
	c.logger.Info("disconnected", "error", err)
	if hook := c.config.OnDisconnect; hook != nil {
		c.events.push(func() { hook(err) })
	}
	if !closed {
		c.scheduleReconnect()
	}
}

// heartbeat sends ping messages until the socket's read loop exits.
func (c *Client) heartbeat(ws *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			msg, _ := protocol.NewMessage(protocol.TypePing, "", nil)
			if err := c.write(ws, msg); err != nil {
				c.logger.Debug("ping failed", "error", err)
				ws.Close()
				return
			}
		case <-done:
			return
		}
	}
}

func (c *Client) write(ws *websocket.Conn, msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(c.config.RequestTimeout))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// Send delivers msg without tracking a reply.
func (c *Client) Send(msg *protocol.Message) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	return c.write(ws, msg)
}

// SendAndAwait stamps msg with a fresh request id, sends it and waits for
// the matching reply. A zero timeout uses Config.RequestTimeout.
//
// Error replies are returned as *ServerError, except REHYDRATION_REQUIRED
// which is returned as a normal reply; check it with
// protocol.IsRehydrationRequired.
func (c *Client) SendAndAwait(ctx context.Context, msg *protocol.Message, timeout time.Duration) (*protocol.Message, error) {
	if timeout <= 0 {
		timeout = c.config.RequestTimeout
	}
	msg.RequestID = uuid.NewString()
	ch := make(chan *protocol.Message, 1)

	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[msg.RequestID] = ch
	c.mu.Unlock()

	if err := c.write(ws, msg); err != nil {
		c.forget(msg.RequestID)
		return nil, fmt.Errorf("client: send %s: %w", msg.Type, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		if err := replyError(reply); err != nil {
			return reply, err
		}
		return reply, nil
	case <-timer.C:
		c.forget(msg.RequestID)
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, msg.Type, timeout)
	case <-ctx.Done():
		c.forget(msg.RequestID)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// Register routes messages for componentID to h on the dispatcher goroutine
// and returns a function that removes the registration.
func (c *Client) Register(componentID string, h Handler) func() {
	return c.register(componentID, &handlerEntry{fn: h})
}

func (c *Client) register(componentID string, entry *handlerEntry) func() {
	c.mu.Lock()
	c.handlers[componentID] = entry
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		if c.handlers[componentID] == entry {
			delete(c.handlers, componentID)
		}
		c.mu.Unlock()
	}
}

func (c *Client) track(cp *Component) {
	c.mu.Lock()
	c.components[cp] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) untrack(cp *Component) {
	c.mu.Lock()
	delete(c.components, cp)
	c.mu.Unlock()
}

// rehydrate sends one rehydrate request per component name at a time;
// concurrent callers for the same name share its outcome.
func (c *Client) rehydrate(ctx context.Context, req protocol.RehydrateRequest) (*protocol.Rehydrated, error) {
	c.flightMu.Lock()
	if f, ok := c.flights.Get(req.ComponentName); ok {
		c.flightMu.Unlock()
		select {
		case <-f.done:
			return f.result, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	c.flights.Add(req.ComponentName, f)
	c.flightMu.Unlock()

	f.result, f.err = c.sendRehydrate(ctx, req)
	close(f.done)

	c.flightMu.Lock()
	if cur, ok := c.flights.Peek(req.ComponentName); ok && cur == f {
		c.flights.Remove(req.ComponentName)
	}
	c.flightMu.Unlock()
	return f.result, f.err
}

func (c *Client) sendRehydrate(ctx context.Context, req protocol.RehydrateRequest) (*protocol.Rehydrated, error) {
	msg, err := protocol.NewMessage(protocol.TypeRehydrate, "", req)
	if err != nil {
		return nil, err
	}
	reply, err := c.SendAndAwait(ctx, msg, c.config.RehydrateTimeout)
	if err != nil {
		var se *ServerError
		switch {
		case errors.As(err, &se) && se.Code == protocol.ErrRehydrationFailed:
			return nil, &RehydrationError{Component: req.ComponentName, Reason: se.Reason, Err: err}
		case errors.Is(err, ErrRequestTimeout):
			return nil, &RehydrationError{Component: req.ComponentName, Reason: "timeout", Err: err}
		}
		return nil, err
	}
	if reply.Type != protocol.TypeRehydrated {
		return nil, fmt.Errorf("%w: %s to rehydrate", ErrUnexpectedReply, reply.Type)
	}
	var result protocol.Rehydrated
	if err := reply.DecodePayload(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Close closes the socket, stops reconnecting and fails pending requests
// with ErrConnectionClosed. Queued hooks run before Close returns, unless
// Close is called from a hook, in which case they run after it.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	ws := c.ws
	done := c.readDone
	c.mu.Unlock()

	if ws != nil {
		c.writeMu.Lock()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		ws.Close()
		<-done
	}

	c.events.close()
	return nil
}
