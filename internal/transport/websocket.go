package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskhive/taskchat/internal/auth"
	"github.com/taskhive/taskchat/internal/observability"
	"github.com/taskhive/taskchat/internal/retry"
	"github.com/taskhive/taskchat/pkg/models"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 15 * time.Second
	defaultPongWait         = 45 * time.Second
	defaultWriteWait        = 10 * time.Second
	defaultMaxReconnects    = 5

	sendBufferSize  = 64
	maxPayloadBytes = 1 << 20
)

// WSConfig holds configuration for the websocket channel.
type WSConfig struct {
	// URL is the websocket endpoint (required).
	URL string

	// Credential supplies the token attached to the dial request and to
	// every outbound frame (required).
	Credential *auth.Credential

	// Reconnect is the backoff schedule after an unexpected disconnect.
	Reconnect retry.Policy

	// MaxReconnects bounds automatic reconnection attempts per disconnect
	// (default: 5). After exhaustion the channel stays in error state and
	// the session keeps operating over REST.
	MaxReconnects int

	// HandshakeTimeout bounds the dial (default: 10s).
	HandshakeTimeout time.Duration

	// PingInterval, PongWait and WriteWait tune keepalive behavior.
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger

	// Metrics is an optional metrics set.
	Metrics *observability.Metrics
}

func (c *WSConfig) validate() error {
	if c.URL == "" {
		return fmt.Errorf("transport: URL is required")
	}
	if c.Credential == nil {
		return fmt.Errorf("transport: credential is required")
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = defaultMaxReconnects
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NopMetrics()
	}
	return nil
}

type outbound struct {
	msgType int
	data    []byte
}

// WSChannel implements Channel over a websocket connection. One channel may
// be joined to several task rooms; rooms are rejoined automatically after a
// reconnect.
type WSChannel struct {
	cfg     WSConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	mu          sync.Mutex
	conn        *websocket.Conn
	state       ConnState
	lastErr     string
	lastEventAt int64
	connecting  bool
	closed      bool
	gen         int
	joined      map[int64]struct{}
	send        chan outbound
	done        chan struct{}
	closeCh     chan struct{}

	subsMu  sync.RWMutex
	subs    map[int]func(models.Event)
	nextSub int
}

// NewWSChannel creates a websocket channel. The connection is not dialed
// until Connect.
func NewWSChannel(cfg WSConfig) (*WSChannel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &WSChannel{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "transport"),
		metrics: cfg.Metrics,
		state:   StateDisconnected,
		joined:  make(map[int64]struct{}),
		subs:    make(map[int]func(models.Event)),
		closeCh: make(chan struct{}),
	}, nil
}

// Connect dials the endpoint. A no-op when already connected or while
// another Connect is in flight, so it is never run concurrently. A failed
// dial leaves the channel in error state and returns a transport error;
// callers are expected to keep working over REST.
func (c *WSChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return models.ErrTransport("channel is closed", nil)
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.state = StateConnecting
	c.mu.Unlock()

	err := c.dial(ctx)

	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
	return err
}

func (c *WSChannel) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		ReadBufferSize:   8192,
		WriteBufferSize:  8192,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Credential.Token())

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
		}
		c.mu.Lock()
		c.state = StateError
		c.lastErr = err.Error()
		c.mu.Unlock()
		c.logger.Warn("dial failed", "url", c.cfg.URL, "status", status, "error", err)
		c.dispatch(models.StatusEvent{Connected: false, Err: err.Error()})
		dialErr := models.ErrTransport("dial "+c.cfg.URL, err)
		// An auth rejection will not heal on its own; reconnecting with the
		// same credential would just repeat it.
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return retry.Permanent(dialErr)
		}
		return dialErr
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return models.ErrTransport("channel is closed", nil)
	}
	c.conn = conn
	c.state = StateConnected
	c.lastErr = ""
	c.gen++
	gen := c.gen
	c.send = make(chan outbound, sendBufferSize)
	c.done = make(chan struct{})
	send, done := c.send, c.done
	rooms := make([]int64, 0, len(c.joined))
	for id := range c.joined {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	go c.readLoop(conn, gen)
	go c.writeLoop(conn, send, done)
	go c.pingLoop(send, done)

	// Rejoin rooms held across a reconnect.
	for _, id := range rooms {
		if err := c.emit(eventJoinRoom, joinPayload{TaskID: id, Token: c.cfg.Credential.Token()}); err != nil {
			c.logger.Warn("rejoin after reconnect failed", "task_id", id, "error", err)
		}
	}

	c.logger.Info("channel connected", "url", c.cfg.URL)
	c.dispatch(models.StatusEvent{Connected: true})
	return nil
}

// JoinRoom scopes event delivery to the task's room. Membership is
// remembered so a reconnect rejoins automatically.
func (c *WSChannel) JoinRoom(ctx context.Context, taskID int64) error {
	err := c.emit(eventJoinRoom, joinPayload{TaskID: taskID, Token: c.cfg.Credential.Token()})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.joined[taskID] = struct{}{}
	c.mu.Unlock()
	return nil
}

// LeaveRoom leaves the task's room. Leaving a room that was never joined is
// a no-op, and leaving while disconnected just forgets the membership.
func (c *WSChannel) LeaveRoom(ctx context.Context, taskID int64) error {
	c.mu.Lock()
	if _, ok := c.joined[taskID]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.joined, taskID)
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.emit(eventLeaveRoom, joinPayload{TaskID: taskID, Token: c.cfg.Credential.Token()})
}

// SendMessage emits a chat message. Fire-and-forget: the server echoes the
// stored message as a new_task_message event.
func (c *WSChannel) SendMessage(ctx context.Context, taskID int64, content, correlationID string) error {
	return c.emit(eventSendMessage, sendMessagePayload{
		TaskID:        taskID,
		Content:       content,
		Token:         c.cfg.Credential.Token(),
		CorrelationID: correlationID,
	})
}

// TypingStart emits a typing-start presence signal.
func (c *WSChannel) TypingStart(ctx context.Context, taskID int64) error {
	return c.emit(eventTypingStart, typingPayload{TaskID: taskID, Token: c.cfg.Credential.Token()})
}

// TypingStop emits a typing-stop presence signal.
func (c *WSChannel) TypingStop(ctx context.Context, taskID int64) error {
	return c.emit(eventTypingStop, typingPayload{TaskID: taskID, Token: c.cfg.Credential.Token()})
}

// Subscribe registers fn for every inbound event.
func (c *WSChannel) Subscribe(fn func(models.Event)) Unsubscribe {
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			c.subsMu.Unlock()
		})
	}
}

// Connected reports whether the channel is currently usable.
func (c *WSChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// Status returns the current connection status.
func (c *WSChannel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Err: c.lastErr, LastEventAt: c.lastEventAt}
}

// Close tears the connection down and stops reconnection. Idempotent, and
// safe when Connect never succeeded.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	c.teardownConnLocked()
	c.state = StateDisconnected
	c.mu.Unlock()
	return nil
}

// teardownConnLocked releases the live connection. Caller holds c.mu.
func (c *WSChannel) teardownConnLocked() {
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.send = nil
}

func (c *WSChannel) emit(event string, payload any) error {
	c.mu.Lock()
	if c.state != StateConnected || c.send == nil {
		c.mu.Unlock()
		return models.ErrTransport("channel not connected", nil)
	}
	send := c.send
	c.mu.Unlock()

	data, err := encodeFrame(event, payload)
	if err != nil {
		return models.ErrTransport("encode "+event, err)
	}
	select {
	case send <- outbound{msgType: websocket.TextMessage, data: data}:
		return nil
	default:
		return models.ErrTransport("send buffer full", nil)
	}
}

func (c *WSChannel) readLoop(conn *websocket.Conn, gen int) {
	conn.SetReadLimit(maxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		c.mu.Lock()
		c.lastEventAt = time.Now().Unix()
		c.mu.Unlock()

		event, err := decodeEvent(data)
		if err != nil {
			c.logger.Debug("dropping undecodable frame", "error", err)
			continue
		}
		if event == nil {
			continue
		}
		c.dispatch(event)
	}
}

func (c *WSChannel) writeLoop(conn *websocket.Conn, send <-chan outbound, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case out := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := conn.WriteMessage(out.msgType, out.data); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}
		}
	}
}

func (c *WSChannel) pingLoop(send chan<- outbound, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			select {
			case send <- outbound{msgType: websocket.PingMessage}:
			default:
			}
		}
	}
}

// handleDisconnect reacts to a read failure: the connection is torn down,
// status degrades, and background reconnection starts. gen guards against a
// stale read loop of an already-replaced connection.
func (c *WSChannel) handleDisconnect(gen int, cause error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.teardownConnLocked()
	c.state = StateError
	c.lastErr = cause.Error()
	c.mu.Unlock()

	c.logger.Warn("channel disconnected", "error", cause)
	c.dispatch(models.StatusEvent{Connected: false, Err: cause.Error()})

	go c.reconnect()
}

func (c *WSChannel) reconnect() {
	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		select {
		case <-c.closeCh:
			return
		case <-time.After(c.cfg.Reconnect.Delay(attempt)):
		}

		c.metrics.ReconnectAttempts.Inc()
		err := c.Connect(context.Background())
		if err == nil {
			return
		}
		if retry.IsPermanent(err) {
			c.logger.Warn("reconnect abandoned", "attempt", attempt, "error", err)
			return
		}
		c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	}
	c.logger.Warn("reconnect attempts exhausted; continuing over REST only")
}

var _ Channel = (*WSChannel)(nil)

func (c *WSChannel) dispatch(event models.Event) {
	c.subsMu.RLock()
	handlers := make([]func(models.Event), 0, len(c.subs))
	for _, fn := range c.subs {
		handlers = append(handlers, fn)
	}
	c.subsMu.RUnlock()

	for _, fn := range handlers {
		fn(event)
	}
}
