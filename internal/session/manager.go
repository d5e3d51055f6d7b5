// Package session orchestrates one task's chat: REST history, the real-time
// channel and typing presence behind a single state machine the UI layer
// observes through snapshots.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskhive/taskchat/internal/observability"
	"github.com/taskhive/taskchat/internal/presence"
	"github.com/taskhive/taskchat/internal/transport"
	"github.com/taskhive/taskchat/pkg/models"
)

// Phase is the lifecycle phase of a session.
type Phase string

const (
	PhaseInitializing     Phase = "initializing"
	PhaseReady            Phase = "ready"
	PhasePermissionDenied Phase = "permission_denied"
	PhaseFailed           Phase = "failed"
	PhaseClosed           Phase = "closed"
)

var (
	// ErrSendInFlight means a send is already running; the new one is
	// rejected, not queued.
	ErrSendInFlight = errors.New("session: send already in flight")

	// ErrLoadInFlight means an older-page load is already running.
	ErrLoadInFlight = errors.New("session: load already in flight")

	// ErrNotReady means the session never reached the ready phase.
	ErrNotReady = errors.New("session: not ready")

	// ErrClosed means the session was closed.
	ErrClosed = errors.New("session: closed")
)

// DefaultPageSize is the history page size when none is configured.
const DefaultPageSize = 50

// DefaultSendConfirmTimeout is how long a channel send waits for the
// server's echo before falling back to REST.
const DefaultSendConfirmTimeout = 10 * time.Second

// History is the REST surface the session depends on.
type History interface {
	LoadPage(ctx context.Context, taskID int64, limit, offset int) (models.Page, error)
	PostMessage(ctx context.Context, taskID int64, content string) (models.Message, error)
	LoadParticipants(ctx context.Context, taskID int64) ([]models.Participant, error)
	CheckPermission(ctx context.Context, taskID int64) (bool, error)
}

// Snapshot is an immutable copy of session state handed to observers.
type Snapshot struct {
	TaskID       int64
	Phase        Phase
	Connection   transport.Status
	Messages     []models.Message
	HasMore      bool
	Participants []models.Participant
	Typing       []presence.Typist
	LastError    *models.ChatError
}

// Config configures a session.
type Config struct {
	// History is the REST client (required).
	History History

	// Channel is the injected real-time channel (required). The session
	// joins and leaves its task's room but never closes the channel; one
	// channel may serve several sessions.
	Channel transport.Channel

	// SelfUsername filters the local user's own typing echo.
	SelfUsername string

	// PageSize is the history page size. Default: 50.
	PageSize int

	// SendConfirmTimeout bounds the wait for the server's echo of a
	// channel send before the message is posted over REST instead.
	// Default: 10s.
	SendConfirmTimeout time.Duration

	// TypingDebounce and TypingExpiry tune the presence tracker.
	TypingDebounce time.Duration
	TypingExpiry   time.Duration

	// OnChange observes state transitions. Called without locks held, on
	// whatever goroutine caused the change.
	OnChange func(Snapshot)

	// OnEvent observes raw room events the session does not fold into
	// state itself (join/leave notices, room acks, server errors).
	OnEvent func(models.Event)

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

func (c *Config) validate() error {
	if c.History == nil {
		return fmt.Errorf("session: history client is required")
	}
	if c.Channel == nil {
		return fmt.Errorf("session: channel is required")
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.SendConfirmTimeout <= 0 {
		c.SendConfirmTimeout = DefaultSendConfirmTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NopMetrics()
	}
	return nil
}

// Manager is one task's chat session. All methods are safe for concurrent
// use. Results of requests still in flight when Close runs are discarded.
type Manager struct {
	cfg     Config
	taskID  int64
	logger  *slog.Logger
	metrics *observability.Metrics
	tracker *presence.Tracker

	mu           sync.Mutex
	phase        Phase
	messages     []models.Message
	seen         map[int64]struct{}
	hasMore      bool
	participants []models.Participant
	lastErr      *models.ChatError
	sending      bool
	loadingMore  bool
	closed       bool
	unsub        transport.Unsubscribe
	joined       bool
	pending      map[string]*pendingSend
}

// pendingSend is a channel send still waiting for its server echo. The
// content is kept because the wire contract does not promise the
// correlation id back; echo matching may have to fall back to it.
type pendingSend struct {
	content string
	timer   *time.Timer
}

// Open builds a session for taskID and runs initialization: permission
// check, then the first history page and the participant list fetched
// concurrently, then a best-effort connect and room join. A denied
// permission or failed load is a session phase, not an Open error; callers
// inspect State. Open errors only on invalid configuration.
func Open(ctx context.Context, taskID int64, cfg Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:     cfg,
		taskID:  taskID,
		logger:  cfg.Logger.With("component", "session", "task_id", taskID),
		metrics: cfg.Metrics,
		phase:   PhaseInitializing,
		seen:    make(map[int64]struct{}),
		pending: make(map[string]*pendingSend),
	}
	m.tracker = presence.NewTracker(presence.Config{
		TaskID:       taskID,
		Sender:       cfg.Channel,
		SelfUsername: cfg.SelfUsername,
		Debounce:     cfg.TypingDebounce,
		Expiry:       cfg.TypingExpiry,
		OnChange:     func([]presence.Typist) { m.notify() },
		Logger:       cfg.Logger,
		Metrics:      cfg.Metrics,
	})

	m.initialize(ctx)
	return m, nil
}

func (m *Manager) initialize(ctx context.Context) {
	allowed, err := m.cfg.History.CheckPermission(ctx, m.taskID)
	if err != nil {
		m.failInit(err)
		return
	}
	if !allowed {
		m.logger.Info("chat access denied")
		m.mu.Lock()
		m.phase = PhasePermissionDenied
		m.mu.Unlock()
		m.notify()
		return
	}

	var (
		wg    sync.WaitGroup
		page  models.Page
		parts []models.Participant
		errs  = make(chan error, 2)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		var err error
		if page, err = m.cfg.History.LoadPage(ctx, m.taskID, m.cfg.PageSize, 0); err != nil {
			errs <- err
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		if parts, err = m.cfg.History.LoadParticipants(ctx, m.taskID); err != nil {
			errs <- err
		}
	}()
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		m.failInit(err)
		return
	}

	m.mu.Lock()
	m.messages = page.Messages
	m.hasMore = page.HasMore
	m.participants = parts
	for _, msg := range page.Messages {
		m.seen[msg.ID] = struct{}{}
	}
	m.phase = PhaseReady
	m.unsub = m.cfg.Channel.Subscribe(m.handleEvent)
	m.mu.Unlock()
	m.notify()

	m.connect(ctx)
}

func (m *Manager) failInit(err error) {
	m.logger.Warn("session init failed", "error", err)
	m.mu.Lock()
	m.phase = PhaseFailed
	m.lastErr = asChatError(err)
	m.mu.Unlock()
	m.notify()
}

// connect brings the channel up and joins the task's room. Failure leaves
// the session in ready phase: history and sends keep working over REST.
func (m *Manager) connect(ctx context.Context) {
	if err := m.cfg.Channel.Connect(ctx); err != nil {
		m.logger.Warn("realtime connect failed, continuing over REST", "error", err)
		m.notify()
		return
	}
	if err := m.cfg.Channel.JoinRoom(ctx, m.taskID); err != nil {
		m.logger.Warn("room join failed, continuing over REST", "error", err)
		m.notify()
		return
	}
	m.mu.Lock()
	m.joined = true
	m.mu.Unlock()
	m.notify()
}

// Send delivers a message. When the channel is connected the message goes
// out with a correlation id and the server's echo confirms it; if no echo
// arrives within SendConfirmTimeout the message is posted over REST so it
// cannot be lost to a dying connection. While disconnected the REST path is
// used directly and the stored message appended locally. Only one send may
// be in flight.
func (m *Manager) Send(ctx context.Context, content string) error {
	trimmed, ok := models.ValidateContent(content)
	if !ok {
		return models.ErrValidation("message content is empty")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.phase != PhaseReady {
		m.mu.Unlock()
		return ErrNotReady
	}
	if m.sending {
		m.mu.Unlock()
		return ErrSendInFlight
	}
	m.sending = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.sending = false
		m.mu.Unlock()
	}()

	m.tracker.StopLocalTyping()

	if m.cfg.Channel.Connected() {
		corrID := uuid.NewString()
		err := m.cfg.Channel.SendMessage(ctx, m.taskID, trimmed, corrID)
		if err == nil {
			m.armConfirmFallback(corrID, trimmed)
			m.metrics.MessagesSent.WithLabelValues("push").Inc()
			return nil
		}
		m.logger.Debug("channel send failed, using REST", "correlation_id", corrID, "error", err)
	}

	return m.sendREST(ctx, trimmed)
}

func (m *Manager) sendREST(ctx context.Context, content string) error {
	msg, err := m.cfg.History.PostMessage(ctx, m.taskID, content)
	if err != nil {
		m.setError(err)
		return err
	}
	m.metrics.MessagesSent.WithLabelValues("rest").Inc()
	m.append(msg)
	return nil
}

// armConfirmFallback schedules the REST fallback for an unconfirmed channel
// send. The server echo cancels it through confirmSend.
func (m *Manager) armConfirmFallback(corrID, content string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	timer := time.AfterFunc(m.cfg.SendConfirmTimeout, func() {
		m.mu.Lock()
		_, still := m.pending[corrID]
		delete(m.pending, corrID)
		closed := m.closed
		m.mu.Unlock()
		if !still || closed {
			return
		}
		m.logger.Warn("send unconfirmed, falling back to REST", "correlation_id", corrID)
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SendConfirmTimeout)
		defer cancel()
		if err := m.sendREST(ctx, content); err != nil {
			m.logger.Warn("REST fallback failed", "correlation_id", corrID, "error", err)
		}
	})
	m.pending[corrID] = &pendingSend{content: content, timer: timer}
	m.mu.Unlock()
}

// LoadMore fetches the page older than what is loaded and prepends it.
// Rapid repeat calls are rejected while a load is running.
func (m *Manager) LoadMore(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.phase != PhaseReady {
		m.mu.Unlock()
		return ErrNotReady
	}
	if !m.hasMore {
		m.mu.Unlock()
		return nil
	}
	if m.loadingMore {
		m.mu.Unlock()
		return ErrLoadInFlight
	}
	m.loadingMore = true
	offset := len(m.messages)
	m.mu.Unlock()

	page, err := m.cfg.History.LoadPage(ctx, m.taskID, m.cfg.PageSize, offset)

	m.mu.Lock()
	m.loadingMore = false
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		m.lastErr = asChatError(err)
		m.mu.Unlock()
		m.notify()
		return err
	}
	fresh := make([]models.Message, 0, len(page.Messages))
	for _, msg := range page.Messages {
		if _, dup := m.seen[msg.ID]; dup {
			m.metrics.DuplicatesDropped.Inc()
			continue
		}
		m.seen[msg.ID] = struct{}{}
		fresh = append(fresh, msg)
	}
	m.messages = append(fresh, m.messages...)
	m.hasMore = page.HasMore
	m.mu.Unlock()
	m.notify()
	return nil
}

// NotifyTyping records local keyboard activity for the typing indicator.
func (m *Manager) NotifyTyping() {
	m.tracker.NotifyLocalTyping()
}

// StopTyping withdraws the local typing signal immediately.
func (m *Manager) StopTyping() {
	m.tracker.StopLocalTyping()
}

// State returns a copy of the current session state.
func (m *Manager) State() Snapshot {
	m.mu.Lock()
	snap := Snapshot{
		TaskID:       m.taskID,
		Phase:        m.phase,
		Connection:   m.cfg.Channel.Status(),
		Messages:     append([]models.Message(nil), m.messages...),
		HasMore:      m.hasMore,
		Participants: append([]models.Participant(nil), m.participants...),
		LastError:    m.lastErr,
	}
	m.mu.Unlock()
	snap.Typing = m.tracker.Typing()
	return snap
}

// LastError returns the most recent REST failure, if any.
func (m *Manager) LastError() *models.ChatError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// ClearError clears the session error field.
func (m *Manager) ClearError() {
	m.mu.Lock()
	m.lastErr = nil
	m.mu.Unlock()
	m.notify()
}

// Close tears the session down: the event subscription is released, the
// room is left, presence timers stop and pending send fallbacks are
// cancelled. The channel itself stays open for other sessions. Idempotent,
// and safe when initialization never completed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.phase = PhaseClosed
	unsub := m.unsub
	m.unsub = nil
	joined := m.joined
	for id, p := range m.pending {
		p.timer.Stop()
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	m.tracker.Stop()
	if joined {
		if err := m.cfg.Channel.LeaveRoom(context.Background(), m.taskID); err != nil {
			m.logger.Debug("leave room failed", "error", err)
		}
	}
	m.logger.Info("session closed")
	return nil
}

// handleEvent folds an inbound channel event into session state.
func (m *Manager) handleEvent(ev models.Event) {
	switch e := ev.(type) {
	case models.MessageEvent:
		if e.Message.TaskID != 0 && e.Message.TaskID != m.taskID {
			return
		}
		m.confirmSend(e.Message)
		m.metrics.MessagesReceived.WithLabelValues("push").Inc()
		m.append(e.Message)

	case models.TypingEvent:
		m.tracker.HandleTyping(e)

	case models.PresenceEvent:
		if e.TaskID != m.taskID {
			return
		}
		m.forward(ev)
		m.notify()

	case models.ErrorEvent:
		m.logger.Warn("server error event", "message", e.Message)
		m.setError(models.ErrTransport(e.Message, nil))
		m.forward(ev)

	case models.RoomAckEvent:
		m.logger.Debug("room ack", "joined", e.Joined, "room", e.Room)
		m.forward(ev)

	case models.StatusEvent:
		m.forward(ev)
		m.notify()
	}
}

// confirmSend cancels the REST fallback once the server echoes a channel
// send. The echo is matched by correlation id when the server replays one;
// the wire contract does not promise it back, so an echo of the local
// user's own message with matching content also confirms.
func (m *Manager) confirmSend(msg models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.CorrelationID != "" {
		if p, ok := m.pending[msg.CorrelationID]; ok {
			p.timer.Stop()
			delete(m.pending, msg.CorrelationID)
		}
		return
	}
	if m.cfg.SelfUsername != "" && msg.Username != m.cfg.SelfUsername {
		return
	}
	for id, p := range m.pending {
		if p.content == msg.Content {
			p.timer.Stop()
			delete(m.pending, id)
			return
		}
	}
}

// append adds a message, dropping duplicates by id and keeping CreatedAt
// non-decreasing. Messages arriving after Close are discarded.
func (m *Manager) append(msg models.Message) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, dup := m.seen[msg.ID]; dup {
		m.metrics.DuplicatesDropped.Inc()
		m.mu.Unlock()
		return
	}
	m.seen[msg.ID] = struct{}{}

	i := len(m.messages)
	for i > 0 && m.messages[i-1].CreatedAt.After(msg.CreatedAt) {
		i--
	}
	m.messages = append(m.messages, models.Message{})
	copy(m.messages[i+1:], m.messages[i:])
	m.messages[i] = msg
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) setError(err error) {
	m.mu.Lock()
	m.lastErr = asChatError(err)
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) forward(ev models.Event) {
	if m.cfg.OnEvent != nil {
		m.cfg.OnEvent(ev)
	}
}

func (m *Manager) notify() {
	if m.cfg.OnChange == nil {
		return
	}
	m.cfg.OnChange(m.State())
}

func asChatError(err error) *models.ChatError {
	var cerr *models.ChatError
	if errors.As(err, &cerr) {
		return cerr
	}
	return models.ErrNetwork(err.Error(), err)
}
