// Package presence tracks who is typing in a task's chat room: the local
// user's outbound signal and the indicators received from remote users.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/taskhive/taskchat/internal/observability"
	"github.com/taskhive/taskchat/pkg/models"
)

// DefaultDebounce is how long after the last keystroke the local typing
// signal is withdrawn.
const DefaultDebounce = 3 * time.Second

// DefaultExpiry is the hard lifetime of a remote typing indicator. A user
// whose typing-stop signal was lost disappears after this long regardless.
const DefaultExpiry = 5 * time.Second

// Sender is the subset of the transport channel the tracker emits through.
type Sender interface {
	TypingStart(ctx context.Context, taskID int64) error
	TypingStop(ctx context.Context, taskID int64) error
	Connected() bool
}

// Typist is one remote user currently typing.
type Typist struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// Config configures a Tracker.
type Config struct {
	// TaskID scopes the tracker to one task's room (required).
	TaskID int64

	// Sender emits local typing signals (required).
	Sender Sender

	// SelfUsername filters the local user's own echo out of remote state.
	SelfUsername string

	// Debounce is the quiet period before the local signal is withdrawn.
	// Default: 3s.
	Debounce time.Duration

	// Expiry is the hard lifetime of a remote indicator. Default: 5s.
	Expiry time.Duration

	// OnChange is invoked after the remote typist set changes. Called
	// without internal locks held.
	OnChange func([]Typist)

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

type remoteEntry struct {
	userID int64
	timer  *time.Timer
}

// Tracker manages typing state for one task. All methods are safe for
// concurrent use. After Stop the tracker is sealed: late timer callbacks
// and further notifications are ignored.
type Tracker struct {
	mu sync.Mutex

	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	localActive bool
	localTimer  *time.Timer

	// remote is keyed by username: the typing wire event is not
	// guaranteed to carry a user id.
	remote  map[string]*remoteEntry
	stopped bool
}

// NewTracker creates a tracker for one task's room.
func NewTracker(cfg Config) *Tracker {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NopMetrics()
	}
	return &Tracker{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "presence", "task_id", cfg.TaskID),
		metrics: cfg.Metrics,
		remote:  make(map[string]*remoteEntry),
	}
}

// NotifyLocalTyping records local keyboard activity. The first call emits a
// typing-start signal; each call pushes the debounce window out, so a
// continuously typing user produces one start and, eventually, one stop.
// A no-op while the channel is disconnected.
func (t *Tracker) NotifyLocalTyping() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if !t.cfg.Sender.Connected() {
		t.mu.Unlock()
		return
	}

	emitStart := !t.localActive
	t.localActive = true

	if t.localTimer != nil {
		t.localTimer.Stop()
	}
	t.localTimer = time.AfterFunc(t.cfg.Debounce, t.StopLocalTyping)
	t.mu.Unlock()

	if emitStart {
		if err := t.cfg.Sender.TypingStart(context.Background(), t.cfg.TaskID); err != nil {
			t.logger.Debug("typing start not delivered", "error", err)
			return
		}
		t.metrics.TypingEvents.WithLabelValues("sent").Inc()
	}
}

// StopLocalTyping withdraws the local typing signal immediately, for
// example right after a message is sent. Safe when no signal is active.
func (t *Tracker) StopLocalTyping() {
	t.mu.Lock()
	if t.localTimer != nil {
		t.localTimer.Stop()
		t.localTimer = nil
	}
	emitStop := t.localActive && !t.stopped
	t.localActive = false
	t.mu.Unlock()

	if !emitStop || !t.cfg.Sender.Connected() {
		return
	}
	if err := t.cfg.Sender.TypingStop(context.Background(), t.cfg.TaskID); err != nil {
		t.logger.Debug("typing stop not delivered", "error", err)
		return
	}
	t.metrics.TypingEvents.WithLabelValues("sent").Inc()
}

// HandleTyping folds a remote typing event into the tracker. Events for
// other tasks and the local user's own echo are ignored. A repeated
// typing-start restarts the expiry clock rather than duplicating the user.
func (t *Tracker) HandleTyping(ev models.TypingEvent) {
	if ev.TaskID != t.cfg.TaskID || ev.Username == "" || ev.Username == t.cfg.SelfUsername {
		return
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.metrics.TypingEvents.WithLabelValues("received").Inc()

	changed := false
	if ev.Typing {
		entry, ok := t.remote[ev.Username]
		if ok {
			entry.timer.Stop()
		} else {
			entry = &remoteEntry{userID: ev.UserID}
			t.remote[ev.Username] = entry
			changed = true
		}
		username := ev.Username
		entry.timer = time.AfterFunc(t.cfg.Expiry, func() { t.expire(username) })
	} else {
		changed = t.removeLocked(ev.Username)
	}
	t.mu.Unlock()

	if changed {
		t.notifyChange()
	}
}

// expire drops a remote typist whose stop signal never arrived.
func (t *Tracker) expire(username string) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	changed := t.removeLocked(username)
	t.mu.Unlock()

	if changed {
		t.logger.Debug("typing indicator expired", "username", username)
		t.notifyChange()
	}
}

func (t *Tracker) removeLocked(username string) bool {
	entry, ok := t.remote[username]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(t.remote, username)
	return true
}

// Typing returns the remote users currently typing, sorted by username.
func (t *Tracker) Typing() []Typist {
	t.mu.Lock()
	out := make([]Typist, 0, len(t.remote))
	for name, entry := range t.remote {
		out = append(out, Typist{UserID: entry.userID, Username: name})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// LocalTyping reports whether the local typing signal is currently active.
func (t *Tracker) LocalTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localActive
}

// Stop seals the tracker: all timers are cancelled, remote state is
// cleared, and an active local signal is withdrawn. Idempotent.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.localTimer != nil {
		t.localTimer.Stop()
		t.localTimer = nil
	}
	for _, entry := range t.remote {
		entry.timer.Stop()
	}
	t.remote = make(map[string]*remoteEntry)
	emitStop := t.localActive
	t.localActive = false
	t.stopped = true
	t.mu.Unlock()

	if emitStop && t.cfg.Sender.Connected() {
		if err := t.cfg.Sender.TypingStop(context.Background(), t.cfg.TaskID); err != nil {
			t.logger.Debug("typing stop not delivered", "error", err)
		}
	}
}

func (t *Tracker) notifyChange() {
	if t.cfg.OnChange != nil {
		t.cfg.OnChange(t.Typing())
	}
}
