package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/taskhive/taskchat/internal/transport"
	"github.com/taskhive/taskchat/pkg/models"
)

type sentMsg struct {
	taskID  int64
	content string
	corrID  string
}

type fakeChannel struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	sendErr    error
	joins      []int64
	leaves     []int64
	sends      []sentMsg
	subs       map[int]func(models.Event)
	next       int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{subs: make(map[int]func(models.Event))}
}

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeChannel) JoinRoom(ctx context.Context, taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, taskID)
	return nil
}

func (f *fakeChannel) LeaveRoom(ctx context.Context, taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, taskID)
	return nil
}

func (f *fakeChannel) SendMessage(ctx context.Context, taskID int64, content, corrID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sends = append(f.sends, sentMsg{taskID: taskID, content: content, corrID: corrID})
	return nil
}

func (f *fakeChannel) TypingStart(ctx context.Context, taskID int64) error { return nil }
func (f *fakeChannel) TypingStop(ctx context.Context, taskID int64) error  { return nil }

func (f *fakeChannel) Subscribe(fn func(models.Event)) transport.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Status() transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return transport.Status{State: transport.StateConnected}
	}
	return transport.Status{State: transport.StateDisconnected}
}

func (f *fakeChannel) Close() error { return nil }

// emit delivers an event to every subscriber, like an inbound frame would.
func (f *fakeChannel) emit(ev models.Event) {
	f.mu.Lock()
	fns := make([]func(models.Event), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (f *fakeChannel) sentMessages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sends...)
}

type fakeHistory struct {
	mu           sync.Mutex
	allowed      bool
	permErr      error
	pages        map[int]models.Page
	loadErr      error
	loadCalls    int
	lastOffset   int
	participants []models.Participant
	loadBlock    chan struct{}
	postErr      error
	posted       []string
	postBlock    chan struct{}
	nextID       int64
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{allowed: true, pages: make(map[int]models.Page), nextID: 100}
}

func (f *fakeHistory) CheckPermission(ctx context.Context, taskID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allowed, f.permErr
}

func (f *fakeHistory) LoadPage(ctx context.Context, taskID int64, limit, offset int) (models.Page, error) {
	f.mu.Lock()
	f.loadCalls++
	f.lastOffset = offset
	block := f.loadBlock
	loadErr := f.loadErr
	page := f.pages[offset]
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if loadErr != nil {
		return models.Page{}, loadErr
	}
	return page, nil
}

func (f *fakeHistory) LoadParticipants(ctx context.Context, taskID int64) ([]models.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.participants, nil
}

func (f *fakeHistory) PostMessage(ctx context.Context, taskID int64, content string) (models.Message, error) {
	f.mu.Lock()
	block := f.postBlock
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return models.Message{}, f.postErr
	}
	f.posted = append(f.posted, content)
	f.nextID++
	return models.Message{ID: f.nextID, TaskID: taskID, Content: content, CreatedAt: time.Now()}, nil
}

func (f *fakeHistory) postedMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posted...)
}

func msg(id int64, content string, at time.Time) models.Message {
	return models.Message{ID: id, TaskID: 42, UserID: 3, Username: "ana", Content: content, CreatedAt: at}
}

func openTest(t *testing.T, hist *fakeHistory, ch *fakeChannel, tweak func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		History:            hist,
		Channel:            ch,
		SelfUsername:       "self",
		PageSize:           2,
		SendConfirmTimeout: 30 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	m, err := Open(context.Background(), 42, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestOpenReady(t *testing.T) {
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	hist := newFakeHistory()
	hist.pages[0] = models.Page{
		Messages: []models.Message{msg(1, "first", base), msg(2, "second", base.Add(time.Minute))},
		HasMore:  true,
	}
	hist.participants = []models.Participant{{ID: 3, Username: "ana"}}
	ch := newFakeChannel()

	m := openTest(t, hist, ch, nil)

	st := m.State()
	if st.Phase != PhaseReady {
		t.Fatalf("phase = %q, want ready", st.Phase)
	}
	if len(st.Messages) != 2 || st.Messages[0].Content != "first" {
		t.Errorf("messages = %+v", st.Messages)
	}
	if !st.HasMore {
		t.Error("HasMore = false")
	}
	if len(st.Participants) != 1 {
		t.Errorf("participants = %+v", st.Participants)
	}
	if st.Connection.State != transport.StateConnected {
		t.Errorf("connection = %+v, want connected", st.Connection)
	}
	ch.mu.Lock()
	joins := append([]int64(nil), ch.joins...)
	ch.mu.Unlock()
	if len(joins) != 1 || joins[0] != 42 {
		t.Errorf("joins = %v, want [42]", joins)
	}
}

func TestOpenPermissionDenied(t *testing.T) {
	hist := newFakeHistory()
	hist.allowed = false
	ch := newFakeChannel()

	m := openTest(t, hist, ch, nil)

	st := m.State()
	if st.Phase != PhasePermissionDenied {
		t.Fatalf("phase = %q, want permission_denied", st.Phase)
	}
	if hist.loadCalls != 0 {
		t.Errorf("loadCalls = %d, want 0 when denied", hist.loadCalls)
	}
	if len(st.Messages) != 0 {
		t.Error("messages loaded despite denial")
	}
	if err := m.Send(context.Background(), "hi"); !errors.Is(err, ErrNotReady) {
		t.Errorf("Send = %v, want ErrNotReady", err)
	}
}

func TestOpenLoadFailure(t *testing.T) {
	hist := newFakeHistory()
	hist.loadErr = models.ErrNetwork("boom", nil)
	ch := newFakeChannel()

	m := openTest(t, hist, ch, nil)

	st := m.State()
	if st.Phase != PhaseFailed {
		t.Fatalf("phase = %q, want failed", st.Phase)
	}
	if st.LastError == nil || st.LastError.Code != models.ErrCodeNetwork {
		t.Errorf("LastError = %+v", st.LastError)
	}
}

func TestConnectFailureKeepsSessionUsable(t *testing.T) {
	hist := newFakeHistory()
	ch := newFakeChannel()
	ch.connectErr = models.ErrTransport("dial refused", nil)

	m := openTest(t, hist, ch, nil)

	if st := m.State(); st.Phase != PhaseReady {
		t.Fatalf("phase = %q, want ready despite transport failure", st.Phase)
	}

	if err := m.Send(context.Background(), "over rest"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := hist.postedMessages(); len(got) != 1 || got[0] != "over rest" {
		t.Errorf("posted = %v", got)
	}
	st := m.State()
	if len(st.Messages) != 1 || st.Messages[0].Content != "over rest" {
		t.Errorf("messages = %+v, want local append of REST result", st.Messages)
	}
}

func TestSendPushConfirmedByEcho(t *testing.T) {
	hist := newFakeHistory()
	ch := newFakeChannel()

	m := openTest(t, hist, ch, nil)

	if err := m.Send(context.Background(), "  hello  "); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sends := ch.sentMessages()
	if len(sends) != 1 || sends[0].content != "hello" {
		t.Fatalf("sends = %+v", sends)
	}
	if sends[0].corrID == "" {
		t.Fatal("no correlation id attached")
	}

	// Server echo confirms the send; the REST fallback must not fire.
	ch.emit(models.MessageEvent{Message: models.Message{
		ID: 9, TaskID: 42, Content: "hello", CorrelationID: sends[0].corrID, CreatedAt: time.Now(),
	}})

	time.Sleep(80 * time.Millisecond)
	if got := hist.postedMessages(); len(got) != 0 {
		t.Errorf("REST fallback fired despite echo: %v", got)
	}
	st := m.State()
	if len(st.Messages) != 1 || st.Messages[0].ID != 9 {
		t.Errorf("messages = %+v", st.Messages)
	}
}

func TestSendConfirmedByUncorrelatedEcho(t *testing.T) {
	hist := newFakeHistory()
	ch := newFakeChannel()
	m := openTest(t, hist, ch, nil)

	if err := m.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The server rebuilds the echo payload field by field and does not
	// replay the correlation id; the local user's echo still confirms.
	ch.emit(models.MessageEvent{Message: models.Message{
		ID: 9, TaskID: 42, UserID: 1, Username: "self", Content: "hello", CreatedAt: time.Now(),
	}})

	time.Sleep(80 * time.Millisecond)
	if got := hist.postedMessages(); len(got) != 0 {
		t.Errorf("REST fallback fired despite echo: %v", got)
	}
	if st := m.State(); len(st.Messages) != 1 {
		t.Errorf("messages = %+v, want the echo only", st.Messages)
	}
}

func TestOtherUsersMessageDoesNotConfirm(t *testing.T) {
	hist := newFakeHistory()
	ch := newFakeChannel()
	m := openTest(t, hist, ch, nil)

	if err := m.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Another user coincidentally sends the same content. That must not
	// count as the confirmation of the local send.
	ch.emit(models.MessageEvent{Message: models.Message{
		ID: 8, TaskID: 42, UserID: 3, Username: "ana", Content: "hello", CreatedAt: time.Now(),
	}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(hist.postedMessages()) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := hist.postedMessages(); len(got) != 1 {
		t.Errorf("posted = %v, want the REST fallback for the unconfirmed send", got)
	}
}

func TestSendFallsBackWithoutEcho(t *testing.T) {
	hist := newFakeHistory()
	ch := newFakeChannel()

	m := openTest(t, hist, ch, nil)

	if err := m.Send(context.Background(), "lost in transit"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(hist.postedMessages()) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := hist.postedMessages(); len(got) != 1 || got[0] != "lost in transit" {
		t.Fatalf("posted = %v, want REST fallback", got)
	}
	st := m.State()
	if len(st.Messages) != 1 {
		t.Errorf("messages = %+v", st.Messages)
	}
}

func TestSendValidation(t *testing.T) {
	hist := newFakeHistory()
	ch := newFakeChannel()
	m := openTest(t, hist, ch, nil)

	err := m.Send(context.Background(), "   ")
	var cerr *models.ChatError
	if !errors.As(err, &cerr) || cerr.Code != models.ErrCodeValidation {
		t.Fatalf("err = %v, want validation ChatError", err)
	}
	if len(ch.sentMessages()) != 0 || len(hist.postedMessages()) != 0 {
		t.Error("empty message reached the network")
	}
}

func TestSendInFlightGuard(t *testing.T) {
	hist := newFakeHistory()
	hist.postBlock = make(chan struct{})
	ch := newFakeChannel()
	ch.connectErr = models.ErrTransport("offline", nil)

	m := openTest(t, hist, ch, nil)

	done := make(chan error, 1)
	go func() { done <- m.Send(context.Background(), "slow one") }()

	// Wait until the first send is inside PostMessage.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		sending := m.sending
		m.mu.Unlock()
		if sending {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := m.Send(context.Background(), "rejected"); !errors.Is(err, ErrSendInFlight) {
		t.Errorf("second Send = %v, want ErrSendInFlight", err)
	}

	close(hist.postBlock)
	if err := <-done; err != nil {
		t.Fatalf("first Send: %v", err)
	}
}

func TestRestSendThenEchoReplay(t *testing.T) {
	hist := newFakeHistory()
	ch := newFakeChannel()
	ch.connectErr = models.ErrTransport("offline", nil)
	m := openTest(t, hist, ch, nil)

	if err := m.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent := m.State().Messages
	if len(sent) != 1 {
		t.Fatalf("messages = %+v", sent)
	}

	// A mid-flight reconnect replays the same message as a push event.
	ch.emit(models.MessageEvent{Message: sent[0]})
	if st := m.State(); len(st.Messages) != 1 {
		t.Errorf("messages = %+v, want replay dropped by id", st.Messages)
	}
}

func TestReceiveDedup(t *testing.T) {
	hist := newFakeHistory()
	ch := newFakeChannel()
	m := openTest(t, hist, ch, nil)

	ev := models.MessageEvent{Message: msg(7, "once", time.Now())}
	ch.emit(ev)
	ch.emit(ev)

	if st := m.State(); len(st.Messages) != 1 {
		t.Errorf("messages = %+v, want duplicate dropped", st.Messages)
	}
}

func TestReceiveOrdering(t *testing.T) {
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	hist := newFakeHistory()
	ch := newFakeChannel()
	m := openTest(t, hist, ch, nil)

	ch.emit(models.MessageEvent{Message: msg(2, "later", base.Add(time.Minute))})
	ch.emit(models.MessageEvent{Message: msg(1, "earlier", base)})

	st := m.State()
	if len(st.Messages) != 2 {
		t.Fatalf("messages = %+v", st.Messages)
	}
	if st.Messages[0].Content != "earlier" || st.Messages[1].Content != "later" {
		t.Errorf("order = [%s, %s], want CreatedAt non-decreasing",
			st.Messages[0].Content, st.Messages[1].Content)
	}
}

func TestLoadMore(t *testing.T) {
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	hist := newFakeHistory()
	hist.pages[0] = models.Page{
		Messages: []models.Message{msg(3, "c", base.Add(2*time.Minute)), msg(4, "d", base.Add(3*time.Minute))},
		HasMore:  true,
	}
	hist.pages[2] = models.Page{
		Messages: []models.Message{msg(1, "a", base), msg(2, "b", base.Add(time.Minute))},
		HasMore:  false,
	}
	ch := newFakeChannel()
	m := openTest(t, hist, ch, nil)

	if err := m.LoadMore(context.Background()); err != nil {
		t.Fatalf("LoadMore: %v", err)
	}
	if hist.lastOffset != 2 {
		t.Errorf("offset = %d, want 2", hist.lastOffset)
	}

	st := m.State()
	want := []string{"a", "b", "c", "d"}
	if len(st.Messages) != 4 {
		t.Fatalf("messages = %+v", st.Messages)
	}
	for i, w := range want {
		if st.Messages[i].Content != w {
			t.Errorf("messages[%d] = %q, want %q", i, st.Messages[i].Content, w)
		}
	}
	if st.HasMore {
		t.Error("HasMore = true after final page")
	}

	// Exhausted history: further calls are no-ops.
	calls := hist.loadCalls
	if err := m.LoadMore(context.Background()); err != nil {
		t.Fatalf("LoadMore after exhaustion: %v", err)
	}
	if hist.loadCalls != calls {
		t.Error("LoadMore hit the network with HasMore = false")
	}
}

func TestLoadMoreInFlightGuard(t *testing.T) {
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	hist := newFakeHistory()
	hist.pages[0] = models.Page{
		Messages: []models.Message{msg(2, "b", base.Add(time.Minute)), msg(3, "c", base.Add(2*time.Minute))},
		HasMore:  true,
	}
	hist.pages[2] = models.Page{
		Messages: []models.Message{msg(1, "a", base)},
		HasMore:  false,
	}
	ch := newFakeChannel()
	m := openTest(t, hist, ch, nil)

	hist.mu.Lock()
	hist.loadBlock = make(chan struct{})
	hist.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- m.LoadMore(context.Background()) }()

	// Wait until the first load is inside LoadPage.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		loading := m.loadingMore
		m.mu.Unlock()
		if loading {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := m.LoadMore(context.Background()); !errors.Is(err, ErrLoadInFlight) {
		t.Errorf("second LoadMore = %v, want ErrLoadInFlight", err)
	}

	close(hist.loadBlock)
	if err := <-done; err != nil {
		t.Fatalf("first LoadMore: %v", err)
	}

	hist.mu.Lock()
	calls := hist.loadCalls
	hist.mu.Unlock()
	if calls != 2 { // init page + one LoadMore, no duplicate fetch
		t.Errorf("loadCalls = %d, want 2", calls)
	}
	if st := m.State(); len(st.Messages) != 3 {
		t.Errorf("messages = %+v", st.Messages)
	}
}

func TestCloseTeardown(t *testing.T) {
	hist := newFakeHistory()
	ch := newFakeChannel()
	m := openTest(t, hist, ch, nil)

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	ch.mu.Lock()
	leaves := len(ch.leaves)
	subs := len(ch.subs)
	ch.mu.Unlock()
	if leaves != 1 {
		t.Errorf("leaves = %d, want 1", leaves)
	}
	if subs != 0 {
		t.Errorf("subscriptions leaked: %d", subs)
	}

	if err := m.Send(context.Background(), "too late"); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
	if st := m.State(); st.Phase != PhaseClosed {
		t.Errorf("phase = %q, want closed", st.Phase)
	}
}

func TestCloseSafeWhenNeverConnected(t *testing.T) {
	hist := newFakeHistory()
	hist.allowed = false
	ch := newFakeChannel()
	m := openTest(t, hist, ch, nil)

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.leaves) != 0 {
		t.Error("left a room that was never joined")
	}
}

func TestTypingVisibleInSnapshot(t *testing.T) {
	hist := newFakeHistory()
	ch := newFakeChannel()
	m := openTest(t, hist, ch, nil)

	ch.emit(models.TypingEvent{TaskID: 42, UserID: 3, Username: "ana", Typing: true})
	st := m.State()
	if len(st.Typing) != 1 || st.Typing[0].Username != "ana" {
		t.Fatalf("typing = %+v", st.Typing)
	}

	ch.emit(models.TypingEvent{TaskID: 42, UserID: 3, Username: "ana", Typing: false})
	if st := m.State(); len(st.Typing) != 0 {
		t.Errorf("typing = %+v after stop", st.Typing)
	}
}

func TestServerErrorEventSetsLastError(t *testing.T) {
	hist := newFakeHistory()
	ch := newFakeChannel()
	m := openTest(t, hist, ch, nil)

	ch.emit(models.ErrorEvent{Message: "Access denied"})
	if err := m.LastError(); err == nil || err.Code != models.ErrCodeTransport {
		t.Fatalf("LastError = %+v", err)
	}

	m.ClearError()
	if m.LastError() != nil {
		t.Error("error survived ClearError")
	}
}
