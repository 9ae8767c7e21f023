package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchchat/client/dispatch"
	"matchchat/model"
)

type sendReply struct {
	msg model.Message
	err error
}

type sendCall struct {
	content string
	reply   chan sendReply
}

type fakeAPI struct {
	mu      sync.Mutex
	history []model.Message
	limit   int
	offset  int
	marked  []int64
	markErr error

	sends chan sendCall
}

func newFakeAPI(history ...model.Message) *fakeAPI {
	return &fakeAPI{history: history, sends: make(chan sendCall, 16)}
}

func (f *fakeAPI) FetchMessages(_ context.Context, _ int64, limit, offset int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit, f.offset = limit, offset
	return append([]model.Message(nil), f.history...), nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, _ int64, content string) (model.Message, error) {
	call := sendCall{content: content, reply: make(chan sendReply, 1)}
	f.sends <- call
	select {
	case r := <-call.reply:
		return r.msg, r.err
	case <-ctx.Done():
		return model.Message{}, ctx.Err()
	}
}

func (f *fakeAPI) MarkRead(_ context.Context, _ int64, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, messageID)
	return nil
}

func (f *fakeAPI) markedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.marked...)
}

func (f *fakeAPI) setMarkErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markErr = err
}

func (f *fakeAPI) nextSend(t *testing.T) sendCall {
	t.Helper()
	select {
	case call := <-f.sends:
		return call
	case <-time.After(time.Second):
		t.Fatal("no send issued")
		return sendCall{}
	}
}

type typingSender struct {
	mu     sync.Mutex
	frames []model.TypingFrame
}

func (s *typingSender) Send(frame model.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame.(model.TypingFrame))
	return nil
}

func (s *typingSender) signals() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bool, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.IsTyping
	}
	return out
}

type fixture struct {
	session    *Session
	api        *fakeAPI
	dispatcher *dispatch.Dispatcher
	clock      *clockwork.FakeClock
	sender     *typingSender
	changes    atomic.Int64
}

func newFixture(t *testing.T, api *fakeAPI) *fixture {
	t.Helper()
	f := &fixture{
		api:        api,
		dispatcher: dispatch.New(nil, nil),
		clock:      clockwork.NewFakeClockAt(at(30)),
		sender:     &typingSender{},
	}

	var ids atomic.Int64
	s, err := New(Options{
		ConversationID: conversationID,
		SelfID:         selfID,
		API:            api,
		Dispatcher:     f.dispatcher,
		Sender:         f.sender,
		Clock:          f.clock,
		OnChange:       func() { f.changes.Add(1) },
		NewID:          func() string { return fmt.Sprintf("p%d", ids.Add(1)) },
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	f.session = s
	return f
}

func (f *fixture) deliver(id, sender int64, content string, createdAt time.Time) {
	f.dispatcher.Dispatch(model.NewMessage{
		ConversationID: conversationID,
		MessageID:      id,
		SenderID:       sender,
		Content:        content,
		CreatedAt:      createdAt,
	})
}

func (f *fixture) stateOf(provisionalID string) model.DeliveryState {
	m, ok := Find(f.session.Snapshot(), provisionalID)
	if !ok {
		return ""
	}
	return m.DeliveryState
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{API: newFakeAPI(), Dispatcher: dispatch.New(nil, nil)})
	assert.Error(t, err)

	_, err = New(Options{ConversationID: 1, Dispatcher: dispatch.New(nil, nil)})
	assert.Error(t, err)

	_, err = New(Options{ConversationID: 1, API: newFakeAPI()})
	assert.Error(t, err)
}

func TestLoadSeedsHistory(t *testing.T) {
	api := newFakeAPI(
		confirmed(2, peerID, "b", at(2)),
		confirmed(1, selfID, "a", at(1)),
	)
	f := newFixture(t, api)

	require.NoError(t, f.session.Load(context.Background()))

	assert.Equal(t, 100, api.limit)
	assert.Equal(t, 0, api.offset)
	assert.Equal(t, []string{"m1", "m2"}, keys(f.session.Snapshot()))
	assert.Equal(t, 1, f.session.UnreadCount())
}

func TestSendConfirms(t *testing.T) {
	f := newFixture(t, newFakeAPI(confirmed(1, peerID, "a", at(1))))
	require.NoError(t, f.session.Load(context.Background()))

	id, err := f.session.Send("  hello  ")
	require.NoError(t, err)
	assert.Equal(t, "p1", id)

	msgs := f.session.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[1].Content)
	assert.Equal(t, model.DeliveryPending, msgs[1].DeliveryState)
	assert.Equal(t, f.clock.Now(), msgs[1].CreatedAt)

	call := f.api.nextSend(t)
	assert.Equal(t, "hello", call.content)
	call.reply <- sendReply{msg: confirmed(9, selfID, "hello", at(30))}

	require.Eventually(t, func() bool {
		return f.stateOf(id) == model.DeliveryConfirmed
	}, time.Second, time.Millisecond)

	assert.Equal(t, []string{"m1", "p1"}, keys(f.session.Snapshot()))
	assert.Equal(t, int64(9), f.session.Messages()[1].ID)
}

func TestEchoBeforeResponse(t *testing.T) {
	f := newFixture(t, newFakeAPI())

	id, err := f.session.Send("hello")
	require.NoError(t, err)
	call := f.api.nextSend(t)

	f.deliver(9, selfID, "hello", at(30))
	f.deliver(9, selfID, "hello", at(30))

	// the echo cannot be told apart from a send on another socket yet
	msgs := f.session.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(9), msgs[0].ID)
	assert.Equal(t, model.DeliveryPending, f.stateOf(id))

	seen := f.changes.Load()
	call.reply <- sendReply{msg: confirmed(9, selfID, "hello", at(30))}
	require.Eventually(t, func() bool {
		return f.changes.Load() > seen
	}, time.Second, time.Millisecond)

	msgs = f.session.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(9), msgs[0].ID)
	assert.Equal(t, id, msgs[0].ProvisionalID)
	assert.Equal(t, model.DeliveryConfirmed, msgs[0].DeliveryState)
}

func TestOwnEchoThenSendFailure(t *testing.T) {
	f := newFixture(t, newFakeAPI())

	id, err := f.session.Send("ok")
	require.NoError(t, err)
	call := f.api.nextSend(t)

	f.deliver(50, selfID, "ok", at(30))

	call.reply <- sendReply{err: errors.New("502 bad gateway")}
	require.Eventually(t, func() bool {
		return f.stateOf(id) == model.DeliveryFailed
	}, time.Second, time.Millisecond)

	msgs := f.session.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(50), msgs[0].ID)
	assert.Equal(t, model.DeliveryConfirmed, msgs[0].DeliveryState)
	assert.Empty(t, msgs[0].ProvisionalID)
	assert.Equal(t, id, msgs[1].ProvisionalID)
	assert.EqualError(t, msgs[1].Err, "502 bad gateway")
}

func TestSendFailureRetryDiscard(t *testing.T) {
	f := newFixture(t, newFakeAPI())

	id, err := f.session.Send("hello")
	require.NoError(t, err)

	f.api.nextSend(t).reply <- sendReply{err: errors.New("502 bad gateway")}
	require.Eventually(t, func() bool {
		return f.stateOf(id) == model.DeliveryFailed
	}, time.Second, time.Millisecond)

	m, _ := Find(f.session.Snapshot(), id)
	assert.EqualError(t, m.Err, "502 bad gateway")

	require.NoError(t, f.session.Retry(id))
	assert.Equal(t, model.DeliveryPending, f.stateOf(id))
	assert.ErrorIs(t, f.session.Retry(id), ErrUnknownMessage)

	f.api.nextSend(t).reply <- sendReply{err: errors.New("502 bad gateway")}
	require.Eventually(t, func() bool {
		return f.stateOf(id) == model.DeliveryFailed
	}, time.Second, time.Millisecond)

	require.NoError(t, f.session.Discard(id))
	assert.Empty(t, f.session.Messages())
	assert.ErrorIs(t, f.session.Discard(id), ErrUnknownMessage)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, newFakeAPI())

	_, err := f.session.Send("   ")
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = f.session.Send(strings.Repeat("é", MaxContentLength+1))
	assert.ErrorIs(t, err, ErrContentTooLong)

	_, err = f.session.Send(strings.Repeat("é", MaxContentLength))
	require.NoError(t, err)

	_, err = f.session.Send("hello")
	require.NoError(t, err)
	_, err = f.session.Send("hello ")
	assert.ErrorIs(t, err, ErrDuplicatePending)
}

func TestCloseDetachesSession(t *testing.T) {
	f := newFixture(t, newFakeAPI())

	_, err := f.session.Send("in flight")
	require.NoError(t, err)
	f.api.nextSend(t)

	f.session.Close()
	changes := f.changes.Load()

	assert.Zero(t, f.dispatcher.Handlers(model.KindNewMessage))
	assert.Zero(t, f.dispatcher.Handlers(model.KindTyping))

	assert.NotPanics(t, func() {
		f.deliver(5, peerID, "late", at(31))
		f.dispatcher.Dispatch(model.Typing{ConversationID: conversationID, SenderID: peerID, IsTyping: true})
	})
	assert.Equal(t, changes, f.changes.Load())
	assert.Empty(t, f.session.TypingUsers())

	_, err = f.session.Send("after close")
	assert.ErrorIs(t, err, ErrClosed)
	f.session.Close()
}

func TestRemoteMessagesFiltered(t *testing.T) {
	f := newFixture(t, newFakeAPI())

	f.dispatcher.Dispatch(model.NewMessage{ConversationID: 7, MessageID: 1, SenderID: peerID, Content: "elsewhere"})
	f.deliver(2, peerID, "no timestamp", time.Time{})

	msgs := f.session.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(2), msgs[0].ID)
	assert.Equal(t, f.clock.Now(), msgs[0].CreatedAt)
}

func TestMarkReadWhileVisible(t *testing.T) {
	api := newFakeAPI(
		confirmed(1, peerID, "a", at(1)),
		confirmed(2, peerID, "b", at(2)),
		confirmed(3, selfID, "c", at(3)),
	)
	f := newFixture(t, api)
	require.NoError(t, f.session.Load(context.Background()))

	// hidden: nothing is marked
	f.deliver(4, peerID, "d", at(4))
	assert.Empty(t, api.markedIDs())
	assert.Equal(t, 3, f.session.UnreadCount())

	api.setMarkErr(errors.New("503"))
	f.session.SetVisible(true)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, f.session.UnreadCount(), "read state only flips after a successful call")

	api.setMarkErr(nil)
	f.session.SetVisible(true)
	require.Eventually(t, func() bool {
		return f.session.UnreadCount() == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, []int64{4, 2, 1}, api.markedIDs())

	f.deliver(5, peerID, "e", at(5))
	require.Eventually(t, func() bool {
		return f.session.UnreadCount() == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, []int64{4, 2, 1, 5}, api.markedIDs())
}

func TestTypingIndicators(t *testing.T) {
	f := newFixture(t, newFakeAPI())

	f.dispatcher.Dispatch(model.Typing{ConversationID: conversationID, SenderID: peerID, IsTyping: true})
	f.dispatcher.Dispatch(model.Typing{ConversationID: conversationID, SenderID: selfID, IsTyping: true})
	f.dispatcher.Dispatch(model.Typing{ConversationID: 7, SenderID: 3, IsTyping: true})
	assert.Equal(t, []int64{peerID}, f.session.TypingUsers())

	// a message from the typist ends their indicator
	f.deliver(1, peerID, "done typing", at(31))
	assert.Empty(t, f.session.TypingUsers())
}

func TestSendStopsTyping(t *testing.T) {
	f := newFixture(t, newFakeAPI())

	f.session.Keystroke()
	f.session.Keystroke()
	_, err := f.session.Send("hello")
	require.NoError(t, err)

	assert.Equal(t, []bool{true, false}, f.sender.signals())
}
