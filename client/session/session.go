// Package session keeps the message list of one open conversation consistent
// across optimistic sends, REST confirmations and realtime deliveries.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"matchchat/client/dispatch"
	"matchchat/client/metrics"
	"matchchat/client/typing"
	"matchchat/logging"
	"matchchat/model"
)

const (
	DefaultHistoryPageSize = 100
	DefaultRequestTimeout  = 15 * time.Second

	// MaxContentLength is the longest message the backend accepts, in characters.
	MaxContentLength = 4000
)

var (
	ErrEmptyContent     = errors.New("message content is empty")
	ErrContentTooLong   = fmt.Errorf("message content exceeds %d characters", MaxContentLength)
	ErrDuplicatePending = errors.New("an identical message is already being sent")
	ErrUnknownMessage   = errors.New("no such failed message")
	ErrClosed           = errors.New("session closed")
)

// API is the subset of the REST backend a session depends on.
type API interface {
	FetchMessages(ctx context.Context, conversationID int64, limit, offset int) ([]model.Message, error)
	SendMessage(ctx context.Context, conversationID int64, content string) (model.Message, error)
	MarkRead(ctx context.Context, conversationID, messageID int64) error
}

// Options configures a Session. ConversationID, API and Dispatcher are
// required.
type Options struct {
	ConversationID int64
	SelfID         int64

	API        API
	Dispatcher *dispatch.Dispatcher
	// Sender carries outbound typing signals, usually a connection.Manager
	Sender typing.Sender

	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics *metrics.Collector

	HistoryPageSize int
	RequestTimeout  time.Duration
	TypingIdle      time.Duration
	TypingExpiry    time.Duration

	// OnChange is called after every change to the message list or the
	// typing users. It must not call Close.
	OnChange func()

	// NewID generates provisional ids. Defaults to random UUIDs.
	NewID func() string
}

// Session is the client-side view of one conversation.
type Session struct {
	opts   Options
	clock  clockwork.Clock
	logger *zap.Logger

	throttler *typing.Throttler
	tracker   *typing.Tracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   State
	closed  bool
	visible bool
	marking bool

	unsubscribe []func()
}

func New(opts Options) (*Session, error) {
	if opts.ConversationID == 0 {
		return nil, errors.New("conversation id is required")
	}
	if opts.API == nil {
		return nil, errors.New("api is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.HistoryPageSize <= 0 {
		opts.HistoryPageSize = DefaultHistoryPageSize
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	logger := logging.OrNop(opts.Logger).Named("session").With(zap.Int64("conversation_id", opts.ConversationID))
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		opts:   opts,
		clock:  opts.Clock,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		state: State{
			ConversationID: opts.ConversationID,
			SelfID:         opts.SelfID,
		},
	}
	s.throttler = typing.NewThrottler(opts.ConversationID, opts.Sender, opts.Clock, opts.TypingIdle, logger)
	s.tracker = typing.NewTracker(opts.Clock, opts.TypingExpiry, func(int64, bool) { s.changed() })

	s.unsubscribe = []func(){
		opts.Dispatcher.Subscribe(model.KindNewMessage, s.handleNewMessage),
		opts.Dispatcher.Subscribe(model.KindTyping, s.handleTyping),
	}
	return s, nil
}

// Load fetches the most recent page of history and merges it.
func (s *Session) Load(ctx context.Context) error {
	msgs, err := s.opts.API.FetchMessages(ctx, s.opts.ConversationID, s.opts.HistoryPageSize, 0)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	if !s.apply(HistoryLoaded{Messages: msgs}) {
		return ErrClosed
	}
	s.logger.Debug("History loaded", zap.Int("messages", len(msgs)))
	s.markRead()
	return nil
}

// Send inserts content optimistically and submits it in the background. It
// returns the provisional id of the new entry.
func (s *Session) Send(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return "", ErrContentTooLong
	}

	id := s.opts.NewID()
	now := s.clock.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if HasPending(s.state, content) {
		s.mu.Unlock()
		return "", ErrDuplicatePending
	}
	s.state = Reduce(s.state, LocalSubmitted{ProvisionalID: id, Content: content, SubmittedAt: now})
	s.wg.Add(1)
	s.mu.Unlock()

	s.throttler.Stop()
	s.changed()
	go s.submit(id, content)
	return id, nil
}

// Retry resubmits a failed message.
func (s *Session) Retry(provisionalID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	m, ok := Find(s.state, provisionalID)
	if !ok || m.DeliveryState != model.DeliveryFailed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, provisionalID)
	}
	if HasPending(s.state, m.Content) {
		s.mu.Unlock()
		return ErrDuplicatePending
	}
	s.state = Reduce(s.state, RetryRequested{ProvisionalID: provisionalID})
	s.wg.Add(1)
	s.mu.Unlock()

	s.changed()
	go s.submit(provisionalID, m.Content)
	return nil
}

// Discard removes a failed message.
func (s *Session) Discard(provisionalID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	m, ok := Find(s.state, provisionalID)
	if !ok || m.DeliveryState != model.DeliveryFailed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, provisionalID)
	}
	s.state = Reduce(s.state, Discarded{ProvisionalID: provisionalID})
	s.mu.Unlock()

	s.changed()
	return nil
}

// SetVisible records whether the conversation is on screen. While visible,
// unread messages from other participants are marked read.
func (s *Session) SetVisible(visible bool) {
	s.mu.Lock()
	s.visible = visible
	s.mu.Unlock()

	if visible {
		s.markRead()
	}
}

// Keystroke reports local typing activity.
func (s *Session) Keystroke() {
	s.throttler.Keystroke()
}

// Messages returns a snapshot of the message list.
func (s *Session) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.state.Messages...)
}

// Snapshot returns a copy of the full reducer state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.Messages = append([]model.Message(nil), s.state.Messages...)
	return st
}

// TypingUsers returns the other participants currently typing.
func (s *Session) TypingUsers() []int64 {
	return s.tracker.Users()
}

func (s *Session) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return UnreadCount(s.state)
}

// Close detaches the session from the dispatcher, stops its timers and
// waits for in-flight requests to return. Responses arriving after Close are
// ignored.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	for _, unsub := range s.unsubscribe {
		unsub()
	}
	s.throttler.Close()
	s.tracker.Close()
	s.cancel()
	s.wg.Wait()
}

func (s *Session) submit(provisionalID, content string) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.RequestTimeout)
	defer cancel()

	start := s.clock.Now()
	msg, err := s.opts.API.SendMessage(ctx, s.opts.ConversationID, content)
	if err != nil {
		s.opts.Metrics.RecordSend(metrics.ResultFailed, 0)
		s.logger.Warn("Send failed", zap.String("provisional_id", provisionalID), zap.Error(err))
		s.apply(SendFailed{ProvisionalID: provisionalID, Err: err})
		return
	}

	s.opts.Metrics.RecordSend(metrics.ResultOK, s.clock.Since(start))
	s.apply(SendSucceeded{ProvisionalID: provisionalID, Message: msg})
}

func (s *Session) handleNewMessage(ev model.InboundEvent) {
	e := ev.(model.NewMessage)
	if e.ConversationID != s.opts.ConversationID {
		return
	}

	msg := model.MessageFromEvent(e)
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.clock.Now()
	}
	if !s.apply(RemoteReceived{Message: msg}) {
		return
	}

	if e.SenderID != s.opts.SelfID {
		s.tracker.Observe(e.SenderID, false)
	}
	s.markRead()
}

func (s *Session) handleTyping(ev model.InboundEvent) {
	e := ev.(model.Typing)
	if e.ConversationID != s.opts.ConversationID || e.SenderID == s.opts.SelfID {
		return
	}
	s.tracker.Observe(e.SenderID, e.IsTyping)
}

// markRead starts the mark-as-read loop unless it is already running.
func (s *Session) markRead() {
	s.mu.Lock()
	if s.closed || !s.visible || s.marking {
		s.mu.Unlock()
		return
	}
	target, ok := LatestUnread(s.state)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.marking = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.markLoop(target)
}

// markLoop marks unread messages newest first, one request each, until none
// remain, the view is hidden or a request fails.
func (s *Session) markLoop(target model.Message) {
	defer s.wg.Done()

	for {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.RequestTimeout)
		err := s.opts.API.MarkRead(ctx, s.opts.ConversationID, target.ID)
		cancel()

		s.mu.Lock()
		if s.closed {
			s.marking = false
			s.mu.Unlock()
			return
		}
		if err != nil {
			s.marking = false
			s.mu.Unlock()
			s.logger.Warn("Mark as read failed", zap.Int64("message_id", target.ID), zap.Error(err))
			return
		}

		s.state = Reduce(s.state, MarkedRead{MessageID: target.ID})
		next, more := LatestUnread(s.state)
		if !more || !s.visible {
			s.marking = false
			s.mu.Unlock()
			s.changed()
			return
		}
		s.mu.Unlock()

		s.changed()
		target = next
	}
}

// apply reduces ev into the session state. It reports false once the
// session is closed.
func (s *Session) apply(ev Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.state = Reduce(s.state, ev)
	s.mu.Unlock()

	s.changed()
	return true
}

func (s *Session) changed() {
	if s.opts.OnChange == nil {
		return
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.opts.OnChange()
	}
}
