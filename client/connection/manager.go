// Package connection owns the realtime socket: it dials, keeps the session
// alive with pings, reconnects with exponential backoff and hands inbound
// frames to the dispatcher.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"matchchat/client/dispatch"
	"matchchat/client/metrics"
	"matchchat/logging"
	"matchchat/model"
)

// State represents the connection lifecycle state
type State string

const (
	StateIdle         State = "IDLE"
	StateConnecting   State = "CONNECTING"
	StateOpen         State = "OPEN"
	StateClosing      State = "CLOSING"
	StateReconnecting State = "RECONNECTING"
)

var (
	ErrInvalidState       = errors.New("invalid connection state")
	ErrNotOpen            = errors.New("connection not open")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrNoToken            = errors.New("no token")
)

// StateChange describes one transition. Attempt and Delay are set when a
// reconnect is scheduled; Err carries the cause of an unexpected close or,
// on the final transition to IDLE, ErrReconnectExhausted.
type StateChange struct {
	From    State
	To      State
	Attempt int
	Delay   time.Duration
	Err     error
}

// Config holds connection settings
type Config struct {
	// URL is the realtime endpoint, e.g. ws://localhost:8000/ws
	URL string

	HeartbeatInterval time.Duration
	BaseDelay         time.Duration
	MaxAttempts       int

	// HandshakeTimeout bounds a single dial. Zero means no bound.
	HandshakeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:               "ws://localhost:8000/ws",
		HeartbeatInterval: 30 * time.Second,
		BaseDelay:         time.Second,
		MaxAttempts:       5,
		HandshakeTimeout:  10 * time.Second,
	}
}

type Option func(*Manager)

func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(m *Manager) { m.collector = collector }
}

type observer struct {
	id uint64
	fn func(StateChange)
}

// Manager is the single owner of the realtime connection state. Other
// components observe it through OnStateChange and the dispatcher.
type Manager struct {
	cfg        Config
	endpoint   *url.URL
	dialer     Dialer
	dispatcher *dispatch.Dispatcher
	clock      clockwork.Clock
	logger     *zap.Logger
	collector  *metrics.Collector

	mu            sync.Mutex
	state         State
	token         string
	attempt       int
	gen           uint64
	transport     Transport
	cancelDial    context.CancelFunc
	retryTimer    clockwork.Timer
	heartbeat     clockwork.Ticker
	stopHeartbeat chan struct{}
	userID        int64
	lastPingAt    time.Time
	lastPongAt    time.Time
	pending       []StateChange
	observers     []observer
	nextObserver  uint64

	writeMu  sync.Mutex
	notifyMu sync.Mutex

	unsubscribe []func()
}

// New creates a manager in the IDLE state.
func New(cfg Config, dialer Dialer, dispatcher *dispatch.Dispatcher, opts ...Option) (*Manager, error) {
	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	if endpoint.Scheme != "ws" && endpoint.Scheme != "wss" {
		return nil, fmt.Errorf("realtime url must use ws or wss, got %q", endpoint.Scheme)
	}

	defaults := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	if dispatcher == nil {
		dispatcher = dispatch.New(nil, nil)
	}

	m := &Manager{
		cfg:        cfg,
		endpoint:   endpoint,
		dialer:     dialer,
		dispatcher: dispatcher,
		clock:      clockwork.NewRealClock(),
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrNop(m.logger).Named("connection")

	m.unsubscribe = append(m.unsubscribe,
		dispatcher.Subscribe(model.KindConnectionAck, m.handleAck),
		dispatcher.Subscribe(model.KindPong, m.handlePong),
	)
	return m, nil
}

// Connect starts connecting with token. It is valid from IDLE or
// RECONNECTING and returns without waiting for the dial.
func (m *Manager) Connect(token string) error {
	if token == "" {
		return ErrNoToken
	}

	m.mu.Lock()
	if m.state != StateIdle && m.state != StateReconnecting {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: connect while %s", ErrInvalidState, state)
	}
	m.beginConnectLocked(token)
	m.mu.Unlock()

	m.flush()
	return nil
}

// Disconnect closes the connection and cancels any pending reconnect. It is
// valid from every state and idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.attempt = 0
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}

	// invalidate the dial, read loop and retry timer of the current generation
	m.gen++
	m.stopRetryLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.stopHeartbeatLocked()

	transport := m.transport
	m.transport = nil
	if transport != nil {
		m.setStateLocked(StateChange{To: StateClosing})
	}
	m.mu.Unlock()
	m.flush()

	if transport != nil {
		if err := transport.Close(); err != nil {
			m.logger.Debug("Error closing transport", zap.Error(err))
		}
	}

	m.mu.Lock()
	m.setStateLocked(StateChange{To: StateIdle})
	m.mu.Unlock()
	m.flush()

	m.logger.Info("Disconnected")
}

// Close disconnects and detaches the manager from its dispatcher.
func (m *Manager) Close() {
	m.Disconnect()
	for _, unsub := range m.unsubscribe {
		unsub()
	}
}

// Send writes frame if the connection is OPEN. In any other state the frame
// is dropped and ErrNotOpen returned.
func (m *Manager) Send(frame model.Outbound) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", frame.FrameType(), err)
	}

	m.mu.Lock()
	state, transport := m.state, m.transport
	m.mu.Unlock()

	if state != StateOpen || transport == nil {
		m.logger.Debug("Dropping outbound frame",
			zap.String("type", frame.FrameType()),
			zap.String("state", string(state)))
		return fmt.Errorf("%w: %s", ErrNotOpen, state)
	}

	m.writeMu.Lock()
	err = transport.WriteMessage(data)
	m.writeMu.Unlock()
	if err != nil {
		// the read loop observes the broken transport and reconnects
		m.logger.Warn("Failed to write frame", zap.String("type", frame.FrameType()), zap.Error(err))
		return fmt.Errorf("write %s frame: %w", frame.FrameType(), err)
	}

	m.collector.RecordSent(frame.FrameType())
	return nil
}

// OnStateChange registers fn for every subsequent transition. Changes are
// delivered in order, outside the manager's lock.
func (m *Manager) OnStateChange(fn func(StateChange)) func() {
	m.mu.Lock()
	m.nextObserver++
	id := m.nextObserver
	m.observers = append(m.observers, observer{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, o := range m.observers {
				if o.id == id {
					m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
					return
				}
			}
		})
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the number of reconnects scheduled since the last
// acknowledged connection.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// LastPongAt returns when the last pong arrived, or the zero time.
func (m *Manager) LastPongAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPongAt
}

// UserID returns the user id from the server's connection acknowledgement.
func (m *Manager) UserID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

func (m *Manager) beginConnectLocked(token string) {
	m.token = token
	m.stopRetryLocked()
	m.gen++
	gen := m.gen

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if m.cfg.HandshakeTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	m.cancelDial = cancel

	m.setStateLocked(StateChange{To: StateConnecting, Attempt: m.attempt})
	go m.dial(ctx, cancel, gen, m.dialURL(token))
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, target string) {
	defer cancel()

	start := m.clock.Now()
	transport, err := m.dialer.Dial(ctx, target)

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		if transport != nil {
			transport.Close()
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		m.logger.Warn("Dial failed", zap.String("host", m.endpoint.Host), zap.Error(err))
		m.scheduleReconnectLocked(err)
		m.mu.Unlock()
		m.flush()
		return
	}

	m.transport = transport
	m.startHeartbeatLocked()
	m.setStateLocked(StateChange{To: StateOpen})
	m.mu.Unlock()

	m.collector.Observe(metrics.SeriesConnect, m.clock.Since(start))
	m.logger.Info("Connected", zap.String("host", m.endpoint.Host))
	m.flush()

	m.readLoop(gen, transport)
}

func (m *Manager) readLoop(gen uint64, transport Transport) {
	for {
		data, err := transport.ReadMessage()
		if err != nil {
			m.handleDrop(gen, err)
			return
		}
		m.dispatcher.DispatchFrame(data)
	}
}

func (m *Manager) handleDrop(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateOpen {
		// closed on purpose
		m.mu.Unlock()
		return
	}

	m.stopHeartbeatLocked()
	transport := m.transport
	m.transport = nil
	m.logger.Warn("Connection lost", zap.Error(cause))
	m.scheduleReconnectLocked(cause)
	m.mu.Unlock()

	transport.Close()
	m.flush()
}

// scheduleReconnectLocked applies the backoff policy after a failed dial or
// an unexpected close.
func (m *Manager) scheduleReconnectLocked(cause error) {
	if m.attempt >= m.cfg.MaxAttempts {
		attempts := m.attempt
		m.attempt = 0
		err := fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempts, cause)
		m.logger.Error("Giving up on realtime connection", zap.Int("attempts", attempts), zap.Error(cause))
		m.setStateLocked(StateChange{To: StateIdle, Attempt: attempts, Err: err})
		return
	}

	m.attempt++
	delay := m.cfg.BaseDelay << (m.attempt - 1)
	gen := m.gen
	m.retryTimer = m.clock.AfterFunc(delay, func() { m.retry(gen) })
	m.collector.RecordReconnect()

	m.logger.Info("Scheduling reconnect",
		zap.Int("attempt", m.attempt),
		zap.Int("max_attempts", m.cfg.MaxAttempts),
		zap.Duration("delay", delay))
	m.setStateLocked(StateChange{To: StateReconnecting, Attempt: m.attempt, Delay: delay, Err: cause})
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.beginConnectLocked(m.token)
	m.mu.Unlock()
	m.flush()
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) startHeartbeatLocked() {
	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	stop := make(chan struct{})
	m.heartbeat = ticker
	m.stopHeartbeat = stop

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				m.mu.Lock()
				m.lastPingAt = m.clock.Now()
				m.mu.Unlock()
				if err := m.Send(model.Ping()); err != nil {
					m.logger.Debug("Heartbeat ping failed", zap.Error(err))
				}
			}
		}
	}()
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeat == nil {
		return
	}
	m.heartbeat.Stop()
	close(m.stopHeartbeat)
	m.heartbeat = nil
	m.stopHeartbeat = nil
}

func (m *Manager) handleAck(ev model.InboundEvent) {
	ack := ev.(model.ConnectionAck)

	m.mu.Lock()
	m.attempt = 0
	m.userID = ack.UserID
	m.mu.Unlock()

	m.logger.Info("Connection acknowledged", zap.Int64("user_id", ack.UserID), zap.String("status", ack.Status))
}

func (m *Manager) handlePong(model.InboundEvent) {
	m.mu.Lock()
	m.lastPongAt = m.clock.Now()
	rtt := m.lastPongAt.Sub(m.lastPingAt)
	measured := !m.lastPingAt.IsZero()
	m.mu.Unlock()

	if measured {
		m.collector.Observe(metrics.SeriesPong, rtt)
	}
}

func (m *Manager) dialURL(token string) string {
	u := *m.endpoint
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// setStateLocked records a transition and queues it for observers. Callers
// must hold m.mu and call flush after unlocking.
func (m *Manager) setStateLocked(change StateChange) {
	change.From = m.state
	if change.From == change.To && change.Err == nil {
		return
	}
	m.state = change.To
	m.pending = append(m.pending, change)
	m.collector.RecordTransition(string(change.To))
}

// flush delivers queued transitions in order. Only one goroutine delivers at
// a time; an observer that triggers another transition has it queued behind
// the current one.
func (m *Manager) flush() {
	for {
		if !m.notifyMu.TryLock() {
			return
		}
		m.deliverPending()
		m.notifyMu.Unlock()

		m.mu.Lock()
		empty := len(m.pending) == 0
		m.mu.Unlock()
		if empty {
			return
		}
	}
}

func (m *Manager) deliverPending() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return
		}
		change := m.pending[0]
		m.pending = m.pending[1:]
		observers := append([]observer(nil), m.observers...)
		m.mu.Unlock()

		for _, o := range observers {
			o.fn(change)
		}
	}
}
