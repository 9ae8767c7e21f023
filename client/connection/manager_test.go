package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchchat/client/dispatch"
	"matchchat/model"
)

var errTransportClosed = errors.New("transport closed")

type fakeTransport struct {
	in   chan []byte
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	written []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:   make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.done:
		return nil, errTransportClosed
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, string(data))
	return nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *fakeTransport) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.written...)
}

type fakeDialer struct {
	mu         sync.Mutex
	urls       []string
	transports []*fakeTransport
	dial       func(ctx context.Context, n int) (Transport, error)
}

// succeed makes every dial return a fresh fakeTransport.
func succeed() *fakeDialer {
	d := &fakeDialer{}
	d.dial = func(context.Context, int) (Transport, error) {
		t := newFakeTransport()
		d.mu.Lock()
		d.transports = append(d.transports, t)
		d.mu.Unlock()
		return t, nil
	}
	return d
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	n := len(d.urls)
	fn := d.dial
	d.mu.Unlock()
	return fn(ctx, n)
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[i]
}

type harness struct {
	manager    *Manager
	clock      *clockwork.FakeClock
	dispatcher *dispatch.Dispatcher
	changes    chan StateChange
}

func newHarness(t *testing.T, dialer Dialer) *harness {
	t.Helper()
	h := &harness{
		clock:      clockwork.NewFakeClock(),
		dispatcher: dispatch.New(nil, nil),
		changes:    make(chan StateChange, 64),
	}

	cfg := Config{
		URL:               "ws://chat.test/ws",
		HeartbeatInterval: 30 * time.Second,
		BaseDelay:         time.Second,
		MaxAttempts:       5,
	}
	m, err := New(cfg, dialer, h.dispatcher, WithClock(h.clock))
	require.NoError(t, err)
	m.OnStateChange(func(c StateChange) { h.changes <- c })
	t.Cleanup(m.Close)

	h.manager = m
	return h
}

func (h *harness) expect(t *testing.T, to State) StateChange {
	t.Helper()
	select {
	case c := <-h.changes:
		require.Equal(t, to, c.To, "unexpected transition %+v", c)
		return c
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", to)
		return StateChange{}
	}
}

func (h *harness) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case c := <-h.changes:
		t.Fatalf("unexpected transition %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(Config{URL: "http://chat.test/ws"}, nil, nil)
	assert.Error(t, err)
}

func TestConnectOpens(t *testing.T) {
	dialer := succeed()
	h := newHarness(t, dialer)

	require.NoError(t, h.manager.Connect("s3cret"))
	assert.Equal(t, StateChange{From: StateIdle, To: StateConnecting}, h.expect(t, StateConnecting))
	assert.Equal(t, StateConnecting, h.expect(t, StateOpen).From)

	assert.Equal(t, StateOpen, h.manager.State())
	assert.Equal(t, []string{"ws://chat.test/ws?token=s3cret"}, dialer.urls)
}

func TestConnectRequiresIdleOrReconnecting(t *testing.T) {
	h := newHarness(t, succeed())

	assert.ErrorIs(t, h.manager.Connect(""), ErrNoToken)

	require.NoError(t, h.manager.Connect("tok"))
	h.expect(t, StateConnecting)
	h.expect(t, StateOpen)

	err := h.manager.Connect("tok")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateOpen, h.manager.State())
	h.expectQuiet(t)
}

func TestReconnectBackoff(t *testing.T) {
	dialer := &fakeDialer{dial: func(context.Context, int) (Transport, error) {
		return nil, errors.New("connection refused")
	}}
	h := newHarness(t, dialer)

	require.NoError(t, h.manager.Connect("tok"))
	h.expect(t, StateConnecting)

	wantDelays := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}
	for i, want := range wantDelays {
		c := h.expect(t, StateReconnecting)
		assert.Equal(t, i+1, c.Attempt)
		assert.Equal(t, want, c.Delay)
		assert.Error(t, c.Err)

		if i == 0 {
			h.clock.Advance(want - time.Millisecond)
			h.expectQuiet(t)
			h.clock.Advance(time.Millisecond)
		} else {
			h.clock.Advance(want)
		}
		h.expect(t, StateConnecting)
	}

	final := h.expect(t, StateIdle)
	assert.ErrorIs(t, final.Err, ErrReconnectExhausted)
	assert.Equal(t, 5, final.Attempt)

	// no sixth attempt
	h.clock.Advance(time.Hour)
	h.expectQuiet(t)
	assert.Equal(t, 6, dialer.count())
	assert.Zero(t, h.manager.Attempt())

	// a manual connect starts over with a full budget
	require.NoError(t, h.manager.Connect("tok"))
	h.expect(t, StateConnecting)
	c := h.expect(t, StateReconnecting)
	assert.Equal(t, 1, c.Attempt)
	assert.Equal(t, time.Second, c.Delay)
}

func TestAckResetsAttempts(t *testing.T) {
	dialer := succeed()
	h := newHarness(t, dialer)

	require.NoError(t, h.manager.Connect("tok"))
	h.expect(t, StateConnecting)
	h.expect(t, StateOpen)

	// server drops the socket before acknowledging
	dialer.transport(0).Close()
	c := h.expect(t, StateReconnecting)
	assert.Equal(t, 1, c.Attempt)
	assert.ErrorIs(t, c.Err, errTransportClosed)

	h.clock.Advance(time.Second)
	h.expect(t, StateConnecting)
	h.expect(t, StateOpen)

	dialer.transport(1).Close()
	c = h.expect(t, StateReconnecting)
	assert.Equal(t, 2, c.Attempt)
	assert.Equal(t, 2*time.Second, c.Delay)

	h.clock.Advance(2 * time.Second)
	h.expect(t, StateConnecting)
	h.expect(t, StateOpen)

	dialer.transport(2).in <- []byte(`{"type":"connection","status":"connected","user_id":7}`)
	require.Eventually(t, func() bool { return h.manager.Attempt() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(7), h.manager.UserID())

	dialer.transport(2).Close()
	c = h.expect(t, StateReconnecting)
	assert.Equal(t, 1, c.Attempt)
	assert.Equal(t, time.Second, c.Delay)
}

func TestDisconnectIsFinal(t *testing.T) {
	dialer := succeed()
	h := newHarness(t, dialer)

	require.NoError(t, h.manager.Connect("tok"))
	h.expect(t, StateConnecting)
	h.expect(t, StateOpen)

	h.manager.Disconnect()
	h.expect(t, StateClosing)
	h.expect(t, StateIdle)
	assert.True(t, dialer.transport(0).closed())

	h.clock.Advance(time.Hour)
	h.expectQuiet(t)
	assert.Equal(t, 1, dialer.count())

	h.manager.Disconnect()
	h.expectQuiet(t)
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	dialer := &fakeDialer{dial: func(context.Context, int) (Transport, error) {
		return nil, errors.New("connection refused")
	}}
	h := newHarness(t, dialer)

	require.NoError(t, h.manager.Connect("tok"))
	h.expect(t, StateConnecting)
	h.expect(t, StateReconnecting)

	h.manager.Disconnect()
	h.expect(t, StateIdle)

	h.clock.Advance(time.Minute)
	h.expectQuiet(t)
	assert.Equal(t, 1, dialer.count())
	assert.Zero(t, h.manager.Attempt())
}

func TestDisconnectDuringDial(t *testing.T) {
	dialer := &fakeDialer{dial: func(ctx context.Context, _ int) (Transport, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, dialer)

	require.NoError(t, h.manager.Connect("tok"))
	h.expect(t, StateConnecting)

	h.manager.Disconnect()
	h.expect(t, StateIdle)
	h.expectQuiet(t)
}

func TestHeartbeat(t *testing.T) {
	dialer := succeed()
	h := newHarness(t, dialer)

	require.NoError(t, h.manager.Connect("tok"))
	h.expect(t, StateConnecting)
	h.expect(t, StateOpen)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))

	transport := dialer.transport(0)
	h.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		return len(transport.writes()) == 1
	}, time.Second, time.Millisecond)
	assert.JSONEq(t, `{"type":"ping"}`, transport.writes()[0])

	assert.True(t, h.manager.LastPongAt().IsZero())
	transport.in <- []byte(`{"type":"pong"}`)
	require.Eventually(t, func() bool {
		return h.manager.LastPongAt().Equal(h.clock.Now())
	}, time.Second, time.Millisecond)
}

func TestSendRequiresOpen(t *testing.T) {
	dialer := succeed()
	h := newHarness(t, dialer)

	err := h.manager.Send(model.TypingSignal(1, true))
	assert.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, h.manager.Connect("tok"))
	h.expect(t, StateConnecting)
	h.expect(t, StateOpen)

	require.NoError(t, h.manager.Send(model.TypingSignal(1, true)))
	assert.JSONEq(t, `{"type":"typing","conversation_id":1,"is_typing":true}`, dialer.transport(0).writes()[0])
}

func TestInboundFramesReachDispatcher(t *testing.T) {
	dialer := succeed()
	h := newHarness(t, dialer)

	received := make(chan model.InboundEvent, 1)
	h.dispatcher.Subscribe(model.KindNewMessage, func(ev model.InboundEvent) { received <- ev })

	require.NoError(t, h.manager.Connect("tok"))
	h.expect(t, StateConnecting)
	h.expect(t, StateOpen)

	dialer.transport(0).in <- []byte(`{"type":"garbage"}`)
	dialer.transport(0).in <- []byte(`{"type":"new_message","conversation_id":3,"message_id":9,"sender_id":2,"content":"hi"}`)

	select {
	case ev := <-received:
		assert.Equal(t, int64(9), ev.(model.NewMessage).MessageID)
	case <-time.After(time.Second):
		t.Fatal("new_message not dispatched")
	}
	assert.Equal(t, StateOpen, h.manager.State())
}
