// Package typing implements the typing indicator on both sides of the wire:
// Throttler turns local keystrokes into start/stop signals and Tracker expires
// signals received from other participants.
package typing

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"matchchat/logging"
	"matchchat/model"
)

const (
	DefaultIdleTimeout = 2 * time.Second
	DefaultExpiry      = 3 * time.Second
)

// Sender delivers outbound frames. connection.Manager satisfies it.
type Sender interface {
	Send(frame model.Outbound) error
}

// Throttler emits at most one typing:true per burst of keystrokes and a
// typing:false once the user pauses for the idle timeout.
type Throttler struct {
	conversationID int64
	sender         Sender
	clock          clockwork.Clock
	idle           time.Duration
	logger         *zap.Logger

	mu        sync.Mutex
	signaling bool
	timer     clockwork.Timer
	gen       uint64
	closed    bool
}

func NewThrottler(conversationID int64, sender Sender, clock clockwork.Clock, idle time.Duration, logger *zap.Logger) *Throttler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Throttler{
		conversationID: conversationID,
		sender:         sender,
		clock:          clock,
		idle:           idle,
		logger:         logging.OrNop(logger).Named("typing").With(zap.Int64("conversation_id", conversationID)),
	}
}

// Keystroke records local typing activity.
func (t *Throttler) Keystroke() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	if !t.signaling {
		t.signaling = true
		t.send(true)
	}

	t.stopTimerLocked()
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.idle, func() { t.expire(gen) })
}

// Stop ends the current typing burst immediately, e.g. because the message
// was sent.
func (t *Throttler) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	t.stopTimerLocked()
	if t.signaling {
		t.signaling = false
		t.send(false)
	}
}

// Close cancels the idle timer without signalling. The throttler ignores
// further calls.
func (t *Throttler) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.signaling = false
	t.stopTimerLocked()
}

// Signaling reports whether a typing:true is currently outstanding.
func (t *Throttler) Signaling() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.signaling
}

func (t *Throttler) expire(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || gen != t.gen || !t.signaling {
		return
	}
	t.timer = nil
	t.signaling = false
	t.send(false)
}

// stopTimerLocked cancels the pending idle timer and invalidates any fire
// already in flight.
func (t *Throttler) stopTimerLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Throttler) send(isTyping bool) {
	if t.sender == nil {
		return
	}
	if err := t.sender.Send(model.TypingSignal(t.conversationID, isTyping)); err != nil {
		t.logger.Debug("Typing signal not sent", zap.Bool("is_typing", isTyping), zap.Error(err))
	}
}
