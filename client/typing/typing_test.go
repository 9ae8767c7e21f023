package typing

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchchat/model"
)

type recordingSender struct {
	mu     sync.Mutex
	frames []model.TypingFrame
	err    error
}

func (s *recordingSender) Send(frame model.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tf, ok := frame.(model.TypingFrame); ok {
		s.frames = append(s.frames, tf)
	}
	return s.err
}

func (s *recordingSender) sent() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bool, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.IsTyping
	}
	return out
}

const waitFor = time.Second

func TestThrottlerSignalsOncePerBurst(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &recordingSender{}
	th := NewThrottler(42, sender, clock, 2*time.Second, nil)

	th.Keystroke()
	clock.Advance(500 * time.Millisecond)
	th.Keystroke()
	clock.Advance(1500 * time.Millisecond)
	th.Keystroke()

	assert.Equal(t, []bool{true}, sender.sent())
	assert.True(t, th.Signaling())

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return len(sender.sent()) == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, []bool{true, false}, sender.sent())
	assert.False(t, th.Signaling())

	th.Keystroke()
	assert.Equal(t, []bool{true, false, true}, sender.sent())
	assert.Equal(t, int64(42), sender.frames[0].ConversationID)
}

func TestThrottlerStopSendsImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &recordingSender{}
	th := NewThrottler(1, sender, clock, 2*time.Second, nil)

	th.Stop()
	assert.Empty(t, sender.sent(), "stop without typing sends nothing")

	th.Keystroke()
	th.Stop()
	assert.Equal(t, []bool{true, false}, sender.sent())

	// the cancelled idle timer must not produce a second typing:false
	clock.Advance(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, []bool{true, false}, sender.sent())
}

func TestThrottlerCloseIsSilent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &recordingSender{}
	th := NewThrottler(1, sender, clock, 2*time.Second, nil)

	th.Keystroke()
	th.Close()
	clock.Advance(5 * time.Second)
	th.Keystroke()
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, []bool{true}, sender.sent())
}

func TestThrottlerToleratesSendErrors(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := &recordingSender{err: errors.New("not open")}
	th := NewThrottler(1, sender, clock, 2*time.Second, nil)

	th.Keystroke()
	th.Keystroke()
	assert.Equal(t, []bool{true}, sender.sent())
}

type changeLog struct {
	mu      sync.Mutex
	changes []string
}

func (c *changeLog) record(userID int64, isTyping bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := "stop"
	if isTyping {
		state = "start"
	}
	c.changes = append(c.changes, state)
}

func (c *changeLog) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.changes...)
}

func TestTrackerExpiresWithoutRefresh(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := &changeLog{}
	tr := NewTracker(clock, 3*time.Second, log.record)

	tr.Observe(7, true)
	assert.True(t, tr.IsTyping(7))

	clock.Advance(2999 * time.Millisecond)
	assert.True(t, tr.IsTyping(7))

	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return !tr.IsTyping(7) }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return len(log.get()) == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"start", "stop"}, log.get())
}

func TestTrackerStopIsImmediate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := &changeLog{}
	tr := NewTracker(clock, 3*time.Second, log.record)

	tr.Observe(7, true)
	clock.Advance(time.Second)
	tr.Observe(7, false)

	assert.False(t, tr.IsTyping(7))
	assert.Equal(t, []string{"start", "stop"}, log.get())

	// the old expiry must not fire a second stop
	clock.Advance(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, []string{"start", "stop"}, log.get())
}

func TestTrackerRefreshExtendsExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := NewTracker(clock, 3*time.Second, nil)

	tr.Observe(7, true)
	tr.Observe(8, true)
	clock.Advance(2 * time.Second)
	tr.Observe(7, true)
	clock.Advance(2 * time.Second)

	require.Eventually(t, func() bool { return !tr.IsTyping(8) }, waitFor, time.Millisecond)
	assert.True(t, tr.IsTyping(7))
	assert.Equal(t, []int64{7}, tr.Users())
}

func TestTrackerClose(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := &changeLog{}
	tr := NewTracker(clock, 3*time.Second, log.record)

	tr.Observe(7, true)
	tr.Close()
	clock.Advance(5 * time.Second)
	tr.Observe(8, true)
	time.Sleep(10 * time.Millisecond)

	assert.Empty(t, tr.Users())
	assert.Equal(t, []string{"start"}, log.get())
}
