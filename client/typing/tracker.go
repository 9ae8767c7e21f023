package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ChangeFunc is called whenever a user starts or stops being shown as typing.
type ChangeFunc func(userID int64, isTyping bool)

type entry struct {
	gen   uint64
	timer clockwork.Timer
}

// Tracker holds the typing state of remote participants. A typing:true
// signal expires on its own unless refreshed.
type Tracker struct {
	clock    clockwork.Clock
	expiry   time.Duration
	onChange ChangeFunc

	mu     sync.Mutex
	users  map[int64]*entry
	gen    uint64
	closed bool
}

func NewTracker(clock clockwork.Clock, expiry time.Duration, onChange ChangeFunc) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Tracker{
		clock:    clock,
		expiry:   expiry,
		onChange: onChange,
		users:    make(map[int64]*entry),
	}
}

// Observe applies a typing signal from userID.
func (t *Tracker) Observe(userID int64, isTyping bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	e, existed := t.users[userID]
	if existed {
		e.timer.Stop()
	}

	changed := false
	if isTyping {
		t.gen++
		gen := t.gen
		t.users[userID] = &entry{
			gen:   gen,
			timer: t.clock.AfterFunc(t.expiry, func() { t.expire(userID, gen) }),
		}
		changed = !existed
	} else if existed {
		delete(t.users, userID)
		changed = true
	}
	t.mu.Unlock()

	if changed && t.onChange != nil {
		t.onChange(userID, isTyping)
	}
}

// IsTyping reports whether userID is currently shown as typing.
func (t *Tracker) IsTyping(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.users[userID]
	return ok
}

// Users returns the typing users in ascending id order.
func (t *Tracker) Users() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]int64, 0, len(t.users))
	for id := range t.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close stops every expiry timer. No change callbacks fire afterwards.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, e := range t.users {
		e.timer.Stop()
		delete(t.users, id)
	}
}

func (t *Tracker) expire(userID int64, gen uint64) {
	t.mu.Lock()
	e, ok := t.users[userID]
	if t.closed || !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.users, userID)
	t.mu.Unlock()

	if t.onChange != nil {
		t.onChange(userID, false)
	}
}
