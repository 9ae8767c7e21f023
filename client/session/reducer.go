package session

import (
	"sort"
	"time"

	"matchchat/model"
)

// State is the message list of one conversation as seen by one user.
// Confirmed messages come first, ordered by (CreatedAt, ID); pending and
// failed messages follow in submission order.
type State struct {
	ConversationID int64
	SelfID         int64
	Messages       []model.Message
}

// Event is an input to Reduce.
type Event interface {
	sessionEvent()
}

// HistoryLoaded carries a page of server history.
type HistoryLoaded struct {
	Messages []model.Message
}

// LocalSubmitted adds an optimistic entry for a message the user just sent.
type LocalSubmitted struct {
	ProvisionalID string
	Content       string
	SubmittedAt   time.Time
}

// SendSucceeded carries the server's copy of a locally submitted message.
type SendSucceeded struct {
	ProvisionalID string
	Message       model.Message
}

type SendFailed struct {
	ProvisionalID string
	Err           error
}

// RemoteReceived carries a message delivered over the realtime connection.
type RemoteReceived struct {
	Message model.Message
}

type MarkedRead struct {
	MessageID int64
}

type RetryRequested struct {
	ProvisionalID string
}

type Discarded struct {
	ProvisionalID string
}

func (HistoryLoaded) sessionEvent()  {}
func (LocalSubmitted) sessionEvent() {}
func (SendSucceeded) sessionEvent()  {}
func (SendFailed) sessionEvent()     {}
func (RemoteReceived) sessionEvent() {}
func (MarkedRead) sessionEvent()     {}
func (RetryRequested) sessionEvent() {}
func (Discarded) sessionEvent()      {}

// Reduce applies ev to s and returns the resulting state. s is not modified.
// Events that do not apply (unknown ids, duplicates) return an equal state.
func Reduce(s State, ev Event) State {
	msgs := append([]model.Message(nil), s.Messages...)

	switch e := ev.(type) {
	case HistoryLoaded:
		for _, m := range e.Messages {
			if m.ConversationID != 0 && m.ConversationID != s.ConversationID {
				continue
			}
			m.ConversationID = s.ConversationID
			m.DeliveryState = model.DeliveryConfirmed
			m.Err = nil
			if i := indexByID(msgs, m.ID); i >= 0 {
				m.ProvisionalID = msgs[i].ProvisionalID
				msgs = removeAt(msgs, i)
			}
			msgs = insertConfirmed(msgs, m)
		}

	case LocalSubmitted:
		if e.ProvisionalID == "" || indexByProvisional(msgs, e.ProvisionalID) >= 0 || HasPending(s, e.Content) {
			return s
		}
		msgs = append(msgs, model.Message{
			ProvisionalID:  e.ProvisionalID,
			ConversationID: s.ConversationID,
			SenderID:       s.SelfID,
			Content:        e.Content,
			MessageType:    model.MessageTypeText,
			CreatedAt:      e.SubmittedAt,
			IsRead:         true,
			DeliveryState:  model.DeliveryPending,
		})

	case SendSucceeded:
		confirmed := e.Message
		confirmed.ProvisionalID = e.ProvisionalID
		confirmed.ConversationID = s.ConversationID
		confirmed.DeliveryState = model.DeliveryConfirmed
		confirmed.Err = nil
		if confirmed.SenderID == s.SelfID {
			confirmed.IsRead = true
		}

		if i := indexByProvisional(msgs, e.ProvisionalID); i >= 0 {
			if msgs[i].DeliveryState == model.DeliveryConfirmed && msgs[i].ID != confirmed.ID {
				return s
			}
			msgs = removeAt(msgs, i)
		}
		if i := indexByID(msgs, confirmed.ID); i >= 0 {
			// the realtime echo got here first
			if msgs[i].ProvisionalID == "" {
				msgs[i].ProvisionalID = e.ProvisionalID
			}
			break
		}
		msgs = insertConfirmed(msgs, confirmed)

	case SendFailed:
		i := indexByProvisional(msgs, e.ProvisionalID)
		if i < 0 || msgs[i].DeliveryState != model.DeliveryPending {
			return s
		}
		msgs[i].DeliveryState = model.DeliveryFailed
		msgs[i].Err = e.Err

	case RemoteReceived:
		m := e.Message
		if m.ConversationID != s.ConversationID || indexByID(msgs, m.ID) >= 0 {
			return s
		}
		m.DeliveryState = model.DeliveryConfirmed
		m.Err = nil
		// own echoes are matched to local entries only through SendSucceeded
		if m.SenderID == s.SelfID {
			m.IsRead = true
		}
		msgs = insertConfirmed(msgs, m)

	case MarkedRead:
		i := indexByID(msgs, e.MessageID)
		if i < 0 || msgs[i].IsRead {
			return s
		}
		msgs[i].IsRead = true

	case RetryRequested:
		i := indexByProvisional(msgs, e.ProvisionalID)
		if i < 0 || msgs[i].DeliveryState != model.DeliveryFailed || HasPending(s, msgs[i].Content) {
			return s
		}
		msgs[i].DeliveryState = model.DeliveryPending
		msgs[i].Err = nil

	case Discarded:
		i := indexByProvisional(msgs, e.ProvisionalID)
		if i < 0 || msgs[i].DeliveryState != model.DeliveryFailed {
			return s
		}
		msgs = removeAt(msgs, i)

	default:
		return s
	}

	s.Messages = msgs
	return s
}

// HasPending reports whether a pending message with this content exists.
func HasPending(s State, content string) bool {
	for _, m := range s.Messages {
		if m.DeliveryState == model.DeliveryPending && m.Content == content {
			return true
		}
	}
	return false
}

// Find returns the message with the given provisional id.
func Find(s State, provisionalID string) (model.Message, bool) {
	if i := indexByProvisional(s.Messages, provisionalID); i >= 0 {
		return s.Messages[i], true
	}
	return model.Message{}, false
}

// LatestUnread returns the most recent confirmed message from another
// participant that has not been read.
func LatestUnread(s State) (model.Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		m := s.Messages[i]
		if unread(s, m) {
			return m, true
		}
	}
	return model.Message{}, false
}

func UnreadCount(s State) int {
	n := 0
	for _, m := range s.Messages {
		if unread(s, m) {
			n++
		}
	}
	return n
}

func unread(s State, m model.Message) bool {
	return m.DeliveryState == model.DeliveryConfirmed && m.SenderID != s.SelfID && !m.IsRead
}

func indexByID(msgs []model.Message, id int64) int {
	for i, m := range msgs {
		if m.DeliveryState == model.DeliveryConfirmed && m.ID == id {
			return i
		}
	}
	return -1
}

func indexByProvisional(msgs []model.Message, provisionalID string) int {
	if provisionalID == "" {
		return -1
	}
	for i, m := range msgs {
		if m.ProvisionalID == provisionalID {
			return i
		}
	}
	return -1
}

func removeAt(msgs []model.Message, i int) []model.Message {
	return append(msgs[:i:i], msgs[i+1:]...)
}

// insertConfirmed places m among the confirmed prefix of msgs.
func insertConfirmed(msgs []model.Message, m model.Message) []model.Message {
	confirmed := 0
	for confirmed < len(msgs) && msgs[confirmed].DeliveryState == model.DeliveryConfirmed {
		confirmed++
	}
	pos := sort.Search(confirmed, func(i int) bool {
		return before(m, msgs[i])
	})

	out := make([]model.Message, 0, len(msgs)+1)
	out = append(out, msgs[:pos]...)
	out = append(out, m)
	return append(out, msgs[pos:]...)
}

func before(a, b model.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
