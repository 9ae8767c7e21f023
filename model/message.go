package model

import (
	"strconv"
	"time"
)

// DeliveryState constants
const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// MessageTypeText is the only message type the chat client composes.
const MessageTypeText = "text"

type DeliveryState string

// Message represents one chat message within a conversation, either confirmed by
// the server or still local to this client.
type Message struct {
	ID             int64         `json:"id"`
	ProvisionalID  string        `json:"provisional_id,omitempty"`
	ConversationID int64         `json:"conversation_id"`
	SenderID       int64         `json:"sender_id"`
	SenderName     string        `json:"sender_name,omitempty"`
	Content        string        `json:"content"`
	MessageType    string        `json:"message_type"`
	CreatedAt      time.Time     `json:"created_at"`
	IsRead         bool          `json:"is_read"`
	DeliveryState  DeliveryState `json:"delivery_state"`
	Err            error         `json:"-"` // last send failure, failed entries only
}

// Local reports whether the message has not been confirmed by the server yet.
func (m Message) Local() bool {
	return m.DeliveryState != DeliveryConfirmed
}

// Key returns a stable identity for rendering: the provisional id when one was
// assigned, otherwise the server id.
func (m Message) Key() string {
	if m.ProvisionalID != "" {
		return m.ProvisionalID
	}
	return "m" + strconv.FormatInt(m.ID, 10)
}

// MessageFromEvent converts a realtime notification into a confirmed Message.
func MessageFromEvent(ev NewMessage) Message {
	msgType := ev.MessageType
	if msgType == "" {
		msgType = MessageTypeText
	}
	return Message{
		ID:             ev.MessageID,
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		Content:        ev.Content,
		MessageType:    msgType,
		CreatedAt:      ev.CreatedAt,
		DeliveryState:  DeliveryConfirmed,
	}
}
