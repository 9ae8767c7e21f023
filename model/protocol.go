package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventKind constants
const (
	KindConnectionAck EventKind = "connection"
	KindPong          EventKind = "pong"
	KindNewMessage    EventKind = "new_message"
	KindTyping        EventKind = "typing"

	// KindAny subscribes to every inbound event.
	KindAny EventKind = "*"
)

// Outbound frame types
const (
	FramePing   = "ping"
	FrameTyping = "typing"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownFrame   = errors.New("unknown frame type")
)

// EventKind is the type tag of an inbound realtime frame.
type EventKind string

// InboundEvent is a frame received from the realtime server. The set of
// implementations is closed: ConnectionAck, Pong, NewMessage and Typing.
type InboundEvent interface {
	Kind() EventKind
	inbound()
}

// ConnectionAck acknowledges an authenticated socket.
type ConnectionAck struct {
	Status string
	UserID int64
}

type Pong struct{}

// NewMessage notifies conversation members of a message persisted by the REST backend.
type NewMessage struct {
	ConversationID int64
	MessageID      int64
	SenderID       int64
	Content        string
	MessageType    string
	CreatedAt      time.Time
}

type Typing struct {
	ConversationID int64
	SenderID       int64
	IsTyping       bool
}

func (ConnectionAck) Kind() EventKind { return KindConnectionAck }
func (Pong) Kind() EventKind          { return KindPong }
func (NewMessage) Kind() EventKind    { return KindNewMessage }
func (Typing) Kind() EventKind        { return KindTyping }

func (ConnectionAck) inbound() {}
func (Pong) inbound()          {}
func (NewMessage) inbound()    {}
func (Typing) inbound()        {}

// Outbound is a frame sent by the client.
type Outbound interface {
	FrameType() string
}

type PingFrame struct{}

type TypingFrame struct {
	ConversationID int64
	IsTyping       bool
}

func Ping() PingFrame { return PingFrame{} }

func TypingSignal(conversationID int64, isTyping bool) TypingFrame {
	return TypingFrame{ConversationID: conversationID, IsTyping: isTyping}
}

func (PingFrame) FrameType() string   { return FramePing }
func (TypingFrame) FrameType() string { return FrameTyping }

func (PingFrame) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireFrame{Type: FramePing})
}

func (f TypingFrame) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireFrame{
		Type:           FrameTyping,
		ConversationID: &f.ConversationID,
		IsTyping:       &f.IsTyping,
	})
}

// wireFrame is the flat JSON shape shared by every frame on the socket.
type wireFrame struct {
	Type           string `json:"type"`
	Status         string `json:"status,omitempty"`
	UserID         *int64 `json:"user_id,omitempty"`
	ConversationID *int64 `json:"conversation_id,omitempty"`
	MessageID      *int64 `json:"message_id,omitempty"`
	SenderID       *int64 `json:"sender_id,omitempty"`
	Content        string `json:"content,omitempty"`
	MessageType    string `json:"message_type,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
	IsTyping       *bool  `json:"is_typing,omitempty"`
}

// ParseInbound decodes a server frame into its tagged variant.
func ParseInbound(data []byte) (InboundEvent, error) {
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch EventKind(f.Type) {
	case KindConnectionAck:
		return ConnectionAck{Status: f.Status, UserID: deref(f.UserID)}, nil

	case KindPong:
		return Pong{}, nil

	case KindNewMessage:
		if f.ConversationID == nil || f.MessageID == nil {
			return nil, fmt.Errorf("%w: new_message without conversation_id or message_id", ErrMalformedFrame)
		}
		ev := NewMessage{
			ConversationID: *f.ConversationID,
			MessageID:      *f.MessageID,
			SenderID:       deref(f.SenderID),
			Content:        f.Content,
			MessageType:    f.MessageType,
		}
		if f.CreatedAt != "" {
			ts, err := ParseTimestamp(f.CreatedAt)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
			ev.CreatedAt = ts
		}
		return ev, nil

	case KindTyping:
		if f.ConversationID == nil {
			return nil, fmt.Errorf("%w: typing without conversation_id", ErrMalformedFrame)
		}
		// the relay has historically tagged the typist as user_id
		sender := f.SenderID
		if sender == nil {
			sender = f.UserID
		}
		return Typing{
			ConversationID: *f.ConversationID,
			SenderID:       deref(sender),
			IsTyping:       f.IsTyping == nil || *f.IsTyping,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
	}
}

// EncodeInbound is the relay-side counterpart of ParseInbound.
func EncodeInbound(ev InboundEvent) ([]byte, error) {
	f := wireFrame{Type: string(ev.Kind())}
	switch e := ev.(type) {
	case ConnectionAck:
		f.Status = e.Status
		f.UserID = &e.UserID
	case Pong:
	case NewMessage:
		f.ConversationID = &e.ConversationID
		f.MessageID = &e.MessageID
		f.SenderID = &e.SenderID
		f.Content = e.Content
		f.MessageType = e.MessageType
		if !e.CreatedAt.IsZero() {
			f.CreatedAt = e.CreatedAt.UTC().Format(time.RFC3339Nano)
		}
	case Typing:
		f.ConversationID = &e.ConversationID
		f.SenderID = &e.SenderID
		f.IsTyping = &e.IsTyping
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownFrame, ev)
	}
	return json.Marshal(f)
}

// ParseOutbound decodes a client frame. Used by the relay.
func ParseOutbound(data []byte) (Outbound, error) {
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch f.Type {
	case FramePing:
		return PingFrame{}, nil
	case FrameTyping:
		if f.ConversationID == nil {
			return nil, fmt.Errorf("%w: typing without conversation_id", ErrMalformedFrame)
		}
		return TypingFrame{
			ConversationID: *f.ConversationID,
			IsTyping:       f.IsTyping == nil || *f.IsTyping,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	// naive ISO 8601, as emitted by the backend for timezone-less columns
	"2006-01-02T15:04:05.999999999",
}

// ParseTimestamp parses an ISO 8601 timestamp. Values without a zone are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		ts, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, lastErr)
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
