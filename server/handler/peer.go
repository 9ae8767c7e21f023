package handler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"matchchat/model"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next frame or pong from the peer
	pongWait = 60 * time.Second

	// Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
)

// peer is one authenticated socket.
type peer struct {
	id      string
	userID  int64
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter

	h      *Handler
	logger *zap.Logger
}

func (p *peer) ID() string    { return p.id }
func (p *peer) UserID() int64 { return p.userID }

// Send queues frame for the write pump without blocking.
func (p *peer) Send(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.send <- frame:
		return true
	default:
		p.h.metrics.dropped()
		p.logger.Warn("Send queue full, dropping frame")
		return false
	}
}

func (p *peer) stop() {
	p.once.Do(func() { close(p.done) })
}

// readPump reads client frames until the socket fails or the peer stops.
func (p *peer) readPump(maxFrameBytes int64) {
	defer p.stop()

	p.conn.SetReadLimit(maxFrameBytes)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.logger.Info("Socket read failed", zap.Error(err))
			}
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		p.handleFrame(data)
	}
}

// writePump is the only writer on the socket.
func (p *peer) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return

		case <-p.done:
			return

		case frame := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				p.logger.Debug("Socket write failed", zap.Error(err))
				p.stop()
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.stop()
				return
			}
		}
	}
}

func (p *peer) handleFrame(data []byte) {
	if !p.limiter.Allow() {
		p.h.metrics.reject(RejectRateLimited)
		p.logger.Debug("Frame rate exceeded, dropping frame")
		return
	}

	frame, err := model.ParseOutbound(data)
	if err != nil {
		reason := RejectMalformed
		if errors.Is(err, model.ErrUnknownFrame) {
			reason = RejectUnknown
		}
		p.h.metrics.reject(reason)
		p.logger.Debug("Dropping client frame", zap.String("reason", reason), zap.Error(err))
		return
	}
	p.h.metrics.received(frame.FrameType())

	switch f := frame.(type) {
	case model.PingFrame:
		pong, _ := model.EncodeInbound(model.Pong{})
		p.Send(pong)

	case model.TypingFrame:
		if !p.h.rooms.IsMember(f.ConversationID, p.userID) {
			p.h.metrics.reject(RejectNotMember)
			p.logger.Debug("Typing for foreign conversation", zap.Int64("conversation_id", f.ConversationID))
			return
		}
		out, err := model.EncodeInbound(model.Typing{
			ConversationID: f.ConversationID,
			SenderID:       p.userID,
			IsTyping:       f.IsTyping,
		})
		if err != nil {
			p.logger.Error("Encode typing frame", zap.Error(err))
			return
		}
		n := p.h.rooms.Broadcast(f.ConversationID, out)
		p.h.metrics.relayed(model.FrameTyping, n)
	}
}
