package main

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchchat/client/dispatch"
	"matchchat/client/session"
	"matchchat/model"
)

type echoAPI struct {
	mu   sync.Mutex
	sent []string
}

func (a *echoAPI) FetchMessages(context.Context, int64, int, int) ([]model.Message, error) {
	return nil, nil
}

func (a *echoAPI) SendMessage(_ context.Context, conversationID int64, content string) (model.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, content)
	return model.Message{
		ID:             int64(len(a.sent)),
		ConversationID: conversationID,
		SenderID:       1,
		Content:        content,
		CreatedAt:      time.Now(),
	}, nil
}

func (a *echoAPI) MarkRead(context.Context, int64, int64) error { return nil }

func (a *echoAPI) contents() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

type signalRecorder struct {
	mu      sync.Mutex
	signals []bool
}

func (r *signalRecorder) Send(frame model.Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, frame.(model.TypingFrame).IsTyping)
	return nil
}

func (r *signalRecorder) recorded() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.signals...)
}

func newTestSession(t *testing.T) (*session.Session, *echoAPI, *signalRecorder) {
	t.Helper()
	api := &echoAPI{}
	rec := &signalRecorder{}
	sess, err := session.New(session.Options{
		ConversationID: 42,
		SelfID:         1,
		API:            api,
		Dispatcher:     dispatch.New(nil, nil),
		Sender:         rec,
	})
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	return sess, api, rec
}

func TestHandleLineSignalsTypingPerMessage(t *testing.T) {
	sess, api, rec := newTestSession(t)
	var out bytes.Buffer

	assert.False(t, handleLine(sess, "hello there", &out))
	assert.Equal(t, []bool{true, false}, rec.recorded())
	require.Eventually(t, func() bool {
		return len(api.contents()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"hello there"}, api.contents())

	assert.False(t, handleLine(sess, "", &out))
	assert.Equal(t, []bool{true, false, true}, rec.recorded())
	assert.Empty(t, out.String())
}

func TestHandleLineCommands(t *testing.T) {
	sess, api, rec := newTestSession(t)
	var out bytes.Buffer

	assert.False(t, handleLine(sess, "/retry", &out))
	assert.Equal(t, "usage: /retry <id>\n", out.String())

	out.Reset()
	assert.False(t, handleLine(sess, "/discard nope", &out))
	assert.Contains(t, out.String(), session.ErrUnknownMessage.Error())

	assert.True(t, handleLine(sess, "/quit", &out))
	assert.Empty(t, api.contents())
	assert.Empty(t, rec.recorded())
}
