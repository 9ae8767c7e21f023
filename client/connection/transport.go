package connection

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultWriteWait = 10 * time.Second

// Transport is one established realtime socket. ReadMessage is only called
// from the manager's read goroutine; WriteMessage calls are serialised by the
// manager. Close may be called concurrently with both.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transports. Dial must honour ctx cancellation.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebsocketDialer dials gorilla/websocket connections.
type WebsocketDialer struct {
	Dialer    *websocket.Dialer
	Header    http.Header
	WriteWait time.Duration
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	writeWait := d.WriteWait
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}

	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return &websocketTransport{conn: conn, writeWait: writeWait}, nil
}

type websocketTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration
	closeOnce sync.Once
	closeErr  error
}

func (t *websocketTransport) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *websocketTransport) WriteMessage(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal closure frame and closes the underlying connection.
func (t *websocketTransport) Close() error {
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeWait))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
