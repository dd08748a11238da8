package client

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport adapts a gorilla websocket connection to Transport. Writes
// are serialized; reads happen from the connection's single read loop.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// WebSocketDialer returns a Dialer backed by gorilla/websocket.
func WebSocketDialer() Dialer {
	return func(ctx context.Context, url string) (Transport, error) {
		d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, resp, err := d.DialContext(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return &wsTransport{conn: conn}, nil
	}
}

func (t *wsTransport) WriteJSON(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) Close() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}
