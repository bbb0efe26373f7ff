package session

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// wsConn adapts a coder/websocket connection to the Conn interface.
type wsConn struct {
	conn *websocket.Conn
}

// NewWSConn wraps an accepted WebSocket connection for use by a session.
func NewWSConn(conn *websocket.Conn) Conn {
	// Catchup chunks can be large; the default 32 KiB limit is far too small.
	conn.SetReadLimit(16 << 20)
	return &wsConn{conn: conn}
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	typ, data, err := w.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("unexpected frame type %v", typ)
	}
	return data, nil
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(code websocket.StatusCode, reason string) error {
	return w.conn.Close(code, reason)
}
