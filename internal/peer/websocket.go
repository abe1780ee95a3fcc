package peer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const writeTimeout = 10 * time.Second

// WebSocketTransport adapts a gorilla websocket connection to Transport.
// Writes are serialized and optionally throttled by an upload limiter.
type WebSocketTransport struct {
	conn           *websocket.Conn
	maxMessageSize int
	limiter        *rate.Limiter

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewWebSocketTransport wraps conn. Inbound messages larger than
// maxMessageSize fail the read loop, so both sides must agree on it. limiter
// may be nil.
func NewWebSocketTransport(conn *websocket.Conn, maxMessageSize int, limiter *rate.Limiter) *WebSocketTransport {
	if maxMessageSize > 0 {
		conn.SetReadLimit(int64(maxMessageSize))
	}
	return &WebSocketTransport{conn: conn, maxMessageSize: maxMessageSize, limiter: limiter}
}

// NewUploadLimiter returns a limiter for bytesPerSecond, or nil when the
// limit is disabled. The burst always admits one full message.
func NewUploadLimiter(bytesPerSecond, maxMessageSize int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), max(bytesPerSecond, maxMessageSize))
}

// DialWebSocket connects to a peer endpoint.
func DialWebSocket(ctx context.Context, url string, header http.Header, maxMessageSize int, limiter *rate.Limiter) (*WebSocketTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial peer %s: %w", url, err)
	}
	return NewWebSocketTransport(conn, maxMessageSize, limiter), nil
}

// Write implements Transport.
func (t *WebSocketTransport) Write(msg []byte) error {
	if t.limiter != nil {
		if err := t.limiter.WaitN(context.Background(), len(msg)); err != nil {
			return fmt.Errorf("upload limiter: %w", err)
		}
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, msg)
}

// MaxMessageSize implements Transport.
func (t *WebSocketTransport) MaxMessageSize() int {
	return t.maxMessageSize
}

// Close implements Transport.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// RemoteAddr returns the remote network address.
func (t *WebSocketTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// Serve reports the connection to link and pumps inbound messages into it, in
// order, until the connection fails or closes.
func (t *WebSocketTransport) Serve(link *Link) {
	link.HandleConnect(t.RemoteAddr())
	for {
		kind, msg, err := t.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				link.HandleError(err)
			}
			link.HandleClose()
			return
		}
		if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
			continue
		}
		link.HandleMessage(msg)
	}
}
