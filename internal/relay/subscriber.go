package relay

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subscriber is one viewer attached to a publishing point. Write must return
// within the subscriber's own time bound; Close must be safe to call twice.
type Subscriber interface {
	Write(p []byte) (int, error)
	Close() error
	RemoteAddr() string
}

// ConnSubscriber is a viewer on a raw relay connection.
type ConnSubscriber struct {
	conn    net.Conn
	timeout time.Duration

	once     sync.Once
	closeErr error
}

// NewConnSubscriber wraps conn; every Write gets a fresh deadline of timeout.
func NewConnSubscriber(conn net.Conn, timeout time.Duration) *ConnSubscriber {
	return &ConnSubscriber{conn: conn, timeout: timeout}
}

func (s *ConnSubscriber) Write(p []byte) (int, error) {
	if s.timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return 0, err
		}
	}
	return s.conn.Write(p)
}

func (s *ConnSubscriber) Close() error {
	s.once.Do(func() { s.closeErr = s.conn.Close() })
	return s.closeErr
}

func (s *ConnSubscriber) RemoteAddr() string {
	return addrString(s.conn.RemoteAddr())
}

// WebSocketSubscriber is a viewer attached over a WebSocket; each write is
// sent as one binary message.
type WebSocketSubscriber struct {
	ws      *websocket.Conn
	timeout time.Duration

	once     sync.Once
	closeErr error
}

// NewWebSocketSubscriber wraps ws with a per-message write timeout.
func NewWebSocketSubscriber(ws *websocket.Conn, timeout time.Duration) *WebSocketSubscriber {
	return &WebSocketSubscriber{ws: ws, timeout: timeout}
}

func (s *WebSocketSubscriber) Write(p []byte) (int, error) {
	if s.timeout > 0 {
		if err := s.ws.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return 0, err
		}
	}
	if err := s.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame, best effort, then closes the connection.
func (s *WebSocketSubscriber) Close() error {
	s.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "publishing point closed")
		_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.closeErr = s.ws.Close()
	})
	return s.closeErr
}

func (s *WebSocketSubscriber) RemoteAddr() string {
	return addrString(s.ws.RemoteAddr())
}

func addrString(a net.Addr) string {
	if a == nil {
		return "unknown"
	}
	return a.String()
}
