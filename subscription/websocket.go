package subscription

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWebSocketPath is where the store exposes its change feed.
const DefaultWebSocketPath = "/ws/tasks"

// WebSocketSource reads change messages from a websocket connection.
type WebSocketSource struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// DialWebSocket opens the change feed at rawURL.
func DialWebSocket(ctx context.Context, rawURL string, header http.Header) (*WebSocketSource, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", rawURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	return &WebSocketSource{conn: conn}, nil
}

// Next returns the next text or binary message. Cancelling ctx closes the
// connection because gorilla reads cannot be interrupted otherwise.
func (s *WebSocketSource) Next(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Close sends a close frame and releases the connection.
func (s *WebSocketSource) Close() error {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// PushURL derives the push endpoint from the store base address, switching
// http(s) to ws(s) for websocket paths.
func PushURL(baseURL, path string, websocketScheme bool) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("push url: %w", err)
	}
	if websocketScheme {
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		case "ws", "wss":
		default:
			return "", fmt.Errorf("push url: unsupported scheme %q", u.Scheme)
		}
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}
