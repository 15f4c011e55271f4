package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
)

const (
	sseDataPrefix     = "data: "
	sseKeepAliveFrame = ":keepalive\n\n"
)

// updateBroker fans a view or banner change out to the /view/stream
// handlers below. Each stream holds a one-slot channel, so a stream that is
// still writing keeps a single pending wake-up and renders the latest state.
type updateBroker struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func newUpdateBroker() *updateBroker {
	return &updateBroker{subs: make(map[chan struct{}]struct{})}
}

func (b *updateBroker) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *updateBroker) unsubscribe(ch chan struct{}) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

func (b *updateBroker) notify() {
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *updateBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// streamView writes the current render and then one more after every change
// of the view or the banner, until the client goes away.
func streamView(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		ch := s.broker.subscribe()
		defer s.broker.unsubscribe(ch)
		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		for {
			data, err := sonic.Marshal(s.Render())
			if err != nil {
				s.log.WithError(err).Error("encode render")
				return err
			}
			if _, err := c.Response().Write([]byte(sseDataPrefix)); err != nil {
				return nil
			}
			if _, err := c.Response().Write(data); err != nil {
				return nil
			}
			if _, err := c.Response().Write([]byte("\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
			if !awaitChange(c, flusher, ch, ticker.C) {
				return nil
			}
		}
	}
}

// awaitChange blocks until the broker signals a change, writing keep-alive
// comments meanwhile. It reports false once the client is gone.
func awaitChange(c echo.Context, flusher http.Flusher, ch <-chan struct{}, tick <-chan time.Time) bool {
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ch:
			return true
		case <-tick:
			if _, err := c.Response().Write([]byte(sseKeepAliveFrame)); err != nil {
				return false
			}
			flusher.Flush()
		}
	}
}
