// Package session mounts one task view: it owns the push connection, feeds
// change events into the view and redials when the connection drops.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/k0vsh-ik/task-management/config"
	"github.com/k0vsh-ik/task-management/storage"
	"github.com/k0vsh-ik/task-management/subscription"
	"github.com/k0vsh-ik/task-management/view"
)

const defaultInitialBackoff = time.Second

// Session ties a view to its push connection for as long as it is mounted.
type Session struct {
	cfg            *config.Config
	log            *log.Logger
	client         *storage.Client
	view           *view.View
	redis          *redis.Client
	sseClient      *http.Client
	initialBackoff time.Duration

	mu       sync.Mutex
	notifier *subscription.Notifier
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool
}

type Option func(*Session)

// WithInitialBackoff sets the first redial delay. Later delays double up to
// push.reconnect_max.
func WithInitialBackoff(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.initialBackoff = d
		}
	}
}

// WithHTTPClient sets the client used for store requests and SSE streams.
// Requests keep the configured store timeout; streams are unbounded.
func WithHTTPClient(h *http.Client) Option {
	return func(s *Session) {
		if h != nil {
			s.sseClient = h
		}
	}
}

// New builds the transport client and the view described by cfg. Nothing is
// dialed or fetched until Mount.
func New(cfg *config.Config, logger *log.Logger, opts ...Option) (*Session, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &Session{
		cfg:            cfg,
		log:            logger,
		sseClient:      &http.Client{},
		initialBackoff: defaultInitialBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}

	storeHTTP := *s.sseClient
	storeHTTP.Timeout = cfg.Store.Timeout
	client, err := storage.New(cfg.Store.BaseURL, logger, storage.WithHTTPClient(&storeHTTP))
	if err != nil {
		return nil, err
	}
	s.client = client

	viewOpts := []view.Option{view.WithLogger(logger)}
	if cfg.View.DiscardStale {
		viewOpts = append(viewOpts, view.WithStaleDiscard())
	}
	s.view = view.New(client, cfg.View.PageSize, viewOpts...)

	if cfg.Push.Kind == config.PushRedis {
		ropts, err := redis.ParseURL(cfg.Push.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("push redis url: %w", err)
		}
		s.redis = redis.NewClient(ropts)
	}
	return s, nil
}

// View returns the mounted view.
func (s *Session) View() *view.View { return s.view }

// Mount opens the push connection, loads the first page and starts
// forwarding events. The connection is opened before loading so no change
// made during the load is missed.
func (s *Session) Mount(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	if s.done != nil {
		s.mu.Unlock()
		return errors.New("session already mounted")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	n, err := s.dial(ctx)
	if err != nil {
		s.abort()
		return fmt.Errorf("mount: %w", err)
	}
	if err := s.view.Load(ctx); err != nil {
		if n != nil {
			n.Close()
		}
		s.abort()
		return fmt.Errorf("mount: %w", err)
	}
	if n == nil {
		s.log.Info("push disabled, view refreshes only on user actions")
		close(done)
		return nil
	}
	if !s.setNotifier(n) {
		n.Close()
		close(done)
		return errors.New("session closed")
	}
	go s.pump(runCtx, n, done)
	s.log.WithField("push", s.cfg.Push.Kind).Info("view mounted")
	return nil
}

// Close tears the session down: the push connection is closed and no event
// reaches the view afterwards. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	n, cancel, done := s.notifier, s.cancel, s.done
	s.notifier = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if n != nil {
		err = n.Close()
	}
	if done != nil {
		<-done
	}
	if s.redis != nil {
		if cerr := s.redis.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Session) abort() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	cancel()
	if done != nil {
		close(done)
	}
}

func (s *Session) setNotifier(n *subscription.Notifier) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.notifier = n
	return true
}

// pump forwards events of n into the view. When the connection drops it
// redials with backoff and reloads the view, since events may have been
// missed while disconnected.
func (s *Session) pump(ctx context.Context, n *subscription.Notifier, done chan struct{}) {
	defer close(done)
	for {
		errc := make(chan error, 1)
		go func() { errc <- n.Run(ctx) }()
		if err := s.view.Run(ctx, n.Events()); err != nil && !errors.Is(err, context.Canceled) {
			s.log.WithError(err).Warn("event pump stopped")
		}
		lost := <-errc
		n.Close()
		if lost == nil || ctx.Err() != nil {
			return
		}

		next, err := s.redial(ctx)
		if err != nil {
			return
		}
		if !s.setNotifier(next) {
			next.Close()
			return
		}
		if err := s.view.Load(ctx); err != nil {
			s.log.WithError(err).Warn("reload after reconnect failed")
		}
		n = next
	}
}

func (s *Session) redial(ctx context.Context) (*subscription.Notifier, error) {
	delay := s.initialBackoff
	ceiling := max(s.cfg.Push.ReconnectMax, delay)
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		n, err := s.dial(ctx)
		if err == nil {
			s.log.WithField("attempt", attempt).Info("push connection restored")
			return n, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.log.WithError(err).WithFields(log.Fields{"attempt": attempt, "retry_in": delay}).Warn("push redial failed")
		delay = min(delay*2, ceiling)
	}
}

// dial opens the configured push source. It returns nil when push is
// disabled.
func (s *Session) dial(ctx context.Context) (*subscription.Notifier, error) {
	var (
		src subscription.Source
		err error
	)
	switch s.cfg.Push.Kind {
	case config.PushNone:
		return nil, nil
	case config.PushWebSocket:
		var u string
		if u, err = subscription.PushURL(s.client.BaseURL(), pathOr(s.cfg.Push.Path, subscription.DefaultWebSocketPath), true); err == nil {
			src, err = subscription.DialWebSocket(ctx, u, nil)
		}
	case config.PushSSE:
		var u string
		if u, err = subscription.PushURL(s.client.BaseURL(), pathOr(s.cfg.Push.Path, subscription.DefaultSSEPath), false); err == nil {
			src, err = subscription.DialSSE(ctx, s.sseClient, u)
		}
	case config.PushRedis:
		src, err = subscription.SubscribeRedis(ctx, s.redis, s.cfg.Push.RedisChannel)
	default:
		return nil, fmt.Errorf("unknown push kind %q", s.cfg.Push.Kind)
	}
	if err != nil {
		return nil, err
	}
	return subscription.New(src, s.log, subscription.WithRelevance(s.view.Relevant)), nil
}

func pathOr(path, def string) string {
	if path == "" {
		return def
	}
	return path
}
