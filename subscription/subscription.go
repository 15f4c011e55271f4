// Package subscription maintains the push connection of one mounted view and
// turns inbound messages into change events.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/k0vsh-ik/task-management/domain"
)

// ErrClosed is returned by sources that were closed locally.
var ErrClosed = errors.New("push source closed")

// Source is one live push connection. Next blocks until the next raw message
// arrives; it fails once the connection is lost or closed.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Notifier reads a Source and delivers recognized change events over a single
// consumer channel. It never touches view state and never reconnects.
type Notifier struct {
	src      Source
	log      *log.Logger
	relevant func(domain.ChangeEvent) bool

	events chan domain.ChangeEvent
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
	runOnce   sync.Once
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithRelevance drops events for which fn returns false before they reach the
// consumer.
func WithRelevance(fn func(domain.ChangeEvent) bool) Option {
	return func(n *Notifier) { n.relevant = fn }
}

// New creates a Notifier that owns src. Closing the notifier closes src.
func New(src Source, logger *log.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	n := &Notifier{
		src:    src,
		log:    logger,
		events: make(chan domain.ChangeEvent),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Events is the single-consumer channel of parsed events. It is closed when
// Run returns.
func (n *Notifier) Events() <-chan domain.ChangeEvent { return n.events }

// Done is closed once Close has been called.
func (n *Notifier) Done() <-chan struct{} { return n.done }

// OnChange consumes Events on a separate goroutine and invokes handler for
// each event. Handler is not called after Close. Use either OnChange or
// Events, not both.
func (n *Notifier) OnChange(handler func(domain.ChangeEvent)) {
	go func() {
		for ev := range n.events {
			if n.closed() {
				return
			}
			handler(ev)
		}
	}()
}

// Run reads the source until the connection is lost, ctx ends or Close is
// called. Local shutdown returns nil; connection loss returns the source error.
// Run may be called once.
func (n *Notifier) Run(ctx context.Context) error {
	started := false
	n.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("notifier already running")
	}
	defer close(n.events)

	for {
		msg, err := n.src.Next(ctx)
		if err != nil {
			if n.closed() || ctx.Err() != nil {
				return nil
			}
			n.log.WithError(err).Warn("push connection lost")
			return fmt.Errorf("push connection: %w", err)
		}
		ev, ok := n.parse(msg)
		if !ok {
			continue
		}
		select {
		case n.events <- ev:
		case <-n.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (n *Notifier) parse(msg []byte) (domain.ChangeEvent, bool) {
	ev, err := ParseEvent(msg)
	if err != nil {
		n.log.WithError(err).WithField("payload", preview(msg)).Warn("dropping malformed push message")
		return ev, false
	}
	if !ev.Kind.Known() {
		n.log.Debugf("ignoring push event of kind %q", ev.Kind)
		return ev, false
	}
	if n.relevant != nil && !n.relevant(ev) {
		n.log.WithField("event", ev.Kind).Debug("push event does not match the view filter")
		return ev, false
	}
	return ev, true
}

// Close detaches the consumer and closes the connection. Messages already in
// flight are discarded.
func (n *Notifier) Close() error {
	n.closeOnce.Do(func() {
		close(n.done)
		n.closeErr = n.src.Close()
	})
	return n.closeErr
}

func (n *Notifier) closed() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

// ParseEvent decodes one push message.
func ParseEvent(msg []byte) (domain.ChangeEvent, error) {
	var ev domain.ChangeEvent
	if err := sonic.Unmarshal(msg, &ev); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("parse push message: %w", err)
	}
	if ev.Kind == "" {
		return domain.ChangeEvent{}, errors.New("parse push message: missing event kind")
	}
	return ev, nil
}

func preview(msg []byte) string {
	const limit = 256
	if len(msg) > limit {
		return string(msg[:limit]) + "..."
	}
	return string(msg)
}
