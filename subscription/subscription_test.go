package subscription

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/k0vsh-ik/task-management/domain"
)

type chanSource struct {
	msgs   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newChanSource() *chanSource {
	return &chanSource{msgs: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *chanSource) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrClosed
	case m, ok := <-s.msgs:
		if !ok {
			return nil, io.ErrUnexpectedEOF
		}
		return m, nil
	}
}

func (s *chanSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"event":"created","task":{"id":3,"title":"t","description":"","status":"Done","created_at":"2025-01-02T03:04:05.000000"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Kind != domain.EventCreated || ev.Task == nil || ev.Task.ID != "3" || ev.Task.Status != domain.StatusDone {
		t.Fatalf("unexpected event %+v", ev)
	}

	ev, err = ParseEvent([]byte(`{"event":"deleted","task_id":5}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id, ok := ev.ID(); !ok || id != "5" || ev.Task != nil {
		t.Fatalf("unexpected delete event %+v", ev)
	}

	for _, bad := range []string{`not json`, `{"task_id":5}`, `[1,2]`} {
		if _, err := ParseEvent([]byte(bad)); err == nil {
			t.Fatalf("expected error for %s", bad)
		}
	}
}

func TestNotifierDeliversRecognizedEventsInOrder(t *testing.T) {
	logger, hook := test.NewNullLogger()
	src := newChanSource()
	n := New(src, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- n.Run(ctx) }()

	src.msgs <- []byte(`{"event":"created","task":{"id":1,"title":"a","status":"To Do"}}`)
	src.msgs <- []byte(`{oops`)
	src.msgs <- []byte(`{"event":"archived","task_id":1}`)
	src.msgs <- []byte(`{"event":"deleted","task_id":1}`)

	var got []domain.EventKind
	for len(got) < 2 {
		select {
		case ev := <-n.Events():
			got = append(got, ev.Kind)
		case <-time.After(time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	if got[0] != domain.EventCreated || got[1] != domain.EventDeleted {
		t.Fatalf("unexpected order %v", got)
	}

	var malformed int
	for _, e := range hook.AllEntries() {
		if e.Message == "dropping malformed push message" {
			malformed++
		}
	}
	if malformed != 1 {
		t.Fatalf("expected one malformed warning, got %d", malformed)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("expected nil on shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not exit")
	}
	if _, ok := <-n.Events(); ok {
		t.Fatal("expected events channel to be closed")
	}
}

func TestNotifierRelevanceFilter(t *testing.T) {
	src := newChanSource()
	done := domain.StatusDone
	n := New(src, nil, WithRelevance(func(ev domain.ChangeEvent) bool { return ev.Relevant(&done) }))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	src.msgs <- []byte(`{"event":"created","task":{"id":1,"title":"a","status":"To Do"}}`)
	src.msgs <- []byte(`{"event":"updated","task":{"id":2,"title":"b","status":"Done"}}`)

	select {
	case ev := <-n.Events():
		if ev.Kind != domain.EventUpdated {
			t.Fatalf("expected only the Done update, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestNotifierNoCallbacksAfterClose(t *testing.T) {
	src := newChanSource()
	n := New(src, nil)
	var calls atomic.Int32
	n.OnChange(func(domain.ChangeEvent) { calls.Add(1) })

	runErr := make(chan error, 1)
	go func() { runErr <- n.Run(context.Background()) }()

	src.msgs <- []byte(`{"event":"created","task":{"id":1,"title":"a","status":"To Do"}}`)
	deadline := time.Now().Add(time.Second)
	for calls.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("handler not called before close")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := n.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	src.msgs <- []byte(`{"event":"updated","task":{"id":1,"title":"b","status":"To Do"}}`)

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("expected nil after close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after close")
	}
	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected no callbacks after close, got %d calls", got)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestNotifierReportsConnectionLoss(t *testing.T) {
	src := newChanSource()
	n := New(src, nil)
	close(src.msgs)
	err := n.Run(context.Background())
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected connection loss error, got %v", err)
	}
	if err := n.Run(context.Background()); err == nil {
		t.Fatal("expected second Run to fail")
	}
}

func TestPushURL(t *testing.T) {
	for _, tt := range []struct {
		base, path string
		ws         bool
		want       string
	}{
		{base: "http://localhost:8000", path: "/ws/tasks", ws: true, want: "ws://localhost:8000/ws/tasks"},
		{base: "https://tasks.example.com/", path: "ws/tasks", ws: true, want: "wss://tasks.example.com/ws/tasks"},
		{base: "http://localhost:8000/prefix", path: "/sse/tasks", want: "http://localhost:8000/prefix/sse/tasks"},
	} {
		got, err := PushURL(tt.base, tt.path, tt.ws)
		if err != nil {
			t.Fatalf("PushURL(%s): %v", tt.base, err)
		}
		if got != tt.want {
			t.Fatalf("PushURL(%s, %s) = %s, want %s", tt.base, tt.path, got, tt.want)
		}
	}
	if _, err := PushURL("ftp://x", "/ws", true); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}
