package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/k0vsh-ik/task-management/config"
	"github.com/k0vsh-ik/task-management/domain"
	"github.com/k0vsh-ik/task-management/internal/fakestore"
	"github.com/k0vsh-ik/task-management/storage"
)

type harness struct {
	store  *fakestore.Store
	srv    *httptest.Server
	remote *storage.Client
}

// startStore serves a fake store seeded with three To Do tasks. remote plays
// another user mutating the store.
func startStore(t *testing.T) *harness {
	t.Helper()
	store := fakestore.New(nil)
	store.Seed(
		domain.Draft{Title: "a", Status: domain.StatusToDo},
		domain.Draft{Title: "b", Status: domain.StatusToDo},
		domain.Draft{Title: "c", Status: domain.StatusToDo},
	)
	srv := httptest.NewServer(store.Handler())
	t.Cleanup(srv.Close)
	remote, err := storage.New(srv.URL, nil)
	if err != nil {
		t.Fatalf("storage client: %v", err)
	}
	return &harness{store: store, srv: srv, remote: remote}
}

func testConfig(baseURL, kind string) *config.Config {
	return &config.Config{
		Store: config.StoreConfig{BaseURL: baseURL, Timeout: 5 * time.Second},
		Push: config.PushConfig{
			Kind:         kind,
			RedisChannel: "task-events",
			ReconnectMax: 50 * time.Millisecond,
		},
		View: config.ViewConfig{PageSize: 10},
	}
}

func mount(t *testing.T, cfg *config.Config) *Session {
	t.Helper()
	logger, _ := test.NewNullLogger()
	s, err := New(cfg, logger, WithInitialBackoff(10*time.Millisecond))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Mount(context.Background()); err != nil {
		t.Fatalf("mount: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketPushReconcilesRemoteChanges(t *testing.T) {
	h := startStore(t)
	s := mount(t, testConfig(h.srv.URL, config.PushWebSocket))
	ctx := context.Background()

	if st := s.View().State(); st.Total != 3 {
		t.Fatalf("expected 3 tasks after mount, got %d", st.Total)
	}
	created, err := h.remote.CreateTask(ctx, domain.Draft{Title: "remote", Status: domain.StatusToDo})
	if err != nil {
		t.Fatalf("remote create: %v", err)
	}
	waitFor(t, "remote create to show up", func() bool {
		st := s.View().State()
		return st.Total == 4 && len(st.Tasks) > 0 && st.Tasks[0].ID == created.ID
	})

	if err := h.remote.DeleteTask(ctx, created.ID); err != nil {
		t.Fatalf("remote delete: %v", err)
	}
	waitFor(t, "remote delete to show up", func() bool { return s.View().State().Total == 3 })
}

func TestFilteredOutEventsDoNotFetch(t *testing.T) {
	h := startStore(t)
	s := mount(t, testConfig(h.srv.URL, config.PushWebSocket))
	ctx := context.Background()

	done := domain.StatusDone
	if err := s.View().SetFilter(ctx, &done); err != nil {
		t.Fatalf("set filter: %v", err)
	}
	before := h.store.ListCalls()

	if _, err := h.remote.CreateTask(ctx, domain.Draft{Title: "todo", Status: domain.StatusToDo}); err != nil {
		t.Fatalf("remote create: %v", err)
	}
	if _, err := h.remote.CreateTask(ctx, domain.Draft{Title: "done", Status: domain.StatusDone}); err != nil {
		t.Fatalf("remote create: %v", err)
	}
	waitFor(t, "done task to show up", func() bool { return s.View().State().Total == 1 })
	if got := h.store.ListCalls() - before; got != 1 {
		t.Fatalf("expected exactly one re-fetch, got %d", got)
	}
}

func TestSSEReconnectReloads(t *testing.T) {
	h := startStore(t)
	s := mount(t, testConfig(h.srv.URL, config.PushSSE))
	waitFor(t, "stream subscriber", func() bool { return h.store.Subscribers() == 1 })

	h.store.Seed(domain.Draft{Title: "missed", Status: domain.StatusToDo})
	h.store.DropSubscribers()

	waitFor(t, "reload after reconnect", func() bool { return s.View().State().Total == 4 })
	waitFor(t, "stream resubscribed", func() bool { return h.store.Subscribers() == 1 })

	if _, err := h.remote.CreateTask(context.Background(), domain.Draft{Title: "after", Status: domain.StatusToDo}); err != nil {
		t.Fatalf("remote create: %v", err)
	}
	waitFor(t, "event on the new connection", func() bool { return s.View().State().Total == 5 })
}

func TestRedisPush(t *testing.T) {
	h := startStore(t)
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rc.Close() })
	h.store.PublishTo(rc, "task-events")

	cfg := testConfig(h.srv.URL, config.PushRedis)
	cfg.Push.RedisURL = "redis://" + m.Addr()
	s := mount(t, cfg)

	if _, err := h.remote.CreateTask(context.Background(), domain.Draft{Title: "via redis", Status: domain.StatusToDo}); err != nil {
		t.Fatalf("remote create: %v", err)
	}
	waitFor(t, "redis event", func() bool { return s.View().State().Total == 4 })
}

func TestCloseStopsUpdates(t *testing.T) {
	h := startStore(t)
	s := mount(t, testConfig(h.srv.URL, config.PushWebSocket))
	waitFor(t, "subscriber", func() bool { return h.store.Subscribers() == 1 })

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	waitFor(t, "connection released", func() bool { return h.store.Subscribers() == 0 })

	before := h.store.ListCalls()
	if _, err := h.remote.CreateTask(context.Background(), domain.Draft{Title: "late", Status: domain.StatusToDo}); err != nil {
		t.Fatalf("remote create: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := h.store.ListCalls(); got != before {
		t.Fatalf("closed session fetched %d times", got-before)
	}
	if err := s.Mount(context.Background()); err == nil {
		t.Fatalf("expected mount after close to fail")
	}
}

func TestMountWithoutPush(t *testing.T) {
	h := startStore(t)
	s := mount(t, testConfig(h.srv.URL, config.PushNone))
	if h.store.Subscribers() != 0 {
		t.Fatalf("push disabled but a subscriber connected")
	}
	if err := s.View().Create(context.Background(), domain.Draft{Title: "local", Status: domain.StatusToDo}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if st := s.View().State(); st.Total != 4 {
		t.Fatalf("expected 4 tasks, got %d", st.Total)
	}
}

func TestMountFailsWhenStoreUnavailable(t *testing.T) {
	h := startStore(t)
	h.store.FailWith(http.StatusServiceUnavailable)
	logger, _ := test.NewNullLogger()
	s, err := New(testConfig(h.srv.URL, config.PushWebSocket), logger)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer s.Close()

	err = s.Mount(context.Background())
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	waitFor(t, "push connection released", func() bool { return h.store.Subscribers() == 0 })
}

func TestNewRejectsBadStoreURL(t *testing.T) {
	cfg := testConfig("ftp://tasks", config.PushNone)
	if _, err := New(cfg, nil); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}
