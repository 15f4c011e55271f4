// Package fakestore is an in-memory task store speaking the same REST and push
// protocol as the real backend. Tests mount it with httptest.
package fakestore

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/k0vsh-ik/task-management/domain"
)

const (
	WebSocketPath = "/ws/tasks"
	SSEPath       = "/sse/tasks"

	naiveLayout = "2006-01-02T15:04:05.000000"
)

// ListQuery describes one list request as seen by the store.
type ListQuery struct {
	Skip   int
	Limit  int
	Status string
}

// Store keeps tasks in memory and broadcasts every mutation.
type Store struct {
	log  *log.Logger
	echo *echo.Echo
	now  func() time.Time

	mu      sync.Mutex
	nextID  int
	tasks   map[int]domain.Task
	fail    int
	listFn  func(ListQuery)
	redis   *redis.Client
	channel string

	listCalls   atomic.Int64
	mutateCalls atomic.Int64

	subMu sync.Mutex
	subs  map[chan []byte]struct{}
}

// New creates an empty store.
func New(logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New()
	}
	s := &Store{
		log:   logger,
		now:   time.Now,
		tasks: make(map[int]domain.Task),
		subs:  make(map[chan []byte]struct{}),
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/api/tasks", s.listTasks)
	e.POST("/api/tasks", s.createTask)
	e.PUT("/api/tasks/:id", s.updateTask)
	e.DELETE("/api/tasks/:id", s.deleteTask)
	e.GET(WebSocketPath, s.streamWebSocket)
	e.GET(SSEPath, s.streamSSE)
	s.echo = e
	return s
}

// Handler exposes the store's routes.
func (s *Store) Handler() http.Handler { return s.echo }

// SetClock replaces the creation-time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// PublishTo additionally publishes every change event on a Redis channel.
func (s *Store) PublishTo(rc *redis.Client, channel string) {
	s.mu.Lock()
	s.redis = rc
	s.channel = channel
	s.mu.Unlock()
}

// FailWith makes every REST call answer with status until cleared with 0.
func (s *Store) FailWith(status int) {
	s.mu.Lock()
	s.fail = status
	s.mu.Unlock()
}

// OnList registers fn to run before each list response is written. fn may
// block to hold a response back.
func (s *Store) OnList(fn func(ListQuery)) {
	s.mu.Lock()
	s.listFn = fn
	s.mu.Unlock()
}

// ListCalls returns the number of list requests served.
func (s *Store) ListCalls() int { return int(s.listCalls.Load()) }

// MutateCalls returns the number of create, update and delete requests served.
func (s *Store) MutateCalls() int { return int(s.mutateCalls.Load()) }

// Seed inserts tasks without broadcasting. Later drafts get higher ids and
// therefore sort first.
func (s *Store) Seed(drafts ...domain.Draft) []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, 0, len(drafts))
	for _, d := range drafts {
		out = append(out, s.insertLocked(d))
	}
	return out
}

// Tasks returns all stored tasks in list order.
func (s *Store) Tasks() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderedLocked("")
}

// Mutate applies fn to task id and broadcasts an update, as if another client
// had edited the task.
func (s *Store) Mutate(id domain.TaskID, fn func(*domain.Task)) bool {
	n, err := strconv.Atoi(id.String())
	if err != nil {
		return false
	}
	s.mu.Lock()
	t, ok := s.tasks[n]
	if ok {
		fn(&t)
		s.tasks[n] = t
	}
	s.mu.Unlock()
	if ok {
		s.publish(domain.EventUpdated, &t, id)
	}
	return ok
}

func (s *Store) insertLocked(d domain.Draft) domain.Task {
	s.nextID++
	t := domain.Task{
		ID:          domain.TaskID(strconv.Itoa(s.nextID)),
		Title:       d.Title,
		Description: d.Description,
		Status:      d.Status,
		CreatedAt:   s.now().UTC().Truncate(time.Microsecond),
	}
	s.tasks[s.nextID] = t
	return t
}

func (s *Store) orderedLocked(status string) []domain.Task {
	ids := make([]int, 0, len(s.tasks))
	for id, t := range s.tasks {
		if status != "" && string(t.Status) != status {
			continue
		}
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))
	out := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.tasks[id])
	}
	return out
}

type taskWire struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

func toWire(t domain.Task) taskWire {
	id, _ := strconv.Atoi(t.ID.String())
	return taskWire{
		ID:          id,
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		CreatedAt:   t.CreatedAt.UTC().Format(naiveLayout),
	}
}

type detail struct {
	Detail any `json:"detail"`
}

type fieldDetail struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

func (s *Store) failure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail
}

func (s *Store) listTasks(c echo.Context) error {
	s.listCalls.Add(1)
	if code := s.failure(); code != 0 {
		return c.JSON(code, detail{Detail: http.StatusText(code)})
	}
	q := ListQuery{Skip: 0, Limit: 10, Status: c.QueryParam("status")}
	if v := c.QueryParam("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.JSON(http.StatusUnprocessableEntity, detail{Detail: []fieldDetail{{Loc: []string{"query", "skip"}, Msg: "must be >= 0"}}})
		}
		q.Skip = n
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusUnprocessableEntity, detail{Detail: []fieldDetail{{Loc: []string{"query", "limit"}, Msg: "must be > 0"}}})
		}
		q.Limit = n
	}
	if q.Status != "" && !domain.Status(q.Status).Valid() {
		return c.JSON(http.StatusBadRequest, detail{Detail: "Invalid status"})
	}

	s.mu.Lock()
	all := s.orderedLocked(q.Status)
	hook := s.listFn
	s.mu.Unlock()

	total := len(all)
	start := min(q.Skip, total)
	end := min(start+q.Limit, total)
	page := make([]taskWire, 0, end-start)
	for _, t := range all[start:end] {
		page = append(page, toWire(t))
	}
	if hook != nil {
		hook(q)
	}
	return c.JSON(http.StatusOK, map[string]any{"total": total, "tasks": page})
}

// bindDraft decodes and checks the request body. When ok is false the error
// response has already been written and err is the result of writing it.
func (s *Store) bindDraft(c echo.Context) (d domain.Draft, ok bool, err error) {
	if err := c.Bind(&d); err != nil {
		return d, false, c.JSON(http.StatusUnprocessableEntity, detail{Detail: "invalid body"})
	}
	if strings.TrimSpace(d.Title) == "" {
		return d, false, c.JSON(http.StatusUnprocessableEntity, detail{Detail: []fieldDetail{{Loc: []string{"body", "title"}, Msg: "String should have at least 1 character", Type: "string_too_short"}}})
	}
	if !d.Status.Valid() {
		return d, false, c.JSON(http.StatusUnprocessableEntity, detail{Detail: []fieldDetail{{Loc: []string{"body", "status"}, Msg: "Input should be 'To Do', 'In Progress' or 'Done'", Type: "enum"}}})
	}
	return d, true, nil
}

func (s *Store) createTask(c echo.Context) error {
	s.mutateCalls.Add(1)
	if code := s.failure(); code != 0 {
		return c.JSON(code, detail{Detail: http.StatusText(code)})
	}
	d, ok, err := s.bindDraft(c)
	if !ok {
		return err
	}
	s.mu.Lock()
	t := s.insertLocked(d)
	s.mu.Unlock()
	s.publish(domain.EventCreated, &t, t.ID)
	return c.JSON(http.StatusOK, toWire(t))
}

func (s *Store) lookup(c echo.Context) (int, bool) {
	n, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return 0, false
	}
	s.mu.Lock()
	_, ok := s.tasks[n]
	s.mu.Unlock()
	return n, ok
}

func (s *Store) updateTask(c echo.Context) error {
	s.mutateCalls.Add(1)
	if code := s.failure(); code != 0 {
		return c.JSON(code, detail{Detail: http.StatusText(code)})
	}
	n, ok := s.lookup(c)
	if !ok {
		return c.JSON(http.StatusNotFound, detail{Detail: "Task not found"})
	}
	d, ok, err := s.bindDraft(c)
	if !ok {
		return err
	}
	s.mu.Lock()
	t, ok := s.tasks[n]
	if ok {
		t.Title = d.Title
		t.Description = d.Description
		t.Status = d.Status
		s.tasks[n] = t
	}
	s.mu.Unlock()
	if !ok {
		return c.JSON(http.StatusNotFound, detail{Detail: "Task not found"})
	}
	s.publish(domain.EventUpdated, &t, t.ID)
	return c.JSON(http.StatusOK, toWire(t))
}

func (s *Store) deleteTask(c echo.Context) error {
	s.mutateCalls.Add(1)
	if code := s.failure(); code != 0 {
		return c.JSON(code, detail{Detail: http.StatusText(code)})
	}
	n, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, detail{Detail: "Task not found"})
	}
	s.mu.Lock()
	_, ok := s.tasks[n]
	delete(s.tasks, n)
	s.mu.Unlock()
	if !ok {
		return c.JSON(http.StatusNotFound, detail{Detail: "Task not found"})
	}
	s.publish(domain.EventDeleted, nil, domain.TaskID(c.Param("id")))
	return c.JSON(http.StatusOK, detail{Detail: "Task deleted"})
}

type eventWire struct {
	Event  string    `json:"event"`
	Task   *taskWire `json:"task,omitempty"`
	TaskID *int      `json:"task_id,omitempty"`
}

func (s *Store) publish(kind domain.EventKind, t *domain.Task, id domain.TaskID) {
	ev := eventWire{Event: string(kind)}
	if t != nil {
		w := toWire(*t)
		ev.Task = &w
	} else {
		n, _ := strconv.Atoi(id.String())
		ev.TaskID = &n
	}
	payload, err := sonic.Marshal(ev)
	if err != nil {
		s.log.Errorf("marshal event: %v", err)
		return
	}
	s.Broadcast(payload)
}

// Broadcast sends a raw message to every push subscriber and, when configured,
// to the Redis channel.
func (s *Store) Broadcast(payload []byte) {
	s.subMu.Lock()
	for ch := range s.subs {
		select {
		case ch <- payload:
		default:
			s.log.Warn("push subscriber is slow, dropping message")
		}
	}
	s.subMu.Unlock()

	s.mu.Lock()
	rc, channel := s.redis, s.channel
	s.mu.Unlock()
	if rc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rc.Publish(ctx, channel, payload).Err(); err != nil {
		s.log.Errorf("Unable to publish task event to %s: %v", channel, err)
	}
}

// Subscribers returns the number of open push connections.
func (s *Store) Subscribers() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}

// DropSubscribers ends every open push connection, as a store restart would.
func (s *Store) DropSubscribers() {
	s.subMu.Lock()
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
	s.subMu.Unlock()
}

func (s *Store) subscribe() chan []byte {
	ch := make(chan []byte, 64)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

func (s *Store) unsubscribe(ch chan []byte) {
	s.subMu.Lock()
	delete(s.subs, ch)
	s.subMu.Unlock()
}
