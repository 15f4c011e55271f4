// Package view owns the state of one mounted task list and keeps it
// reconciled with the remote store.
//
// Every mutation and every relevant push event is followed by a re-fetch of
// the current page with the current filter. The collection is never patched
// locally: only the store can tell whether a changed task still belongs on
// the page.
package view

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/k0vsh-ik/task-management/domain"
)

// DefaultPageSize is used when New receives a non-positive page size.
const DefaultPageSize = 10

// Client is the subset of the transport client the view depends on.
type Client interface {
	ListTasks(ctx context.Context, page, pageSize int, status *domain.Status) (domain.Page, error)
	CreateTask(ctx context.Context, draft domain.Draft) (domain.Task, error)
	UpdateTask(ctx context.Context, id domain.TaskID, draft domain.Draft) (domain.Task, error)
	DeleteTask(ctx context.Context, id domain.TaskID) error
}

// View is the sole mutator of a State. Its methods are safe for concurrent use;
// fetches may overlap and each completed fetch replaces the page, filter,
// tasks and total in one step.
type View struct {
	client       Client
	log          *log.Logger
	pageSize     int
	discardStale bool

	seq atomic.Uint64

	mu        sync.Mutex
	state     State
	applied   uint64
	listeners []func(State)

	// notifyMu keeps listener invocations in replacement order.
	notifyMu sync.Mutex
}

// Option configures a View.
type Option func(*View)

// WithStaleDiscard drops fetch responses issued before the last applied one,
// so a slow response can no longer overwrite a newer result.
func WithStaleDiscard() Option {
	return func(v *View) { v.discardStale = true }
}

// WithLogger sets the logger. The standard logrus logger is used otherwise.
func WithLogger(logger *log.Logger) Option {
	return func(v *View) {
		if logger != nil {
			v.log = logger
		}
	}
}

// New creates a view on page 1 with no filter. Nothing is fetched until Load.
func New(client Client, pageSize int, opts ...Option) *View {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	v := &View{
		client:   client,
		log:      log.StandardLogger(),
		pageSize: pageSize,
		state:    State{Page: 1, PageSize: pageSize, Tasks: []domain.Task{}},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// State returns a copy of the current state.
func (v *View) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.clone()
}

// OnStateChange registers fn to be called after every replacement with the
// state it produced. fn must not call View methods that fetch.
func (v *View) OnStateChange(fn func(State)) {
	v.mu.Lock()
	v.listeners = append(v.listeners, fn)
	v.mu.Unlock()
}

// Load fetches the current page with the current filter.
func (v *View) Load(ctx context.Context) error {
	return v.refresh(ctx)
}

// SetPage moves to page n. Pages outside the range implied by the last known
// total are ignored.
func (v *View) SetPage(ctx context.Context, n int) error {
	v.mu.Lock()
	pages := v.state.Pages()
	filter := cloneFilter(v.state.Filter)
	v.mu.Unlock()
	if n < 1 || n > pages {
		v.log.WithFields(log.Fields{"page": n, "pages": pages}).Debug("ignoring out of range page")
		return nil
	}
	return v.fetchResolved(ctx, n, filter)
}

// SetFilter switches the status filter and returns to page 1. Setting the
// active filter again does nothing.
func (v *View) SetFilter(ctx context.Context, status *domain.Status) error {
	v.mu.Lock()
	same := sameFilter(v.state.Filter, status)
	v.mu.Unlock()
	if same {
		return nil
	}
	return v.fetchResolved(ctx, 1, cloneFilter(status))
}

// Create stores a new task and re-fetches the current page.
func (v *View) Create(ctx context.Context, draft domain.Draft) error {
	if _, err := v.client.CreateTask(ctx, draft); err != nil {
		return err
	}
	return v.refresh(ctx)
}

// Edit updates task id and re-fetches the current page. A task that vanished
// in the meantime is not an error; the re-fetch brings the view in line.
func (v *View) Edit(ctx context.Context, id domain.TaskID, draft domain.Draft) error {
	if _, err := v.client.UpdateTask(ctx, id, draft); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		v.log.WithField("task_id", id).Info("task no longer exists, resyncing")
	}
	return v.refresh(ctx)
}

// Delete removes task id and re-fetches the current page. Deleting a task
// that is already gone is not an error.
func (v *View) Delete(ctx context.Context, id domain.TaskID) error {
	if err := v.client.DeleteTask(ctx, id); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		v.log.WithField("task_id", id).Info("task already deleted, resyncing")
	}
	return v.refresh(ctx)
}

// Relevant reports whether ev may change what the view shows under its active
// filter.
func (v *View) Relevant(ev domain.ChangeEvent) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return ev.Relevant(v.state.Filter)
}

// HandleEvent reacts to a push notification: events whose task fails the
// active filter are ignored, anything else triggers one re-fetch.
func (v *View) HandleEvent(ctx context.Context, ev domain.ChangeEvent) error {
	if !ev.Kind.Known() {
		return nil
	}
	if !v.Relevant(ev) {
		v.log.WithField("event", ev.Kind).Debug("push event filtered out")
		return nil
	}
	return v.refresh(ctx)
}

// Run consumes events in arrival order until the channel closes or ctx ends.
// Failed re-fetches are logged; the next successful fetch heals the view.
func (v *View) Run(ctx context.Context, events <-chan domain.ChangeEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := v.HandleEvent(ctx, ev); err != nil {
				v.log.WithError(err).WithField("event", ev.Kind).Warn("re-fetch after push event failed")
			}
		}
	}
}

func (v *View) refresh(ctx context.Context) error {
	v.mu.Lock()
	page := v.state.Page
	filter := cloneFilter(v.state.Filter)
	v.mu.Unlock()
	return v.fetchResolved(ctx, page, filter)
}

// fetchResolved fetches page and, when the reported total no longer reaches
// that page, falls back to the last page that exists.
func (v *View) fetchResolved(ctx context.Context, page int, filter *domain.Status) error {
	p, err := v.fetch(ctx, page, filter)
	if err != nil {
		return err
	}
	if last := lastPage(p.Total, v.pageSize); page > last {
		v.log.WithFields(log.Fields{"page": page, "last_page": last}).Debug("page emptied, moving to last page")
		_, err = v.fetch(ctx, last, filter)
		return err
	}
	return nil
}

func (v *View) fetch(ctx context.Context, page int, filter *domain.Status) (domain.Page, error) {
	seq := v.seq.Add(1)
	p, err := v.client.ListTasks(ctx, page, v.pageSize, filter)
	if err != nil {
		return domain.Page{}, err
	}
	v.apply(seq, page, filter, p)
	return p, nil
}

func (v *View) apply(seq uint64, page int, filter *domain.Status, p domain.Page) {
	v.mu.Lock()
	if v.discardStale && seq < v.applied {
		v.mu.Unlock()
		v.log.WithFields(log.Fields{"seq": seq, "applied": v.applied}).Debug("discarding stale page")
		return
	}
	if seq > v.applied {
		v.applied = seq
	}
	tasks := p.Tasks
	if len(tasks) > v.pageSize {
		v.log.WithFields(log.Fields{"returned": len(tasks), "page_size": v.pageSize}).Warn("store returned more tasks than requested")
		tasks = tasks[:v.pageSize]
	}
	v.state = State{
		Page:     page,
		PageSize: v.pageSize,
		Filter:   cloneFilter(filter),
		Tasks:    append(make([]domain.Task, 0, len(tasks)), tasks...),
		Total:    p.Total,
	}
	snapshot := v.state.clone()
	listeners := append([]func(State){}, v.listeners...)
	v.notifyMu.Lock()
	v.mu.Unlock()
	defer v.notifyMu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}
