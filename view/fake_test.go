package view

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/k0vsh-ik/task-management/domain"
)

type listCall struct {
	Page     int
	PageSize int
	Status   *domain.Status
}

// fakeClient keeps tasks in memory, newest first. Each ListTasks computes its
// page when called and then runs beforeReturn, which may block.
type fakeClient struct {
	mu     sync.Mutex
	tasks  []domain.Task
	nextID int
	calls  []listCall

	listErr      error
	mutateErr    error
	beforeReturn func(n int)
}

func newFakeClient() *fakeClient {
	return &fakeClient{nextID: 1}
}

func (f *fakeClient) seed(n int, status domain.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.insertLocked(domain.Draft{Title: "task " + strconv.Itoa(f.nextID), Status: status})
	}
}

func (f *fakeClient) insertLocked(d domain.Draft) domain.Task {
	t := domain.Task{
		ID:          domain.TaskID(strconv.Itoa(f.nextID)),
		Title:       d.Title,
		Description: d.Description,
		Status:      d.Status,
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, f.nextID, 0, time.UTC),
	}
	f.nextID++
	f.tasks = append([]domain.Task{t}, f.tasks...)
	return t
}

func (f *fakeClient) listCalls() []listCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]listCall(nil), f.calls...)
}

func (f *fakeClient) ListTasks(ctx context.Context, page, pageSize int, status *domain.Status) (domain.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, listCall{Page: page, PageSize: pageSize, Status: cloneFilter(status)})
	n := len(f.calls)
	err := f.listErr
	var matched []domain.Task
	for _, t := range f.tasks {
		if t.Matches(status) {
			matched = append(matched, t)
		}
	}
	hook := f.beforeReturn
	f.mu.Unlock()

	out := domain.Page{Tasks: []domain.Task{}, Total: len(matched)}
	if start := (page - 1) * pageSize; start < len(matched) {
		end := min(start+pageSize, len(matched))
		out.Tasks = append(out.Tasks, matched[start:end]...)
	}
	if hook != nil {
		hook(n)
	}
	if err != nil {
		return domain.Page{}, err
	}
	return out, nil
}

func (f *fakeClient) CreateTask(ctx context.Context, d domain.Draft) (domain.Task, error) {
	if err := d.Validate(); err != nil {
		return domain.Task{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutateErr != nil {
		return domain.Task{}, f.mutateErr
	}
	return f.insertLocked(d), nil
}

func (f *fakeClient) UpdateTask(ctx context.Context, id domain.TaskID, d domain.Draft) (domain.Task, error) {
	if err := d.Validate(); err != nil {
		return domain.Task{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutateErr != nil {
		return domain.Task{}, f.mutateErr
	}
	for i := range f.tasks {
		if f.tasks[i].ID == id {
			f.tasks[i].Title = d.Title
			f.tasks[i].Description = d.Description
			f.tasks[i].Status = d.Status
			return f.tasks[i], nil
		}
	}
	return domain.Task{}, &domain.NotFoundError{ID: id, Err: domain.ErrNotFound}
}

func (f *fakeClient) DeleteTask(ctx context.Context, id domain.TaskID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutateErr != nil {
		return f.mutateErr
	}
	for i := range f.tasks {
		if f.tasks[i].ID == id {
			f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
			return nil
		}
	}
	return &domain.NotFoundError{ID: id, Err: domain.ErrNotFound}
}

// setStatus changes a task behind the view's back, like another client would.
func (f *fakeClient) setStatus(id domain.TaskID, status domain.Status) domain.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.tasks {
		if f.tasks[i].ID == id {
			f.tasks[i].Status = status
			return f.tasks[i]
		}
	}
	return domain.Task{}
}
