package view

import "github.com/k0vsh-ik/task-management/domain"

// State is what the view shows: one page of tasks under an optional status
// filter. Total comes from the last successful fetch and is never adjusted
// locally.
type State struct {
	Page     int
	PageSize int
	Filter   *domain.Status
	Tasks    []domain.Task
	Total    int
}

// Pages is the number of pages implied by Total, at least 1.
func (s State) Pages() int {
	return lastPage(s.Total, s.PageSize)
}

func (s State) clone() State {
	out := s
	out.Filter = cloneFilter(s.Filter)
	out.Tasks = append(make([]domain.Task, 0, len(s.Tasks)), s.Tasks...)
	return out
}

func lastPage(total, pageSize int) int {
	if pageSize <= 0 || total <= 0 {
		return 1
	}
	return (total + pageSize - 1) / pageSize
}

func cloneFilter(f *domain.Status) *domain.Status {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

func sameFilter(a, b *domain.Status) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
