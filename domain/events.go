package domain

// EventKind names a change pushed by the store.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

func (k EventKind) Known() bool {
	switch k {
	case EventCreated, EventUpdated, EventDeleted:
		return true
	}
	return false
}

// ChangeEvent is a push notification about a remote mutation. It is consumed
// once and discarded.
type ChangeEvent struct {
	Kind   EventKind `json:"event"`
	Task   *Task     `json:"task,omitempty"`
	TaskID *TaskID   `json:"task_id,omitempty"`
}

// ID returns the affected task id, taken from the snapshot when present.
func (e ChangeEvent) ID() (TaskID, bool) {
	if e.Task != nil && e.Task.ID != "" {
		return e.Task.ID, true
	}
	if e.TaskID != nil {
		return *e.TaskID, true
	}
	return "", false
}

// Relevant reports whether the event may affect a view filtered by filter.
// Events without a task snapshot, such as deletions, are always relevant since
// the status of the removed task is unknown.
func (e ChangeEvent) Relevant(filter *Status) bool {
	if e.Task == nil {
		return true
	}
	return e.Task.Matches(filter)
}
