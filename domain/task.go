package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// TaskID identifies a task. The store assigns it; clients treat it as opaque.
type TaskID string

func (id TaskID) String() string { return string(id) }

// UnmarshalJSON accepts both numeric and string identifiers.
func (id *TaskID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := sonic.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = TaskID(s)
		return nil
	}
	var n json.Number
	if err := sonic.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("task id: %w", err)
	}
	if n == "" {
		return fmt.Errorf("task id: empty value %s", b)
	}
	*id = TaskID(n.String())
	return nil
}

// MarshalJSON writes integer identifiers as JSON numbers so they round-trip
// with stores that use integer keys. Anything else, including digit strings
// with a leading zero, stays a string.
func (id TaskID) MarshalJSON() ([]byte, error) {
	if isInteger(string(id)) {
		return []byte(id), nil
	}
	return sonic.Marshal(string(id))
}

func isInteger(s string) bool {
	if s == "" || len(s) > 18 || (s[0] == '0' && s != "0") {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Status is the workflow state of a task.
type Status string

const (
	StatusToDo       Status = "To Do"
	StatusInProgress Status = "In Progress"
	StatusDone       Status = "Done"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusToDo, StatusInProgress, StatusDone}

func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus converts user input into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.TrimSpace(s))
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", s)}
	}
	return st, nil
}

// Task is a single record of the remote task store.
type Task struct {
	ID          TaskID    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// UnmarshalJSON tolerates timestamps without a zone designator, which the
// store emits for naive datetimes.
func (t *Task) UnmarshalJSON(b []byte) error {
	type alias Task
	aux := struct {
		*alias
		CreatedAt string `json:"created_at"`
	}{alias: (*alias)(t)}
	if err := sonic.Unmarshal(b, &aux); err != nil {
		return err
	}
	if aux.CreatedAt == "" {
		t.CreatedAt = time.Time{}
		return nil
	}
	ts, err := ParseTimestamp(aux.CreatedAt)
	if err != nil {
		return err
	}
	t.CreatedAt = ts
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses RFC 3339 timestamps as well as naive ISO-8601 ones.
// Naive values are interpreted as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Draft carries the user-editable fields of a task. The store assigns the id
// and creation time.
type Draft struct {
	Title       string `json:"title" validate:"required,notblank"`
	Description string `json:"description"`
	Status      Status `json:"status" validate:"task_status"`
}

// Page is one slice of the task collection together with the number of tasks
// matching the filter it was requested with.
type Page struct {
	Tasks []Task `json:"tasks"`
	Total int    `json:"total"`
}

// Matches reports whether the task passes the status filter. A nil filter
// matches everything.
func (t Task) Matches(filter *Status) bool {
	return filter == nil || t.Status == *filter
}
