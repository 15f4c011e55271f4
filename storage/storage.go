package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/k0vsh-ik/task-management/domain"
)

const (
	tasksRoute = "/api/tasks"
	taskRoute  = "/api/tasks/{id}"

	// HeaderRequestID carries the per-call identifier to the store.
	HeaderRequestID = "X-Request-ID"

	maxErrorBody = 16 * 1024
)

// Client talks to the remote task store. It keeps no cache and never retries;
// every call reaches the store and failures are returned to the caller as
// domain errors.
type Client struct {
	baseURL string
	http    *http.Client
	log     *log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithTimeout bounds each request made with the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d}
		}
	}
}

// New creates a Client for the store rooted at baseURL.
func New(baseURL string, logger *log.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("store base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("store base url: unsupported scheme %q", u.Scheme)
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    &http.Client{},
		log:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalized store address.
func (c *Client) BaseURL() string { return c.baseURL }

// ListTasks fetches one page of tasks matching status. A nil status lists all
// tasks.
func (c *Client) ListTasks(ctx context.Context, page, pageSize int, status *domain.Status) (domain.Page, error) {
	if page < 1 {
		return domain.Page{}, &domain.ValidationError{Field: "page", Message: "page must be at least 1"}
	}
	if pageSize < 1 {
		return domain.Page{}, &domain.ValidationError{Field: "page_size", Message: "page size must be at least 1"}
	}
	q := url.Values{}
	q.Set("skip", strconv.Itoa((page-1)*pageSize))
	q.Set("limit", strconv.Itoa(pageSize))
	if status != nil {
		q.Set("status", string(*status))
	}

	call := c.newCall(ctx, "list tasks", http.MethodGet, tasksRoute)
	call.metrics.SetPage(page, pageSize)
	var out domain.Page
	err := call.do(tasksRoute, q, nil, &out)
	if err == nil {
		if out.Tasks == nil {
			out.Tasks = []domain.Task{}
		}
		call.metrics.SetTasksReturned(len(out.Tasks))
	}
	call.finish(err)
	if err != nil {
		return domain.Page{}, err
	}
	return out, nil
}

// CreateTask stores a new task built from draft.
func (c *Client) CreateTask(ctx context.Context, draft domain.Draft) (domain.Task, error) {
	if err := draft.Validate(); err != nil {
		return domain.Task{}, err
	}
	call := c.newCall(ctx, "create task", http.MethodPost, tasksRoute)
	var out domain.Task
	err := call.do(tasksRoute, nil, draft, &out)
	call.finish(err)
	return out, err
}

// UpdateTask replaces the editable fields of task id.
func (c *Client) UpdateTask(ctx context.Context, id domain.TaskID, draft domain.Draft) (domain.Task, error) {
	if err := draft.Validate(); err != nil {
		return domain.Task{}, err
	}
	call := c.newCall(ctx, "update task", http.MethodPut, taskRoute)
	call.id = id
	var out domain.Task
	err := call.do(taskPath(id), nil, draft, &out)
	call.finish(err)
	return out, err
}

// DeleteTask removes task id. Deleting an id the store no longer knows yields
// a NotFoundError.
func (c *Client) DeleteTask(ctx context.Context, id domain.TaskID) error {
	call := c.newCall(ctx, "delete task", http.MethodDelete, taskRoute)
	call.id = id
	err := call.do(taskPath(id), nil, nil, nil)
	call.finish(err)
	return err
}

func taskPath(id domain.TaskID) string {
	return tasksRoute + "/" + url.PathEscape(id.String())
}

type call struct {
	c       *Client
	ctx     context.Context
	op      string
	method  string
	id      domain.TaskID
	metrics *requestMetrics
}

func (c *Client) newCall(ctx context.Context, op, method, route string) *call {
	metrics, spanCtx := newRequestMetrics(ctx, c.log, op, method, route)
	return &call{c: c, ctx: spanCtx, op: op, method: method, metrics: metrics}
}

func (k *call) finish(err error) {
	k.metrics.Log(err)
}

func (k *call) do(path string, query url.Values, body, out any) error {
	target := k.c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		payload, err := sonic.Marshal(body)
		if err != nil {
			return &domain.TransportError{Op: k.op, Err: fmt.Errorf("encode body: %w", err)}
		}
		rdr = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(k.ctx, k.method, target, rdr)
	if err != nil {
		return &domain.TransportError{Op: k.op, Err: err}
	}
	requestID := uuid.NewString()
	k.metrics.SetRequestID(requestID)
	req.Header.Set(HeaderRequestID, requestID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := k.c.http.Do(req)
	if err != nil {
		return &domain.TransportError{Op: k.op, Err: err}
	}
	defer resp.Body.Close()
	k.metrics.SetStatus(resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return k.classify(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil
	}
	dec := sonic.ConfigStd.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil {
		return &domain.TransportError{Op: k.op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (k *call) classify(resp *http.Response) error {
	field, msg := readErrorDetail(io.LimitReader(resp.Body, maxErrorBody))
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		if msg == "" {
			msg = "rejected by store"
		}
		return &domain.ValidationError{Field: field, Message: msg, Err: fmt.Errorf("%s: store returned %d", k.op, resp.StatusCode)}
	case http.StatusNotFound:
		if k.id != "" {
			return &domain.NotFoundError{ID: k.id, Err: fmt.Errorf("%s: %s", k.op, orDefault(msg, "not found"))}
		}
	}
	var cause error
	if msg != "" {
		cause = errors.New(msg)
	}
	return &domain.TransportError{Op: k.op, StatusCode: resp.StatusCode, Err: cause}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
