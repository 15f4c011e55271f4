package storage

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName       = "github.com/k0vsh-ik/task-management/storage"
	metricsEventName = "storage.request.metrics"
)

type requestMetrics struct {
	logger        *log.Logger
	span          trace.Span
	start         time.Time
	op            string
	method        string
	route         string
	requestID     string
	status        int
	page          int
	pageSize      int
	tasksReturned int
	hasTasks      bool
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, op, method, route string) (*requestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, spanName(op),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("http.route", route),
		),
	)
	return &requestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		op:     op,
		method: method,
		route:  route,
	}, spanCtx
}

func spanName(op string) string {
	switch op {
	case "list tasks":
		return "storage.ListTasks"
	case "create task":
		return "storage.CreateTask"
	case "update task":
		return "storage.UpdateTask"
	case "delete task":
		return "storage.DeleteTask"
	}
	return "storage." + op
}

func (m *requestMetrics) SetRequestID(id string) {
	m.requestID = id
	m.span.SetAttributes(attribute.String("taskview.request_id", id))
}

func (m *requestMetrics) SetStatus(status int) {
	m.status = status
	m.span.SetAttributes(attribute.Int("http.response.status_code", status))
}

func (m *requestMetrics) SetPage(page, pageSize int) {
	m.page = page
	m.pageSize = pageSize
	m.span.SetAttributes(
		attribute.Int("taskview.page", page),
		attribute.Int("taskview.page_size", pageSize),
	)
}

func (m *requestMetrics) SetTasksReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.tasksReturned = count
	m.hasTasks = true
	m.span.SetAttributes(attribute.Int("taskview.tasks_returned", count))
}

// Log ends the span and writes one structured entry describing the call.
func (m *requestMetrics) Log(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.End()

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"op":       m.op,
		"method":   m.method,
		"route":    m.route,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.requestID != "" {
		fields["request_id"] = m.requestID
	}
	if m.status != 0 {
		fields["status"] = m.status
	}
	if m.page > 0 {
		fields["page"] = m.page
		fields["page_size"] = m.pageSize
	}
	if m.hasTasks {
		fields["tasks_returned"] = m.tasksReturned
	}
	entry := m.logger.WithFields(fields)
	if err != nil {
		entry.WithError(err).Warn(metricsEventName)
		return
	}
	entry.Debug(metricsEventName)
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
