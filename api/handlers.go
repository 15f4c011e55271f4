// Package api exposes a mounted task view over HTTP: a JSON render, a
// server-sent render stream and the user intents that drive the view.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/k0vsh-ik/task-management/domain"
	"github.com/k0vsh-ik/task-management/view"
)

const (
	maxBodySize      = 64 << 10
	defaultKeepAlive = 30 * time.Second
)

// View is the part of view.View the handlers drive.
type View interface {
	State() view.State
	OnStateChange(fn func(view.State))
	SetPage(ctx context.Context, n int) error
	SetFilter(ctx context.Context, status *domain.Status) error
	Create(ctx context.Context, draft domain.Draft) error
	Edit(ctx context.Context, id domain.TaskID, draft domain.Draft) error
	Delete(ctx context.Context, id domain.TaskID) error
}

// Server holds the per-view presentation state shared by the handlers.
type Server struct {
	view      View
	log       *log.Logger
	broker    *updateBroker
	banner    *banner
	keepAlive time.Duration
	bannerTTL time.Duration
}

type Option func(*Server)

// WithBannerTTL sets how long error banners stay up.
func WithBannerTTL(d time.Duration) Option {
	return func(s *Server) { s.bannerTTL = d }
}

// WithKeepAlive sets the interval of comment frames on idle render streams.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) { s.keepAlive = d }
}

type filterRequest struct {
	Status string `json:"status"`
}

type pageRequest struct {
	Page int `json:"page"`
}

type errorResponse struct {
	Render
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// Register wires the view endpoints on e and subscribes to state changes of v.
func Register(e *echo.Echo, v View, logger *log.Logger, opts ...Option) *Server {
	s := &Server{
		view:      v,
		log:       logger,
		broker:    newUpdateBroker(),
		keepAlive: defaultKeepAlive,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = log.StandardLogger()
	}
	if s.keepAlive <= 0 {
		s.keepAlive = defaultKeepAlive
	}
	s.banner = newBanner(s.bannerTTL, s.broker.notify)
	v.OnStateChange(func(view.State) { s.broker.notify() })

	e.GET("/healthz", healthz)
	g := e.Group("/view")
	g.GET("", getView(s))
	g.GET("/stream", streamView(s))
	g.GET("/export.csv", exportCSV(s))
	g.POST("/filter", setFilter(s))
	g.POST("/page", setPage(s))
	g.POST("/tasks", createTask(s))
	g.PUT("/tasks/:id", editTask(s))
	g.DELETE("/tasks/:id", deleteTask(s))
	g.DELETE("/banner", dismissBanner(s))
	return s
}

// Close stops the banner timer.
func (s *Server) Close() {
	s.banner.stop()
}

// Render returns the current render model.
func (s *Server) Render() Render {
	return BuildRender(s.view.State(), s.banner.get())
}

// respond maps the outcome of a view operation to a response. Validation
// errors are shown inline; anything else raises the banner.
func (s *Server) respond(c echo.Context, op string, err error) error {
	if err == nil {
		return c.JSON(http.StatusOK, s.Render())
	}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return c.JSON(http.StatusUnprocessableEntity, errorResponse{Render: s.Render(), Error: verr.Error(), Field: verr.Field})
	}
	s.log.WithError(err).WithField("op", op).Warn("view operation failed")
	s.banner.show(err.Error(), BannerError)
	return c.JSON(http.StatusBadGateway, errorResponse{Render: s.Render(), Error: err.Error()})
}

func decodeBody(c echo.Context, dst any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	return dec.Decode(dst)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

func healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func getView(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, s.Render())
	}
}

func setFilter(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req filterRequest
		if err := decodeBody(c, &req); err != nil {
			return badRequest(c, "invalid body")
		}
		var filter *domain.Status
		if req.Status != "" && req.Status != "All" {
			st, err := domain.ParseStatus(req.Status)
			if err != nil {
				return s.respond(c, "set_filter", err)
			}
			filter = &st
		}
		return s.respond(c, "set_filter", s.view.SetFilter(c.Request().Context(), filter))
	}
}

func setPage(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req pageRequest
		if err := decodeBody(c, &req); err != nil {
			return badRequest(c, "invalid body")
		}
		return s.respond(c, "set_page", s.view.SetPage(c.Request().Context(), req.Page))
	}
}

func createTask(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		var draft domain.Draft
		if err := decodeBody(c, &draft); err != nil {
			return badRequest(c, "invalid body")
		}
		return s.respond(c, "create_task", s.view.Create(c.Request().Context(), draft))
	}
}

func editTask(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := domain.TaskID(c.Param("id"))
		if id == "" {
			return badRequest(c, "missing task id")
		}
		var draft domain.Draft
		if err := decodeBody(c, &draft); err != nil {
			return badRequest(c, "invalid body")
		}
		return s.respond(c, "edit_task", s.view.Edit(c.Request().Context(), id, draft))
	}
}

func deleteTask(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := domain.TaskID(c.Param("id"))
		if id == "" {
			return badRequest(c, "missing task id")
		}
		return s.respond(c, "delete_task", s.view.Delete(c.Request().Context(), id))
	}
}

func dismissBanner(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		s.banner.dismiss()
		return c.NoContent(http.StatusNoContent)
	}
}
