package api

import (
	"encoding/csv"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/k0vsh-ik/task-management/domain"
)

const exportFilename = "tasks.csv"

var csvHeader = []string{"id", "title", "description", "status", "created_at"}

// exportCSV downloads the tasks currently shown as CSV.
func exportCSV(s *Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		st := s.view.State()
		h := c.Response().Header()
		h.Set(echo.HeaderContentType, "text/csv; charset=utf-8")
		h.Set(echo.HeaderContentDisposition, `attachment; filename="`+exportFilename+`"`)
		c.Response().WriteHeader(http.StatusOK)
		if err := writeCSV(c.Response(), st.Tasks); err != nil {
			s.log.WithError(err).Warn("csv export failed")
		}
		return nil
	}
}

func writeCSV(w io.Writer, tasks []domain.Task) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, t := range tasks {
		record := []string{
			t.ID.String(),
			t.Title,
			t.Description,
			string(t.Status),
			t.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
