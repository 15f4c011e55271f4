package api

import (
	"github.com/k0vsh-ik/task-management/domain"
	"github.com/k0vsh-ik/task-management/view"
)

// CreatedAtLayout formats task creation times in rendered rows.
const CreatedAtLayout = "2006-01-02 15:04"

// Banner kinds.
const (
	BannerError = "error"
	BannerInfo  = "info"
)

type Row struct {
	ID          domain.TaskID `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Status      domain.Status `json:"status"`
	CreatedAt   string        `json:"created_at"`
}

// FilterOption is one entry of the status filter control. Value is empty for
// the "All" option.
type FilterOption struct {
	Label    string `json:"label"`
	Value    string `json:"value"`
	Selected bool   `json:"selected"`
}

type Pagination struct {
	Page    int  `json:"page"`
	Pages   int  `json:"pages"`
	Total   int  `json:"total"`
	HasPrev bool `json:"has_prev"`
	HasNext bool `json:"has_next"`
}

type Banner struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// Render is everything a client needs to draw the task list.
type Render struct {
	Rows       []Row          `json:"rows"`
	Filters    []FilterOption `json:"filters"`
	Pagination Pagination     `json:"pagination"`
	Banner     *Banner        `json:"banner,omitempty"`
}

// BuildRender derives the render model from a view state.
func BuildRender(st view.State, banner *Banner) Render {
	rows := make([]Row, 0, len(st.Tasks))
	for _, t := range st.Tasks {
		rows = append(rows, Row{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			Status:      t.Status,
			CreatedAt:   t.CreatedAt.UTC().Format(CreatedAtLayout),
		})
	}

	filters := make([]FilterOption, 0, len(domain.Statuses)+1)
	filters = append(filters, FilterOption{Label: "All", Selected: st.Filter == nil})
	for _, s := range domain.Statuses {
		filters = append(filters, FilterOption{
			Label:    string(s),
			Value:    string(s),
			Selected: st.Filter != nil && *st.Filter == s,
		})
	}

	pages := st.Pages()
	return Render{
		Rows:    rows,
		Filters: filters,
		Pagination: Pagination{
			Page:    st.Page,
			Pages:   pages,
			Total:   st.Total,
			HasPrev: st.Page > 1,
			HasNext: st.Page < pages,
		},
		Banner: banner,
	}
}
