package api

import (
	"testing"

	"github.com/k0vsh-ik/task-management/view"
)

func TestBuildRenderEmptyState(t *testing.T) {
	r := BuildRender(view.State{Page: 1, PageSize: 10}, nil)
	if len(r.Rows) != 0 || r.Rows == nil {
		t.Fatalf("expected empty, non-nil rows")
	}
	p := r.Pagination
	if p.Pages != 1 || p.HasPrev || p.HasNext {
		t.Fatalf("unexpected pagination: %#v", p)
	}
	if len(r.Filters) != 4 || !r.Filters[0].Selected || r.Filters[0].Label != "All" {
		t.Fatalf("expected All selected first, got %#v", r.Filters)
	}
}

func TestBuildRenderMiddlePage(t *testing.T) {
	r := BuildRender(view.State{Page: 2, PageSize: 5, Total: 11}, &Banner{Message: "x", Kind: BannerInfo})
	p := r.Pagination
	if p.Pages != 3 || !p.HasPrev || !p.HasNext {
		t.Fatalf("unexpected pagination: %#v", p)
	}
	if r.Banner == nil || r.Banner.Message != "x" {
		t.Fatalf("banner not carried into render")
	}
}
