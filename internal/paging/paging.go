// Package paging normalizes page/limit parameters for list operations.
package paging

import (
	"github.com/roach88/caseguide/internal/apperr"
)

// Params is a 1-based page request.
type Params struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// Normalize fills defaults and rejects out-of-range values. A zero page
// means 1 and a zero limit means def.
func (p Params) Normalize(def, max int) (Params, error) {
	if p.Page == 0 {
		p.Page = 1
	}
	if p.Limit == 0 {
		p.Limit = def
	}
	var c apperr.Collector
	c.Check(p.Page >= 1, "page", "must be at least 1")
	c.Check(p.Limit >= 1 && p.Limit <= max, "limit", "must be between 1 and %d", max)
	if err := c.Err(); err != nil {
		return p, err
	}
	return p, nil
}

// Offset returns the row offset for the page.
func (p Params) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Result is one page of items.
type Result[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Pages int `json:"pages"`
}

// NewResult builds a page result.
func NewResult[T any](items []T, total int, p Params) Result[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if p.Limit > 0 {
		pages = (total + p.Limit - 1) / p.Limit
	}
	return Result[T]{Items: items, Total: total, Page: p.Page, Limit: p.Limit, Pages: pages}
}
