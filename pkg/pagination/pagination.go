// Package pagination parses limit/offset query parameters and wraps list
// results in a page envelope.
package pagination

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset=. Missing or invalid values fall
// back to the defaults; limit is capped at MaxLimit.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

// Page is the JSON envelope of a paginated list.
type Page[T any] struct {
	Data    []T    `json:"data"`
	Total   int    `json:"total"`
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
	HasMore bool   `json:"has_more"`
	Next    string `json:"next,omitempty"`
	Prev    string `json:"prev,omitempty"`
}

// NewPage builds the envelope. basePath, when set, is used to render the
// next/prev links; query carries the caller's filters.
func NewPage[T any](data []T, total int, p Params, basePath string, query url.Values) *Page[T] {
	if data == nil {
		data = []T{}
	}
	page := &Page[T]{
		Data:    data,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.HasNext(total),
	}
	if basePath != "" {
		if page.HasMore {
			page.Next = p.link(basePath, query, p.NextOffset())
		}
		if p.HasPrevious() {
			page.Prev = p.link(basePath, query, p.PreviousOffset())
		}
	}
	return page
}

func (p Params) link(basePath string, query url.Values, offset int) string {
	q := url.Values{}
	for k, v := range query {
		if k == "limit" || k == "offset" {
			continue
		}
		q[k] = v
	}
	q.Set("limit", strconv.Itoa(p.Limit))
	q.Set("offset", strconv.Itoa(offset))
	return basePath + "?" + q.Encode()
}

// SQL returns the LIMIT and OFFSET clause for SQL queries.
func (p Params) SQL() string {
	return fmt.Sprintf("LIMIT %d OFFSET %d", p.Limit, p.Offset)
}

func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset never goes below zero.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}
