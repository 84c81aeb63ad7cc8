package api

import (
	"net/http"
	"strconv"
)

// Page is a parsed limit/offset window. Clients may send either ?page= or
// a raw ?offset=; offset wins when both are present.
type Page struct {
	Number int
	Limit  int
	Offset int
}

// PaginatedResponse wraps a list with its window.
type PaginatedResponse struct {
	Data       interface{}    `json:"data"`
	Pagination PaginationMeta `json:"pagination"`
}

// PaginationMeta describes the window returned.
type PaginationMeta struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasMore    bool `json:"has_more"`
}

// ParsePagination reads limit and page/offset with defaults. The limit is
// capped at maxLimit.
func ParsePagination(r *http.Request, defaultLimit, maxLimit int) Page {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	if raw := q.Get("offset"); raw != "" {
		offset, _ := strconv.Atoi(raw)
		if offset < 0 {
			offset = 0
		}
		return Page{Number: offset/limit + 1, Limit: limit, Offset: offset}
	}

	number, _ := strconv.Atoi(q.Get("page"))
	if number < 1 {
		number = 1
	}
	return Page{Number: number, Limit: limit, Offset: (number - 1) * limit}
}

// NewPaginatedResponse wraps data fetched for p out of total rows.
func NewPaginatedResponse(data interface{}, p Page, total int) PaginatedResponse {
	pages := (total + p.Limit - 1) / p.Limit
	if pages < 1 {
		pages = 1
	}
	return PaginatedResponse{
		Data: data,
		Pagination: PaginationMeta{
			Page:       p.Number,
			Limit:      p.Limit,
			Offset:     p.Offset,
			Total:      total,
			TotalPages: pages,
			HasMore:    p.Offset+p.Limit < total,
		},
	}
}
