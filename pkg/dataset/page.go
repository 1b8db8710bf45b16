package dataset

import (
	"iter"

	"github.com/OFFIS-RIT/ipdr/pkg/record"
)

// Pagination requests a 1-indexed page of Limit records. A non-positive
// Limit requests the maximum page size.
type Pagination struct {
	Page  int `json:"page" query:"page"`
	Limit int `json:"limit" query:"limit"`
}

// Page is one page of query results. Total counts every matching record so
// that callers can tell a clamped page from a complete answer.
type Page struct {
	Records        []record.Record `json:"records"`
	Page           int             `json:"page"`
	Limit          int             `json:"limit"`
	RequestedLimit int             `json:"requested_limit"`
	Clamped        bool            `json:"clamped"`
	Total          int             `json:"total"`
	TotalPages     int             `json:"total_pages"`
	HasMore        bool            `json:"has_more"`
}

// Paginate consumes seq and returns the requested page. maxLimit bounds the
// page size; values <= 0 disable the bound.
func Paginate(seq iter.Seq[record.Record], p Pagination, maxLimit int) Page {
	page := max(p.Page, 1)
	limit := p.Limit
	clamped := false
	if limit <= 0 {
		limit = maxLimit
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
		clamped = true
	}

	out := Page{
		Records:        []record.Record{},
		Page:           page,
		Limit:          limit,
		RequestedLimit: p.Limit,
		Clamped:        clamped,
	}

	unbounded := limit <= 0
	start := (page - 1) * max(limit, 0)
	for r := range seq {
		switch {
		case unbounded:
			if page == 1 {
				out.Records = append(out.Records, r)
			}
		case out.Total >= start && len(out.Records) < limit:
			out.Records = append(out.Records, r)
		}
		out.Total++
	}

	if unbounded {
		out.Limit = out.Total
		out.TotalPages = min(out.Total, 1)
		return out
	}
	out.TotalPages = (out.Total + limit - 1) / limit
	out.HasMore = page < out.TotalPages
	return out
}
