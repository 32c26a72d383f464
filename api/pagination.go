package api

import (
	"fmt"
	"net/http"
	"strconv"
)

const (
	LimitKey  = "limit"
	OffsetKey = "offset"

	DefaultLimit  = uint64(100)
	DefaultOffset = uint64(0)

	MaximumLimit = uint64(1000)
)

// Pagination is used to define parameters for pagination.
type Pagination struct {
	Limit  uint64
	Offset uint64
}

// NewPagination extracts pagination parameters from an http request.
// Limits above MaximumLimit are clamped.
func NewPagination(r *http.Request) (Pagination, error) {
	values := r.URL.Query()

	p := Pagination{
		Limit:  DefaultLimit,
		Offset: DefaultOffset,
	}
	if v := values.Get(LimitKey); v != "" {
		limit, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return p, fmt.Errorf("%w: limit: %v", ErrBadRequest, err)
		}
		p.Limit = limit
	}
	if p.Limit > MaximumLimit {
		p.Limit = MaximumLimit
	}
	if v := values.Get(OffsetKey); v != "" {
		offset, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return p, fmt.Errorf("%w: offset: %v", ErrBadRequest, err)
		}
		p.Offset = offset
	}
	return p, nil
}

// Window returns the [start, end) bounds of the page within n items.
func (p Pagination) Window(n int) (int, int) {
	total := uint64(n)
	start := p.Offset
	if start > total {
		start = total
	}
	end := start + p.Limit
	if end > total {
		end = total
	}
	return int(start), int(end)
}
