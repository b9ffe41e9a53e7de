package pagination

import (
	"fmt"
	"strconv"
)

// Params is a clamped limit/offset window
type Params struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Constants
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Clamp applies the default and maximum page size and floors offset at 0
func Clamp(limit, offset int) Params {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

// Parse reads limit and offset query values. Empty values take the defaults.
func Parse(limitStr, offsetStr string) (Params, error) {
	limit, offset := 0, 0

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return Params{}, fmt.Errorf("invalid limit parameter: %w", err)
		}
		limit = l
	}

	if offsetStr != "" {
		o, err := strconv.Atoi(offsetStr)
		if err != nil {
			return Params{}, fmt.Errorf("invalid offset parameter: %w", err)
		}
		offset = o
	}

	return Clamp(limit, offset), nil
}
