package pagination

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize is used when the client omits pageSize.
	DefaultPageSize = 20
	// MaxPageSize caps pageSize to keep Firestore queries bounded.
	MaxPageSize = 100
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// Params are the paging inputs accepted on list endpoints.
type Params struct {
	PageSize  int
	PageToken string
}

// Parse reads pageSize and pageToken from the query string. The token is
// validated here so that handlers can reject garbage with a 400.
func Parse(values url.Values) (Params, error) {
	params := Params{PageSize: DefaultPageSize}
	if raw := strings.TrimSpace(values.Get("pageSize")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			return Params{}, ErrInvalidPageSize
		}
		if size > MaxPageSize {
			size = MaxPageSize
		}
		params.PageSize = size
	}
	params.PageToken = strings.TrimSpace(values.Get("pageToken"))
	if _, err := DecodeCursor(params.PageToken); err != nil {
		return Params{}, err
	}
	return params, nil
}

// Normalize clamps a page size coming from a service call into range.
func Normalize(size int) int {
	switch {
	case size <= 0:
		return DefaultPageSize
	case size > MaxPageSize:
		return MaxPageSize
	default:
		return size
	}
}
