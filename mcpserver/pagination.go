package mcpserver

import (
	"errors"
	"strconv"
)

// DefaultPageSize is the number of items per list page.
const DefaultPageSize = 50

var errInvalidCursor = errors.New("invalid cursor")

// paginate returns the page of items starting at cursor and the cursor of
// the following page, empty on the last one. Cursors are decimal offsets;
// clients treat them as opaque.
func paginate[T any](items []T, cursor string, size int) ([]T, string, error) {
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(items) {
			return nil, "", errInvalidCursor
		}
		start = n
	}
	end := min(start+size, len(items))
	page := make([]T, end-start)
	copy(page, items[start:end])
	if end < len(items) {
		return page, strconv.Itoa(end), nil
	}
	return page, "", nil
}
