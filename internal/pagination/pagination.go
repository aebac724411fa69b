// Package pagination provides page-number pagination utilities.
package pagination

// Page is a 1-based page request of fixed size.
type Page struct {
	Number int
	Size   int
}

// New returns a page request, coercing number to at least 1 and size to at
// least 1.
func New(number, size int) Page {
	if number < 1 {
		number = 1
	}
	if size < 1 {
		size = 1
	}
	return Page{Number: number, Size: size}
}

// Offset is the number of rows skipped before this page.
func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

// Limit is the maximum number of rows on this page.
func (p Page) Limit() int {
	return p.Size
}

// TotalPages returns ceil(total/size), never less than 1.
func TotalPages(total, size int) int {
	if size < 1 || total <= 0 {
		return 1
	}
	return (total + size - 1) / size
}

// Slice returns the page window of items.
func Slice[T any](items []T, p Page) []T {
	start := p.Offset()
	if start >= len(items) {
		return nil
	}
	end := start + p.Limit()
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
