package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_Coerces(t *testing.T) {
	p := New(0, 0)
	assert.Equal(t, 1, p.Number)
	assert.Equal(t, 1, p.Size)

	p = New(-4, 20)
	assert.Equal(t, 1, p.Number)
	assert.Equal(t, 0, p.Offset())
}

func TestOffsetLimit(t *testing.T) {
	p := New(3, 20)
	assert.Equal(t, 40, p.Offset())
	assert.Equal(t, 20, p.Limit())
}

func TestTotalPages(t *testing.T) {
	assert.Equal(t, 1, TotalPages(0, 20))
	assert.Equal(t, 1, TotalPages(20, 20))
	assert.Equal(t, 2, TotalPages(21, 20))
	assert.Equal(t, 3, TotalPages(45, 20))
	assert.Equal(t, 1, TotalPages(10, 0))
}

func TestSlice(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	assert.Equal(t, []int{1, 2}, Slice(items, New(1, 2)))
	assert.Equal(t, []int{5}, Slice(items, New(3, 2)))
	assert.Nil(t, Slice(items, New(4, 2)))
}
