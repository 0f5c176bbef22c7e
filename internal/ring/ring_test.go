package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferEvictsOldestFirst(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Add(i)
	}
	assert.Equal(t, []int{3, 4, 5}, b.List(0))
	assert.Equal(t, []int{4, 5}, b.List(2))
	assert.Equal(t, 3, b.Len())
}

func TestBufferAddReportsEviction(t *testing.T) {
	b := New[string](1)
	assert.False(t, b.Add("a"))
	assert.True(t, b.Add("b"))
	first, ok := b.First()
	assert.True(t, ok)
	assert.Equal(t, "b", first)
}

func TestBufferListIsACopy(t *testing.T) {
	b := New[int](2)
	b.Add(1)
	out := b.List(0)
	out[0] = 99
	assert.Equal(t, []int{1}, b.List(0))
}

func TestBufferFilterAndClear(t *testing.T) {
	b := New[int](10)
	for i := 0; i < 6; i++ {
		b.Add(i)
	}
	assert.Equal(t, []int{0, 2, 4}, b.Filter(func(v int) bool { return v%2 == 0 }))
	b.Clear()
	assert.Equal(t, 0, b.Len())
	_, ok := b.First()
	assert.False(t, ok)
}
