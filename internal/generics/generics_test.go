package generics

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortedKeys(t *testing.T) {
	m := map[int]string{1: "1", 5: "5", 3: "3"}
	// Since the builtin map iterator in Go is deliberately non-deterministic, we
	// run it a bunch of times to show it is stably sorted.
	want := []int{1, 3, 5}
	for range 100 {
		got := slices.Collect(SortedKeys(m))
		if !slices.Equal(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestSliceMap(t *testing.T) {
	got := SliceMap([]int{1, 2, 3}, func(e int) float32 { return float32(e) / 2 })
	assert.Equal(t, []float32{0.5, 1, 1.5}, got)
}

func TestSet(t *testing.T) {
	// Sets are created empty.
	s := MakeSet[int](10)
	assert.Len(t, s, 0)

	// Check inserting and recovery.
	s.Insert(3, 7)
	assert.Len(t, s, 2)
	assert.True(t, s.Has(3))
	assert.True(t, s.Has(7))
	assert.False(t, s.Has(5))

	s2 := SetWith(5, 7)
	assert.Len(t, s2, 2)
	assert.True(t, s2.Has(5))
	assert.False(t, s2.Has(3))

	delete(s, 7)
	assert.True(t, s.Equal(SetWith(3)))
	assert.False(t, s.Equal(s2))
	assert.False(t, s.Equal(SetWith(-3)))
}

func TestSliceOrdering(t *testing.T) {
	s := []float32{7, -3, 2}
	assert.Equal(t, []int{1, 2, 0}, SliceOrdering(s, false))
	s2 := []int64{0, 1, 2}
	assert.Equal(t, []int{2, 1, 0}, SliceOrdering(s2, true))

	// Ties keep the original order.
	s3 := []float32{1, 2, 1, 2}
	assert.Equal(t, []int{1, 3, 0, 2}, SliceOrdering(s3, true))
}

func TestMean(t *testing.T) {
	assert.Equal(t, 0.0, Mean([]float64{}))
	assert.Equal(t, float32(2), Mean([]float32{1, 2, 3}))
}
