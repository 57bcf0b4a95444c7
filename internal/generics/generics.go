// Package generics implements generic data structure functions missing from the stdlib.
package generics

import (
	"cmp"
	"iter"
	"maps"
	"slices"

	"golang.org/x/exp/constraints"
)

// SliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func SliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// SortedKeys returns an iterator over the sorted keys of the given map.
//
// It extracts the keys, sort them and then iterate over, so it's convenient but not fast.
func SortedKeys[M interface{ ~map[K]V }, K cmp.Ordered, V any](m M) iter.Seq[K] {
	sortedKeys := slices.Collect(maps.Keys(m))
	slices.Sort(sortedKeys)
	return slices.Values(sortedKeys)
}

// SliceOrdering returns the indices of the elements of s in sorted order, ascending or descending if reverse
// is true. Ties keep their original relative order.
func SliceOrdering[T cmp.Ordered](s []T, reverse bool) []int {
	order := make([]int, len(s))
	for ii := range order {
		order[ii] = ii
	}
	slices.SortStableFunc(order, func(a, b int) int {
		if reverse {
			return cmp.Compare(s[b], s[a])
		}
		return cmp.Compare(s[a], s[b])
	})
	return order
}

// Mean of the values in s, or 0 if s is empty.
func Mean[T constraints.Float](s []T) T {
	if len(s) == 0 {
		return 0
	}
	var sum T
	for _, v := range s {
		sum += v
	}
	return sum / T(len(s))
}

// Set implements a Set for the key type T.
type Set[T comparable] map[T]struct{}

// MakeSet returns an empty Set of the given type. Size is optional, and if given
// will reserve the expected size.
func MakeSet[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// SetWith creates a Set[T] with the given elements inserted.
func SetWith[T comparable](elements ...T) Set[T] {
	s := MakeSet[T](len(elements))
	for _, element := range elements {
		s.Insert(element)
	}
	return s
}

// Has returns true if Set s has the given key.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert keys into set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// Equal returns whether s and s2 have the same elements.
func (s Set[T]) Equal(s2 Set[T]) bool {
	if len(s) != len(s2) {
		return false
	}
	for k := range s {
		if !s2.Has(k) {
			return false
		}
	}
	return true
}
