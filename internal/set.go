package internal

import (
	"maps"
	"slices"
)

type set[T comparable] map[T]struct{}

func newSet[T comparable](ts ...T) set[T] {
	s := set[T]{}
	for _, t := range ts {
		s[t] = struct{}{}
	}
	return s
}

func (s set[T]) add(t T) {
	s[t] = struct{}{}
}

func (s set[T]) has(t T) bool {
	_, ok := s[t]
	return ok
}

func (s set[T]) values() []T {
	return slices.Collect(maps.Keys(s))
}

func union[T comparable, S set[T]](x S, y S) S {
	r := maps.Clone(x)
	maps.Copy(r, y)
	return r
}
