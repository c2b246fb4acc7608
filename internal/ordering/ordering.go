// Package ordering provides the orderings that uniqdoc uses wherever results
// must come back in a stable order.
package ordering

import (
	"sort"

	"github.com/dekarrin/uniqdoc"
)

type sorter[E any] struct {
	src []E
	lt  func(left, right E) bool
}

func (s sorter[E]) Len() int {
	return len(s.src)
}

func (s sorter[E]) Swap(i, j int) {
	s.src[i], s.src[j] = s.src[j], s.src[i]
}

func (s sorter[E]) Less(i, j int) bool {
	return s.lt(s.src[i], s.src[j])
}

// By takes the items and uses the provided function to sort the list. The
// function should return true if left is less than (comes before) right.
//
// items will not be modified.
func By[E any](items []E, lt func(left E, right E) bool) []E {
	if len(items) == 0 || lt == nil {
		return items
	}

	s := sorter[E]{
		src: make([]E, len(items)),
		lt:  lt,
	}

	copy(s.src, items)
	sort.Stable(s)
	return s.src
}

// EntryKeys orders entry keys by collection, then field, then value.
func EntryKeys(left, right uniqdoc.EntryKey) bool {
	if left.Collection != right.Collection {
		return left.Collection < right.Collection
	}
	if left.Field != right.Field {
		return left.Field < right.Field
	}
	return left.Value < right.Value
}

// Declarations orders constraint declarations by collection, then field.
func Declarations(left, right uniqdoc.ConstraintDeclaration) bool {
	if left.Collection != right.Collection {
		return left.Collection < right.Collection
	}
	return left.Field < right.Field
}
