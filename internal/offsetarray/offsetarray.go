// Package offsetarray implements the per-block offset index (spec §4.1): a
// growable array of byte offsets with a logical start cursor, so popping an
// element from the front of a memory block is an O(1) cursor bump rather
// than a slice shift.
package offsetarray

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

const minCapacity = 8

// Index is a growable array of element offsets with two cursors: start (the
// logical pop cursor; everything before it is invalidated) and size (one
// past the last valid entry). Parameterised over the offset's unsigned
// integer type; memblock uses it with uint32 byte offsets.
type Index[T constraints.Unsigned] struct {
	offsets []T
	start   int
	size    int
}

// New returns an empty index with a small initial capacity.
func New[T constraints.Unsigned]() *Index[T] {
	return &Index[T]{offsets: make([]T, minCapacity)}
}

// VisibleSize is size-start, the number of live entries.
func (x *Index[T]) VisibleSize() int {
	return x.size - x.start
}

// Push appends an offset, doubling capacity on overflow.
func (x *Index[T]) Push(offset T) {
	if x.size == len(x.offsets) {
		grown := make([]T, len(x.offsets)*2)
		copy(grown, x.offsets)
		x.offsets = grown
	}
	x.offsets[x.size] = offset
	x.size++
}

// Get returns the offset at the given logical (post-start) index.
func (x *Index[T]) Get(logicalIndex int) (T, error) {
	if logicalIndex < 0 || logicalIndex >= x.VisibleSize() {
		var zero T
		return zero, fmt.Errorf("offsetarray: get: index %d out of range [0,%d)", logicalIndex, x.VisibleSize())
	}
	return x.offsets[x.start+logicalIndex], nil
}

// AdvanceStart moves the pop cursor forward by one entry.
func (x *Index[T]) AdvanceStart() error {
	if x.start >= x.size {
		return fmt.Errorf("offsetarray: advance start: already at size (start=%d size=%d)", x.start, x.size)
	}
	x.start++
	return nil
}

// CloneInto copies the live slice [start,size) into dst, resetting dst's
// start cursor to 0 so dst begins as a fresh, dense index.
func (x *Index[T]) CloneInto(dst *Index[T]) {
	live := x.offsets[x.start:x.size]
	dst.offsets = make([]T, max(minCapacity, len(live)))
	copy(dst.offsets, live)
	dst.start = 0
	dst.size = len(live)
}

// Reset zeroes both cursors, discarding all entries but keeping the backing
// array (avoids a reallocation on the next round of pushes).
func (x *Index[T]) Reset() {
	x.start = 0
	x.size = 0
}
