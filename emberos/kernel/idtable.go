package kernel

import (
	"sync/atomic"

	"ember/emberos/proto"
)

type idEntry[T any] struct {
	v T
}

// IDTable maps small positive integer IDs to kernel objects.
//
// Slot 0 is never used so that ID 0 can mean "none". Allocation is lock-free:
// Alloc swaps a per-table reserved marker into a free slot, and Set replaces
// the marker with the value, so a concurrent Get never sees a half-built
// object.
type IDTable[T any] struct {
	slots    []atomic.Pointer[idEntry[T]]
	reserved *idEntry[T]
	next     atomic.Int32
}

// NewIDTable returns a table holding IDs 1..capacity.
func NewIDTable[T any](capacity int) *IDTable[T] {
	return &IDTable[T]{
		slots:    make([]atomic.Pointer[idEntry[T]], capacity+1),
		reserved: new(idEntry[T]),
	}
}

// Alloc reserves a free ID.
func (tab *IDTable[T]) Alloc() (int32, error) {
	n := int32(len(tab.slots))
	start := tab.next.Load()
	for i := int32(0); i < n-1; i++ {
		id := (start+i)%(n-1) + 1
		if tab.slots[id].CompareAndSwap(nil, tab.reserved) {
			tab.next.Store(id % (n - 1))
			return id, nil
		}
	}
	return 0, proto.ErrOutOfResource
}

// Set installs v into a slot reserved by Alloc.
func (tab *IDTable[T]) Set(id int32, v T) error {
	if !tab.valid(id) {
		return proto.ErrInvalidArg
	}
	if !tab.slots[id].CompareAndSwap(tab.reserved, &idEntry[T]{v: v}) {
		return proto.ErrInvalidArg
	}
	return nil
}

// Get returns the object installed at id.
func (tab *IDTable[T]) Get(id int32) (T, bool) {
	var zero T
	if !tab.valid(id) {
		return zero, false
	}
	e := tab.slots[id].Load()
	if e == nil || e == tab.reserved {
		return zero, false
	}
	return e.v, true
}

// Free releases id, whether it holds an object or only a reservation.
func (tab *IDTable[T]) Free(id int32) bool {
	if !tab.valid(id) {
		return false
	}
	return tab.slots[id].Swap(nil) != nil
}

// Range calls fn for every installed object in ID order until fn returns
// false.
func (tab *IDTable[T]) Range(fn func(id int32, v T) bool) {
	for id := 1; id < len(tab.slots); id++ {
		e := tab.slots[id].Load()
		if e == nil || e == tab.reserved {
			continue
		}
		if !fn(int32(id), e.v) {
			return
		}
	}
}

// Len returns the number of installed objects.
func (tab *IDTable[T]) Len() int {
	n := 0
	tab.Range(func(int32, T) bool {
		n++
		return true
	})
	return n
}

// Cap returns the number of usable IDs.
func (tab *IDTable[T]) Cap() int { return len(tab.slots) - 1 }

func (tab *IDTable[T]) valid(id int32) bool {
	return id > 0 && int(id) < len(tab.slots)
}
