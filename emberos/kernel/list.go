package kernel

// handle names a node of a list. The zero handle is "not linked".
type handle int32

type node[T any] struct {
	v          T
	prev, next handle
	used       bool
}

// list is a doubly linked list whose nodes live in an arena and refer to
// each other by index. Handles stay valid until the node is removed, and a
// removed node's slot is recycled, so owners must zero their handle when the
// element leaves the list.
type list[T any] struct {
	nodes      []node[T] // nodes[0] is unused so that handle 0 means nil
	free       handle
	head, tail handle
	n          int
}

func (l *list[T]) alloc(v T) handle {
	if len(l.nodes) == 0 {
		l.nodes = make([]node[T], 1, 8)
	}
	if h := l.free; h != 0 {
		l.free = l.nodes[h].next
		l.nodes[h] = node[T]{v: v, used: true}
		return h
	}
	l.nodes = append(l.nodes, node[T]{v: v, used: true})
	return handle(len(l.nodes) - 1)
}

// PushBack appends v and returns its handle.
func (l *list[T]) PushBack(v T) handle {
	h := l.alloc(v)
	l.nodes[h].prev = l.tail
	if l.tail != 0 {
		l.nodes[l.tail].next = h
	} else {
		l.head = h
	}
	l.tail = h
	l.n++
	return h
}

// Front returns the first element.
func (l *list[T]) Front() (T, bool) {
	if l.head == 0 {
		var zero T
		return zero, false
	}
	return l.nodes[l.head].v, true
}

// PopFront removes and returns the first element.
func (l *list[T]) PopFront() (T, bool) {
	if l.head == 0 {
		var zero T
		return zero, false
	}
	v := l.nodes[l.head].v
	l.Remove(l.head)
	return v, true
}

// Remove unlinks the node at h. Removing a stale or zero handle is a no-op.
func (l *list[T]) Remove(h handle) {
	if h <= 0 || int(h) >= len(l.nodes) || !l.nodes[h].used {
		return
	}
	nd := &l.nodes[h]
	if nd.prev != 0 {
		l.nodes[nd.prev].next = nd.next
	} else {
		l.head = nd.next
	}
	if nd.next != 0 {
		l.nodes[nd.next].prev = nd.prev
	} else {
		l.tail = nd.prev
	}
	var zero T
	*nd = node[T]{v: zero, next: l.free}
	l.free = h
	l.n--
}

// Len returns the number of elements.
func (l *list[T]) Len() int { return l.n }

// Each calls fn on every element from front to back until fn returns false.
// fn must not modify the list.
func (l *list[T]) Each(fn func(v T) bool) {
	for h := l.head; h != 0; h = l.nodes[h].next {
		if !fn(l.nodes[h].v) {
			return
		}
	}
}

// Drain removes every element and returns them in order.
func (l *list[T]) Drain() []T {
	out := make([]T, 0, l.n)
	for {
		v, ok := l.PopFront()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}
