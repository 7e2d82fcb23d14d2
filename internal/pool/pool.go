// Package pool implements a fixed-per-type, lazily growing object pool.
// Pools are single-threaded: see spec.md §5.
package pool

// Pool hands out reusable instances of T, allocating a new one only when
// the free list is empty. The pool owns every instance it has ever vended;
// nothing is ever destroyed early, so handles remain valid after the pool
// itself goes out of scope.
type Pool[T any] struct {
	new       func() *T
	free      []*T
	allocated int
	total     int
}

// New returns a Pool that constructs new elements with newFn.
func New[T any](newFn func() *T) *Pool[T] {
	return &Pool[T]{new: newFn}
}

// Acquire returns an unused instance, constructing one if the free list is
// empty.
func (p *Pool[T]) Acquire() *T {
	p.allocated++
	n := len(p.free)
	if n == 0 {
		p.total++
		return p.new()
	}
	obj := p.free[n-1]
	p.free = p.free[:n-1]
	return obj
}

// Release returns obj to the free list without destroying it. Releasing
// more often than acquiring does not drive the outstanding count negative
// (see spec.md's Open Questions on ObjectPool::size()).
func (p *Pool[T]) Release(obj *T) {
	if p.allocated > 0 {
		p.allocated--
	}
	p.free = append(p.free, obj)
}

// Size reports the number of instances currently outstanding (acquired but
// not yet released).
func (p *Pool[T]) Size() int {
	return p.allocated
}

// TotalAllocated reports the pool's high-water mark: how many distinct
// instances it has ever constructed.
func (p *Pool[T]) TotalAllocated() int {
	return p.total
}
