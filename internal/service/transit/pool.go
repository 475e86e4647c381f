package transit

// Pool is a bounded acquire/release pool for transient per-packet resources.
// The pooled value's internals are opaque to the core; only identity
// bookkeeping matters here. Not safe for concurrent use: it belongs to the
// single-writer loop.
type Pool[T any] struct {
	factory   func() T
	free      []T
	max       int
	allocated int
	inUse     int
}

func NewPool[T any](max int, factory func() T) *Pool[T] {
	return &Pool[T]{factory: factory, max: max}
}

// Acquire hands out a pooled value, reusing released ones first. It reports
// false when the pool is exhausted.
func (p *Pool[T]) Acquire() (T, bool) {
	if n := len(p.free); n > 0 {
		v := p.free[n-1]
		p.free = p.free[:n-1]
		p.inUse++
		return v, true
	}
	if p.allocated >= p.max {
		var zero T
		return zero, false
	}
	p.allocated++
	p.inUse++
	return p.factory(), true
}

// Release returns a value for reuse. Callers must not release the same value
// twice; the tracker guarantees that by dropping its marker on first release.
func (p *Pool[T]) Release(v T) {
	p.free = append(p.free, v)
	if p.inUse > 0 {
		p.inUse--
	}
}

func (p *Pool[T]) InUse() int {
	return p.inUse
}
