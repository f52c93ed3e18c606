// Package optimize holds allocation helpers for the frame path.
package optimize

import (
	"sync"
	"sync/atomic"
)

// BytePool recycles fixed-size buffers, typically one raw frame each.
// Buffers of the wrong size are not taken back.
type BytePool struct {
	pool sync.Pool
	size int

	allocs atomic.Uint64
}

func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() any {
		p.allocs.Add(1)
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a buffer of exactly Size bytes. Its contents are undefined.
func (p *BytePool) Get() []byte {
	return *(p.pool.Get().(*[]byte))
}

func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}

func (p *BytePool) Size() int {
	return p.size
}

// Allocs is the number of buffers the pool had to allocate.
func (p *BytePool) Allocs() uint64 {
	return p.allocs.Load()
}
