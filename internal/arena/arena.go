// Package arena implements a hierarchical bump-allocating memory pool.
//
// An Arena stands in for the pool-with-reference-counting described by
// the design: every request, connection, or sub-stream owns an Arena,
// and releasing it frees everything allocated within it, plus every
// child Arena created under it. Parent/child lifetime is an invariant
// enforced by the caller, not the allocator: a child must never outlive
// its parent's Release.
package arena

import (
	"encoding/binary"
	"sync"
)

const blockSize = 4096

var blockPool = sync.Pool{
	New: func() any {
		b := make([]byte, blockSize)
		return &b
	},
}

func getBlock() []byte {
	return *(blockPool.Get().(*[]byte))
}
func putBlock(b []byte) {
	b = b[:blockSize]
	blockPool.Put(&b)
}

// Arena is a bump allocator with a small inline stock so the common
// case (a handful of small buffers per request) never touches the
// shared block pool. The last two bytes of every block hold the number
// of bytes already used in that block.
type Arena struct {
	mu       sync.Mutex
	blocks   [][]byte
	stock0   [384]byte
	children []*Arena
	parent   *Arena
	refs     int32
	released bool
}

// New creates a root arena (no parent). Use Child to create a
// dominated sub-arena whose lifetime must not exceed its parent's.
func New() *Arena {
	a := &Arena{refs: 1}
	a.init()
	return a
}

func (a *Arena) init() {
	a.blocks = make([][]byte, 0, 4)
	block0 := a.stock0[:]
	binary.BigEndian.PutUint16(block0[len(block0)-2:], 0)
	a.blocks = append(a.blocks, block0)
}

// Child creates a new arena dominated by a. It is tracked so that
// Release on the parent also releases every live child.
func (a *Arena) Child() *Arena {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := &Arena{parent: a, refs: 1}
	c.init()
	a.children = append(a.children, c)
	return c
}

// Make returns size fresh, zeroed bytes scoped to the arena's
// lifetime. Good for many small, short-lived buffers; large requests
// (bigger than a block) fall back to a dedicated make([]byte, size).
func (a *Arena) Make(size int) []byte {
	if size <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	block := a.blocks[len(a.blocks)-1]
	ceil := len(block) - 2
	used := int(binary.BigEndian.Uint16(block[ceil:]))
	want := used + size
	if want <= ceil {
		binary.BigEndian.PutUint16(block[ceil:], uint16(want))
		b := block[used:want:want]
		clear(b) // pooled blocks come back dirty
		return b
	}
	if size > blockSize-2 {
		return make([]byte, size)
	}
	block = getBlock()
	binary.BigEndian.PutUint16(block[blockSize-2:], uint16(size))
	a.blocks = append(a.blocks, block)
	b := block[0:size:size]
	clear(b)
	return b
}

// Dup copies p into arena-owned memory and returns the copy.
func (a *Arena) Dup(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	b := a.Make(len(p))
	copy(b, p)
	return b
}

// DupZ is Dup for a string, returned as []byte.
func (a *Arena) DupZ(s string) []byte {
	return a.Dup([]byte(s))
}

// Concat duplicates the concatenation of parts into one arena-owned
// slice.
func (a *Arena) Concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	if n == 0 {
		return nil
	}
	b := a.Make(n)
	off := 0
	for _, p := range parts {
		off += copy(b[off:], p)
	}
	return b
}

// Retain increments the arena's reference count. Used when a stream
// outlives the call that created it but is still scoped to the same
// arena (e.g. a delayed/hold pair); Release must be called the same
// number of times.
func (a *Arena) Retain() {
	a.mu.Lock()
	a.refs++
	a.mu.Unlock()
}

// Release decrements the reference count; at zero it frees every block
// (beyond the inline stock) back to the shared pool and recursively
// releases every child arena. Release is idempotent once the count
// reaches zero: further calls are no-ops, matching the pool-close
// close-is-idempotent invariant.
func (a *Arena) Release() {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return
	}
	a.refs--
	if a.refs > 0 {
		a.mu.Unlock()
		return
	}
	a.released = true
	children := a.children
	a.children = nil
	blocks := a.blocks
	a.blocks = nil
	a.mu.Unlock()

	for _, c := range children {
		c.Release()
	}
	for i := 1; i < len(blocks); i++ { // blocks[0] is stock0, not pooled
		putBlock(blocks[i])
	}
}
