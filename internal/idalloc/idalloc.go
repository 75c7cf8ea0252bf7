// Package idalloc allocates the two identifier spaces the relay hands out:
// globally unique connection IDs for logging/tracing, and 32-bit SRT
// socket IDs used on the wire and for UDP demultiplexing.
package idalloc

import (
	"sync/atomic"

	"github.com/rs/xid"
)

// ConnID is an opaque, sortable, globally unique connection identifier
// suitable for log correlation across a fleet of relay instances.
type ConnID string

// NewConnID mints a fresh connection ID.
func NewConnID() ConnID {
	return ConnID(xid.New().String())
}

// SocketAllocator hands out 32-bit SRT socket IDs, skipping zero (reserved
// to mean "no socket" on the wire) and wrapping around after 2^32-1.
type SocketAllocator struct {
	counter atomic.Uint32
}

// NewSocketAllocator builds an allocator starting from a random-ish seed so
// restarts don't immediately reuse recently-closed socket IDs; callers pass
// a seed derived from process start time or a random source.
func NewSocketAllocator(seed uint32) *SocketAllocator {
	a := &SocketAllocator{}
	a.counter.Store(seed)
	return a
}

// Next returns the next socket ID, guaranteed non-zero.
func (a *SocketAllocator) Next() uint32 {
	for {
		v := a.counter.Add(1)
		if v != 0 {
			return v
		}
	}
}
