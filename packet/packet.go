// Package packet provides the frame buffers that move between the network
// stack and the rings.
package packet

import (
	"errors"
	"fmt"
)

// ErrPoolExhausted is returned by Pool.Get when every buffer is in use.
var ErrPoolExhausted = errors.New("packet pool exhausted")

// Buffer holds one ethernet frame. Received frames come from a Pool, frames
// handed down by the stack are wrapped with FromBytes.
type Buffer struct {
	data []byte
	n    int

	// Protocol is the ethertype, filled in on receive.
	Protocol uint16

	pool *Pool
}

// FromBytes wraps a caller owned frame. The buffer is not tied to a pool and
// Free is a no-op for it.
func FromBytes(b []byte) *Buffer {
	return &Buffer{data: b, n: len(b)}
}

// Bytes returns the frame.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.n]
}

// Len returns the frame length.
func (b *Buffer) Len() int {
	return b.n
}

// Cap returns how large the frame may grow without reallocating.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Raw returns the whole backing storage regardless of the frame length.
// This is what a receive descriptor points at.
func (b *Buffer) Raw() []byte {
	return b.data
}

// SetLen sets the frame length after the device filled the buffer.
func (b *Buffer) SetLen(n int) {
	if n < 0 || n > len(b.data) {
		panic(fmt.Sprintf("buffer length %d out of range [0, %d]", n, len(b.data)))
	}
	b.n = n
}

// PadTo zero extends the frame to at least n bytes, growing the backing
// storage when it is too small.
func (b *Buffer) PadTo(n int) {
	if b.n >= n {
		return
	}

	if len(b.data) < n {
		if b.pool != nil {
			panic("can not grow a pooled buffer")
		}
		nd := make([]byte, n)
		copy(nd, b.data[:b.n])
		b.data = nd
	}

	clear(b.data[b.n:n])
	b.n = n
}

// Reset empties the frame and forgets the protocol.
func (b *Buffer) Reset() {
	b.n = 0
	b.Protocol = 0
}

// Free returns a pooled buffer to its pool.
func (b *Buffer) Free() {
	if b.pool != nil {
		b.pool.Put(b)
	}
}
