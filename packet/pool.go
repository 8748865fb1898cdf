package packet

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Pool is a fixed set of equally sized buffers carved out of one anonymous
// mapping.
type Pool struct {
	mu    sync.Mutex
	mem   []byte
	free  []*Buffer
	size  int
	count int
}

// NewPool allocates count buffers of size bytes each.
func NewPool(count, size int) (*Pool, error) {
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("invalid pool geometry: %d buffers of %d bytes", count, size)
	}

	mem, err := unix.Mmap(-1, 0, count*size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocate packet pool memory: %w", err)
	}

	p := &Pool{
		mem:   mem,
		free:  make([]*Buffer, 0, count),
		size:  size,
		count: count,
	}

	for i := 0; i < count; i++ {
		p.free = append(p.free, &Buffer{
			data: mem[i*size : (i+1)*size : (i+1)*size],
			pool: p,
		})
	}

	return p, nil
}

// Get takes an empty buffer from the pool.
func (p *Pool) Get() (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, ErrPoolExhausted
	}

	b := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return b, nil
}

// Put returns a buffer. Putting a buffer twice or one from another pool
// panics.
func (p *Pool) Put(b *Buffer) {
	if b.pool != p {
		panic("buffer returned to the wrong pool")
	}
	b.Reset()

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == p.count {
		panic("packet pool overflow, buffer returned twice")
	}
	p.free = append(p.free, b)
}

// Available returns the number of buffers that can be taken.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// BufferSize returns the capacity of every buffer in the pool.
func (p *Pool) BufferSize() int {
	return p.size
}

// Close releases the pool memory. Every buffer must have been returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mem == nil {
		return nil
	}
	if len(p.free) != p.count {
		return fmt.Errorf("closing packet pool with %d buffers in use", p.count-len(p.free))
	}

	mem := p.mem
	p.mem = nil
	p.free = nil
	return unix.Munmap(mem)
}
