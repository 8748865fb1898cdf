package dma

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Domain is an IOMMU domain the kernel maps on our behalf, a VFIO container
// for instance. mem must stay at the same host address while mapped.
type Domain interface {
	MapDMA(mem []byte, iova uint64) error
	UnmapDMA(iova uint64, size uint64) error
}

// Pinned hands out memory that is pinned and mapped in a Domain, so a real
// controller can reach it at the returned device addresses.
//
// Streaming mappings never expose the caller's buffer. Each one borrows a
// slot of a bounce arena that was mapped once: data for the device is copied
// in by Map, data from the device is copied out by Unmap.
type Pinned struct {
	domain   Domain
	slotSize int

	mu    sync.Mutex
	next  Addr
	arena *Coherent
	free  []int
}

// NewPinned maps a bounce arena of slots buffers of slotSize bytes into d.
// The number of slots is the limit of live streaming mappings.
func NewPinned(d Domain, slots, slotSize int, options ...Option) (*Pinned, error) {
	if slots <= 0 || slotSize <= 0 {
		return nil, fmt.Errorf("invalid bounce arena geometry: %d slots of %d bytes", slots, slotSize)
	}

	opts := optionDefaults
	for _, o := range options {
		o(&opts)
	}

	p := &Pinned{
		domain:   d,
		slotSize: slotSize,
		next:     alignUp(opts.base),
		free:     make([]int, 0, slots),
	}

	arena, err := p.AllocCoherent(slots * slotSize)
	if err != nil {
		return nil, fmt.Errorf("map bounce arena: %w", err)
	}
	p.arena = arena

	// Hand out low slots first.
	for i := slots - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p, nil
}

// AllocCoherent allocates zeroed, page aligned memory and maps it for both
// directions until Release.
func (p *Pinned) AllocCoherent(size int) (*Coherent, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid coherent allocation size %d", size)
	}

	span := alignUp(Addr(size))
	mem, err := unix.Mmap(-1, 0, int(span),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("allocate coherent memory: %w", err)
	}

	p.mu.Lock()
	addr := p.next
	p.next += span
	p.mu.Unlock()

	if err := p.domain.MapDMA(mem, uint64(addr)); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("map %d bytes at %#x: %w", len(mem), addr, err)
	}

	return &Coherent{mem: mem, size: size, addr: addr, owner: p}, nil
}

// Map lends buf's contents to the device through a bounce slot.
func (p *Pinned) Map(buf []byte, dir Direction) (*Mapping, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("can not map an empty buffer")
	}
	if len(buf) > p.slotSize {
		return nil, fmt.Errorf("can not map %d bytes, bounce slots hold %d", len(buf), p.slotSize)
	}

	p.mu.Lock()
	if len(p.free) == 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: every bounce slot is in use", ErrMappingLimit)
	}
	slot := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.mu.Unlock()

	if dir != FromDevice {
		copy(p.bounce(slot, len(buf)), buf)
	}

	return &Mapping{
		addr:  p.arena.Addr() + Addr(slot*p.slotSize),
		buf:   buf,
		dir:   dir,
		owner: p,
		slot:  slot,
	}, nil
}

// Live returns the number of streaming mappings that were not unmapped yet.
func (p *Pinned) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cap(p.free) - len(p.free)
}

// Close releases the bounce arena. Every streaming mapping must be unmapped.
func (p *Pinned) Close() error {
	if live := p.Live(); live != 0 {
		return fmt.Errorf("closing dma allocator with %d live mappings", live)
	}
	if err := p.arena.Release(); err != nil && !errors.Is(err, ErrReleased) {
		return err
	}
	return nil
}

func (p *Pinned) bounce(slot, n int) []byte {
	off := slot * p.slotSize
	return p.arena.Bytes()[off : off+n]
}

func (p *Pinned) releaseCoherent(c *Coherent) error {
	uerr := p.domain.UnmapDMA(uint64(c.addr), uint64(len(c.mem)))
	if uerr != nil {
		// The device may still reach the pages, leaking them is the only safe option.
		return fmt.Errorf("unmap %d bytes at %#x: %w", len(c.mem), c.addr, uerr)
	}
	if err := unix.Munmap(c.mem); err != nil {
		return fmt.Errorf("free coherent memory: %w", err)
	}
	return nil
}

func (p *Pinned) unmap(m *Mapping) error {
	if m.dir != ToDevice {
		copy(m.buf, p.bounce(m.slot, len(m.buf)))
	}

	p.mu.Lock()
	p.free = append(p.free, m.slot)
	p.mu.Unlock()
	return nil
}
