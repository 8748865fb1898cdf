package dma

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

const pageShift = 12
const pageSize = 1 << pageShift

// defaultBase keeps zero and the low pages unmapped so stray descriptors
// fault instead of aliasing a real buffer.
const defaultBase = Addr(0x10000000)

type region struct {
	base Addr
	mem  []byte
	dir  Direction
}

// IOMMU translates between host memory and device addresses. Addresses are
// never reused within the lifetime of an IOMMU.
type IOMMU struct {
	mu    sync.Mutex
	next  Addr
	pages map[Addr]*region
	live  int
	limit int
}

type optionValues struct {
	base  Addr
	limit int
}

var optionDefaults = optionValues{
	base:  defaultBase,
	limit: -1,
}

// Option can be passed to [NewIOMMU].
type Option func(*optionValues)

// WithBase sets the first device address handed out. It is rounded up to a
// page boundary.
func WithBase(base Addr) Option {
	return func(o *optionValues) { o.base = base }
}

// WithMappingLimit caps the number of live streaming mappings. A negative
// value means no limit.
func WithMappingLimit(n int) Option {
	return func(o *optionValues) { o.limit = n }
}

func NewIOMMU(options ...Option) *IOMMU {
	opts := optionDefaults
	for _, o := range options {
		o(&opts)
	}

	return &IOMMU{
		next:  alignUp(opts.base),
		pages: make(map[Addr]*region),
		limit: opts.limit,
	}
}

// SetMappingLimit changes the live streaming mapping cap. Existing mappings
// are not affected.
func (m *IOMMU) SetMappingLimit(n int) {
	m.mu.Lock()
	m.limit = n
	m.mu.Unlock()
}

// Live returns the number of streaming mappings that were not unmapped yet.
func (m *IOMMU) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// AllocCoherent allocates zeroed, page aligned memory that stays mapped for
// both directions until Release.
func (m *IOMMU) AllocCoherent(size int) (*Coherent, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid coherent allocation size %d", size)
	}

	mem, err := unix.Mmap(-1, 0, int(alignUp(Addr(size))),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocate coherent memory: %w", err)
	}

	m.mu.Lock()
	r := m.insert(mem[:size], Bidirectional)
	m.mu.Unlock()

	return &Coherent{mem: mem, size: size, addr: r.base, owner: m}, nil
}

// Map makes buf visible to the device for a single transfer.
func (m *IOMMU) Map(buf []byte, dir Direction) (*Mapping, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("can not map an empty buffer")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limit >= 0 && m.live >= m.limit {
		return nil, fmt.Errorf("%w: %d live", ErrMappingLimit, m.live)
	}

	r := m.insert(buf, dir)
	m.live++
	return &Mapping{addr: r.base, buf: buf, dir: dir, owner: m}, nil
}

// Resolve translates a device access of n bytes at addr. want is the
// direction of the access: ToDevice for device reads, FromDevice for device
// writes.
func (m *IOMMU) Resolve(addr Addr, n int, want Direction) ([]byte, error) {
	m.mu.Lock()
	r, ok := m.pages[addr>>pageShift]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %#x is not mapped", ErrFault, addr)
	}

	if !r.dir.allows(want) {
		return nil, fmt.Errorf("%w: %v access to %v mapping at %#x", ErrFault, want, r.dir, addr)
	}

	off := int(addr - r.base)
	if n < 0 || off+n > len(r.mem) {
		return nil, fmt.Errorf("%w: %d bytes at %#x overrun a %d byte mapping", ErrFault, n, addr, len(r.mem))
	}

	return r.mem[off : off+n], nil
}

// insert must be called with mu held.
func (m *IOMMU) insert(mem []byte, dir Direction) *region {
	r := &region{base: m.next, mem: mem, dir: dir}
	span := alignUp(Addr(len(mem)))
	for p := r.base; p < r.base+span; p += pageSize {
		m.pages[p>>pageShift] = r
	}
	m.next += span
	return r
}

func (m *IOMMU) releaseCoherent(c *Coherent) error {
	m.remove(c.addr, c.size, false)
	if err := unix.Munmap(c.mem); err != nil {
		return fmt.Errorf("free coherent memory: %w", err)
	}
	return nil
}

func (m *IOMMU) unmap(mp *Mapping) error {
	m.remove(mp.addr, len(mp.buf), true)
	return nil
}

func (m *IOMMU) remove(base Addr, size int, streaming bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	span := alignUp(Addr(size))
	for p := base; p < base+span; p += pageSize {
		delete(m.pages, p>>pageShift)
	}
	if streaming {
		m.live--
	}
}

func alignUp(a Addr) Addr {
	return (a + pageSize - 1) &^ (pageSize - 1)
}
