package dma

// space is the allocator a region came from.
type space interface {
	releaseCoherent(c *Coherent) error
	unmap(m *Mapping) error
}

// Coherent is memory shared with the device for its whole lifetime, used for
// descriptor rings.
type Coherent struct {
	mem   []byte
	size  int
	addr  Addr
	owner space
}

// Bytes returns the host view of the region.
func (c *Coherent) Bytes() []byte {
	if c.mem == nil {
		panic("coherent region used after release")
	}
	return c.mem[:c.size]
}

// Addr returns the device address of the first byte.
func (c *Coherent) Addr() Addr {
	return c.addr
}

func (c *Coherent) Len() int {
	return c.size
}

// Release unmaps the region from the device and frees it. Release on an
// already released region returns ErrReleased.
func (c *Coherent) Release() error {
	if c.mem == nil {
		return ErrReleased
	}

	err := c.owner.releaseCoherent(c)
	c.mem = nil
	return err
}

// Mapping is a streaming mapping of a single buffer.
type Mapping struct {
	addr  Addr
	buf   []byte
	dir   Direction
	owner space

	// slot is the bounce slot backing the mapping, only used by Pinned.
	slot int
}

func (m *Mapping) Addr() Addr {
	return m.addr
}

func (m *Mapping) Len() int {
	return len(m.buf)
}

func (m *Mapping) Direction() Direction {
	return m.dir
}

// Unmap ends the transfer. The buffer belongs to the CPU again afterwards.
func (m *Mapping) Unmap() error {
	if m.buf == nil {
		return ErrReleased
	}
	err := m.owner.unmap(m)
	m.buf = nil
	return err
}
