package ring

import (
	"fmt"
	"unsafe"

	"github.com/slackhq/e1000/dma"
	"github.com/slackhq/e1000/hw"
)

type descriptor interface {
	hw.TxDesc | hw.RxDesc
}

// descTable is the typed view of a ring living in coherent memory. It is the
// only place the ring memory is reinterpreted.
type descTable[D descriptor] struct {
	mem   *dma.Coherent
	descs []D
}

func newDescTable[D descriptor](alloc dma.Allocator, n int) (*descTable[D], error) {
	if err := CheckSize(n); err != nil {
		return nil, err
	}

	mem, err := alloc.AllocCoherent(n * hw.DescriptorSize)
	if err != nil {
		return nil, fmt.Errorf("allocate descriptor ring: %w", err)
	}

	b := mem.Bytes()
	if len(b) != n*hw.DescriptorSize {
		panic(fmt.Sprintf("coherent region size (%v) does not match required size for ring: %v",
			len(b), n*hw.DescriptorSize))
	}

	return &descTable[D]{
		mem:   mem,
		descs: unsafe.Slice((*D)(unsafe.Pointer(&b[0])), n),
	}, nil
}

// at returns the descriptor at i. Out of range indices come from a broken
// head or tail register and are treated as fatal.
func (t *descTable[D]) at(i uint32) *D {
	if int(i) >= len(t.descs) {
		panic(fmt.Sprintf("descriptor index %d out of range for ring of %d", i, len(t.descs)))
	}
	return &t.descs[i]
}

func (t *descTable[D]) size() uint32 {
	return uint32(len(t.descs))
}

func (t *descTable[D]) info() (dma.Addr, int) {
	return t.mem.Addr(), len(t.descs)
}

func (t *descTable[D]) release() error {
	t.descs = nil
	return t.mem.Release()
}
