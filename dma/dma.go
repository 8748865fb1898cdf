// Package dma hands out device visible memory. Coherent regions hold
// descriptor rings, streaming mappings expose packet buffers for one
// transfer. IOMMU is a software address space a device model translates
// through, Pinned programs a real IOMMU domain through the kernel.
package dma

import (
	"errors"
	"fmt"
)

var (
	// ErrMappingLimit is returned by Map when no more streaming mappings may
	// be created.
	ErrMappingLimit = errors.New("dma mapping limit reached")

	// ErrFault is returned when a device address does not translate to
	// mapped memory with the requested access.
	ErrFault = errors.New("dma fault")

	// ErrReleased is returned when a region is used after it was released.
	ErrReleased = errors.New("dma region already released")
)

// Addr is a bus address as programmed into the device.
type Addr uint64

// Direction of a streaming mapping, seen from the device.
type Direction int

const (
	Bidirectional Direction = iota
	ToDevice
	FromDevice
)

func (d Direction) String() string {
	switch d {
	case Bidirectional:
		return "bidirectional"
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// allows reports whether a device access of kind want is legal on a mapping
// created with d.
func (d Direction) allows(want Direction) bool {
	return d == Bidirectional || d == want
}

// Allocator is what the ring code needs from the DMA subsystem.
type Allocator interface {
	AllocCoherent(size int) (*Coherent, error)
	Map(buf []byte, dir Direction) (*Mapping, error)
}
