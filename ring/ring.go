// Package ring manages the transmit and receive descriptor rings shared with
// the controller. Ownership of a descriptor is decided by its DD status bit
// alone; head and tail registers only tell where to look.
package ring

import (
	"errors"

	"github.com/slackhq/e1000/packet"
)

var (
	// ErrBusy is returned by Tx.Transmit when the ring has no free
	// descriptor. Nothing was queued and the caller may retry after the
	// ring was reclaimed.
	ErrBusy = errors.New("transmit ring busy")

	// ErrPacketTooLarge is returned by Tx.Transmit for frames larger than a
	// descriptor can carry. The frame should be dropped.
	ErrPacketTooLarge = errors.New("packet too large for transmit descriptor")

	// ErrClosed is returned when a ring is used after Close.
	ErrClosed = errors.New("ring closed")
)

// Doorbell gives access to the head and tail registers of a ring.
type Doorbell interface {
	Head() (uint32, error)
	Tail() (uint32, error)
	SetTail(uint32) error
}

// BufferSource supplies receive buffers.
type BufferSource interface {
	Get() (*packet.Buffer, error)
}
