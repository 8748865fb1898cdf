package ring

import (
	"errors"
	"fmt"
	"sync"

	"github.com/slackhq/e1000/dma"
	"github.com/slackhq/e1000/hw"
	"github.com/slackhq/e1000/packet"
)

type txSlot struct {
	m   *dma.Mapping
	buf *packet.Buffer
}

// Tx is the transmit ring. Descriptors in [nextToClean, tail) belong to the
// device until it sets DD, everything else belongs to the driver. One slot
// always stays empty because head == tail means an empty ring to the device.
type Tx struct {
	mu          sync.Mutex
	alloc       dma.Allocator
	db          Doorbell
	table       *descTable[hw.TxDesc]
	slots       []txSlot
	nextToClean uint32
	pending     int
}

// Completion sums up a reclaim pass.
type Completion struct {
	Packets int
	Bytes   int
}

// NewTx allocates a transmit ring of n descriptors. Every descriptor starts
// with DD set so the first transmit finds a free slot.
func NewTx(alloc dma.Allocator, db Doorbell, n int) (*Tx, error) {
	table, err := newDescTable[hw.TxDesc](alloc, n)
	if err != nil {
		return nil, err
	}

	for i := range table.descs {
		table.descs[i] = hw.TxDesc{}
		table.descs[i].StoreStatus(hw.TXD_STAT_DD)
	}

	return &Tx{
		alloc: alloc,
		db:    db,
		table: table,
		slots: make([]txSlot, n),
	}, nil
}

// Transmit queues buf and hands it to the device. The ring takes ownership
// of buf only when nil is returned. ErrBusy and ErrPacketTooLarge leave the
// ring untouched.
func (t *Tx) Transmit(buf *packet.Buffer) error {
	if buf.Len() > hw.BufferSize {
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, buf.Len())
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.table.descs == nil {
		return ErrClosed
	}

	tail, err := t.db.Tail()
	if err != nil {
		return fmt.Errorf("%w: read transmit tail: %v", ErrBusy, err)
	}
	if tail >= t.table.size() {
		return fmt.Errorf("transmit tail %d out of range for ring of %d", tail, t.table.size())
	}

	d := t.table.at(tail)
	if !d.Done() {
		return ErrBusy
	}

	next := (tail + 1) % t.table.size()
	if next == t.nextToClean {
		return ErrBusy
	}

	t.checkUnusedSlot(tail)

	buf.PadTo(hw.MinFrameLen)
	m, err := t.alloc.Map(buf.Bytes(), dma.ToDevice)
	if err != nil {
		return fmt.Errorf("%w: map transmit buffer: %v", ErrBusy, err)
	}

	d.Addr = uint64(m.Addr())
	d.Length = uint16(buf.Len())
	d.CSO = 0
	d.Cmd = hw.TXD_CMD_EOP | hw.TXD_CMD_IFCS | hw.TXD_CMD_RS
	// Clearing DD gives the descriptor away, the tail write below makes the
	// device look at it.
	d.StoreStatus(0)

	t.slots[tail] = txSlot{m: m, buf: buf}

	if err := t.db.SetTail(next); err != nil {
		d.StoreStatus(hw.TXD_STAT_DD)
		t.slots[tail] = txSlot{}
		return errors.Join(fmt.Errorf("%w: write transmit tail: %v", ErrBusy, err), m.Unmap())
	}

	t.pending++
	return nil
}

// checkUnusedSlot panics when the slot at the tail still holds a buffer,
// the ring state is corrupt at that point.
func (t *Tx) checkUnusedSlot(i uint32) {
	if t.slots[i].buf != nil {
		panic(fmt.Sprintf("transmit slot %d is still in use (next to clean %d, pending %d)",
			i, t.nextToClean, t.pending))
	}
}

// Reclaim releases every descriptor the device is done with, from
// nextToClean up to but never past the head register. Each released buffer
// is passed to release.
func (t *Tx) Reclaim(release func(*packet.Buffer)) (Completion, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var c Completion
	if t.table.descs == nil {
		return c, ErrClosed
	}

	head, err := t.db.Head()
	if err != nil {
		return c, fmt.Errorf("read transmit head: %w", err)
	}
	if head >= t.table.size() {
		return c, fmt.Errorf("transmit head %d out of range for ring of %d", head, t.table.size())
	}

	var errs []error
	for i := t.nextToClean; i != head; i = (i + 1) % t.table.size() {
		d := t.table.at(i)
		if !d.Done() {
			break
		}

		s := t.slots[i]
		if s.buf == nil {
			panic(fmt.Sprintf("transmit slot %d completed without a buffer (head %d)", i, head))
		}

		if err := s.m.Unmap(); err != nil {
			errs = append(errs, err)
		}
		t.slots[i] = txSlot{}

		c.Packets++
		c.Bytes += s.buf.Len()
		t.pending--
		t.nextToClean = (i + 1) % t.table.size()

		if release != nil {
			release(s.buf)
		}
	}

	return c, errors.Join(errs...)
}

// Size returns the number of descriptors.
func (t *Tx) Size() int {
	return int(t.table.size())
}

// Info returns the ring base address and size for the controller.
func (t *Tx) Info() (dma.Addr, int) {
	return t.table.info()
}

// NextToClean returns the first descriptor a reclaim will look at.
func (t *Tx) NextToClean() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextToClean
}

// Pending returns the number of frames handed to the device and not yet
// reclaimed.
func (t *Tx) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// Available returns how many more frames fit before Transmit reports busy.
func (t *Tx) Available() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.table.size()) - 1 - t.pending
}

// Desc renders descriptor i for debug output.
func (t *Tx) Desc(i uint32) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.table.at(i).String()
}

// Close unmaps every buffer still on the ring, passes it to release and
// frees the descriptor memory. The device must be stopped before.
func (t *Tx) Close(release func(*packet.Buffer)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for i := range t.slots {
		s := t.slots[i]
		if s.buf == nil {
			continue
		}
		errs = append(errs, s.m.Unmap())
		t.slots[i] = txSlot{}
		if release != nil {
			release(s.buf)
		}
	}
	t.pending = 0

	if t.table.descs != nil {
		errs = append(errs, t.table.release())
	}
	return errors.Join(errs...)
}
