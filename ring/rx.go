package ring

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/slackhq/e1000/dma"
	"github.com/slackhq/e1000/hw"
	"github.com/slackhq/e1000/packet"
)

type rxSlot struct {
	m   *dma.Mapping
	buf *packet.Buffer
}

// Rx is the receive ring. Every slot always holds a mapped buffer. The
// descriptor at the tail register is the one the driver holds back, the
// device fills descriptors from its head up to the tail.
type Rx struct {
	mu      sync.Mutex
	alloc   dma.Allocator
	pool    BufferSource
	db      Doorbell
	table   *descTable[hw.RxDesc]
	slots   []rxSlot
	dropped atomic.Uint64
	errored atomic.Uint64
}

// NewRx allocates a receive ring of n descriptors and attaches a fresh
// buffer to each of them. Everything acquired is released again on failure.
func NewRx(alloc dma.Allocator, pool BufferSource, db Doorbell, n int) (_ *Rx, err error) {
	table, err := newDescTable[hw.RxDesc](alloc, n)
	if err != nil {
		return nil, err
	}

	r := &Rx{
		alloc: alloc,
		pool:  pool,
		db:    db,
		table: table,
		slots: make([]rxSlot, n),
	}
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	for i := range r.slots {
		buf, m, err := r.newBuffer()
		if err != nil {
			return nil, fmt.Errorf("prime receive slot %d: %w", i, err)
		}
		r.slots[i] = rxSlot{m: m, buf: buf}

		d := &table.descs[i]
		*d = hw.RxDesc{Addr: uint64(m.Addr())}
		d.StoreStatus(0, 0)
	}

	return r, nil
}

func (r *Rx) newBuffer() (*packet.Buffer, *dma.Mapping, error) {
	buf, err := r.pool.Get()
	if err != nil {
		return nil, nil, err
	}

	m, err := r.alloc.Map(buf.Raw(), dma.FromDevice)
	if err != nil {
		buf.Free()
		return nil, nil, err
	}
	return buf, m, nil
}

// Drain hands filled descriptors to deliver, oldest first, starting right
// after the tail register. It stops at the first descriptor without DD or
// after max descriptors when max is positive. Each processed descriptor gets
// a fresh buffer and is returned to the device by moving the tail onto it.
//
// When no fresh buffer can be had the frame is dropped and its buffer stays
// on the ring, so the ring never shrinks.
func (r *Rx) Drain(max int, deliver func(*packet.Buffer)) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.table.descs == nil {
		return 0, ErrClosed
	}

	tail, err := r.db.Tail()
	if err != nil {
		return 0, fmt.Errorf("read receive tail: %w", err)
	}
	if tail >= r.table.size() {
		return 0, fmt.Errorf("receive tail %d out of range for ring of %d", tail, r.table.size())
	}

	done := 0
	i := (tail + 1) % r.table.size()
	for max <= 0 || done < max {
		d := r.table.at(i)
		if !d.Done() {
			break
		}

		s := &r.slots[i]
		length := int(d.Length)

		switch {
		case d.LoadErrors() != 0 || length > s.buf.Cap():
			r.errored.Add(1)

		default:
			buf, m, err := r.newBuffer()
			if err != nil {
				r.dropped.Add(1)
				break
			}

			old := *s
			*s = rxSlot{m: m, buf: buf}
			d.Addr = uint64(m.Addr())

			if err := old.m.Unmap(); err != nil {
				// Still deliver, the frame is intact.
				r.errored.Add(1)
			}
			old.buf.SetLen(length)
			deliver(old.buf)
		}

		d.Length = 0
		d.StoreStatus(0, 0)
		if err := r.db.SetTail(i); err != nil {
			return done + 1, fmt.Errorf("write receive tail: %w", err)
		}

		done++
		i = (i + 1) % r.table.size()
	}

	return done, nil
}

// Dropped returns the number of frames lost because no replacement buffer
// could be had.
func (r *Rx) Dropped() uint64 {
	return r.dropped.Load()
}

// Errors returns the number of frames the device flagged as bad.
func (r *Rx) Errors() uint64 {
	return r.errored.Load()
}

// Size returns the number of descriptors.
func (r *Rx) Size() int {
	return int(r.table.size())
}

// Info returns the ring base address and size for the controller.
func (r *Rx) Info() (dma.Addr, int) {
	return r.table.info()
}

// Desc renders descriptor i for debug output.
func (r *Rx) Desc(i uint32) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table.at(i).String()
}

// Close unmaps and frees every buffer and the descriptor memory. The device
// must be stopped before.
func (r *Rx) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for i := range r.slots {
		s := r.slots[i]
		if s.buf == nil {
			continue
		}
		errs = append(errs, s.m.Unmap())
		s.buf.Free()
		r.slots[i] = rxSlot{}
	}

	if r.table.descs != nil {
		errs = append(errs, r.table.release())
	}
	return errors.Join(errs...)
}
