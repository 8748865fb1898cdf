package irq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// INTx is the legacy interrupt of a PCI function owned through VFIO.
type INTx interface {
	// SetINTxTrigger signals efd on every interrupt, a negative efd stops it.
	SetINTxTrigger(efd int) error
	UnmaskINTx() error
}

// VFIOSource takes the legacy interrupt of a VFIO device through an eventfd.
// The kernel masks the interrupt when it fires, Ack unmasks it again.
type VFIOSource struct {
	dev   INTx
	efd   int
	ep    *epoll
	count atomic.Uint64
}

// NewVFIOSource routes dev's interrupt to a new eventfd.
func NewVFIOSource(dev INTx) (*VFIOSource, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create interrupt eventfd: %w", err)
	}

	ep, err := newEpoll(efd)
	if err != nil {
		unix.Close(efd)
		return nil, fmt.Errorf("create epoll for interrupt eventfd: %w", err)
	}

	s := &VFIOSource{dev: dev, efd: efd, ep: ep}
	if err := dev.SetINTxTrigger(efd); err != nil {
		s.closeFDs()
		return nil, err
	}
	return s, nil
}

func (s *VFIOSource) Wait() error {
	ready, err := s.ep.block()
	if err != nil {
		return err
	}

	for range ready {
		var buf [8]byte
		n, err := unix.Read(s.efd, buf[:])
		if err != nil {
			if err == unix.EAGAIN {
				continue
			}
			return fmt.Errorf("read interrupt eventfd: %w", err)
		}
		if n == len(buf) {
			s.count.Add(binary.NativeEndian.Uint64(buf[:]))
		}
	}
	return nil
}

func (s *VFIOSource) Ack() error {
	return s.dev.UnmaskINTx()
}

// Count returns the number of interrupts signalled so far.
func (s *VFIOSource) Count() uint64 {
	return s.count.Load()
}

func (s *VFIOSource) Wake() error {
	return s.ep.wake()
}

// Close stops the kernel from signalling and closes the eventfd.
func (s *VFIOSource) Close() error {
	return errors.Join(s.dev.SetINTxTrigger(-1), s.closeFDs())
}

func (s *VFIOSource) closeFDs() error {
	return errors.Join(s.ep.Close(), unix.Close(s.efd))
}
