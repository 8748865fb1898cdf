// Package regs is the register interface of the controller: 32-bit access
// to the memory mapped BAR and the indirect I/O port path, plus the reset
// and configuration sequences built on top of them.
package regs

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrRegionInvalid is returned by every access once the register window is
// gone, either closed by the driver or never mapped.
var ErrRegionInvalid = errors.New("register region is invalid")

// MMIO is a memory mapped register window.
type MMIO interface {
	Read32(offset uint32) (uint32, error)
	Write32(offset uint32, value uint32) error
}

// IOPort is the I/O BAR.
type IOPort interface {
	Out32(port uint32, value uint32) error
}

// Regs owns both register regions of one controller.
type Regs struct {
	l      *logrus.Logger
	mmio   MMIO
	io     IOPort
	sleep  func(time.Duration)
	closed atomic.Bool
}

// Option can be passed to [New].
type Option func(*Regs)

// WithSleep replaces time.Sleep for the delays of the reset sequence.
func WithSleep(f func(time.Duration)) Option {
	return func(r *Regs) { r.sleep = f }
}

func New(l *logrus.Logger, mmio MMIO, io IOPort, options ...Option) *Regs {
	r := &Regs{
		l:     l,
		mmio:  mmio,
		io:    io,
		sleep: time.Sleep,
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Read32 reads the register at offset.
func (r *Regs) Read32(offset uint32) (uint32, error) {
	if r.closed.Load() || r.mmio == nil {
		return 0, ErrRegionInvalid
	}
	return r.mmio.Read32(offset)
}

// Write32 writes value to the register at offset.
func (r *Regs) Write32(offset uint32, value uint32) error {
	if r.closed.Load() || r.mmio == nil {
		return ErrRegionInvalid
	}
	return r.mmio.Write32(offset, value)
}

// IOWrite writes value to the register at addr through the I/O BAR: the
// address goes to IOADDR, then the value to IODATA.
func (r *Regs) IOWrite(addr uint32, value uint32) error {
	if r.closed.Load() || r.io == nil {
		return ErrRegionInvalid
	}
	if err := r.io.Out32(ioAddrPort, addr); err != nil {
		return err
	}
	return r.io.Out32(ioDataPort, value)
}

// ReadICR reads and thereby clears the pending interrupt causes.
func (r *Regs) ReadICR() (uint32, error) {
	return r.Read32(icrOffset)
}

// write32All stops at the first failing write.
func (r *Regs) write32All(writes ...[2]uint32) error {
	for _, w := range writes {
		if err := r.Write32(w[0], w[1]); err != nil {
			return fmt.Errorf("write %#x to register %#05x: %w", w[1], w[0], err)
		}
	}
	return nil
}

// Close invalidates the register interface and closes the regions that
// can be closed. Later accesses return ErrRegionInvalid.
func (r *Regs) Close() error {
	if r.closed.Swap(true) {
		return nil
	}

	var errs []error
	if c, ok := r.mmio.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := r.io.(io.Closer); ok && any(r.io) != any(r.mmio) {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
