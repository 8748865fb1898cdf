package sim

import (
	"fmt"

	"github.com/slackhq/e1000/hw"
)

func checkOffset(offset uint32) error {
	if offset%4 != 0 || offset >= hw.RegisterSpace {
		return fmt.Errorf("register offset %#x is not a valid aligned offset", offset)
	}
	return nil
}

func (d *Device) Read32(offset uint32) (uint32, error) {
	if err := checkOffset(offset); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readLocked(offset), nil
}

func (d *Device) readLocked(offset uint32) uint32 {
	switch offset {
	case hw.ICR:
		v := d.icr
		d.icr = 0
		return v
	case hw.IMS:
		return d.ims
	case hw.STATUS:
		v := uint32(hw.STATUS_FD)
		if d.link {
			v |= hw.STATUS_LU
		}
		return v
	}
	return d.regs[offset]
}

func (d *Device) Write32(offset, value uint32) error {
	if err := checkOffset(offset); err != nil {
		return err
	}

	d.txMu.Lock()
	defer d.txMu.Unlock()

	d.mu.Lock()
	frames := d.writeLocked(offset, value)
	wire := d.opts.wire
	d.mu.Unlock()

	emit(wire, frames)
	return nil
}

// Out32 writes the I/O BAR. IODATA lands on the register last selected
// through IOADDR.
func (d *Device) Out32(port, value uint32) error {
	switch port {
	case hw.IOADDR:
		d.mu.Lock()
		d.ioAddr = value
		d.mu.Unlock()
		return nil
	case hw.IODATA:
		d.mu.Lock()
		offset := d.ioAddr
		d.mu.Unlock()
		return d.Write32(offset, value)
	}
	return fmt.Errorf("io port %#x is not decoded", port)
}

func (d *Device) In32(port uint32) (uint32, error) {
	switch port {
	case hw.IOADDR:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.ioAddr, nil
	case hw.IODATA:
		d.mu.Lock()
		offset := d.ioAddr
		d.mu.Unlock()
		return d.Read32(offset)
	}
	return 0, fmt.Errorf("io port %#x is not decoded", port)
}

// writeLocked applies a register write and returns any frames that left the
// device because of it.
func (d *Device) writeLocked(offset, value uint32) [][]byte {
	switch offset {
	case hw.CTRL:
		if value&hw.CTRL_RST != 0 {
			d.resetLocked()
			return nil
		}
		d.regs[hw.CTRL] = value &^ hw.CTRL_PHY_RST

	case hw.ICR:
		// Writing ones clears causes.
		d.icr &^= value

	case hw.ICS:
		d.causeLocked(value)

	case hw.IMS:
		d.ims |= value
		d.raiseLocked()

	case hw.IMC:
		d.ims &^= value

	case hw.STATUS:
		// Read only.

	case hw.TDLEN, hw.RDLEN:
		d.regs[offset] = value &^ 0x7f

	case hw.TDH:
		// Moving the head rewinds the ring, nothing is owned anymore.
		d.regs[hw.TDH] = value
		clear(d.txOwned)

	case hw.RDH:
		d.regs[hw.RDH] = value
		clear(d.rxOwned)

	case hw.TDT:
		d.handOverTxLocked(value)
		d.regs[hw.TDT] = value
		return d.txKickLocked()

	case hw.RDT:
		d.handOverRxLocked(value)
		d.regs[hw.RDT] = value

	case hw.TCTL:
		d.regs[hw.TCTL] = value
		return d.txKickLocked()

	default:
		d.regs[offset] = value
	}
	return nil
}

func emit(wire Wire, frames [][]byte) {
	if wire == nil {
		return
	}
	for _, f := range frames {
		wire(f)
	}
}
