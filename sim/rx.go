package sim

import (
	"github.com/slackhq/e1000/dma"
	"github.com/slackhq/e1000/hw"
)

func (d *Device) rxDescLocked(i uint32) (*hw.RxDesc, error) {
	base := ringBase(d.regs, hw.RDBAL, hw.RDBAH)
	b, err := d.mem.Resolve(base+dma.Addr(i)*hw.DescriptorSize, hw.DescriptorSize, dma.Bidirectional)
	if err != nil {
		return nil, err
	}
	return hw.RxDescAt(b), nil
}

// handOverRxLocked records the buffers a tail move gives to the device.
func (d *Device) handOverRxLocked(tail uint32) {
	size := d.ringSize(hw.RDLEN)
	if d.regs[hw.RCTL]&hw.RCTL_EN == 0 || size == 0 {
		return
	}
	if tail >= size {
		d.violation("receive tail %d written for a ring of %d", tail, size)
		return
	}

	for i := d.regs[hw.RDT]; i != tail; i = (i + 1) % size {
		desc, err := d.rxDescLocked(i)
		if err != nil {
			d.violation("receive descriptor %d handed over: %v", i, err)
			continue
		}
		if desc.Done() {
			d.violation("receive descriptor %d handed over with DD set", i)
		}
		d.rxOwned[i] = desc.Addr
	}
}

// Inject delivers a frame from the wire. It returns false when the frame was
// missed because reception is off or no descriptor was free.
func (d *Device) Inject(frame []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	size := d.ringSize(hw.RDLEN)
	if d.regs[hw.RCTL]&hw.RCTL_EN == 0 || size == 0 {
		d.stats.RxMissed++
		return false
	}

	head, tail := d.regs[hw.RDH], d.regs[hw.RDT]
	if head == tail {
		d.stats.RxMissed++
		d.causeLocked(hw.ICR_RXO)
		return false
	}
	if len(frame) > hw.BufferSize {
		d.stats.RxMissed++
		return false
	}

	desc, err := d.rxDescLocked(head)
	if err != nil {
		d.stats.RxFaults++
		d.violation("receive descriptor %d: %v", head, err)
		return false
	}
	if addr, ok := d.rxOwned[head]; ok && addr != desc.Addr {
		d.violation("receive descriptor %d address changed while owned by the device: %#x to %#x", head, addr, desc.Addr)
	}
	delete(d.rxOwned, head)
	if desc.Done() {
		d.violation("receive descriptor %d had DD set before write back", head)
	}

	buf, err := d.mem.Resolve(dma.Addr(desc.Addr), len(frame), dma.FromDevice)
	if err != nil {
		d.stats.RxFaults++
		d.violation("receive descriptor %d buffer: %v", head, err)
		desc.Length = 0
		desc.StoreStatus(hw.RXD_STAT_DD|hw.RXD_STAT_EOP, rxErrorFault)
	} else {
		copy(buf, frame)
		desc.Length = uint16(len(frame))
		desc.Checksum = 0
		desc.StoreStatus(hw.RXD_STAT_DD|hw.RXD_STAT_EOP, 0)
		d.stats.RxPackets++
		d.stats.RxBytes += uint64(len(frame))
	}

	head = (head + 1) % size
	d.regs[hw.RDH] = head

	cause := uint32(hw.ICR_RXT0)
	if (tail+size-head)%size < size/2 {
		cause |= hw.ICR_RXDMT0
	}
	d.causeLocked(cause)
	return err == nil
}

// rxErrorFault is reported in the errors byte when the buffer could not be
// written. It reuses the RX data error bit.
const rxErrorFault = 0x80
