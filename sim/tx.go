package sim

import (
	"time"

	"github.com/slackhq/e1000/dma"
	"github.com/slackhq/e1000/hw"
)

func (d *Device) txDescLocked(i uint32) (*hw.TxDesc, error) {
	base := ringBase(d.regs, hw.TDBAL, hw.TDBAH)
	b, err := d.mem.Resolve(base+dma.Addr(i)*hw.DescriptorSize, hw.DescriptorSize, dma.Bidirectional)
	if err != nil {
		return nil, err
	}
	return hw.TxDescAt(b), nil
}

// handOverTxLocked records the descriptors a tail move gives to the device.
func (d *Device) handOverTxLocked(tail uint32) {
	size := d.ringSize(hw.TDLEN)
	if d.regs[hw.TCTL]&hw.TCTL_EN == 0 || size == 0 {
		// Programming a stopped unit.
		return
	}
	if tail >= size {
		d.violation("transmit tail %d written for a ring of %d", tail, size)
		return
	}

	for i := d.regs[hw.TDT]; i != tail; i = (i + 1) % size {
		desc, err := d.txDescLocked(i)
		if err != nil {
			d.violation("transmit descriptor %d handed over: %v", i, err)
			continue
		}
		if desc.Done() {
			d.violation("transmit descriptor %d handed over with DD set", i)
		}
		d.txOwned[i] = hw.TxDesc{Addr: desc.Addr, Length: desc.Length, Cmd: desc.Cmd}
	}
}

func (d *Device) txPendingLocked() bool {
	return d.regs[hw.TDH] != d.regs[hw.TDT]
}

// txKickLocked runs the transmit engine the way the device was configured
// to: right away, after a delay or not at all until CompleteTx.
func (d *Device) txKickLocked() [][]byte {
	switch {
	case d.opts.manualTx:
		return nil

	case d.opts.doneDelay > 0:
		if !d.kickArmed && d.txPendingLocked() {
			d.kickArmed = true
			time.AfterFunc(d.opts.doneDelay, d.delayedKick)
		}
		return nil
	}

	frames, _ := d.processTxLocked(-1)
	return frames
}

func (d *Device) delayedKick() {
	d.txMu.Lock()
	defer d.txMu.Unlock()

	d.mu.Lock()
	d.kickArmed = false
	var frames [][]byte
	if !d.closed {
		frames, _ = d.processTxLocked(-1)
	}
	wire := d.opts.wire
	d.mu.Unlock()

	emit(wire, frames)
}

// CompleteTx lets the device finish up to n outstanding transmit descriptors
// and returns how many it finished.
func (d *Device) CompleteTx(n int) int {
	d.txMu.Lock()
	defer d.txMu.Unlock()

	d.mu.Lock()
	frames, done := d.processTxLocked(n)
	wire := d.opts.wire
	d.mu.Unlock()

	emit(wire, frames)
	return done
}

// TxOutstanding returns how many descriptors sit between head and tail.
func (d *Device) TxOutstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	size := d.ringSize(hw.TDLEN)
	if size == 0 {
		return 0
	}
	return int((d.regs[hw.TDT] + size - d.regs[hw.TDH]) % size)
}

// processTxLocked walks the transmit ring from head to tail, limited to max
// descriptors when max is not negative.
func (d *Device) processTxLocked(max int) ([][]byte, int) {
	size := d.ringSize(hw.TDLEN)
	if d.regs[hw.TCTL]&hw.TCTL_EN == 0 || size == 0 {
		return nil, 0
	}

	var frames [][]byte
	done := 0
	head, tail := d.regs[hw.TDH], d.regs[hw.TDT]
	for head != tail && (max < 0 || done < max) {
		if f := d.transmitLocked(head); f != nil {
			frames = append(frames, f)
		}
		head = (head + 1) % size
		done++
	}
	d.regs[hw.TDH] = head

	if done > 0 {
		cause := uint32(hw.ICR_TXDW)
		if head == tail {
			cause |= hw.ICR_TXQE
		}
		d.causeLocked(cause)
	}
	return frames, done
}

func (d *Device) transmitLocked(i uint32) []byte {
	desc, err := d.txDescLocked(i)
	if err != nil {
		d.stats.TxFaults++
		d.violation("transmit descriptor %d: %v", i, err)
		return nil
	}

	if snap, ok := d.txOwned[i]; ok {
		if snap.Addr != desc.Addr || snap.Length != desc.Length || snap.Cmd != desc.Cmd {
			d.violation("transmit descriptor %d changed while owned by the device: was %v now %v", i, &snap, desc)
		}
		delete(d.txOwned, i)
	}
	if desc.Done() {
		d.violation("transmit descriptor %d had DD set before write back", i)
	}

	var frame []byte
	buf, err := d.mem.Resolve(dma.Addr(desc.Addr), int(desc.Length), dma.ToDevice)
	if err != nil {
		d.stats.TxFaults++
		d.violation("transmit descriptor %d buffer: %v", i, err)
	} else {
		frame = append([]byte(nil), buf...)
		d.stats.TxPackets++
		d.stats.TxBytes += uint64(len(frame))
	}

	if desc.Cmd&hw.TXD_CMD_RS != 0 {
		desc.StoreStatus(hw.TXD_STAT_DD)
	}
	return frame
}
